package groupscript

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

const (
	// descScriptTag is the numeric marker that distinguishes a group
	// description document from other OP_RETURN payloads.
	descScriptTag = 88888888

	// MaxTickerLen bounds the ticker field of a description document.
	MaxTickerLen = 8

	// MaxDecimalPos bounds the decimal position field. Sixteen digits
	// keeps every representable quantity within the 64-bit amount field.
	MaxDecimalPos = 16

	// DocumentHashSize is the byte length of the document hash field.
	DocumentHashSize = 32
)

var (
	// ErrInvalidDescription is returned when a description document
	// violates one of the field constraints.
	ErrInvalidDescription = errors.New("invalid group description")

	// ErrNotDescScript is returned when a script is not a group
	// description document at all.
	ErrNotDescScript = errors.New("not a group description script")
)

// GroupDescription is the human-facing metadata of a token group. It is
// committed to by the group identifier via the OP_RETURN output of the
// genesis transaction.
type GroupDescription struct {
	// Ticker is the short display symbol, at most MaxTickerLen bytes.
	Ticker string

	// Name is the full display name of the token.
	Name string

	// DecimalPos is the number of decimal places display tools should
	// shift the integer quantity by.
	DecimalPos uint8

	// DocumentURL optionally points at an extended description document.
	// When set it must look like a URL, meaning it contains a scheme
	// separator.
	DocumentURL string

	// DocumentHash is the hash of the document behind DocumentURL. Only
	// meaningful when DocumentURL is set.
	DocumentHash [DocumentHashSize]byte
}

// Validate checks the field constraints of the description.
func (d *GroupDescription) Validate() error {
	if d.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrInvalidDescription)
	}
	if len(d.Ticker) > MaxTickerLen {
		return fmt.Errorf("%w: ticker %q longer than %d bytes",
			ErrInvalidDescription, d.Ticker, MaxTickerLen)
	}
	if d.DecimalPos > MaxDecimalPos {
		return fmt.Errorf("%w: decimal position %d exceeds %d",
			ErrInvalidDescription, d.DecimalPos, MaxDecimalPos)
	}
	if d.DocumentURL != "" && !strings.Contains(d.DocumentURL, ":") {
		return fmt.Errorf("%w: document URL %q has no scheme",
			ErrInvalidDescription, d.DocumentURL)
	}
	return nil
}

// BuildDescScript serializes the description into its OP_RETURN script
// form. The resulting script is what the group identifier derivation
// commits to.
func BuildDescScript(desc *GroupDescription) ([]byte, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddInt64(descScriptTag)
	builder.AddData([]byte(desc.Ticker))
	builder.AddData([]byte(desc.Name))
	builder.AddInt64(int64(desc.DecimalPos))

	if desc.DocumentURL != "" {
		builder.AddData([]byte(desc.DocumentURL))
		builder.AddData(desc.DocumentHash[:])
	}

	return builder.Script()
}

// ParseDescScript decodes an OP_RETURN description document script and
// validates the recovered fields.
func ParseDescScript(script []byte) (*GroupDescription, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, ErrNotDescScript
	}

	tag, err := nextScriptNum(&tokenizer)
	if err != nil || tag != descScriptTag {
		return nil, ErrNotDescScript
	}

	ticker, err := nextPushBytes(&tokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: ticker: %v",
			ErrInvalidDescription, err)
	}
	name, err := nextPushBytes(&tokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: name: %v",
			ErrInvalidDescription, err)
	}
	decimalPos, err := nextScriptNum(&tokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: decimal position: %v",
			ErrInvalidDescription, err)
	}
	if decimalPos < 0 || decimalPos > MaxDecimalPos {
		return nil, fmt.Errorf("%w: decimal position %d out of range",
			ErrInvalidDescription, decimalPos)
	}

	desc := &GroupDescription{
		Ticker:     string(ticker),
		Name:       string(name),
		DecimalPos: uint8(decimalPos),
	}

	// The document URL and its hash are an optional trailing pair.
	if tokenizer.Next() {
		url, err := pushBytes(tokenizer.Opcode(), tokenizer.Data())
		if err != nil {
			return nil, fmt.Errorf("%w: document URL: %v",
				ErrInvalidDescription, err)
		}
		desc.DocumentURL = string(url)

		hash, err := nextPushBytes(&tokenizer)
		if err != nil {
			return nil, fmt.Errorf("%w: document hash: %v",
				ErrInvalidDescription, err)
		}
		if len(hash) != DocumentHashSize {
			return nil, fmt.Errorf("%w: document hash is %d bytes",
				ErrInvalidDescription, len(hash))
		}
		copy(desc.DocumentHash[:], hash)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// nextPushBytes advances the tokenizer and returns the pushed bytes of the
// next element.
func nextPushBytes(tokenizer *txscript.ScriptTokenizer) ([]byte, error) {
	if !tokenizer.Next() {
		return nil, fmt.Errorf("truncated script")
	}
	return pushBytes(tokenizer.Opcode(), tokenizer.Data())
}

// pushBytes interprets a single script element as a data push. Small
// integer opcodes are accepted since the builder emits them for short
// numeric fields.
func pushBytes(opcode byte, data []byte) ([]byte, error) {
	switch {
	case data != nil:
		return data, nil

	case opcode == txscript.OP_0:
		return []byte{}, nil

	case opcode >= txscript.OP_1 && opcode <= txscript.OP_16:
		return []byte{opcode - (txscript.OP_1 - 1)}, nil

	default:
		return nil, fmt.Errorf("opcode %d is not a push", opcode)
	}
}

// nextScriptNum advances the tokenizer and decodes the next element as a
// minimally-encoded script number.
func nextScriptNum(tokenizer *txscript.ScriptTokenizer) (int64, error) {
	if !tokenizer.Next() {
		return 0, fmt.Errorf("truncated script")
	}

	opcode := tokenizer.Opcode()
	switch {
	case opcode == txscript.OP_0:
		return 0, nil

	case opcode >= txscript.OP_1 && opcode <= txscript.OP_16:
		return int64(opcode - (txscript.OP_1 - 1)), nil
	}

	return decodeScriptNum(tokenizer.Data())
}

// decodeScriptNum decodes a minimally-encoded script number of at most five
// bytes: little endian, sign carried in the top bit of the last byte.
func decodeScriptNum(data []byte) (int64, error) {
	if len(data) > 5 {
		return 0, fmt.Errorf("script number of %d bytes", len(data))
	}

	// A trailing byte contributing no magnitude bits means the encoding
	// is not minimal, unless it only carries the sign of the byte below.
	if len(data) > 0 && data[len(data)-1]&0x7f == 0 &&
		(len(data) == 1 || data[len(data)-2]&0x80 == 0) {

		return 0, fmt.Errorf("non-minimal script number")
	}

	var result int64
	for i, b := range data {
		result |= int64(b) << (8 * i)
	}

	if len(data) > 0 && data[len(data)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << (8 * (len(data) - 1)))
		result = -result
	}

	return result, nil
}
