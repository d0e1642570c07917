// Package groupscript implements the consensus-level script grammar of
// grouped outputs. A grouped output wraps one of the ordinary output
// patterns with a prefix that names the token group and either a token
// quantity or an authority capability field:
//
//	GP2PKH:
//	  <group id> <serialized amount> OP_GROUP OP_DROP OP_DROP
//	  OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG
//
//	GP2SH:
//	  <group id> <serialized amount> OP_GROUP OP_DROP OP_DROP
//	  OP_HASH160 <20-byte hash> OP_EQUAL
//
// Outputs without the prefix are plain base-currency outputs.
package groupscript

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/grouptoken/tokend/group"
)

const (
	// OpGroup is the opcode that marks an output as group-tagged. It
	// occupies a repurposed no-op slot so ungrouped validators treat the
	// prefix as a no-op followed by drops.
	OpGroup = 0xb6

	// GroupedSatoshiAmt is the base-currency carrier value of a grouped
	// output. Token value lives entirely in the amount field of the
	// script, so the native value is a single dust-level satoshi.
	GroupedSatoshiAmt = btcutil.Amount(1)
)

// ErrUnencodableDestination is returned when a destination has no known
// output script pattern. The accompanying script is empty by contract.
var ErrUnencodableDestination = errors.New(
	"no script pattern for destination",
)

// TokenOutput is the parsed view of an output script with respect to the
// token-group protocol. It is always constructed fresh from a script and
// never mutated.
type TokenOutput struct {
	// Group is the group the output belongs to, or the empty id for a
	// plain base-currency output.
	Group group.ID

	// IsAuthority is true when the amount field carries authority
	// capability bits rather than a token quantity.
	IsAuthority bool

	// Quantity is the token quantity of a value-carrying output. Only
	// meaningful when IsAuthority is false.
	Quantity uint64

	// Authority is the capability field of an authority output,
	// including any embedded derivation nonce bits. Only meaningful when
	// IsAuthority is true.
	Authority group.AuthorityFlags

	// Invalid is set when the script carries the grouped prefix but the
	// prefix is malformed. Callers must check it before trusting any
	// other field.
	Invalid bool
}

// IsGrouped reports whether the output is a well-formed member of some
// group.
func (o *TokenOutput) IsGrouped() bool {
	return !o.Invalid && o.Group.IsUserGroup()
}

// ControllingFlags returns the authority capability field, or none for
// value-carrying outputs.
func (o *TokenOutput) ControllingFlags() group.AuthorityFlags {
	if !o.IsAuthority || o.Invalid {
		return group.AuthorityNone
	}
	return o.Authority
}

// AllowsMint reports whether the output is an authority that can mint.
func (o *TokenOutput) AllowsMint() bool {
	return o.ControllingFlags().AllowsMint()
}

// AllowsMelt reports whether the output is an authority that can melt.
func (o *TokenOutput) AllowsMelt() bool {
	return o.ControllingFlags().AllowsMelt()
}

// AllowsRenew reports whether the output is an authority that re-issues a
// child when spent.
func (o *TokenOutput) AllowsRenew() bool {
	return o.ControllingFlags().AllowsRenew()
}

// AllowsSubgroup reports whether the output is an authority that extends to
// subgroups.
func (o *TokenOutput) AllowsSubgroup() bool {
	return o.ControllingFlags().AllowsSubgroup()
}

// PayToAddrScript creates an output script paying the given token quantity
// of a group to the destination address. With the empty group the ordinary
// ungrouped pattern is produced and the quantity is ignored.
func PayToAddrScript(addr btcutil.Address, groupID group.ID,
	quantity uint64) ([]byte, error) {

	return payToScript(addr, groupID, quantity)
}

// AuthorityScript creates an authority output script for a group carrying
// the given capability field. The ctrl marker is enforced so the field can
// never be mistaken for a quantity.
func AuthorityScript(addr btcutil.Address, groupID group.ID,
	flags group.AuthorityFlags) ([]byte, error) {

	return payToScript(addr, groupID, uint64(flags|group.AuthorityCtrl))
}

// payToScript builds the plain or grouped output script for the supported
// destination types. The raw field is either a quantity or an authority
// capability word.
func payToScript(addr btcutil.Address, groupID group.ID,
	field uint64) ([]byte, error) {

	var hash []byte
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		hash = a.ScriptAddress()

	case *btcutil.AddressScriptHash:
		hash = a.ScriptAddress()

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodableDestination,
			addr)
	}

	if !groupID.IsUserGroup() {
		return txscript.PayToAddrScript(addr)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(groupID)
	builder.AddData(SerializeAmount(field))
	builder.AddOp(OpGroup)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DROP)

	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		builder.AddOp(txscript.OP_DUP)
		builder.AddOp(txscript.OP_HASH160)
		builder.AddData(hash)
		builder.AddOp(txscript.OP_EQUALVERIFY)
		builder.AddOp(txscript.OP_CHECKSIG)

	case *btcutil.AddressScriptHash:
		builder.AddOp(txscript.OP_HASH160)
		builder.AddData(hash)
		builder.AddOp(txscript.OP_EQUAL)
	}

	return builder.Script()
}

// ParseTokenOutput parses an output script into its token-group view. It
// never fails: foreign or ungrouped scripts yield the plain classification
// and a grouped prefix with a malformed amount field sets Invalid.
func ParseTokenOutput(pkScript []byte) *TokenOutput {
	var out TokenOutput

	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)

	// A grouped script leads with a push of the group id. Anything else,
	// including parse failures further down, is simply not grouped.
	if !tokenizer.Next() || len(tokenizer.Data()) == 0 {
		return &out
	}
	groupData := tokenizer.Data()

	if !tokenizer.Next() || len(tokenizer.Data()) == 0 {
		return &out
	}
	amountData := tokenizer.Data()

	if !tokenizer.Next() || tokenizer.Opcode() != OpGroup {
		return &out
	}

	// From here on the script claims to be grouped, so malformed pieces
	// make it invalid rather than ungrouped.
	if len(groupData) < group.AddressIDSize {
		out.Invalid = true
		return &out
	}

	field, err := DeserializeAmount(amountData)
	if err != nil {
		out.Invalid = true
		return &out
	}

	out.Group = group.ID(groupData)
	if group.AuthorityFlags(field).IsAuthority() {
		out.IsAuthority = true
		out.Authority = group.AuthorityFlags(field)
	} else {
		out.Quantity = field
	}

	return &out
}

// ExtractDestination recovers the destination address from a plain or
// grouped output script.
func ExtractDestination(pkScript []byte,
	params *chaincfg.Params) (btcutil.Address, error) {

	type op struct {
		code byte
		data []byte
	}

	var ops []op
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	for tokenizer.Next() {
		ops = append(ops, op{
			code: tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("unparsable script: %w", err)
	}

	// Strip the group prefix: two pushes, the group opcode and its
	// drops. The encoder emits two drops but a single one is tolerated.
	if len(ops) >= 3 && len(ops[0].data) > 0 && len(ops[1].data) > 0 &&
		ops[2].code == OpGroup {

		ops = ops[3:]
		for len(ops) > 0 && ops[0].code == txscript.OP_DROP {
			ops = ops[1:]
		}
	}

	switch {
	case len(ops) == 5 && ops[0].code == txscript.OP_DUP &&
		ops[1].code == txscript.OP_HASH160 &&
		len(ops[2].data) == 20 &&
		ops[3].code == txscript.OP_EQUALVERIFY &&
		ops[4].code == txscript.OP_CHECKSIG:

		return btcutil.NewAddressPubKeyHash(ops[2].data, params)

	case len(ops) == 3 && ops[0].code == txscript.OP_HASH160 &&
		len(ops[1].data) == 20 &&
		ops[2].code == txscript.OP_EQUAL:

		return btcutil.NewAddressScriptHashFromHash(
			ops[1].data, params,
		)

	default:
		return nil, fmt.Errorf("%w: non-standard script",
			ErrUnencodableDestination)
	}
}
