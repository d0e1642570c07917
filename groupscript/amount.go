package groupscript

import (
	"encoding/binary"
	"fmt"

	"github.com/grouptoken/tokend/group"
)

// Amount field widths accepted on the wire. Quantities use the smallest
// representation that fits; authorities are always full width so the
// capability bits land in the top bytes.
const (
	amountSize2 = 2
	amountSize4 = 4
	amountSize8 = 8
)

// ErrBadAmountField is returned when the pushed amount field of a grouped
// output has a width other than 2, 4 or 8 bytes.
var ErrBadAmountField = fmt.Errorf("malformed group amount field")

// SerializeAmount encodes the raw 64-bit amount field for embedding in a
// grouped output script. Authority values (ctrl bit set) always serialize as
// the full 8 little-endian bytes; plain quantities use the smallest of 2, 4
// or 8 bytes that holds the magnitude.
func SerializeAmount(field uint64) []byte {
	switch {
	case group.AuthorityFlags(field).IsAuthority():
		var b [amountSize8]byte
		binary.LittleEndian.PutUint64(b[:], field)
		return b[:]

	case field < 0x10000:
		var b [amountSize2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(field))
		return b[:]

	case field < 0x100000000:
		var b [amountSize4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(field))
		return b[:]

	default:
		var b [amountSize8]byte
		binary.LittleEndian.PutUint64(b[:], field)
		return b[:]
	}
}

// DeserializeAmount decodes the raw amount field from its pushed script
// bytes.
func DeserializeAmount(b []byte) (uint64, error) {
	switch len(b) {
	case amountSize2:
		return uint64(binary.LittleEndian.Uint16(b)), nil

	case amountSize4:
		return uint64(binary.LittleEndian.Uint32(b)), nil

	case amountSize8:
		return binary.LittleEndian.Uint64(b), nil

	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrBadAmountField,
			len(b))
	}
}
