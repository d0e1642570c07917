// Package group implements the value types of the token-group protocol: the
// group identifier itself, the authority capability bit field that shares the
// script amount slot with token quantities, and the deterministic search that
// derives fresh group identifiers from a spent outpoint.
package group

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// AddressIDSize is the byte length of an address-derived group
	// identifier. Such a group is controlled by whoever controls the key
	// or script the hash commits to.
	AddressIDSize = 20

	// DerivedIDSize is the byte length of a group identifier produced by
	// the derivation search. Ownership of the minting input is the only
	// way to create such a group.
	DerivedIDSize = 32
)

var (
	// ErrNoSubgroupData is returned when a subgroup identifier is
	// requested without any postfix bytes.
	ErrNoSubgroupData = errors.New("no subgroup postfix provided")

	// ErrUnsupportedDestination is returned when a destination type has
	// no known group identifier mapping.
	ErrUnsupportedDestination = errors.New(
		"destination type has no group identifier",
	)
)

// ID is a group identifier. A nil or empty ID means "no group", in other
// words a plain base-currency output. A 20-byte ID is derived from an
// address, a 32-byte ID from the derivation search, and anything longer is a
// subgroup: the leading base-length prefix is the parent identifier and the
// remaining bytes are opaque subgroup data.
type ID []byte

// FromAddress maps a destination address to its group identifier. Key-hash
// and script-hash destinations map to the 20-byte hash they commit to.
func FromAddress(addr btcutil.Address) (ID, error) {
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return ID(a.ScriptAddress()), nil

	case *btcutil.AddressScriptHash:
		return ID(a.ScriptAddress()), nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDestination,
			addr)
	}
}

// IsUserGroup reports whether the identifier names an actual group, rather
// than the "no group" marker of plain currency.
func (id ID) IsUserGroup() bool {
	return len(id) != 0
}

// Equal reports whether two identifiers are byte-wise identical.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// baseSize returns the canonical base length of the identifier: 32 for
// derived groups (and their subgroups), 20 for address groups.
func (id ID) baseSize() int {
	if len(id) > DerivedIDSize {
		return DerivedIDSize
	}
	if len(id) > AddressIDSize && len(id) != DerivedIDSize {
		return AddressIDSize
	}
	return len(id)
}

// IsSubgroup reports whether the identifier extends a parent with subgroup
// data. Subgroup-ness is determined purely by the length exceeding the
// canonical base length.
func (id ID) IsSubgroup() bool {
	return len(id) > id.baseSize()
}

// Parent returns the parent identifier of a subgroup, which is the leading
// base-length prefix. For non-subgroups the identifier itself is returned.
func (id ID) Parent() ID {
	if !id.IsSubgroup() {
		return id
	}
	return id[:id.baseSize()]
}

// SubgroupData returns the opaque postfix bytes of a subgroup identifier,
// or nil for a non-subgroup.
func (id ID) SubgroupData() []byte {
	if !id.IsSubgroup() {
		return nil
	}
	return id[id.baseSize():]
}

// Key returns the identifier as a string usable as a map key.
func (id ID) Key() string {
	return string(id)
}

// String returns the hex encoding of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// IDFlags is the flag byte embedded as the final byte of a derived group
// identifier. The derivation search grinds nonces until the identifier hash
// ends in exactly the requested flag byte, so the flags can be read straight
// off the identifier.
type IDFlags uint8

const (
	// IDFlagNone marks a group without any identifier level behavior
	// modifiers.
	IDFlagNone IDFlags = 0

	// IDFlagSameScript requires token outputs of the group to reuse the
	// input script.
	IDFlagSameScript IDFlags = 1 << 0

	// IDFlagBalanceBase requires the group to also balance the base
	// currency across its inputs and outputs.
	IDFlagBalanceBase IDFlags = 1 << 1

	// IDFlagStickyMelt lets any holder melt tokens of the group without a
	// melt authority.
	IDFlagStickyMelt IDFlags = 1 << 2

	// IDFlagManagement marks a management-class token. Management tokens
	// are exempt from the fee-token charge on minting.
	IDFlagManagement IDFlags = 1 << 3
)

// Flags returns the identifier flag byte of a derived group. Address-style
// identifiers carry no flags. For subgroups the parent's flag byte applies.
func (id ID) Flags() IDFlags {
	if id.baseSize() != DerivedIDSize {
		return IDFlagNone
	}
	return IDFlags(id[DerivedIDSize-1])
}

// HasFlag reports whether the identifier carries all of the given flags.
func (id ID) HasFlag(flags IDFlags) bool {
	return id.Flags()&flags == flags
}

// Subgroup extends a parent identifier with postfix bytes, yielding the
// subgroup identifier. An empty postfix is rejected, since the result would
// alias the parent.
func Subgroup(parent ID, postfix []byte) (ID, error) {
	if !parent.IsUserGroup() {
		return nil, fmt.Errorf("subgroup of the empty group")
	}
	if len(postfix) == 0 {
		return nil, ErrNoSubgroupData
	}

	sub := make(ID, 0, len(parent)+len(postfix))
	sub = append(sub, parent...)
	sub = append(sub, postfix...)
	return sub, nil
}

// NumericPostfix serializes a numeric subgroup postfix in its fixed-width
// little-endian wire form.
func NumericPostfix(n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	return b[:]
}
