package group

import "strings"

// AuthorityFlags is the capability bit field carried in the amount slot of an
// authority output. The top 16 bits of the 64-bit field are reserved for
// capabilities; the low 48 bits of a freshly derived group's authority carry
// the derivation nonce, so the flags of a new group can be recovered without
// re-running the search.
type AuthorityFlags uint64

const (
	// AuthorityCtrl is the marker bit that makes the amount field an
	// authority rather than a token quantity. It is set on every
	// authority output.
	AuthorityCtrl AuthorityFlags = 1 << 63

	// AuthorityMint permits minting new tokens of the group.
	AuthorityMint AuthorityFlags = 1 << 62

	// AuthorityMelt permits melting tokens of the group.
	AuthorityMelt AuthorityFlags = 1 << 61

	// AuthorityChild permits re-issuing an equivalent child authority
	// when the authority is spent.
	AuthorityChild AuthorityFlags = 1 << 60

	// AuthorityRescript permits changing the group's covenant script.
	AuthorityRescript AuthorityFlags = 1 << 59

	// AuthoritySubgroup permits the authority to act on subgroups of its
	// group.
	AuthoritySubgroup AuthorityFlags = 1 << 58

	// AuthorityNone is the empty capability set.
	AuthorityNone AuthorityFlags = 0

	// AuthorityAll is the union of all defined capabilities.
	AuthorityAll = AuthorityCtrl | AuthorityMint | AuthorityMelt |
		AuthorityChild | AuthorityRescript | AuthoritySubgroup

	// authorityFieldMask covers the full 16-bit reserved capability
	// field. Masking a nonce with its complement keeps the nonce from
	// being mistaken for capability bits.
	authorityFieldMask AuthorityFlags = 0xffff << 48
)

// HasCapability reports whether flags contains every bit of required.
func HasCapability(flags, required AuthorityFlags) bool {
	return flags&required == required
}

// Capabilities strips any embedded derivation nonce, returning only the
// reserved capability field.
func (f AuthorityFlags) Capabilities() AuthorityFlags {
	return f & authorityFieldMask
}

// Nonce returns the derivation nonce embedded in the low bits of the field.
func (f AuthorityFlags) Nonce() uint64 {
	return uint64(f &^ authorityFieldMask)
}

// IsAuthority reports whether the marker bit is set, in other words whether
// a raw amount field is an authority at all.
func (f AuthorityFlags) IsAuthority() bool {
	return f&AuthorityCtrl != 0
}

// AllowsMint reports whether the authority can mint.
func (f AuthorityFlags) AllowsMint() bool {
	return HasCapability(f, AuthorityCtrl|AuthorityMint)
}

// AllowsMelt reports whether the authority can melt.
func (f AuthorityFlags) AllowsMelt() bool {
	return HasCapability(f, AuthorityCtrl|AuthorityMelt)
}

// AllowsRenew reports whether spending the authority may re-issue a child
// authority with the same capabilities.
func (f AuthorityFlags) AllowsRenew() bool {
	return HasCapability(f, AuthorityCtrl|AuthorityChild)
}

// AllowsRescript reports whether the authority can change the group script.
func (f AuthorityFlags) AllowsRescript() bool {
	return HasCapability(f, AuthorityCtrl|AuthorityRescript)
}

// AllowsSubgroup reports whether the authority extends to subgroups of its
// group.
func (f AuthorityFlags) AllowsSubgroup() bool {
	return HasCapability(f, AuthorityCtrl|AuthoritySubgroup)
}

// ParseAuthorityFlags consumes human-readable capability tokens for a new
// authority. Parsing starts from ctrl|child, matching the conventional
// renewable default, and stops at the first unrecognized token. The number
// of consumed tokens is returned so callers can detect and report trailing
// garbage. The ctrl marker is implicit and cannot be toggled by vocabulary.
func ParseAuthorityFlags(tokens []string) (AuthorityFlags, int) {
	flags := AuthorityCtrl | AuthorityChild

	var consumed int
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "mint":
			flags |= AuthorityMint
		case "melt":
			flags |= AuthorityMelt
		case "child":
			flags |= AuthorityChild
		case "nochild":
			flags &^= AuthorityChild
		case "rescript":
			flags |= AuthorityRescript
		case "subgroup":
			flags |= AuthoritySubgroup
		default:
			return flags, consumed
		}
		consumed++
	}

	return flags, consumed
}

// ParseDropFlags consumes human-readable capability tokens naming bits to
// remove from an existing authority. Parsing starts empty and stops at the
// first unrecognized token.
func ParseDropFlags(tokens []string) (AuthorityFlags, int) {
	flags := AuthorityNone

	var consumed int
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "mint":
			flags |= AuthorityMint
		case "melt":
			flags |= AuthorityMelt
		case "child":
			flags |= AuthorityChild
		case "rescript":
			flags |= AuthorityRescript
		case "subgroup":
			flags |= AuthoritySubgroup
		case "all":
			flags |= AuthorityAll
		default:
			return flags, consumed
		}
		consumed++
	}

	return flags, consumed
}

// String returns the human-readable form of the capability set.
func (f AuthorityFlags) String() string {
	caps := f.Capabilities()
	if caps == AuthorityNone {
		return "none"
	}

	names := make([]string, 0, 6)
	if caps&AuthorityCtrl != 0 {
		names = append(names, "ctrl")
	}
	if caps&AuthorityMint != 0 {
		names = append(names, "mint")
	}
	if caps&AuthorityMelt != 0 {
		names = append(names, "melt")
	}
	if caps&AuthorityChild != 0 {
		names = append(names, "child")
	}
	if caps&AuthorityRescript != 0 {
		names = append(names, "rescript")
	}
	if caps&AuthoritySubgroup != 0 {
		names = append(names, "subgroup")
	}

	return strings.Join(names, " ")
}
