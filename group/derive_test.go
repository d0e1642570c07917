package group

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testDeriveCap bounds the derivation search in tests. The flag byte has one
// byte of entropy, so 256 expected iterations; the cap leaves a wide margin
// while still guaranteeing termination.
const testDeriveCap = 1_000_000

// TestDeriveIDDeterminism tests that the identifier search is a pure
// function of its inputs and that the result is bound to the requested flag
// byte.
func TestDeriveIDDeterminism(t *testing.T) {
	t.Parallel()

	prevOut := wire.OutPoint{
		Hash:  chainhash.Hash{0x11, 0x22, 0x33},
		Index: 7,
	}
	desc := []byte{0x6a, 0x01, 0x02}

	id1, nonce1, err := deriveID(prevOut, desc, IDFlagNone, testDeriveCap)
	require.NoError(t, err)
	id2, nonce2, err := deriveID(prevOut, desc, IDFlagNone, testDeriveCap)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Equal(t, nonce1, nonce2)
	require.Len(t, id1, DerivedIDSize)

	// The final identifier byte is exactly the requested flag byte, and
	// the flags are readable off the identifier.
	require.Equal(t, byte(IDFlagNone), id1[DerivedIDSize-1])

	mgmtID, _, err := deriveID(
		prevOut, desc, IDFlagManagement, testDeriveCap,
	)
	require.NoError(t, err)
	require.True(t, mgmtID.HasFlag(IDFlagManagement))

	// The nonce must never collide with the reserved capability field.
	require.Zero(t, AuthorityFlags(nonce1).Capabilities())
}

// TestDeriveIDInputSensitivity tests that changing any input changes the
// derived identifier.
func TestDeriveIDInputSensitivity(t *testing.T) {
	t.Parallel()

	prevOut := wire.OutPoint{
		Hash:  chainhash.Hash{0xaa},
		Index: 0,
	}

	base, _, err := deriveID(prevOut, nil, IDFlagNone, testDeriveCap)
	require.NoError(t, err)

	otherOut := prevOut
	otherOut.Index = 1
	fromOutpoint, _, err := deriveID(
		otherOut, nil, IDFlagNone, testDeriveCap,
	)
	require.NoError(t, err)
	require.NotEqual(t, base, fromOutpoint)

	fromDesc, _, err := deriveID(
		prevOut, []byte{0x6a}, IDFlagNone, testDeriveCap,
	)
	require.NoError(t, err)
	require.NotEqual(t, base, fromDesc)
}

// TestDeriveIDCap tests that the test-only iteration cap turns a miss into
// an error instead of spinning forever.
func TestDeriveIDCap(t *testing.T) {
	t.Parallel()

	prevOut := wire.OutPoint{Index: 3}
	_, _, err := deriveID(prevOut, nil, IDFlagNone, 1)

	// A single iteration has a 255/256 chance of missing the flag byte;
	// this specific input misses it.
	if err == nil {
		t.Skip("first nonce already matched, nothing to test")
	}
	require.Error(t, err)
}
