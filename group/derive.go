package group

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DeriveID deterministically derives a fresh 32-byte group identifier bound
// to the given spent outpoint and optional description document script. The
// search grinds nonce values 1, 2, 3, ... until the double-SHA256 of
// (outpoint || descScript || nonce) ends in exactly the requested flag byte,
// so the identifier flags can later be read straight off the identifier.
//
// The returned nonce is meant to be OR'd into the authority flags of the
// group's genesis authority output; bits that would collide with the
// reserved capability field are masked out of the nonce before hashing.
//
// The loop terminates after ~256 iterations in expectation but is not
// formally bounded, so callers should run it off any latency-sensitive path.
// No shared state is touched.
func DeriveID(prevOut wire.OutPoint, descScript []byte,
	flags IDFlags) (ID, uint64) {

	// The cap of zero never triggers, so the error can't happen here.
	id, nonce, _ := deriveID(prevOut, descScript, flags, 0)
	return id, nonce
}

// deriveID is the capped variant of DeriveID. A maxIter of zero means
// unbounded; a non-zero cap is only used by tests to guarantee termination.
func deriveID(prevOut wire.OutPoint, descScript []byte, flags IDFlags,
	maxIter uint64) (ID, uint64, error) {

	var nonce uint64
	for iter := uint64(0); maxIter == 0 || iter < maxIter; iter++ {
		nonce++

		// Mask off anything that would be mistaken for capability
		// bits once the nonce is embedded in the authority field.
		nonce &= ^uint64(authorityFieldMask)

		var b bytes.Buffer

		// Writes to a bytes.Buffer never fail.
		_ = wire.WriteOutPoint(&b, 0, 0, &prevOut)
		if len(descScript) > 0 {
			_ = wire.WriteVarBytes(&b, 0, descScript)
		}
		_ = binary.Write(&b, binary.LittleEndian, nonce)

		hash := chainhash.DoubleHashB(b.Bytes())
		if hash[DerivedIDSize-1] == byte(flags) {
			return ID(hash), nonce, nil
		}
	}

	return nil, 0, fmt.Errorf("no matching group id within %d "+
		"iterations", maxIter)
}
