package groupwallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/grouptoken/tokend/group"
	"github.com/grouptoken/tokend/groupscript"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

// testFeeRate makes the fee in satoshis equal the estimated size in bytes,
// which keeps the arithmetic in assertions easy to follow.
const testFeeRate = chainfee.SatPerKWeight(250)

type builderHarness struct {
	builder *Builder
	lister  *MockCoinLister
	ring    *MockKeyRing
	signer  *MockSigner
	chain   *MockChainBridge
}

func newBuilderHarness(walletCoins []*Coin) *builderHarness {
	h := &builderHarness{
		lister: &MockCoinLister{Coins: walletCoins},
		ring:   NewMockKeyRing(testParams),
		signer: &MockSigner{},
		chain: &MockChainBridge{
			Height:  800_000,
			FeeRate: testFeeRate,
		},
	}
	h.builder = NewBuilder(BuilderConfig{
		ChainParams:   testParams,
		Coins:         h.lister,
		KeyRing:       h.ring,
		Signer:        h.signer,
		Chain:         h.chain,
		FeeConfTarget: 6,
	})
	return h
}

// requireAllKept asserts every reserved key was committed.
func requireAllKept(t *testing.T, ring *MockKeyRing) {
	t.Helper()

	for _, key := range ring.Reserved {
		require.True(t, key.Kept)
		require.False(t, key.Released)
	}
}

// requireAllReleased asserts every reserved key was returned to the pool.
func requireAllReleased(t *testing.T, ring *MockKeyRing) {
	t.Helper()

	for _, key := range ring.Reserved {
		require.True(t, key.Released)
		require.False(t, key.Kept)
	}
}

// findGroupOutput returns the value outputs of the transaction belonging to
// the group.
func findGroupOutputs(tx *wire.MsgTx,
	groupID group.ID) []*groupscript.TokenOutput {

	var outs []*groupscript.TokenOutput
	for _, txOut := range tx.TxOut {
		info := groupscript.ParseTokenOutput(txOut.PkScript)
		if info.IsGrouped() && !info.IsAuthority &&
			info.Group.Equal(groupID) {

			outs = append(outs, info)
		}
	}
	return outs
}

// TestConstructTxBaseBalancing tests fee deduction and base change on a
// plain spend.
func TestConstructTxBaseBalancing(t *testing.T) {
	t.Parallel()

	input := baseCoin(t, 1, 100_000)
	h := newBuilderHarness(nil)

	payScript, err := groupscript.PayToAddrScript(
		testAddr(t, 0x20), nil, 0,
	)
	require.NoError(t, err)

	tx, err := h.builder.ConstructTx(context.Background(), &TxPlan{
		Inputs:  []*Coin{input},
		Outputs: []*wire.TxOut{wire.NewTxOut(50_000, payScript)},
	})
	require.NoError(t, err)

	require.Len(t, h.chain.Published, 1)
	require.Len(t, h.signer.Signed, 1)
	require.Len(t, tx.TxIn, 1)

	// Payment plus change, with the difference to the input being a
	// positive fee below the budgeted estimate.
	require.Len(t, tx.TxOut, 2)
	var outTotal int64
	for _, out := range tx.TxOut {
		outTotal += out.Value
	}
	fee := int64(input.Value) - outTotal
	require.Greater(t, fee, int64(0))
	maxFee := int64(estimateTxSize(1+feeInputMargin, tx.TxOut))
	require.LessOrEqual(t, fee, maxFee)

	// Every input ends up signed.
	for _, txIn := range tx.TxIn {
		require.Len(t, txIn.SignatureScript, sigScriptEstLen)
	}

	requireAllKept(t, h.ring)
}

// TestConstructTxTokenChange tests that a token surplus comes back as a
// grouped change output while equal totals produce none.
func TestConstructTxTokenChange(t *testing.T) {
	t.Parallel()

	groupID := testGroupID(0x61, group.IDFlagNone)

	testCases := []struct {
		name        string
		available   uint64
		needed      uint64
		wantChange  uint64
		wantOutputs int
	}{{
		name:        "surplus returns as change",
		available:   1000,
		needed:      400,
		wantChange:  600,
		wantOutputs: 2,
	}, {
		name:        "equal totals leave no token output",
		available:   1000,
		needed:      1000,
		wantOutputs: 1,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			h := newBuilderHarness(nil)

			payScript, err := groupscript.PayToAddrScript(
				testAddr(t, 0x21), groupID, tc.needed,
			)
			require.NoError(t, err)

			tx, err := h.builder.ConstructTx(
				context.Background(), &TxPlan{
					Inputs: []*Coin{
						groupCoin(
							t, 1, groupID,
							tc.available,
						),
						baseCoin(t, 2, 100_000),
					},
					Outputs: []*wire.TxOut{wire.NewTxOut(
						int64(groupscript.GroupedSatoshiAmt),
						payScript,
					)},
					GroupID:        groupID,
					TokenAvailable: tc.available,
					TokenNeeded:    tc.needed,
				},
			)
			require.NoError(t, err)

			outs := findGroupOutputs(tx, groupID)
			require.Len(t, outs, tc.wantOutputs)

			if tc.wantChange != 0 {
				require.Equal(
					t, tc.wantChange,
					outs[len(outs)-1].Quantity,
				)
			}
		})
	}
}

// TestConstructTxChangeFolding tests that a base surplus below the fee is
// folded into the fee rather than returned as a change output, while a
// surplus above it comes back.
func TestConstructTxChangeFolding(t *testing.T) {
	t.Parallel()

	// At 2000 sat/kw the fee lands near 4000 sat for a one-input
	// transaction.
	const foldFeeRate = chainfee.SatPerKWeight(2000)

	testCases := []struct {
		name        string
		payment     int64
		wantOutputs int
	}{{
		name: "surplus below the fee is folded",
		// 100k in, 95k out: the ~1k residue after the fee is less
		// than the fee itself, so the whole surplus goes to the
		// miners.
		payment:     95_000,
		wantOutputs: 1,
	}, {
		name:        "surplus above the fee returns as change",
		payment:     90_000,
		wantOutputs: 2,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			input := baseCoin(t, 1, 100_000)
			h := newBuilderHarness(nil)
			h.chain.FeeRate = foldFeeRate

			payScript, err := groupscript.PayToAddrScript(
				testAddr(t, 0x25), nil, 0,
			)
			require.NoError(t, err)

			tx, err := h.builder.ConstructTx(
				context.Background(), &TxPlan{
					Inputs: []*Coin{input},
					Outputs: []*wire.TxOut{wire.NewTxOut(
						tc.payment, payScript,
					)},
				},
			)
			require.NoError(t, err)
			require.Len(t, tx.TxOut, tc.wantOutputs)

			// Whatever is not an output was paid as fee.
			var outTotal int64
			for _, out := range tx.TxOut {
				outTotal += out.Value
			}
			fee := int64(input.Value) - outTotal
			require.Greater(t, fee, int64(0))

			// With change present, the implicit fee stays at the
			// estimate rather than swallowing the surplus.
			if tc.wantOutputs == 2 {
				maxFee := int64(estimateTxSize(
					1+feeInputMargin, tx.TxOut,
				)) * int64(foldFeeRate) * 4 / 1000
				require.LessOrEqual(t, fee, maxFee)
			}
		})
	}
}

// TestConstructTxFeeInput tests that the builder pulls the nearest-above
// base coin from the wallet when the planned inputs cannot cover the fee.
func TestConstructTxFeeInput(t *testing.T) {
	t.Parallel()

	groupID := testGroupID(0x62, group.IDFlagNone)
	tokenIn := groupCoin(t, 1, groupID, 500)

	// The shortfall is roughly the fee, a few hundred satoshis, so the
	// 10k coin is the nearest above it.
	small := baseCoin(t, 2, 10_000)
	large := baseCoin(t, 3, 50_000)
	h := newBuilderHarness([]*Coin{large, small})

	payScript, err := groupscript.PayToAddrScript(
		testAddr(t, 0x22), groupID, 500,
	)
	require.NoError(t, err)

	tx, err := h.builder.ConstructTx(context.Background(), &TxPlan{
		Inputs: []*Coin{tokenIn},
		Outputs: []*wire.TxOut{wire.NewTxOut(
			int64(groupscript.GroupedSatoshiAmt), payScript,
		)},
		GroupID:        groupID,
		TokenAvailable: 500,
		TokenNeeded:    500,
	})
	require.NoError(t, err)

	require.Len(t, tx.TxIn, 2)
	require.Equal(
		t, small.OutPoint, tx.TxIn[1].PreviousOutPoint,
	)
}

// TestConstructTxFailures tests that every failure path releases the
// reserved keys and publishes nothing.
func TestConstructTxFailures(t *testing.T) {
	t.Parallel()

	groupID := testGroupID(0x63, group.IDFlagNone)

	t.Run("insufficient base funds", func(t *testing.T) {
		h := newBuilderHarness(nil)

		payScript, err := groupscript.PayToAddrScript(
			testAddr(t, 0x23), groupID, 100,
		)
		require.NoError(t, err)

		_, err = h.builder.ConstructTx(context.Background(), &TxPlan{
			Inputs: []*Coin{groupCoin(t, 1, groupID, 100)},
			Outputs: []*wire.TxOut{wire.NewTxOut(
				int64(groupscript.GroupedSatoshiAmt),
				payScript,
			)},
			GroupID:        groupID,
			TokenAvailable: 100,
			TokenNeeded:    100,
		})

		var fundsErr *InsufficientFundsError
		require.ErrorAs(t, err, &fundsErr)
		require.Empty(t, h.chain.Published)
		requireAllReleased(t, h.ring)
	})

	t.Run("publish failure", func(t *testing.T) {
		h := newBuilderHarness(nil)
		h.chain.PublishErr = errDummy

		payScript, err := groupscript.PayToAddrScript(
			testAddr(t, 0x24), nil, 0,
		)
		require.NoError(t, err)

		_, err = h.builder.ConstructTx(context.Background(), &TxPlan{
			Inputs:  []*Coin{baseCoin(t, 1, 100_000)},
			Outputs: []*wire.TxOut{wire.NewTxOut(50_000, payScript)},
		})
		require.ErrorIs(t, err, errDummy)
		require.Empty(t, h.chain.Published)
		requireAllReleased(t, h.ring)
	})

	t.Run("overdrawn plan", func(t *testing.T) {
		h := newBuilderHarness(nil)

		_, err := h.builder.ConstructTx(context.Background(), &TxPlan{
			Inputs:         []*Coin{baseCoin(t, 1, 100_000)},
			GroupID:        groupID,
			TokenAvailable: 10,
			TokenNeeded:    20,
		})
		require.Error(t, err)
		require.Empty(t, h.chain.Published)
	})
}
