package groupwallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/grouptoken/tokend/group"
	"github.com/grouptoken/tokend/groupscript"
)

const (
	// sigScriptEstLen is the signature script length budgeted per input
	// when estimating the transaction size ahead of signing.
	sigScriptEstLen = 72

	// estInputSize is the estimated serialized size of one signed input:
	// outpoint, script length prefix, budgeted signature script and
	// sequence.
	estInputSize = 32 + 4 + 1 + sigScriptEstLen + 4

	// estTxOverhead covers the version, lock time and the count
	// prefixes.
	estTxOverhead = 10

	// feeInputMargin is the number of additional inputs the size
	// estimate leaves room for, so that fee inputs and the change output
	// added during balancing don't invalidate the estimate.
	feeInputMargin = 3

	// feeFudge is the overpayment factor tolerated before a base change
	// output is worth creating: the surplus must exceed the fee itself
	// before it comes back as change, anything smaller is folded into
	// the fee.
	feeFudge = 2

	// dustLimit is the smallest base change output worth creating.
	dustLimit = btcutil.Amount(546)

	// maxFeeIterations bounds the balancing loop. Every iteration adds
	// an input, so running out of iterations means the wallet holds only
	// dust.
	maxFeeIterations = 10
)

// TxPlan is the balanced-asset view of a transaction under construction.
// Inputs and Outputs are the fixed, operation-specific pieces; the builder
// adds token change, fee-token change, fee inputs and base change around
// them. A token section whose available and needed totals are equal
// produces no change output, which is how melting destroys the surplus.
type TxPlan struct {
	// Inputs are the pre-selected inputs: token carriers, authorities
	// and any base coins the operation chose itself.
	Inputs []*Coin

	// Outputs are the fixed outputs of the operation.
	Outputs []*wire.TxOut

	// GroupID is the group token change is denominated in.
	GroupID group.ID

	// TokenAvailable is the token total carried by Inputs.
	TokenAvailable uint64

	// TokenNeeded is the token total consumed by Outputs.
	TokenNeeded uint64

	// FeeTokenID is the group of the registry fee section, when the
	// operation pays a token fee in a second group.
	FeeTokenID group.ID

	// FeeTokenAvailable is the fee-token total carried by Inputs.
	FeeTokenAvailable uint64

	// FeeTokenNeeded is the fee-token total consumed by Outputs.
	FeeTokenNeeded uint64
}

// BuilderConfig carries the collaborators of the transaction builder.
type BuilderConfig struct {
	// ChainParams is the chain the wallet operates on.
	ChainParams *chaincfg.Params

	// Coins lists the wallet's spendable outputs.
	Coins CoinLister

	// KeyRing hands out change and renewal keys.
	KeyRing KeyRing

	// Signer signs the assembled transaction.
	Signer Signer

	// Chain estimates fees and broadcasts.
	Chain ChainBridge

	// FeeConfTarget is the confirmation target used for fee estimation.
	FeeConfTarget uint32
}

// Builder turns transaction plans into signed, published transactions.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a builder from its collaborator set.
func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{cfg: cfg}
}

// keyReserver tracks the keys reserved while assembling one transaction so
// they can be committed or returned as a unit.
type keyReserver struct {
	ring KeyRing
	keys []ReservedKey
}

func (r *keyReserver) next(ctx context.Context) (ReservedKey, error) {
	key, err := r.ring.ReserveNextKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to reserve key: %w", err)
	}
	r.keys = append(r.keys, key)
	return key, nil
}

func (r *keyReserver) keep() {
	for _, key := range r.keys {
		key.Keep()
	}
}

func (r *keyReserver) release() {
	for _, key := range r.keys {
		key.Release()
	}
}

// ConstructTx balances, signs and publishes the planned transaction. Key
// reservations made along the way are committed on success and released on
// every error path.
func (b *Builder) ConstructTx(ctx context.Context,
	plan *TxPlan) (*wire.MsgTx, error) {

	reserver := &keyReserver{ring: b.cfg.KeyRing}

	tx, err := b.constructTx(ctx, plan, reserver)
	if err != nil {
		reserver.release()
		return nil, err
	}

	reserver.keep()
	return tx, nil
}

func (b *Builder) constructTx(ctx context.Context, plan *TxPlan,
	reserver *keyReserver) (*wire.MsgTx, error) {

	if plan.TokenAvailable < plan.TokenNeeded ||
		plan.FeeTokenAvailable < plan.FeeTokenNeeded {

		return nil, fmt.Errorf("plan consumes more tokens than its " +
			"inputs carry")
	}

	inputs := make([]*Coin, len(plan.Inputs))
	copy(inputs, plan.Inputs)
	outputs := make([]*wire.TxOut, len(plan.Outputs))
	copy(outputs, plan.Outputs)

	// Token surplus beyond what the outputs consume goes back to us in a
	// fresh change output. Equal totals mean no output, so the surplus
	// of a melt simply ceases to exist.
	outputs, err := b.addTokenChange(
		ctx, reserver, outputs, plan.GroupID,
		plan.TokenAvailable-plan.TokenNeeded,
	)
	if err != nil {
		return nil, err
	}
	outputs, err = b.addTokenChange(
		ctx, reserver, outputs, plan.FeeTokenID,
		plan.FeeTokenAvailable-plan.FeeTokenNeeded,
	)
	if err != nil {
		return nil, err
	}

	var baseAvailable, baseNeeded btcutil.Amount
	for _, c := range inputs {
		baseAvailable += c.Value
	}
	for _, out := range outputs {
		baseNeeded += btcutil.Amount(out.Value)
	}

	feeRate, err := b.cfg.Chain.EstimateFee(ctx, b.cfg.FeeConfTarget)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate fee: %w", err)
	}

	// Balance the base currency: grow the input set one nearest-above
	// coin at a time until the inputs cover the outputs plus the fee for
	// the resulting size.
	var fee btcutil.Amount
	for iter := 0; ; iter++ {
		if iter >= maxFeeIterations {
			return nil, fmt.Errorf("unable to balance fee after "+
				"%d inputs", iter)
		}

		size := estimateTxSize(len(inputs)+feeInputMargin, outputs)
		fee = feeRate.FeeForWeight(int64(size) * 4)

		if baseAvailable >= baseNeeded+fee {
			break
		}

		feeCoin, err := b.findFeeCoin(
			ctx, inputs, baseNeeded+fee-baseAvailable,
		)
		if err != nil {
			return nil, err
		}

		inputs = append(inputs, feeCoin)
		baseAvailable += feeCoin.Value
	}

	// Residual base value becomes change only when it exceeds the fudged
	// fee; a smaller surplus is left to the miners instead of being
	// balanced away.
	change := baseAvailable - baseNeeded - fee
	if baseAvailable > baseNeeded+feeFudge*fee && change > dustLimit {
		changeKey, err := reserver.next(ctx)
		if err != nil {
			return nil, err
		}
		changeScript, err := groupscript.PayToAddrScript(
			changeKey.Address(), nil, 0,
		)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(
			int64(change), changeScript,
		))
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for _, c := range inputs {
		tx.AddTxIn(wire.NewTxIn(&c.OutPoint, nil, nil))
		prevOuts[c.OutPoint] = c.TxOut()
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	log.Tracef("Constructed draft tx: %v", spew.Sdump(tx))

	if err := b.cfg.Signer.SignTransaction(ctx, tx, prevOuts); err != nil {
		return nil, fmt.Errorf("unable to sign: %w", err)
	}

	if err := b.cfg.Chain.PublishTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("unable to publish (an input may "+
			"already be spent): %w", err)
	}

	txHash := tx.TxHash()
	log.Infof("Published tx %v: %d inputs, %d outputs, fee %v",
		txHash, len(tx.TxIn), len(tx.TxOut), fee)

	return tx, nil
}

// addTokenChange appends a grouped change output carrying the given
// surplus, reserving a fresh key for it. A zero surplus or empty group adds
// nothing.
func (b *Builder) addTokenChange(ctx context.Context, reserver *keyReserver,
	outputs []*wire.TxOut, groupID group.ID,
	surplus uint64) ([]*wire.TxOut, error) {

	if surplus == 0 || !groupID.IsUserGroup() {
		return outputs, nil
	}

	changeKey, err := reserver.next(ctx)
	if err != nil {
		return nil, err
	}
	changeScript, err := groupscript.PayToAddrScript(
		changeKey.Address(), groupID, surplus,
	)
	if err != nil {
		return nil, err
	}

	return append(outputs, wire.NewTxOut(
		int64(groupscript.GroupedSatoshiAmt), changeScript,
	)), nil
}

// findFeeCoin picks a base-currency coin covering the shortfall: the
// smallest held coin strictly above it, so a single input suffices and the
// change stays bounded.
func (b *Builder) findFeeCoin(ctx context.Context, used []*Coin,
	shortfall btcutil.Amount) (*Coin, error) {

	usedOutpoints := make(map[wire.OutPoint]struct{}, len(used))
	for _, c := range used {
		usedOutpoints[c.OutPoint] = struct{}{}
	}

	candidates, err := b.cfg.Coins.ListCoins(ctx, func(c *Coin) bool {
		if _, ok := usedOutpoints[c.OutPoint]; ok {
			return false
		}
		return BaseCoinFilter(c)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list fee coins: %w", err)
	}

	feeCoin := NearestAbove(candidates, shortfall)
	if feeCoin == nil {
		var have btcutil.Amount
		for _, c := range candidates {
			have += c.Value
		}
		return nil, &InsufficientFundsError{
			Need: uint64(shortfall),
			Have: uint64(have),
		}
	}

	return feeCoin, nil
}

// estimateTxSize approximates the serialized size of the transaction with
// the given input count and outputs, budgeting a standard signature script
// per input.
func estimateTxSize(numInputs int, outputs []*wire.TxOut) int {
	size := estTxOverhead + numInputs*estInputSize
	for _, out := range outputs {
		size += out.SerializeSize()
	}
	return size
}
