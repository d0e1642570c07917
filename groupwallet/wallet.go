package groupwallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/grouptoken/tokend/group"
	"github.com/grouptoken/tokend/groupscript"
)

const (
	// mintFeeFactor scales the registry base fee for minting. Creating
	// supply is charged more heavily than moving it.
	mintFeeFactor = 5

	// defaultFeeConfTarget is the confirmation target used when the
	// config leaves it unset.
	defaultFeeConfTarget = 6
)

// Config carries the collaborators and policy knobs of the wallet.
type Config struct {
	// ChainParams is the chain the wallet operates on.
	ChainParams *chaincfg.Params

	// Coins lists the wallet's spendable outputs.
	Coins CoinLister

	// KeyRing hands out fresh keys for change, renewal and minted
	// outputs.
	KeyRing KeyRing

	// Signer signs assembled transactions.
	Signer Signer

	// Chain estimates fees and broadcasts.
	Chain ChainBridge

	// Registry is the fee-token regime minting is charged under. May be
	// nil, in which case minting is free of token fees.
	Registry GroupRegistry

	// SelectAuthority picks among eligible authority coins. Defaults to
	// FirstAuthority.
	SelectAuthority AuthoritySelector

	// FeeConfTarget is the confirmation target for fee estimation.
	FeeConfTarget uint32
}

// Wallet performs the token-group operations: group creation, minting,
// melting, sending and authority management. Operations are serialized, so
// two concurrent calls never race on the same coins or keys.
type Wallet struct {
	cfg     Config
	builder *Builder

	mu sync.Mutex
}

// New creates a wallet from its config, applying defaults.
func New(cfg Config) *Wallet {
	if cfg.SelectAuthority == nil {
		cfg.SelectAuthority = FirstAuthority
	}
	if cfg.FeeConfTarget == 0 {
		cfg.FeeConfTarget = defaultFeeConfTarget
	}

	return &Wallet{
		cfg: cfg,
		builder: NewBuilder(BuilderConfig{
			ChainParams:   cfg.ChainParams,
			Coins:         cfg.Coins,
			KeyRing:       cfg.KeyRing,
			Signer:        cfg.Signer,
			Chain:         cfg.Chain,
			FeeConfTarget: cfg.FeeConfTarget,
		}),
	}
}

// NewGroupResult describes a freshly created group.
type NewGroupResult struct {
	// GroupID is the derived identifier of the new group.
	GroupID group.ID

	// Authority is the full authority field of the genesis authority
	// output, nonce included.
	Authority group.AuthorityFlags

	// Tx is the published genesis transaction.
	Tx *wire.MsgTx
}

// NewGroup creates a new token group. The identifier is derived from the
// first input of the genesis transaction and the optional description
// document, with the requested flag byte ground into its final byte. The
// genesis authority output carries the given capabilities plus the
// derivation nonce. Creating a group is charged the same registry fee as
// minting, with the same management-class exemption.
func (w *Wallet) NewGroup(ctx context.Context,
	desc *groupscript.GroupDescription, idFlags group.IDFlags,
	caps group.AuthorityFlags) (*NewGroupResult, error) {

	var descScript []byte
	if desc != nil {
		var err error
		descScript, err = groupscript.BuildDescScript(desc)
		if err != nil {
			return nil, err
		}
	}

	// The derivation grind is unbounded, so it runs before the wallet
	// lock is taken; the anchor coin is re-checked once under the lock.
	genesisCoin, err := w.pickAnchorCoin(ctx)
	if err != nil {
		return nil, err
	}

	groupID, nonce := group.DeriveID(
		genesisCoin.OutPoint, descScript, idFlags,
	)
	authority := caps.Capabilities() | group.AuthorityCtrl |
		group.AuthorityFlags(nonce)

	log.Debugf("Derived group %v (flags %v, authority %v)", groupID,
		idFlags, authority.Capabilities())

	w.mu.Lock()
	defer w.mu.Unlock()

	// The identifier is bound to the anchor outpoint, so a concurrent
	// spend of it invalidates the whole derivation.
	anchor, err := w.cfg.Coins.ListCoins(ctx, func(c *Coin) bool {
		return c.OutPoint == genesisCoin.OutPoint
	})
	if err != nil {
		return nil, err
	}
	if len(anchor) == 0 {
		return nil, fmt.Errorf("derivation anchor %v no longer "+
			"spendable", genesisCoin.OutPoint)
	}

	reserver := &keyReserver{ring: w.cfg.KeyRing}
	tx, err := w.newGroupTx(
		ctx, reserver, genesisCoin, groupID, authority, descScript,
	)
	if err != nil {
		reserver.release()
		return nil, err
	}
	reserver.keep()

	return &NewGroupResult{
		GroupID:   groupID,
		Authority: authority,
		Tx:        tx,
	}, nil
}

// pickAnchorCoin returns the lowest-value base coin, which anchors the
// identifier derivation of a new group.
func (w *Wallet) pickAnchorCoin(ctx context.Context) (*Coin, error) {
	baseCoins, err := w.cfg.Coins.ListCoins(ctx, BaseCoinFilter)
	if err != nil {
		return nil, err
	}

	var anchor *Coin
	for _, c := range baseCoins {
		if anchor == nil || c.Value < anchor.Value {
			anchor = c
		}
	}
	if anchor == nil {
		return nil, &InsufficientFundsError{Need: 1}
	}
	return anchor, nil
}

func (w *Wallet) newGroupTx(ctx context.Context, reserver *keyReserver,
	genesisCoin *Coin, groupID group.ID, authority group.AuthorityFlags,
	descScript []byte) (*wire.MsgTx, error) {

	authKey, err := reserver.next(ctx)
	if err != nil {
		return nil, err
	}
	authScript, err := groupscript.AuthorityScript(
		authKey.Address(), groupID, authority,
	)
	if err != nil {
		return nil, err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(
		int64(groupscript.GroupedSatoshiAmt), authScript,
	)}
	if len(descScript) > 0 {
		outputs = append(outputs, wire.NewTxOut(0, descScript))
	}

	plan := &TxPlan{
		Inputs:  []*Coin{genesisCoin},
		Outputs: outputs,
	}
	if err := w.addMintFee(ctx, groupID, plan); err != nil {
		return nil, err
	}

	return w.builder.ConstructTx(ctx, plan)
}

// Mint creates new tokens of a group the wallet holds a mint authority for.
// The tokens are paid to dest, or to a fresh wallet key when dest is nil.
// Unless the group carries the management flag, the registry's mint fee is
// paid in fee tokens alongside.
func (w *Wallet) Mint(ctx context.Context, groupID group.ID, quantity uint64,
	dest btcutil.Address) (*wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if quantity == 0 {
		return nil, fmt.Errorf("mint of zero tokens")
	}

	authCoin, err := w.findAuthority(ctx, groupID, group.AuthorityMint)
	if err != nil {
		return nil, err
	}

	reserver := &keyReserver{ring: w.cfg.KeyRing}
	tx, err := w.mintTx(ctx, reserver, authCoin, groupID, quantity, dest)
	if err != nil {
		reserver.release()
		return nil, err
	}
	reserver.keep()

	return tx, nil
}

func (w *Wallet) mintTx(ctx context.Context, reserver *keyReserver,
	authCoin *Coin, groupID group.ID, quantity uint64,
	dest btcutil.Address) (*wire.MsgTx, error) {

	if dest == nil {
		destKey, err := reserver.next(ctx)
		if err != nil {
			return nil, err
		}
		dest = destKey.Address()
	}

	mintScript, err := groupscript.PayToAddrScript(dest, groupID, quantity)
	if err != nil {
		return nil, err
	}

	// The mint authority justifies the created supply, so the minted
	// output stays outside the plan's token balance.
	plan := &TxPlan{
		Inputs: []*Coin{authCoin},
		Outputs: []*wire.TxOut{wire.NewTxOut(
			int64(groupscript.GroupedSatoshiAmt), mintScript,
		)},
	}

	plan.Outputs, err = w.renewAuthority(
		ctx, reserver, plan.Outputs, authCoin,
	)
	if err != nil {
		return nil, err
	}

	if err := w.addMintFee(ctx, groupID, plan); err != nil {
		return nil, err
	}

	return w.builder.ConstructTx(ctx, plan)
}

// addMintFee extends the plan with the registry fee section: fee-token
// inputs covering the scaled base fee and the fee payment output.
// Management-class groups are exempt, as is everything when no registry is
// configured.
func (w *Wallet) addMintFee(ctx context.Context, groupID group.ID,
	plan *TxPlan) error {

	if w.cfg.Registry == nil || groupID.HasFlag(group.IDFlagManagement) {
		return nil
	}

	height, err := w.cfg.Chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	feeNeeded := w.cfg.Registry.FeeAmount(height) * mintFeeFactor
	if feeNeeded == 0 {
		return nil
	}

	feeTokenID := w.cfg.Registry.FeeTokenID()
	feeCoins, err := w.cfg.Coins.ListCoins(
		ctx, GroupCoinFilter(feeTokenID),
	)
	if err != nil {
		return err
	}
	selected, total, _, err := SelectGroupCoins(
		feeCoins, feeTokenID, feeNeeded,
	)
	if err != nil {
		return err
	}

	feeScript, err := groupscript.PayToAddrScript(
		w.cfg.Registry.FeeAddress(), feeTokenID, feeNeeded,
	)
	if err != nil {
		return err
	}

	plan.Inputs = append(plan.Inputs, selected...)
	plan.Outputs = append(plan.Outputs, wire.NewTxOut(
		int64(groupscript.GroupedSatoshiAmt), feeScript,
	))
	plan.FeeTokenID = feeTokenID
	plan.FeeTokenAvailable = total
	plan.FeeTokenNeeded = feeNeeded

	return nil
}

// Send transfers tokens of a group to one or more recipients. When the
// group is itself the registry fee token, the registry fee is folded into
// the same selection and paid in the same transaction.
func (w *Wallet) Send(ctx context.Context, groupID group.ID,
	recipients []Recipient) (*wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if !groupID.IsUserGroup() {
		return nil, fmt.Errorf("send requires a token group")
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("send without recipients")
	}

	var totalNeeded uint64
	outputs := make([]*wire.TxOut, 0, len(recipients)+1)
	for _, r := range recipients {
		if r.Amount == 0 {
			return nil, fmt.Errorf("send of zero tokens to %v",
				r.Addr)
		}

		script, err := groupscript.PayToAddrScript(
			r.Addr, groupID, r.Amount,
		)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(
			int64(groupscript.GroupedSatoshiAmt), script,
		))
		totalNeeded += r.Amount
	}

	// Moving the fee token pays the registry fee in-band: the fee output
	// joins the recipient outputs and the selection target grows by the
	// fee.
	if w.cfg.Registry != nil &&
		groupID.Equal(w.cfg.Registry.FeeTokenID()) {

		height, err := w.cfg.Chain.CurrentHeight(ctx)
		if err != nil {
			return nil, err
		}
		feeNeeded := w.cfg.Registry.FeeAmount(height)
		if feeNeeded > 0 {
			feeScript, err := groupscript.PayToAddrScript(
				w.cfg.Registry.FeeAddress(), groupID,
				feeNeeded,
			)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, wire.NewTxOut(
				int64(groupscript.GroupedSatoshiAmt),
				feeScript,
			))
			totalNeeded += feeNeeded
		}
	}

	coins, err := w.cfg.Coins.ListCoins(ctx, GroupCoinFilter(groupID))
	if err != nil {
		return nil, err
	}
	selected, total, _, err := SelectGroupCoins(
		coins, groupID, totalNeeded,
	)
	if err != nil {
		return nil, err
	}

	return w.builder.ConstructTx(ctx, &TxPlan{
		Inputs:         selected,
		Outputs:        outputs,
		GroupID:        groupID,
		TokenAvailable: total,
		TokenNeeded:    totalNeeded,
	})
}

// Melt destroys tokens of a group. The selection covering the requested
// quantity is consumed in full and no token output is created, so any
// surplus the selection carries beyond the request is destroyed with it.
// The actual destroyed total is returned.
//
// Groups with the sticky-melt flag let any holder melt; all others require
// a melt authority, which is renewed alongside.
func (w *Wallet) Melt(ctx context.Context, groupID group.ID,
	quantity uint64) (uint64, *wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if quantity == 0 {
		return 0, nil, fmt.Errorf("melt of zero tokens")
	}

	var authCoin *Coin
	if !groupID.HasFlag(group.IDFlagStickyMelt) {
		var err error
		authCoin, err = w.findAuthority(
			ctx, groupID, group.AuthorityMelt,
		)
		if err != nil {
			return 0, nil, err
		}
	}

	coins, err := w.cfg.Coins.ListCoins(ctx, GroupCoinFilter(groupID))
	if err != nil {
		return 0, nil, err
	}
	selected, total, _, err := SelectGroupCoins(coins, groupID, quantity)
	if err != nil {
		return 0, nil, err
	}

	if total > quantity {
		log.Infof("Melt of %d %v tokens destroys %d: selection "+
			"surplus is not returned", quantity, groupID, total)
	}

	reserver := &keyReserver{ring: w.cfg.KeyRing}
	tx, err := w.meltTx(ctx, reserver, authCoin, groupID, selected, total)
	if err != nil {
		reserver.release()
		return 0, nil, err
	}
	reserver.keep()

	return total, tx, nil
}

func (w *Wallet) meltTx(ctx context.Context, reserver *keyReserver,
	authCoin *Coin, groupID group.ID, selected []*Coin,
	total uint64) (*wire.MsgTx, error) {

	// Needed equals available: the builder creates no token change, so
	// the whole selected total vanishes from supply.
	plan := &TxPlan{
		Inputs:         selected,
		GroupID:        groupID,
		TokenAvailable: total,
		TokenNeeded:    total,
	}

	if authCoin != nil {
		plan.Inputs = append(plan.Inputs, authCoin)

		var err error
		plan.Outputs, err = w.renewAuthority(
			ctx, reserver, plan.Outputs, authCoin,
		)
		if err != nil {
			return nil, err
		}
	}

	return w.builder.ConstructTx(ctx, plan)
}

// CreateAuthority issues a new authority for a group at the given
// destination, carrying the requested capability subset. The source
// authority must itself hold every requested capability plus the child
// capability, and is renewed alongside.
func (w *Wallet) CreateAuthority(ctx context.Context, groupID group.ID,
	caps group.AuthorityFlags,
	dest btcutil.Address) (*wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	needed := caps.Capabilities()&^group.AuthorityCtrl |
		group.AuthorityChild
	authCoin, err := w.findAuthority(ctx, groupID, needed)
	if err != nil {
		return nil, err
	}

	reserver := &keyReserver{ring: w.cfg.KeyRing}
	tx, err := w.createAuthorityTx(
		ctx, reserver, authCoin, groupID, caps, dest,
	)
	if err != nil {
		reserver.release()
		return nil, err
	}
	reserver.keep()

	return tx, nil
}

func (w *Wallet) createAuthorityTx(ctx context.Context,
	reserver *keyReserver, authCoin *Coin, groupID group.ID,
	caps group.AuthorityFlags, dest btcutil.Address) (*wire.MsgTx, error) {

	if dest == nil {
		destKey, err := reserver.next(ctx)
		if err != nil {
			return nil, err
		}
		dest = destKey.Address()
	}

	newAuthScript, err := groupscript.AuthorityScript(
		dest, groupID, caps.Capabilities()|group.AuthorityCtrl,
	)
	if err != nil {
		return nil, err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(
		int64(groupscript.GroupedSatoshiAmt), newAuthScript,
	)}
	outputs, err = w.renewAuthority(ctx, reserver, outputs, authCoin)
	if err != nil {
		return nil, err
	}

	return w.builder.ConstructTx(ctx, &TxPlan{
		Inputs:  []*Coin{authCoin},
		Outputs: outputs,
	})
}

// DropAuthorities strips capability bits from one specific held authority
// output, re-issuing it to a fresh key with the remaining set. An authority
// left with no user capability beyond the ctrl marker is destroyed
// outright: nothing is re-issued.
func (w *Wallet) DropAuthorities(ctx context.Context,
	authOutPoint wire.OutPoint,
	drop group.AuthorityFlags) (*wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if drop.Capabilities() == group.AuthorityNone {
		return nil, fmt.Errorf("no capabilities named to drop")
	}

	coins, err := w.cfg.Coins.ListCoins(ctx, func(c *Coin) bool {
		return c.OutPoint == authOutPoint
	})
	if err != nil {
		return nil, err
	}
	if len(coins) == 0 {
		return nil, fmt.Errorf("%w: no spendable output at %v",
			ErrNoAuthority, authOutPoint)
	}

	authCoin := coins[0]
	if info := authCoin.TokenInfo(); !info.IsGrouped() ||
		!info.IsAuthority {

		return nil, fmt.Errorf("%w: output %v is not an authority",
			ErrNoAuthority, authOutPoint)
	}

	reserver := &keyReserver{ring: w.cfg.KeyRing}
	tx, err := w.dropAuthoritiesTx(ctx, reserver, authCoin, drop)
	if err != nil {
		reserver.release()
		return nil, err
	}
	reserver.keep()

	return tx, nil
}

func (w *Wallet) dropAuthoritiesTx(ctx context.Context,
	reserver *keyReserver, authCoin *Coin,
	drop group.AuthorityFlags) (*wire.MsgTx, error) {

	info := authCoin.TokenInfo()

	var outputs []*wire.TxOut

	// The nonce bits ride along untouched; only capability bits are
	// strippable. A remainder carrying nothing but the ctrl marker is no
	// authority worth holding, so it is destroyed along with one that
	// lost the marker itself.
	remaining := info.Authority &^ drop.Capabilities()
	if remaining.IsAuthority() &&
		remaining.Capabilities() != group.AuthorityCtrl {
		destKey, err := reserver.next(ctx)
		if err != nil {
			return nil, err
		}
		script, err := groupscript.AuthorityScript(
			destKey.Address(), info.Group, remaining,
		)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(
			int64(groupscript.GroupedSatoshiAmt), script,
		))
	}

	return w.builder.ConstructTx(ctx, &TxPlan{
		Inputs:  []*Coin{authCoin},
		Outputs: outputs,
	})
}

// findAuthority locates an authority coin of the group carrying the needed
// capabilities. When the group is a subgroup and no dedicated authority
// exists, a renewable subgroup-capable authority of the parent group
// qualifies instead.
func (w *Wallet) findAuthority(ctx context.Context, groupID group.ID,
	needed group.AuthorityFlags) (*Coin, error) {

	required := needed.Capabilities() | group.AuthorityCtrl

	coins, err := w.cfg.Coins.ListCoins(
		ctx, AuthorityCoinFilter(groupID, required),
	)
	if err != nil {
		return nil, err
	}
	if authCoin := w.cfg.SelectAuthority(coins); authCoin != nil {
		return authCoin, nil
	}

	if groupID.IsSubgroup() {
		parentRequired := required | group.AuthoritySubgroup |
			group.AuthorityChild
		coins, err := w.cfg.Coins.ListCoins(ctx, AuthorityCoinFilter(
			groupID.Parent(), parentRequired,
		))
		if err != nil {
			return nil, err
		}
		if authCoin := w.cfg.SelectAuthority(coins); authCoin != nil {
			return authCoin, nil
		}
	}

	return nil, fmt.Errorf("%w: group %v needs %v", ErrNoAuthority,
		groupID, required)
}

// renewAuthority re-issues a spent authority to a fresh key when its child
// capability permits. Authorities without it are consumed for good.
func (w *Wallet) renewAuthority(ctx context.Context, reserver *keyReserver,
	outputs []*wire.TxOut, authCoin *Coin) ([]*wire.TxOut, error) {

	info := authCoin.TokenInfo()
	if !info.AllowsRenew() {
		log.Debugf("Authority %v of group %v is not renewable, "+
			"consuming it", info.Authority.Capabilities(),
			info.Group)
		return outputs, nil
	}

	renewKey, err := reserver.next(ctx)
	if err != nil {
		return nil, err
	}
	script, err := groupscript.AuthorityScript(
		renewKey.Address(), info.Group, info.Authority,
	)
	if err != nil {
		return nil, err
	}

	return append(outputs, wire.NewTxOut(
		int64(groupscript.GroupedSatoshiAmt), script,
	)), nil
}
