// Package groupwallet assembles, signs and publishes the transactions of
// the token-group protocol on top of a set of narrow wallet and chain
// interfaces. It owns coin selection, fee estimation, token and base change
// handling and the authority renewal discipline; key custody, signing and
// chain access are delegated to the backing implementations.
package groupwallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/grouptoken/tokend/group"
	"github.com/grouptoken/tokend/groupscript"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ErrNoAuthority is returned when an operation requires an authority output
// the wallet does not hold.
var ErrNoAuthority = errors.New("no suitable authority held")

// InsufficientFundsError is returned when coin selection cannot cover a
// target amount. Group is empty when the shortfall is in the base currency.
type InsufficientFundsError struct {
	// Group is the token group the selection ran against, or empty for
	// the base currency.
	Group group.ID

	// Need is the target the selection had to reach.
	Need uint64

	// Have is the total of every eligible coin.
	Have uint64
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	if !e.Group.IsUserGroup() {
		return fmt.Sprintf("insufficient funds: need %d sat, "+
			"have %d sat", e.Need, e.Have)
	}
	return fmt.Sprintf("insufficient tokens of group %v: need %d, "+
		"have %d", e.Group, e.Need, e.Have)
}

// Coin is a spendable output owned by the wallet, as reported by the
// backing CoinLister. The token view is not cached: the pkScript is decoded
// on demand so a Coin is just plain data.
type Coin struct {
	// OutPoint is the outpoint of the output.
	OutPoint wire.OutPoint

	// Value is the base-currency value of the output.
	Value btcutil.Amount

	// PkScript is the raw output script.
	PkScript []byte
}

// TokenInfo decodes the token-group view of the coin's output script.
func (c *Coin) TokenInfo() *groupscript.TokenOutput {
	return groupscript.ParseTokenOutput(c.PkScript)
}

// TxOut returns the coin as a wire output, which is the form signers need
// for the previous-output lookup.
func (c *Coin) TxOut() *wire.TxOut {
	return &wire.TxOut{
		Value:    int64(c.Value),
		PkScript: c.PkScript,
	}
}

// CoinFilter is a predicate over coins. Listing implementations apply it
// before returning, so callers only ever see eligible coins.
type CoinFilter func(*Coin) bool

// BaseCoinFilter accepts only plain base-currency coins, excluding every
// grouped or malformed output.
func BaseCoinFilter(c *Coin) bool {
	info := c.TokenInfo()
	return !info.Invalid && !info.Group.IsUserGroup()
}

// GroupCoinFilter accepts value-carrying token coins of exactly the given
// group. Authority outputs are not value carriers and are excluded.
func GroupCoinFilter(groupID group.ID) CoinFilter {
	return func(c *Coin) bool {
		info := c.TokenInfo()
		return info.IsGrouped() && !info.IsAuthority &&
			info.Group.Equal(groupID)
	}
}

// AuthorityCoinFilter accepts authority coins of exactly the given group
// carrying every one of the needed capability bits.
func AuthorityCoinFilter(groupID group.ID,
	needed group.AuthorityFlags) CoinFilter {

	return func(c *Coin) bool {
		info := c.TokenInfo()
		return info.IsGrouped() && info.IsAuthority &&
			info.Group.Equal(groupID) &&
			group.HasCapability(info.Authority, needed)
	}
}

// CoinLister is the interface over the wallet's spendable outputs.
type CoinLister interface {
	// ListCoins returns every spendable coin matching the filter. The
	// returned order is the order selection will consume them in.
	ListCoins(ctx context.Context, filter CoinFilter) ([]*Coin, error)
}

// ReservedKey is a wallet key held out of circulation for an in-flight
// transaction. Exactly one of Keep or Release must eventually be called.
type ReservedKey interface {
	// Address returns the destination address of the reserved key.
	Address() btcutil.Address

	// KeyDesc returns the key's wallet locator.
	KeyDesc() keychain.KeyDescriptor

	// Keep marks the key as used, committing the reservation.
	Keep()

	// Release returns the key to the pool for reuse.
	Release()
}

// KeyRing hands out fresh wallet keys for change and renewed authority
// outputs.
type KeyRing interface {
	// ReserveNextKey reserves the next unused key.
	ReserveNextKey(ctx context.Context) (ReservedKey, error)
}

// Signer signs transaction inputs the wallet controls.
type Signer interface {
	// SignTransaction populates the input scripts of tx for every input
	// spending one of the given previous outputs.
	SignTransaction(ctx context.Context, tx *wire.MsgTx,
		prevOuts map[wire.OutPoint]*wire.TxOut) error
}

// ChainBridge is the minimal view of the backing chain.
type ChainBridge interface {
	// CurrentHeight returns the best known block height.
	CurrentHeight(ctx context.Context) (uint32, error)

	// EstimateFee returns the fee rate for the given confirmation
	// target.
	EstimateFee(ctx context.Context,
		confTarget uint32) (chainfee.SatPerKWeight, error)

	// PublishTransaction broadcasts a signed transaction.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx) error
}

// GroupRegistry describes the fee-token regime minting operates under. A
// nil registry means minting is free of token fees.
type GroupRegistry interface {
	// FeeTokenID is the group the fee is denominated in.
	FeeTokenID() group.ID

	// FeeAmount is the base fee, in fee tokens, at the given height.
	FeeAmount(height uint32) uint64

	// FeeAddress is the destination fee payments are sent to.
	FeeAddress() btcutil.Address
}

// Recipient is a single destination of a token send.
type Recipient struct {
	// Addr is the destination address.
	Addr btcutil.Address

	// Amount is the token quantity to transfer.
	Amount uint64
}
