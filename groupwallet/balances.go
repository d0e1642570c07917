package groupwallet

import (
	"context"
	"math"

	"golang.org/x/exp/slices"

	"github.com/grouptoken/tokend/group"
)

// GroupBalance is the wallet's holdings in one group.
type GroupBalance struct {
	// Group is the group identifier.
	Group group.ID

	// Balance is the token total over every held value coin, saturating
	// at the maximum representable value.
	Balance uint64

	// NumCoins is the number of value coins contributing.
	NumCoins int

	// NumAuthorities is the number of authority coins held for the
	// group.
	NumAuthorities int
}

// saturatingAdd adds token quantities with saturation. Individual outputs
// are bounded but nothing bounds the sum of a wallet's coins.
func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Balances tallies the wallet's holdings per group, sorted by group
// identifier for stable output.
func (w *Wallet) Balances(ctx context.Context) ([]*GroupBalance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	coins, err := w.cfg.Coins.ListCoins(ctx, func(c *Coin) bool {
		return c.TokenInfo().IsGrouped()
	})
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string]*GroupBalance)
	for _, c := range coins {
		info := c.TokenInfo()

		bal, ok := byGroup[info.Group.Key()]
		if !ok {
			bal = &GroupBalance{Group: info.Group}
			byGroup[info.Group.Key()] = bal
		}

		if info.IsAuthority {
			bal.NumAuthorities++
			continue
		}
		bal.Balance = saturatingAdd(bal.Balance, info.Quantity)
		bal.NumCoins++
	}

	balances := make([]*GroupBalance, 0, len(byGroup))
	for _, bal := range byGroup {
		balances = append(balances, bal)
	}
	slices.SortFunc(balances, func(a, b *GroupBalance) bool {
		return a.Group.Key() < b.Group.Key()
	})

	return balances, nil
}

// Balance returns the wallet's token total in one group.
func (w *Wallet) Balance(ctx context.Context, groupID group.ID) (uint64,
	error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	coins, err := w.cfg.Coins.ListCoins(ctx, GroupCoinFilter(groupID))
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, c := range coins {
		total = saturatingAdd(total, c.TokenInfo().Quantity)
	}
	return total, nil
}

// ListAuthorities returns the authority coins the wallet holds for a
// group, in listed order.
func (w *Wallet) ListAuthorities(ctx context.Context,
	groupID group.ID) ([]*Coin, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cfg.Coins.ListCoins(
		ctx, AuthorityCoinFilter(groupID, group.AuthorityCtrl),
	)
}
