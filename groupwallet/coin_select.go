package groupwallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/grouptoken/tokend/group"
)

// NearestAbove returns the coin whose base value is the smallest one
// strictly greater than the target, or nil when no coin qualifies. An exact
// match is deliberately not accepted: spending it would leave no room for
// the output carrying the coin forward.
func NearestAbove(coins []*Coin, target btcutil.Amount) *Coin {
	var best *Coin
	for _, c := range coins {
		if c.Value <= target {
			continue
		}
		if best == nil || c.Value < best.Value {
			best = c
		}
	}
	return best
}

// SelectCoins accumulates base-currency coins in their listed order until
// the target is covered, returning the selection and its total. The
// selection is first-fit rather than optimal; wallets that care about the
// consumption order express it through the lister.
func SelectCoins(coins []*Coin, target btcutil.Amount) ([]*Coin,
	btcutil.Amount, error) {

	var (
		selected []*Coin
		total    btcutil.Amount
	)
	for _, c := range coins {
		if total >= target {
			break
		}
		selected = append(selected, c)
		total += c.Value
	}

	if total < target {
		return nil, 0, &InsufficientFundsError{
			Need: uint64(target),
			Have: uint64(total),
		}
	}

	return selected, total, nil
}

// SelectGroupCoins accumulates token coins of a group in their listed order
// until the token target is covered. Alongside the token total the base
// value riding on the selected coins is returned, since it contributes to
// the transaction's base balance.
func SelectGroupCoins(coins []*Coin, groupID group.ID, target uint64) (
	[]*Coin, uint64, btcutil.Amount, error) {

	var (
		selected  []*Coin
		total     uint64
		baseTotal btcutil.Amount
	)
	for _, c := range coins {
		if total >= target {
			break
		}
		selected = append(selected, c)
		total += c.TokenInfo().Quantity
		baseTotal += c.Value
	}

	if total < target {
		var have uint64
		for _, c := range coins {
			have += c.TokenInfo().Quantity
		}
		return nil, 0, 0, &InsufficientFundsError{
			Group: groupID,
			Need:  target,
			Have:  have,
		}
	}

	return selected, total, baseTotal, nil
}

// AuthoritySelector picks the authority coin to spend out of a set of
// eligible candidates. Returning nil means no acceptable authority.
type AuthoritySelector func(coins []*Coin) *Coin

// FirstAuthority is the default selector: the first eligible authority in
// listed order.
func FirstAuthority(coins []*Coin) *Coin {
	if len(coins) == 0 {
		return nil
	}
	return coins[0]
}
