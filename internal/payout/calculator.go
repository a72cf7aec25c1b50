// Package payout derives what each winner is owed.
package payout

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
)

// TotalBps is the basis-point denominator; every split table sums to it.
const TotalBps = 10000

// ChainView is the read-only contract surface the calculator consults.
type ChainView interface {
	TotalCollected(ctx context.Context, gameID *big.Int) (*big.Int, error)
	TournamentPayouts(ctx context.Context, gameID *big.Int, recipients []common.Address, base []*big.Int, rule chain.TournamentRule) ([]*big.Int, error)
}

// Calculator implements both payout modes.
type Calculator struct {
	view     ChainView
	decimals int32
}

func NewCalculator(view ChainView, decimals int32) *Calculator {
	return &Calculator{view: view, decimals: decimals}
}

// FeeSplit reads the escrow's authoritative total for gameID and splits it.
// expected, when non-nil, must equal the contract total.
func (c *Calculator) FeeSplit(ctx context.Context, gameID *big.Int, bps []int, winners int, expected *big.Int) (*big.Int, []*big.Int, error) {
	if err := ValidateBps(bps, winners); err != nil {
		return nil, nil, err
	}
	total, err := c.view.TotalCollected(ctx, gameID)
	if err != nil {
		return nil, nil, &domain.TransientChainError{Op: "totalCollected", Err: err}
	}
	if expected != nil && expected.Cmp(total) != 0 {
		return nil, nil, domain.NewStructuralError("requested total differs from contract total",
			"requested", expected.String(), "contract", total.String())
	}
	amounts, err := SplitByBps(total, bps, winners)
	if err != nil {
		return nil, nil, err
	}
	return total, amounts, nil
}

// PrizeTable returns per-recipient prizes in base units. Tournament games
// pass the base amounts through the escrow's multiplier view.
func (c *Calculator) PrizeTable(ctx context.Context, gameID *big.Int, cfg domain.PrizeConfig, recipients []common.Address) ([]*big.Int, error) {
	base, err := BasePrizes(cfg, c.decimals, len(recipients))
	if err != nil {
		return nil, err
	}
	if !cfg.Tournament {
		return base, nil
	}
	rule := chain.TournamentRule{MultiplierMode: cfg.MultiplierMode, DoubleMode: cfg.DoubleMode}
	adjusted, err := c.view.TournamentPayouts(ctx, gameID, recipients, base, rule)
	if err != nil {
		return nil, &domain.TransientChainError{Op: "tournamentPayouts", Err: err}
	}
	if len(adjusted) != len(base) {
		return nil, domain.NewStructuralError("tournament payouts length mismatch",
			"expected", len(base), "got", len(adjusted))
	}
	for i, v := range adjusted {
		if v == nil || v.Sign() < 0 {
			return nil, domain.NewStructuralError("negative tournament payout", "position", i+1)
		}
	}
	return adjusted, nil
}

// ResolveBps picks the override, then the game's table, then winner-take-all
// for a single winner.
func ResolveBps(configured, override []int, winners int) ([]int, error) {
	switch {
	case len(override) > 0:
		return override, nil
	case len(configured) > 0:
		return configured, nil
	case winners == 1:
		return []int{TotalBps}, nil
	}
	return nil, domain.NewStructuralError("no payout table for multiple winners", "winners", winners)
}

// ValidateBps enforces non-negative entries summing to TotalBps, one per winner.
func ValidateBps(bps []int, winners int) error {
	if winners <= 0 {
		return domain.NewStructuralError("no winners declared")
	}
	if len(bps) != winners {
		return domain.NewStructuralError("bps length does not match winner count",
			"bps", len(bps), "winners", winners)
	}
	sum := 0
	for i, b := range bps {
		if b < 0 {
			return domain.NewStructuralError("negative bps entry", "index", i, "value", b)
		}
		sum += b
	}
	if sum != TotalBps {
		return domain.NewStructuralError("bps do not sum to 10000", "sum", sum)
	}
	return nil
}

// SplitByBps computes total*bps[i]/10000 with the integer-division remainder
// assigned to index 0, so the amounts always sum to total.
func SplitByBps(total *big.Int, bps []int, winners int) ([]*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, domain.NewStructuralError("invalid total")
	}
	if err := ValidateBps(bps, winners); err != nil {
		return nil, err
	}
	denom := big.NewInt(TotalBps)
	amounts := make([]*big.Int, len(bps))
	assigned := new(big.Int)
	for i, b := range bps {
		a := new(big.Int).Mul(total, big.NewInt(int64(b)))
		a.Quo(a, denom)
		amounts[i] = a
		assigned.Add(assigned, a)
	}
	amounts[0].Add(amounts[0], new(big.Int).Sub(total, assigned))

	if err := CheckSum(amounts, total); err != nil {
		return nil, err
	}
	return amounts, nil
}

// BasePrizes reads the fixed table; positions past its end get zero.
func BasePrizes(cfg domain.PrizeConfig, decimals int32, winners int) ([]*big.Int, error) {
	if cfg.MultiplierMode && cfg.DoubleMode {
		return nil, domain.NewStructuralError("multiplier mode and doubling mode are mutually exclusive")
	}
	if winners <= 0 {
		return nil, domain.NewStructuralError("no winners declared")
	}
	out := make([]*big.Int, winners)
	for i := range out {
		if i >= len(cfg.Amounts) {
			out[i] = new(big.Int)
			continue
		}
		if cfg.Amounts[i].IsNegative() {
			return nil, domain.NewStructuralError("negative prize", "position", i+1)
		}
		out[i] = chain.ToBaseUnits(cfg.Amounts[i], decimals)
	}
	return out, nil
}

// Sum adds amounts.
func Sum(amounts []*big.Int) *big.Int {
	s := new(big.Int)
	for _, a := range amounts {
		s.Add(s, a)
	}
	return s
}

// CheckSum is the pre-broadcast invariant Σ amounts == total.
func CheckSum(amounts []*big.Int, total *big.Int) error {
	if s := Sum(amounts); s.Cmp(total) != 0 {
		return fmt.Errorf("payout sum %s != total %s", s, total)
	}
	return nil
}
