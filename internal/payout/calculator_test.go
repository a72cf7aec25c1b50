package payout

import (
	"context"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
)

type mockView struct {
	mock.Mock
}

func (m *mockView) TotalCollected(ctx context.Context, gameID *big.Int) (*big.Int, error) {
	args := m.Called(ctx, gameID)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

func (m *mockView) TournamentPayouts(ctx context.Context, gameID *big.Int, recipients []common.Address, base []*big.Int, rule chain.TournamentRule) ([]*big.Int, error) {
	args := m.Called(ctx, gameID, recipients, base, rule)
	v, _ := args.Get(0).([]*big.Int)
	return v, args.Error(1)
}

func strs(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func TestSplitByBpsExample(t *testing.T) {
	amounts, err := SplitByBps(big.NewInt(300_000_000), []int{5000, 3000, 2000}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"150000000", "90000000", "60000000"}, strs(amounts))
}

func TestSplitByBpsRemainderGoesToFirst(t *testing.T) {
	amounts, err := SplitByBps(big.NewInt(100), []int{3333, 3333, 3334}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"34", "33", "33"}, strs(amounts))
}

func TestSplitByBpsSumsExactly(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(8)
		bps := make([]int, n)
		left := TotalBps
		for j := 0; j < n-1; j++ {
			bps[j] = r.Intn(left + 1)
			left -= bps[j]
		}
		bps[n-1] = left
		total := new(big.Int).Rand(r, new(big.Int).Lsh(big.NewInt(1), 96))

		amounts, err := SplitByBps(total, bps, n)
		require.NoError(t, err)
		assert.Equal(t, 0, Sum(amounts).Cmp(total), "bps=%v total=%s", bps, total)
	}
}

func TestValidateBps(t *testing.T) {
	cases := []struct {
		name    string
		bps     []int
		winners int
	}{
		{"length mismatch", []int{5000, 5000}, 3},
		{"negative", []int{11000, -1000}, 2},
		{"short sum", []int{5000, 4000}, 2},
		{"no winners", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBps(tc.bps, tc.winners)
			assert.True(t, domain.IsStructural(err), "got %v", err)
		})
	}
	assert.NoError(t, ValidateBps([]int{10000}, 1))
}

func TestResolveBps(t *testing.T) {
	bps, err := ResolveBps(nil, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{10000}, bps)

	bps, err = ResolveBps([]int{6000, 4000}, []int{7000, 3000}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{7000, 3000}, bps)

	_, err = ResolveBps(nil, nil, 2)
	assert.True(t, domain.IsStructural(err))
}

func TestFeeSplitRejectsMismatchedTotal(t *testing.T) {
	view := new(mockView)
	view.On("TotalCollected", mock.Anything, big.NewInt(9)).Return(big.NewInt(300_000_000), nil)
	c := NewCalculator(view, 6)

	_, _, err := c.FeeSplit(context.Background(), big.NewInt(9), []int{5000, 5000}, 2, big.NewInt(299_000_000))
	assert.True(t, domain.IsStructural(err))

	total, amounts, err := c.FeeSplit(context.Background(), big.NewInt(9), []int{5000, 5000}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "300000000", total.String())
	assert.Equal(t, []string{"150000000", "150000000"}, strs(amounts))
	view.AssertExpectations(t)
}

func TestFeeSplitValidatesBeforeChainRead(t *testing.T) {
	view := new(mockView)
	c := NewCalculator(view, 6)
	_, _, err := c.FeeSplit(context.Background(), big.NewInt(1), []int{9000}, 1, nil)
	assert.True(t, domain.IsStructural(err))
	view.AssertNotCalled(t, "TotalCollected", mock.Anything, mock.Anything)
}

func TestBasePrizesPadsWithZero(t *testing.T) {
	cfg := domain.PrizeConfig{Amounts: []decimal.Decimal{decimal.NewFromInt(50), decimal.RequireFromString("12.5")}}
	amounts, err := BasePrizes(cfg, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"50000000", "12500000", "0", "0"}, strs(amounts))
}

func TestBasePrizesRejectsConflictingModes(t *testing.T) {
	cfg := domain.PrizeConfig{Tournament: true, MultiplierMode: true, DoubleMode: true}
	_, err := BasePrizes(cfg, 6, 1)
	assert.True(t, domain.IsStructural(err))
}

func TestPrizeTableTournamentMultiplier(t *testing.T) {
	recipients := []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}
	base := []*big.Int{big.NewInt(10_000_000), big.NewInt(5_000_000)}
	rule := chain.TournamentRule{DoubleMode: true}

	view := new(mockView)
	view.On("TournamentPayouts", mock.Anything, big.NewInt(4), recipients, base, rule).
		Return([]*big.Int{big.NewInt(20_000_000), big.NewInt(5_000_000)}, nil)

	c := NewCalculator(view, 6)
	cfg := domain.PrizeConfig{
		Amounts:    []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(5)},
		Tournament: true,
		DoubleMode: true,
	}
	amounts, err := c.PrizeTable(context.Background(), big.NewInt(4), cfg, recipients)
	require.NoError(t, err)
	assert.Equal(t, []string{"20000000", "5000000"}, strs(amounts))
	view.AssertExpectations(t)
}
