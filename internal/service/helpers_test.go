package service

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/chain/chaintest"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/store"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000070ce")
	relayer    = common.HexToAddress("0x0000000000000000000000000000000000000fee")

	ownerCaller = domain.Caller{UserID: "owner"}
	adminCaller = domain.Caller{UserID: "ops", Roles: []string{"admin"}}

	fee = decimal.NewFromInt(100)
	// 100 USDC at 6 decimals.
	feeUnits = big.NewInt(100_000_000)
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(ctx context.Context, e audit.Event) error {
	return m.Called(ctx, e).Error(0)
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		GasBuffersPct:  []int{50, 75, 100},
		ReceiptTimeout: 40 * time.Millisecond,
		ReceiptPoll:    5 * time.Millisecond,
		LockTTL:        5 * time.Minute,
	}
}

type harness struct {
	chain  *chaintest.Backend
	store  *store.MemoryStore
	sink   *mockSink
	engine *Engine
}

// newHarness wires an engine over a fake chain and an in-memory store.
// wrap, when non-nil, lets a test interpose on the store the engine sees.
func newHarness(t *testing.T, p Policy, wrap func(*store.MemoryStore) store.Store) *harness {
	t.Helper()
	n := chain.Network{ChainID: big.NewInt(8453), Escrow: escrowAddr, Token: tokenAddr, Decimals: 6}
	h := &harness{
		chain: chaintest.New(n),
		store: store.NewMemoryStore(),
		sink:  new(mockSink),
	}
	h.sink.On("Write", mock.Anything, mock.Anything).Return(nil)

	var s store.Store = h.store
	if wrap != nil {
		s = wrap(h.store)
	}
	h.engine = New(Deps{Store: s, Backend: h.chain, Network: n, Policy: p, Audit: h.sink})
	h.engine.Broadcaster.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func payer(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// feeGame seeds a fee-split game with n participants who each paid the
// entry fee through a relayer.
func (h *harness) feeGame(id string, n int, bps []int) []domain.Participant {
	return h.feeGameOn(id, "7", n, bps)
}

func (h *harness) feeGameOn(id, onChainID string, n int, bps []int) []domain.Participant {
	h.store.PutGame(domain.Game{
		ID:            id,
		ClubOwner:     ownerCaller.UserID,
		Status:        domain.GameInProgress,
		Mode:          domain.ModeFeeSplit,
		EntryFee:      fee,
		PayoutBps:     bps,
		WinnerCount:   len(bps),
		OnChainGameID: onChainID,
	})
	base := time.Now()
	var ps []domain.Participant
	for i := 1; i <= n; i++ {
		hash := h.chain.Pay(onChainID, payer(i), relayer, feeUnits)
		p := domain.Participant{
			ID:            fmt.Sprintf("%s-p%d", id, i),
			GameID:        id,
			UserID:        fmt.Sprintf("u%d", i),
			Status:        domain.ParticipantPaid,
			PaymentTxHash: hash.Hex(),
			CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
		}
		h.store.PutParticipant(p)
		ps = append(ps, p)
	}
	return ps
}

func (h *harness) participant(t *testing.T, id string) domain.Participant {
	t.Helper()
	p, err := h.store.Participant(id)
	require.NoError(t, err)
	return p
}

func (h *harness) game(t *testing.T, id string) *domain.Game {
	t.Helper()
	g, err := h.store.GetGame(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (h *harness) events() []string {
	var out []string
	for _, c := range h.sink.Calls {
		if e, ok := c.Arguments.Get(1).(audit.Event); ok {
			out = append(out, e.Type)
		}
	}
	return out
}
