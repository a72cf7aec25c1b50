// Package service composes verification, locking, broadcasting and
// reconciliation into the cancel and settle flows.
package service

import (
	"context"
	"fmt"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/lock"
	"github.com/punchamoorthee/escrowops/internal/payout"
	"github.com/punchamoorthee/escrowops/internal/store"
)

var log = ethlog.New("module", "service")

type Deps struct {
	Store   store.Store
	Backend chain.Backend
	Network chain.Network
	Policy  Policy
	Audit   audit.Sink
}

// Engine is the entry point used by the HTTP server, the CLI and the worker.
type Engine struct {
	store       store.Store
	Scanner     *Scanner
	Broadcaster *Broadcaster
	Refunds     *RefundOrchestrator
	Settlements *SettlementOrchestrator
}

func New(d Deps) *Engine {
	if d.Policy.MaxAttempts <= 0 {
		d.Policy = DefaultPolicy()
	}
	if d.Audit == nil {
		d.Audit = audit.LogSink{}
	}
	locks := lock.NewManager(d.Store, d.Policy.LockTTL)
	scanner := NewScanner(d.Backend, d.Store, d.Network, d.Audit)
	bc := NewBroadcaster(d.Backend, d.Store, locks, scanner, d.Policy)
	verifier := chain.NewPaymentVerifier(d.Backend)

	return &Engine{
		store:       d.Store,
		Scanner:     scanner,
		Broadcaster: bc,
		Refunds: &RefundOrchestrator{
			store:       d.Store,
			network:     d.Network,
			verifier:    verifier,
			scanner:     scanner,
			broadcaster: bc,
			audit:       d.Audit,
		},
		Settlements: &SettlementOrchestrator{
			store:       d.Store,
			backend:     d.Backend,
			network:     d.Network,
			verifier:    verifier,
			calc:        payout.NewCalculator(d.Backend, d.Network.Decimals),
			broadcaster: bc,
			audit:       d.Audit,
			now:         time.Now,
		},
	}
}

func (e *Engine) CancelAndRefund(ctx context.Context, gameID string, caller domain.Caller) (*domain.CancelReport, error) {
	return e.Refunds.CancelAndRefund(ctx, gameID, caller)
}

func (e *Engine) Settle(ctx context.Context, gameID string, req domain.SettleRequest, caller domain.Caller) (*domain.SettleReport, error) {
	return e.Settlements.Settle(ctx, gameID, req, caller)
}

func (e *Engine) Reconcile(ctx context.Context, gameID string) ([]domain.ReconcileResult, error) {
	return e.Refunds.Reconcile(ctx, gameID)
}

// GameView is a game with its participants' fund-movement state.
type GameView struct {
	Game         *domain.Game         `json:"game"`
	Participants []domain.Participant `json:"participants"`
}

func (e *Engine) Game(ctx context.Context, gameID string) (*GameView, error) {
	g, err := loadGame(ctx, e.store, gameID)
	if err != nil {
		return nil, err
	}
	ps, err := e.store.ListParticipants(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if ps == nil {
		ps = []domain.Participant{}
	}
	return &GameView{Game: g, Participants: ps}, nil
}

// PendingRefundGames lists games the background sweep should reconcile.
func (e *Engine) PendingRefundGames(ctx context.Context) ([]string, error) {
	return e.store.GamesWithPendingRefunds(ctx)
}
