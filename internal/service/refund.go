package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/store"
)

// RefundOrchestrator runs the cancel flow. It is safe to call again on a
// cancelled game to retry stuck refunds.
type RefundOrchestrator struct {
	store       store.Store
	network     chain.Network
	verifier    *chain.PaymentVerifier
	scanner     *Scanner
	broadcaster *Broadcaster
	audit       audit.Sink
}

// CancelAndRefund reconciles outstanding refunds, refunds every remaining
// paid participant and marks the game cancelled. Individual failures are
// reported in the result, not returned as an error.
func (o *RefundOrchestrator) CancelAndRefund(ctx context.Context, gameID string, caller domain.Caller) (*domain.CancelReport, error) {
	g, err := loadGame(ctx, o.store, gameID)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(g) {
		return nil, domain.ErrForbidden
	}
	if g.Settled() {
		return nil, domain.ErrGameSettled
	}

	ps, err := o.store.ListParticipants(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	report := &domain.CancelReport{GameID: g.ID, Results: []domain.RefundAttemptResult{}}
	report.Reconciled = o.scanner.ScanRefunds(ctx, g, ps)

	if ps, err = o.store.ListParticipants(ctx, g.ID); err != nil {
		return nil, fmt.Errorf("reload participants: %w", err)
	}

	onChainID, idOK := chain.ParseGameID(g.OnChainGameID)
	for _, p := range ps {
		if !p.EligibleForRefund() {
			continue
		}
		report.Eligible++
		if !idOK {
			return nil, domain.NewStructuralError("invalid on-chain game id", "game", g.ID, "onchain_game_id", g.OnChainGameID)
		}
		if ctx.Err() != nil {
			continue
		}
		report.Results = append(report.Results, o.refundOne(ctx, g, onChainID, p))
	}

	if _, err := o.store.UpdateGameStatus(ctx, g.ID, domain.GameCancelled,
		domain.GameOpen, domain.GameInProgress); err != nil {
		return nil, fmt.Errorf("mark game cancelled: %w", err)
	}
	if cur, err := o.store.GetGame(ctx, g.ID); err == nil {
		report.Status = cur.Status
	}

	aggregate(report)
	log.Info("Cancel pass finished", "game", g.ID, "eligible", report.Eligible, "refunded", report.Refunded,
		"pending", report.Pending, "failed", report.Failed, "in_flight", report.InFlight)

	if report.Eligible > 0 && len(report.Results) == 0 {
		return report, domain.ErrNoRefundAttempts
	}
	return report, nil
}

// Reconcile runs only the scanner for one game.
func (o *RefundOrchestrator) Reconcile(ctx context.Context, gameID string) ([]domain.ReconcileResult, error) {
	g, err := loadGame(ctx, o.store, gameID)
	if err != nil {
		return nil, err
	}
	ps, err := o.store.ListParticipants(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return o.scanner.ScanRefunds(ctx, g, ps), nil
}

func (o *RefundOrchestrator) refundOne(ctx context.Context, g *domain.Game, onChainID *big.Int, p domain.Participant) domain.RefundAttemptResult {
	res := domain.RefundAttemptResult{ParticipantID: p.ID}

	proof, err := o.verifier.Verify(ctx, chain.ClaimFor(o.network, p.PaymentTxHash, g.EntryFee))
	if err != nil {
		var vf *domain.VerificationFailure
		if errors.As(err, &vf) {
			res.Outcome, res.ReceiptStatus = domain.OutcomeVerificationFailed, vf.ReceiptStatus
		} else {
			res.Outcome = domain.OutcomePending
		}
		res.Error = err.Error()
		log.Warn("Payment not verified, skipping refund", "game", g.ID, "participant", p.ID, "err", err)
		return res
	}
	res.VerifiedAddress = proof.Payer.Hex()

	out := o.broadcaster.Execute(ctx, o.scanner.RefundMovement(onChainID, p.ID, proof))
	res.Outcome = out.DomainOutcome()
	res.Success = out.Succeeded()
	res.TxHash = out.TxHash
	res.Attempts = out.Attempts
	res.ReceiptStatus = out.ReceiptStatus
	switch {
	case out.BookkeepingErr != nil:
		res.Error = out.BookkeepingErr.Error()
	case out.Err != nil && !res.Success:
		res.Error = out.Err.Error()
	}

	ev := audit.Event{GameID: g.ID, ParticipantID: p.ID, TxHash: res.TxHash,
		Details: map[string]any{"outcome": res.Outcome, "payer": res.VerifiedAddress, "attempts": res.Attempts}}
	switch res.Outcome {
	case domain.OutcomeConfirmed:
		ev.Type = audit.RefundConfirmed
		audit.Emit(ctx, o.audit, ev)
	case domain.OutcomeFailed, domain.OutcomeFatal:
		ev.Type = audit.RefundFailed
		ev.Details["error"] = res.Error
		audit.Emit(ctx, o.audit, ev)
	}
	return res
}

func aggregate(r *domain.CancelReport) {
	for _, res := range r.Results {
		switch res.Outcome {
		case domain.OutcomeConfirmed, domain.OutcomeAlreadyDone:
			r.Refunded++
		case domain.OutcomePending:
			r.Pending++
		case domain.OutcomeInFlight:
			r.InFlight++
		default:
			r.Failed++
		}
	}
	r.PartialFailure = r.Failed > 0 || r.Pending > 0
	for _, rr := range r.Reconciled {
		if rr.Resolution == domain.ResolutionPending || rr.Resolution == domain.ResolutionNeedsInspection {
			r.PartialFailure = true
		}
	}
}

func loadGame(ctx context.Context, s store.Store, id string) (*domain.Game, error) {
	g, err := s.GetGame(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", id, err)
	}
	return g, nil
}
