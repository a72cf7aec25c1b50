package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/store"
)

// Resolved is what the chain says about one stored hash.
type Resolved struct {
	Resolution    domain.Resolution
	ReceiptStatus *uint64
	Err           error
}

// Scanner re-derives the fate of stored transaction hashes from the chain.
// It is the single place receipts and Transfer logs are judged.
type Scanner struct {
	backend  chain.Backend
	store    store.Store
	verifier *chain.PaymentVerifier
	network  chain.Network
	audit    audit.Sink
	now      func() time.Time
}

func NewScanner(b chain.Backend, s store.Store, n chain.Network, sink audit.Sink) *Scanner {
	return &Scanner{
		backend:  b,
		store:    s,
		verifier: chain.NewPaymentVerifier(b),
		network:  n,
		audit:    sink,
		now:      time.Now,
	}
}

// Resolve fetches the receipt for hash and applies it to mv's slot. A
// missing receipt or an RPC failure leaves the slot untouched.
func (s *Scanner) Resolve(ctx context.Context, mv Movement, hash string) Resolved {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return Resolved{Resolution: domain.ResolutionNeedsInspection, Err: fmt.Errorf("stored hash %q is malformed", hash)}
	}
	r, err := s.backend.TransactionReceipt(ctx, common.BytesToHash(raw))
	if err != nil {
		if !errors.Is(err, chain.ErrReceiptNotFound) {
			err = &domain.TransientChainError{Op: "receipt lookup", Err: err}
		}
		return Resolved{Resolution: domain.ResolutionPending, Err: err}
	}
	return s.apply(ctx, mv, hash, r)
}

// apply judges a fetched receipt:
//
//	success + matching Transfer logs -> complete the slot
//	success without them, or failure -> clear the hash for retry
//	anything else                    -> leave for an operator
func (s *Scanner) apply(ctx context.Context, mv Movement, hash string, r *types.Receipt) Resolved {
	// The chain has spoken; recording it must not depend on the caller.
	ctx, cancel := detached(ctx)
	defer cancel()

	status := r.Status
	res := Resolved{ReceiptStatus: &status}

	switch status {
	case types.ReceiptStatusSuccessful:
		if err := chain.VerifyTransfers(r, mv.Expect); err != nil {
			res.Err = &domain.VerificationFailure{Reason: err.Error(), TxHash: hash, ReceiptStatus: &status}
			return s.clear(ctx, mv.Slot, hash, res)
		}
		ok, err := mv.Complete(ctx, hash, s.now())
		if err == nil && !ok {
			st, ierr := s.store.InspectSlot(ctx, mv.Slot)
			switch {
			case ierr != nil:
				err = ierr
			case !st.Done:
				err = fmt.Errorf("completion of %s with %s did not apply", mv.Slot, hash)
			}
		}
		if err != nil {
			log.Error("Funds moved but completion was not recorded", "slot", mv.Slot, "tx", hash, "err", err)
		}
		res.Resolution, res.Err = domain.ResolutionCompleted, err
		return res
	case types.ReceiptStatusFailed:
		res.Err = &domain.VerificationFailure{Reason: "transaction reverted", TxHash: hash, ReceiptStatus: &status}
		return s.clear(ctx, mv.Slot, hash, res)
	}
	res.Resolution = domain.ResolutionNeedsInspection
	res.Err = fmt.Errorf("unexpected receipt status %d for %s", status, hash)
	log.Warn("Receipt needs manual inspection", "slot", mv.Slot, "tx", hash, "status", status)
	return res
}

func (s *Scanner) clear(ctx context.Context, slot store.Slot, hash string, res Resolved) Resolved {
	ok, err := s.store.ClearSlotHash(ctx, slot, hash)
	if err != nil {
		res.Resolution = domain.ResolutionNeedsInspection
		res.Err = fmt.Errorf("clear %s: %w", slot, err)
		return res
	}
	if ok {
		res.Resolution = domain.ResolutionCleared
		return res
	}
	// Someone else moved the slot first.
	st, err := s.store.InspectSlot(ctx, slot)
	switch {
	case err != nil:
		res.Resolution, res.Err = domain.ResolutionNeedsInspection, err
	case st.Done:
		res.Resolution, res.Err = domain.ResolutionCompleted, nil
	case st.TxHash != hash:
		res.Resolution = domain.ResolutionCleared
	default:
		res.Resolution = domain.ResolutionNeedsInspection
	}
	return res
}

// RefundMovement is the escrow refund of proof's payer for one participant.
// The expected Transfer returns exactly what the payer deposited.
func (s *Scanner) RefundMovement(gameID *big.Int, participantID string, proof *chain.PaymentProof) Movement {
	payer, value := proof.Payer, new(big.Int).Set(proof.Value)
	return Movement{
		Slot: store.RefundSlot(participantID),
		Send: func(ctx context.Context, gasPrice *big.Int) (common.Hash, error) {
			return s.backend.Refund(ctx, gasPrice, gameID, payer)
		},
		Expect: []chain.ExpectedTransfer{{
			Token: s.network.Token,
			From:  s.network.Escrow,
			To:    payer,
			Value: value,
		}},
		Complete: func(ctx context.Context, hash string, at time.Time) (bool, error) {
			return s.store.CompleteRefund(ctx, participantID, hash, at)
		},
	}
}

// ScanRefunds resumes every participant of g holding an unconfirmed refund
// hash. It never broadcasts.
func (s *Scanner) ScanRefunds(ctx context.Context, g *domain.Game, ps []domain.Participant) []domain.ReconcileResult {
	var out []domain.ReconcileResult
	gameID, idOK := chain.ParseGameID(g.OnChainGameID)
	for _, p := range ps {
		if !p.RefundPending() {
			continue
		}
		rr := domain.ReconcileResult{ParticipantID: p.ID, TxHash: p.RefundTxHash}
		res := s.resolveRefund(ctx, g, gameID, idOK, p)
		rr.Resolution = res.Resolution
		if res.Err != nil {
			rr.Error = res.Err.Error()
		}
		reconcileTotal.WithLabelValues(string(store.SlotRefund), string(res.Resolution)).Inc()
		log.Info("Reconciled refund", "game", g.ID, "participant", p.ID, "tx", p.RefundTxHash, "resolution", res.Resolution, "err", res.Err)
		if res.Resolution != domain.ResolutionPending {
			audit.Emit(ctx, s.audit, audit.Event{
				Type:          audit.ReconcileResolved,
				GameID:        g.ID,
				ParticipantID: p.ID,
				TxHash:        p.RefundTxHash,
				Details:       map[string]any{"resolution": res.Resolution, "error": rr.Error},
			})
		}
		out = append(out, rr)
	}
	return out
}

func (s *Scanner) resolveRefund(ctx context.Context, g *domain.Game, gameID *big.Int, idOK bool, p domain.Participant) Resolved {
	if !idOK {
		return Resolved{Resolution: domain.ResolutionNeedsInspection,
			Err: domain.NewStructuralError("invalid on-chain game id", "game", g.ID, "onchain_game_id", g.OnChainGameID)}
	}
	proof, err := s.verifier.Verify(ctx, chain.ClaimFor(s.network, p.PaymentTxHash, g.EntryFee))
	if err != nil {
		var vf *domain.VerificationFailure
		if errors.As(err, &vf) {
			return Resolved{Resolution: domain.ResolutionNeedsInspection, Err: err}
		}
		return Resolved{Resolution: domain.ResolutionPending, Err: err}
	}
	return s.Resolve(ctx, s.RefundMovement(gameID, p.ID, proof), p.RefundTxHash)
}
