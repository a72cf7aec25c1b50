package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/lock"
	"github.com/punchamoorthee/escrowops/internal/store"
)

// Policy bounds the broadcast retry loop.
type Policy struct {
	MaxAttempts int
	// GasBuffersPct is the premium over the suggested gas price per attempt;
	// attempts past the end reuse the last entry.
	GasBuffersPct  []int
	Backoff        []time.Duration
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	LockTTL        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		GasBuffersPct:  []int{50, 75, 100},
		Backoff:        []time.Duration{2 * time.Second, 5 * time.Second},
		ReceiptTimeout: 90 * time.Second,
		ReceiptPoll:    3 * time.Second,
		LockTTL:        lock.DefaultTTL,
	}
}

func (p Policy) gasBuffer(attempt int) int {
	if len(p.GasBuffersPct) == 0 {
		return 0
	}
	if attempt >= len(p.GasBuffersPct) {
		return p.GasBuffersPct[len(p.GasBuffersPct)-1]
	}
	return p.GasBuffersPct[attempt]
}

// backoff is the pause before attempt (1-based retries).
func (p Policy) backoff(attempt int) time.Duration {
	if attempt <= 0 || len(p.Backoff) == 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// State is a step of the two-phase broadcast/confirm protocol.
type State int

const (
	Idle State = iota
	LockHeld
	Broadcast
	Phase1Persisted
	AwaitingReceipt
	Confirmed
	FailedOnChain
	ReceiptUnknown
	// InFlight means another invocation owns the slot.
	InFlight
	// Aborted means the attempt stopped on a store error; see Outcome.Err.
	Aborted
)

var stateNames = [...]string{
	"idle", "lock_held", "broadcast", "phase1_persisted", "awaiting_receipt",
	"confirmed", "failed_on_chain", "receipt_unknown", "in_flight", "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Movement is one fund movement on one slot.
type Movement struct {
	Slot store.Slot
	Send func(ctx context.Context, gasPrice *big.Int) (common.Hash, error)
	// Expect lists the Transfer logs a successful receipt must carry.
	Expect []chain.ExpectedTransfer
	// Complete records confirmation. false means the conditional write did
	// not apply.
	Complete func(ctx context.Context, hash string, at time.Time) (bool, error)
	// Prepare, when set, runs under the lock right before Send so the
	// movement's parameters are durable before anything is broadcast.
	Prepare func(ctx context.Context, owner string) error
	// Recorded, when set, rebuilds the movement from what Prepare stored.
	// Execute judges an already stored hash against it instead of against
	// freshly computed parameters.
	Recorded func(ctx context.Context) (Movement, error)
}

// writeTimeout bounds the store writes that must land once a transaction
// may be on the wire, whatever happened to the caller.
const writeTimeout = 15 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// Outcome is where Execute left a movement.
type Outcome struct {
	State         State
	TxHash        string
	Attempts      int
	ReceiptStatus *uint64
	AlreadyDone   bool
	Err           error
	// BookkeepingErr is set when the chain confirmed but recording it failed.
	BookkeepingErr error
}

func (o Outcome) Succeeded() bool { return o.State == Confirmed }

func (o *Outcome) enter(slot store.Slot, s State) {
	o.State = s
	log.Trace("Broadcast state", "slot", slot, "state", s, "tx", o.TxHash)
}

// DomainOutcome classifies o for per-participant reports.
func (o Outcome) DomainOutcome() domain.Outcome {
	var fatal *domain.FatalPersistenceError
	switch {
	case o.State == Confirmed && o.AlreadyDone:
		return domain.OutcomeAlreadyDone
	case o.State == Confirmed:
		return domain.OutcomeConfirmed
	case o.State == InFlight:
		return domain.OutcomeInFlight
	case o.State == ReceiptUnknown:
		return domain.OutcomePending
	case errors.As(o.Err, &fatal):
		return domain.OutcomeFatal
	}
	return domain.OutcomeFailed
}

// Broadcaster runs the lock → send → persist → confirm loop.
type Broadcaster struct {
	backend chain.Backend
	store   store.Store
	locks   *lock.Manager
	scanner *Scanner
	policy  Policy
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewBroadcaster(b chain.Backend, s store.Store, locks *lock.Manager, scanner *Scanner, p Policy) *Broadcaster {
	return &Broadcaster{
		backend: b,
		store:   s,
		locks:   locks,
		scanner: scanner,
		policy:  p,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute drives mv to a terminal state within the policy's attempt bound.
// Every attempt first re-reads the slot so a concurrent completion or an
// outstanding hash is never answered with a second broadcast.
func (b *Broadcaster) Execute(ctx context.Context, mv Movement) (out Outcome) {
	kind := string(mv.Slot.Kind)
	defer func() {
		broadcastTotal.WithLabelValues(kind, out.State.String()).Inc()
	}()

	for attempt := 0; attempt < b.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.policy.backoff(attempt)); err != nil {
				out.Err = &domain.TransientChainError{Op: "retry backoff", Err: err}
				return out
			}
		}

		st, err := b.store.InspectSlot(ctx, mv.Slot)
		if err != nil {
			out.State, out.Err = Aborted, fmt.Errorf("inspect %s: %w", mv.Slot, err)
			return out
		}
		if st.Done {
			out.State, out.AlreadyDone, out.TxHash = Confirmed, true, st.TxHash
			return out
		}
		if st.TxHash != "" {
			out.TxHash = st.TxHash
			judged := mv
			if mv.Recorded != nil {
				if judged, err = mv.Recorded(ctx); err != nil {
					out.State, out.Err = Aborted, fmt.Errorf("load recorded %s: %w", mv.Slot, err)
					return out
				}
			}
			res := b.scanner.Resolve(ctx, judged, st.TxHash)
			out.ReceiptStatus = res.ReceiptStatus
			switch res.Resolution {
			case domain.ResolutionCompleted:
				out.State, out.BookkeepingErr, out.Err = Confirmed, res.Err, nil
				return out
			case domain.ResolutionPending:
				out.State, out.Err = ReceiptUnknown, res.Err
				continue
			case domain.ResolutionNeedsInspection:
				out.State, out.Err = ReceiptUnknown, res.Err
				return out
			}
			// Cleared: the slot is open again.
			out.TxHash = ""
		}

		out.Attempts++
		l := b.locks.For(mv.Slot)
		ok, err := l.Acquire(ctx)
		if err != nil {
			out.State, out.Err = Aborted, fmt.Errorf("acquire %s: %w", mv.Slot, err)
			return out
		}
		if !ok {
			out.State, out.Err = InFlight, nil
			return out
		}
		out.enter(mv.Slot, LockHeld)

		gasPrice := b.gasPrice(ctx, attempt)
		if err := l.Renew(ctx); err != nil {
			if errors.Is(err, lock.ErrNotHeld) {
				log.Warn("Lock lost before send", "slot", mv.Slot)
				out.State, out.Err = InFlight, nil
				return out
			}
			b.release(ctx, l)
			out.State, out.Err = Aborted, fmt.Errorf("renew lock on %s: %w", mv.Slot, err)
			return out
		}
		if mv.Prepare != nil {
			if err := mv.Prepare(ctx, l.Owner()); err != nil {
				b.release(ctx, l)
				out.State, out.Err = Aborted, fmt.Errorf("prepare %s: %w", mv.Slot, err)
				return out
			}
		}

		hash, err := mv.Send(ctx, gasPrice)
		if gasPrice != nil && chain.IsGasPriceRejection(err) {
			log.Warn("Explicit gas price rejected, retrying with default pricing",
				"slot", mv.Slot, "gas_price", gasPrice, "err", err)
			gasFallbackTotal.WithLabelValues(kind).Inc()
			hash, err = mv.Send(ctx, nil)
		}
		if err != nil {
			b.release(ctx, l)
			log.Warn("Broadcast failed", "slot", mv.Slot, "attempt", attempt+1, "err", err)
			out.State, out.Err = Idle, &domain.TransientChainError{Op: "broadcast " + kind, Err: err}
			continue
		}
		out.TxHash = hash.Hex()
		out.enter(mv.Slot, Broadcast)
		sentAt := b.now()

		pctx, cancel := detached(ctx)
		err = b.persist(pctx, mv.Slot, l, out.TxHash)
		cancel()
		if err != nil {
			log.Error("Broadcast hash not durably recorded", "slot", mv.Slot, "tx", out.TxHash, "err", err)
			out.State, out.Err = Aborted, err
			return out
		}
		out.enter(mv.Slot, Phase1Persisted)

		out.enter(mv.Slot, AwaitingReceipt)
		receipt, err := chain.AwaitReceipt(ctx, b.backend, hash, b.policy.ReceiptPoll, b.policy.ReceiptTimeout)
		if err != nil {
			log.Warn("Receipt not available, leaving hash for reconciliation", "slot", mv.Slot, "tx", out.TxHash, "err", err)
			out.State, out.Err = ReceiptUnknown, err
			continue
		}
		receiptWait.WithLabelValues(kind).Observe(b.now().Sub(sentAt).Seconds())

		res := b.scanner.apply(ctx, mv, out.TxHash, receipt)
		out.ReceiptStatus = res.ReceiptStatus
		switch res.Resolution {
		case domain.ResolutionCompleted:
			out.State, out.BookkeepingErr, out.Err = Confirmed, res.Err, nil
			return out
		case domain.ResolutionCleared:
			log.Warn("Transaction did not move funds, retrying", "slot", mv.Slot, "tx", out.TxHash, "err", res.Err)
			out.State, out.Err = FailedOnChain, res.Err
			continue
		default:
			out.State, out.Err = ReceiptUnknown, res.Err
			return out
		}
	}
	return out
}

// release drops l even when the caller has gone away.
func (b *Broadcaster) release(ctx context.Context, l *lock.SlotLock) {
	rctx, cancel := detached(ctx)
	defer cancel()
	if err := l.Release(rctx); err != nil {
		log.Warn("Lock release failed", "slot", l.Slot(), "err", err)
	}
}

// persist is phase 1: store the hash and drop the lock in one guarded write,
// then read it back.
func (b *Broadcaster) persist(ctx context.Context, slot store.Slot, l *lock.SlotLock, hash string) error {
	ok, err := b.store.PersistSlotHash(ctx, slot, l.Owner(), hash)
	if err == nil && !ok {
		err = lock.ErrNotHeld
	}
	if err != nil {
		return &domain.FatalPersistenceError{Op: "persist hash", Record: slot.String(), TxHash: hash, Err: err}
	}
	l.Handoff()

	st, err := b.store.InspectSlot(ctx, slot)
	if err != nil {
		return &domain.FatalPersistenceError{Op: "verify hash", Record: slot.String(), TxHash: hash, Err: err}
	}
	if st.TxHash != hash {
		return &domain.FatalPersistenceError{
			Op: "verify hash", Record: slot.String(), TxHash: hash,
			Err: fmt.Errorf("stored hash is %q", st.TxHash),
		}
	}
	return nil
}

// gasPrice returns suggested*(100+buffer)/100, or nil for node pricing when
// no suggestion is available.
func (b *Broadcaster) gasPrice(ctx context.Context, attempt int) *big.Int {
	suggested, err := b.backend.SuggestGasPrice(ctx)
	if err != nil || suggested == nil {
		log.Debug("Gas price suggestion unavailable", "err", err)
		return nil
	}
	p := new(big.Int).Mul(suggested, big.NewInt(int64(100+b.policy.gasBuffer(attempt))))
	return p.Quo(p, big.NewInt(100))
}
