// Package lock provides time-bounded ownership of a fund-movement slot.
package lock

import (
	"context"
	"errors"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/punchamoorthee/escrowops/internal/store"
)

var log = ethlog.New("module", "lock")

// DefaultTTL bounds how long a crashed holder can block a slot.
const DefaultTTL = 5 * time.Minute

var ErrNotHeld = errors.New("lock not held")

// Lock is exclusive, expiring ownership of one slot.
type Lock interface {
	// Acquire reports false when another live owner holds the slot or the
	// slot already carries a tx hash.
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Expired(now time.Time) bool
	Owner() string
}

// Manager hands out slot locks backed by the store's conditional writes.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: s, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// For returns a fresh lock on slot with a unique owner id.
func (m *Manager) For(slot store.Slot) *SlotLock {
	return &SlotLock{m: m, slot: slot, owner: uuid.NewString()}
}

type SlotLock struct {
	m         *Manager
	slot      store.Slot
	owner     string
	held      bool
	expiresAt time.Time
}

var _ Lock = (*SlotLock)(nil)

func (l *SlotLock) Owner() string { return l.owner }

func (l *SlotLock) Slot() store.Slot { return l.slot }

// Acquire tries the conditional claim. If it loses to an expired lock it
// clears that one stale owner and tries exactly once more.
func (l *SlotLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.try(ctx)
	if err != nil || ok {
		return ok, err
	}

	st, err := l.m.store.InspectSlot(ctx, l.slot)
	if err != nil {
		return false, err
	}
	now := l.m.now()
	if st.Done || st.TxHash != "" || st.Owner == "" || st.ExpiresAt == nil || !st.ExpiresAt.Before(now) {
		return false, nil
	}
	cleared, err := l.m.store.ClearStaleLock(ctx, l.slot, st.Owner, now)
	if err != nil {
		return false, err
	}
	if !cleared {
		return false, nil
	}
	log.Warn("Cleared stale lock", "slot", l.slot, "stale_owner", st.Owner, "expired", st.ExpiresAt)
	return l.try(ctx)
}

func (l *SlotLock) try(ctx context.Context) (bool, error) {
	exp := l.m.now().Add(l.m.ttl)
	ok, err := l.m.store.AcquireSlot(ctx, l.slot, l.owner, exp)
	if err != nil {
		return false, err
	}
	if ok {
		l.held = true
		l.expiresAt = exp
	}
	return ok, nil
}

// Renew extends the expiry. It fails with ErrNotHeld once ownership is lost.
func (l *SlotLock) Renew(ctx context.Context) error {
	if !l.held {
		return ErrNotHeld
	}
	exp := l.m.now().Add(l.m.ttl)
	ok, err := l.m.store.RenewSlot(ctx, l.slot, l.owner, exp)
	if err != nil {
		return err
	}
	if !ok {
		l.held = false
		return ErrNotHeld
	}
	l.expiresAt = exp
	return nil
}

// Release drops the lock. Releasing a lock no longer held is not an error.
func (l *SlotLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	_, err := l.m.store.ReleaseSlot(ctx, l.slot, l.owner)
	return err
}

// Handoff marks the lock as consumed by a hash write that cleared it.
func (l *SlotLock) Handoff() { l.held = false }

func (l *SlotLock) Expired(now time.Time) bool {
	return !l.held || !now.Before(l.expiresAt)
}
