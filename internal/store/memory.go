package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

// MemoryStore is an in-process Store with the same conditional semantics
// as Postgres. It backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu           sync.Mutex
	games        map[string]*domain.Game
	participants map[string]*domain.Participant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:        make(map[string]*domain.Game),
		participants: make(map[string]*domain.Participant),
	}
}

// PutGame inserts or replaces a game.
func (m *MemoryStore) PutGame(g domain.Game) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = &g
}

// PutParticipant inserts or replaces a participant.
func (m *MemoryStore) PutParticipant(p domain.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.participants[p.ID] = &p
}

// Participant returns a copy of one participant.
func (m *MemoryStore) Participant(id string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	return *p, nil
}

func (m *MemoryStore) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	cp.SettlePlan = append([]domain.SettleLeg(nil), g.SettlePlan...)
	return &cp, nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, gameID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.participants {
		if p.GameID == gameID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GamesWithPendingRefunds(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, p := range m.participants {
		if p.RefundPending() && !seen[p.GameID] {
			seen[p.GameID] = true
			ids = append(ids, p.GameID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateGameStatus(ctx context.Context, id string, to domain.GameStatus, from ...domain.GameStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if g.Status == f {
			g.Status = to
			g.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

// slotRef points at the lock and hash fields a slot owns. Must be used with m.mu held.
type slotRef struct {
	owner   *string
	expires **time.Time
	hash    *string
	done    bool
}

func (m *MemoryStore) ref(s Slot) (slotRef, error) {
	if s.Kind == SlotSettle {
		g, ok := m.games[s.ID]
		if !ok {
			return slotRef{}, ErrNotFound
		}
		return slotRef{owner: &g.SettleLockID, expires: &g.SettleLockExpiresAt, hash: &g.SettleTxHash, done: g.Settled()}, nil
	}
	p, ok := m.participants[s.ID]
	if !ok {
		return slotRef{}, ErrNotFound
	}
	switch s.Kind {
	case SlotRefund:
		return slotRef{owner: &p.LockID, expires: &p.LockExpiresAt, hash: &p.RefundTxHash, done: p.Status == domain.ParticipantRefunded}, nil
	case SlotPayout:
		return slotRef{owner: &p.LockID, expires: &p.LockExpiresAt, hash: &p.PayoutTxHash, done: p.PaidOutAt != nil}, nil
	}
	return slotRef{}, fmt.Errorf("unknown slot kind %q", s.Kind)
}

func (m *MemoryStore) AcquireSlot(ctx context.Context, s Slot, owner string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if r.done || *r.hash != "" || *r.owner != "" {
		return false, nil
	}
	*r.owner = owner
	*r.expires = &expiresAt
	return true, nil
}

func (m *MemoryStore) RenewSlot(ctx context.Context, s Slot, owner string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if *r.owner != owner {
		return false, nil
	}
	*r.expires = &expiresAt
	return true, nil
}

func (m *MemoryStore) ReleaseSlot(ctx context.Context, s Slot, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if *r.owner != owner {
		return false, nil
	}
	*r.owner = ""
	*r.expires = nil
	return true, nil
}

func (m *MemoryStore) ClearStaleLock(ctx context.Context, s Slot, staleOwner string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if *r.owner != staleOwner || *r.expires == nil || !(*r.expires).Before(now) {
		return false, nil
	}
	*r.owner = ""
	*r.expires = nil
	return true, nil
}

func (m *MemoryStore) InspectSlot(ctx context.Context, s Slot) (SlotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return SlotState{}, err
	}
	st := SlotState{Owner: *r.owner, TxHash: *r.hash, Done: r.done}
	if *r.expires != nil {
		t := **r.expires
		st.ExpiresAt = &t
	}
	return st, nil
}

func (m *MemoryStore) PersistSlotHash(ctx context.Context, s Slot, owner, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if *r.owner != owner || *r.hash != "" {
		return false, nil
	}
	*r.hash = hash
	*r.owner = ""
	*r.expires = nil
	return true, nil
}

func (m *MemoryStore) ClearSlotHash(ctx context.Context, s Slot, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.ref(s)
	if err != nil {
		return false, err
	}
	if r.done || *r.hash != hash {
		return false, nil
	}
	*r.hash = ""
	return true, nil
}

func (m *MemoryStore) CompleteRefund(ctx context.Context, participantID, hash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return false, ErrNotFound
	}
	if p.RefundTxHash != hash || p.Status == domain.ParticipantRefunded {
		return false, nil
	}
	p.Status = domain.ParticipantRefunded
	p.RefundedAt = &at
	return true, nil
}

func (m *MemoryStore) CompletePayout(ctx context.Context, participantID, hash, amount string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return false, ErrNotFound
	}
	if p.PayoutTxHash != hash || p.PaidOutAt != nil {
		return false, nil
	}
	p.Status = domain.ParticipantSettled
	p.PayoutAmount = amount
	p.PaidOutAt = &at
	return true, nil
}

func (m *MemoryStore) RecordSettlePlan(ctx context.Context, gameID, owner string, plan []domain.SettleLeg) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return false, ErrNotFound
	}
	if owner == "" || g.SettleLockID != owner || g.SettleTxHash != "" {
		return false, nil
	}
	g.SettlePlan = append([]domain.SettleLeg(nil), plan...)
	return true, nil
}

func (m *MemoryStore) CompleteSettlement(ctx context.Context, gameID, hash string, payouts []PayoutRecord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return ErrNotFound
	}
	if g.Settled() {
		return nil
	}
	if g.SettleTxHash != hash {
		return fmt.Errorf("settle hash changed: have %q, completing %q", g.SettleTxHash, hash)
	}
	for _, pr := range payouts {
		if _, ok := m.participants[pr.ParticipantID]; !ok {
			return fmt.Errorf("participant %s: %w", pr.ParticipantID, ErrNotFound)
		}
	}
	for _, pr := range payouts {
		p := m.participants[pr.ParticipantID]
		p.Status = domain.ParticipantSettled
		p.PayoutTxHash = hash
		p.PayoutAmount = pr.Amount
		p.PaidOutAt = &at
	}
	g.Status = domain.GameSettled
	g.SettledAt = &at
	g.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkGameSettled(ctx context.Context, gameID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return false, ErrNotFound
	}
	if g.Settled() || g.Status == domain.GameCancelled {
		return false, nil
	}
	g.Status = domain.GameSettled
	g.SettledAt = &at
	g.UpdatedAt = at
	return true, nil
}
