// Package store is the record store behind the engine. Every transition that
// guards fund movement is a conditional update reporting whether it applied.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// SlotKind names a fund-movement slot.
type SlotKind string

const (
	SlotRefund SlotKind = "refund"
	SlotPayout SlotKind = "payout"
	SlotSettle SlotKind = "settle"
)

// Slot identifies one fund movement: refund/payout slots live on a
// participant, the settle slot on its game.
type Slot struct {
	Kind SlotKind
	ID   string
}

func RefundSlot(participantID string) Slot { return Slot{Kind: SlotRefund, ID: participantID} }
func PayoutSlot(participantID string) Slot { return Slot{Kind: SlotPayout, ID: participantID} }
func SettleSlot(gameID string) Slot        { return Slot{Kind: SlotSettle, ID: gameID} }

func (s Slot) String() string { return string(s.Kind) + ":" + s.ID }

// SlotState is the persisted view of a slot.
type SlotState struct {
	Owner     string
	ExpiresAt *time.Time
	TxHash    string
	Done      bool
}

// PayoutRecord is one winner's bookkeeping after a confirmed settlement.
type PayoutRecord struct {
	ParticipantID string
	Amount        string
}

// Store is the abstract record store.
type Store interface {
	GetGame(ctx context.Context, id string) (*domain.Game, error)
	ListParticipants(ctx context.Context, gameID string) ([]domain.Participant, error)
	// GamesWithPendingRefunds lists games holding a refund hash not yet confirmed.
	GamesWithPendingRefunds(ctx context.Context) ([]string, error)
	// UpdateGameStatus moves a game to `to` only from one of `from`.
	UpdateGameStatus(ctx context.Context, id string, to domain.GameStatus, from ...domain.GameStatus) (bool, error)

	// AcquireSlot succeeds only when the slot has no tx hash, is not done and
	// has no lock owner.
	AcquireSlot(ctx context.Context, s Slot, owner string, expiresAt time.Time) (bool, error)
	RenewSlot(ctx context.Context, s Slot, owner string, expiresAt time.Time) (bool, error)
	ReleaseSlot(ctx context.Context, s Slot, owner string) (bool, error)
	// ClearStaleLock removes staleOwner's lock if it expired before now.
	ClearStaleLock(ctx context.Context, s Slot, staleOwner string, now time.Time) (bool, error)
	InspectSlot(ctx context.Context, s Slot) (SlotState, error)
	// PersistSlotHash stores hash and clears the lock, only while owner holds it.
	PersistSlotHash(ctx context.Context, s Slot, owner, hash string) (bool, error)
	// ClearSlotHash drops hash so the slot can be retried, unless already done.
	ClearSlotHash(ctx context.Context, s Slot, hash string) (bool, error)

	CompleteRefund(ctx context.Context, participantID, hash string, at time.Time) (bool, error)
	CompletePayout(ctx context.Context, participantID, hash, amount string, at time.Time) (bool, error)
	// RecordSettlePlan stores the legs about to be broadcast, only while owner
	// holds the settle lock and no settle hash is stored.
	RecordSettlePlan(ctx context.Context, gameID, owner string, plan []domain.SettleLeg) (bool, error)
	// CompleteSettlement marks the game settled and records every payout in one write.
	CompleteSettlement(ctx context.Context, gameID, hash string, payouts []PayoutRecord, at time.Time) error
	MarkGameSettled(ctx context.Context, gameID string, at time.Time) (bool, error)
}
