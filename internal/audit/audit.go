// Package audit records settlement and refund events. Delivery is
// fire-and-forget: a failing sink never fails the fund movement it describes.
package audit

import (
	"context"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
)

var log = ethlog.New("module", "audit")

const (
	RefundConfirmed           = "refund.confirmed"
	RefundFailed              = "refund.failed"
	SettleConfirmed           = "settle.confirmed"
	SettleBookkeepingDegraded = "settle.bookkeeping_degraded"
	ReconcileResolved         = "reconcile.resolved"
)

const emitTimeout = 5 * time.Second

type Event struct {
	Type          string         `json:"type"`
	GameID        string         `json:"game_id"`
	ParticipantID string         `json:"participant_id,omitempty"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	At            time.Time      `json:"at"`
}

type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Emit writes e to s with a short deadline and only logs failures.
func Emit(ctx context.Context, s Sink, e Event) {
	if s == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := s.Write(ctx, e); err != nil {
		log.Warn("Audit write failed", "type", e.Type, "game", e.GameID, "err", err)
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, e Event) error {
	log.Info("audit", "type", e.Type, "game", e.GameID, "participant", e.ParticipantID, "tx", e.TxHash, "details", e.Details)
	return nil
}

// Multi fans an event out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
