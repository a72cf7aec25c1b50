package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrGameNotFound        = errors.New("game not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrForbidden           = errors.New("caller may not move funds for this game")
	ErrGameSettled         = errors.New("game already settled")
	ErrGameCancelled       = errors.New("game already cancelled")
	ErrNoRefundAttempts    = errors.New("eligible participants existed but no refund was attempted")
)

// StructuralError rejects malformed payout input before any chain call.
// It is never retried.
type StructuralError struct {
	Reason  string
	Details map[string]any
}

func NewStructuralError(reason string, kv ...any) *StructuralError {
	e := &StructuralError{Reason: reason, Details: map[string]any{}}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Details[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return e
}

func (e *StructuralError) Error() string {
	if len(e.Details) == 0 {
		return "structural: " + e.Reason
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	return fmt.Sprintf("structural: %s (%s)", e.Reason, strings.Join(parts, " "))
}

// VerificationFailure means a payment or transfer log did not match what was
// expected. The participant is skipped for this pass.
type VerificationFailure struct {
	Reason        string
	TxHash        string
	TxFrom        string
	TxTo          string
	ReceiptStatus *uint64
}

func (e *VerificationFailure) Error() string {
	status := "unknown"
	if e.ReceiptStatus != nil {
		status = fmt.Sprint(*e.ReceiptStatus)
	}
	return fmt.Sprintf("verification failed for %s: %s (tx from=%s to=%s receipt status=%s)",
		e.TxHash, e.Reason, e.TxFrom, e.TxTo, status)
}

// TransientChainError wraps RPC timeouts and not-yet-available receipts.
type TransientChainError struct {
	Op  string
	Err error
}

func (e *TransientChainError) Error() string { return fmt.Sprintf("transient chain error during %s: %v", e.Op, e.Err) }
func (e *TransientChainError) Unwrap() error { return e.Err }

// FatalPersistenceError means a broadcast hash could not be durably written.
type FatalPersistenceError struct {
	Op     string
	Record string
	TxHash string
	Err    error
}

func (e *FatalPersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s for %s (tx %s): %v", e.Op, e.Record, e.TxHash, e.Err)
}

func (e *FatalPersistenceError) Unwrap() error { return e.Err }

// IsStructural reports whether err is or wraps a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
