package domain

// Outcome classifies what happened to a single participant in one pass.
type Outcome string

const (
	OutcomeConfirmed          Outcome = "confirmed"
	OutcomeAlreadyDone        Outcome = "already_done"
	OutcomePending            Outcome = "pending"
	OutcomeInFlight           Outcome = "in_flight"
	OutcomeFailed             Outcome = "failed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeFatal              Outcome = "fatal"
)

// Resolution is the result of re-deriving a stored hash's fate from the chain.
type Resolution string

const (
	ResolutionPending         Resolution = "pending"
	ResolutionCompleted       Resolution = "completed"
	ResolutionCleared         Resolution = "cleared"
	ResolutionNeedsInspection Resolution = "needs_inspection"
)

// RefundAttemptResult is the per-participant outcome of a refund pass.
type RefundAttemptResult struct {
	ParticipantID   string  `json:"participant_id"`
	Success         bool    `json:"success"`
	Outcome         Outcome `json:"outcome"`
	TxHash          string  `json:"tx_hash,omitempty"`
	VerifiedAddress string  `json:"verified_address,omitempty"`
	ReceiptStatus   *uint64 `json:"receipt_status,omitempty"`
	Attempts        int     `json:"attempts"`
	Error           string  `json:"error,omitempty"`
}

// ReconcileResult is the outcome of resuming one previously broadcast refund.
type ReconcileResult struct {
	ParticipantID string     `json:"participant_id"`
	TxHash        string     `json:"tx_hash"`
	Resolution    Resolution `json:"resolution"`
	Error         string     `json:"error,omitempty"`
}

// CancelReport is returned by cancelAndRefund.
type CancelReport struct {
	GameID         string                `json:"game_id"`
	Status         GameStatus            `json:"status"`
	Reconciled     []ReconcileResult     `json:"reconciled"`
	Results        []RefundAttemptResult `json:"results"`
	Eligible       int                   `json:"eligible"`
	Refunded       int                   `json:"refunded"`
	Pending        int                   `json:"pending"`
	Failed         int                   `json:"failed"`
	InFlight       int                   `json:"in_flight"`
	PartialFailure bool                  `json:"partial_failure"`
}

// PayoutResult is the per-winner outcome of a settlement.
type PayoutResult struct {
	ParticipantID string  `json:"participant_id"`
	Position      int     `json:"position"`
	Address       string  `json:"address"`
	Amount        string  `json:"amount"`
	Success       bool    `json:"success"`
	Outcome       Outcome `json:"outcome"`
	TxHash        string  `json:"tx_hash,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// SettleOverrides are optional knobs on a settle call.
type SettleOverrides struct {
	AllowUnpaid   bool   `json:"allow_unpaid"`
	Bps           []int  `json:"bps,omitempty"`
	ExpectedTotal string `json:"expected_total,omitempty"`
}

// SettleRequest names the winners in placement order.
type SettleRequest struct {
	Winners   []string        `json:"winners"`
	Overrides SettleOverrides `json:"overrides"`
}

// SettleReport is returned by settle.
// BookkeepingDegraded means funds moved on chain but the record store could
// not be fully updated afterwards.
type SettleReport struct {
	GameID              string         `json:"game_id"`
	Mode                PayoutMode     `json:"mode"`
	NoOp                bool           `json:"no_op"`
	TxHash              string         `json:"tx_hash,omitempty"`
	Total               string         `json:"total"`
	Payouts             []PayoutResult `json:"payouts"`
	PartialFailure      bool           `json:"partial_failure"`
	BookkeepingDegraded bool           `json:"bookkeeping_degraded"`
	BookkeepingError    string         `json:"bookkeeping_error,omitempty"`
}
