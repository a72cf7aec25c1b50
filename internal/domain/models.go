package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GameStatus is the lifecycle state of a paid game.
type GameStatus string

const (
	GameOpen       GameStatus = "open"
	GameInProgress GameStatus = "in_progress"
	GameCancelled  GameStatus = "cancelled"
	GameSettled    GameStatus = "settled"
	GameCompleted  GameStatus = "completed"
)

// PayoutMode selects how winner amounts are derived.
type PayoutMode string

const (
	// ModeFeeSplit splits the escrow's collected entry fees by a basis-point table.
	ModeFeeSplit PayoutMode = "fee_split"
	// ModePrizeTable pays fixed per-position prizes straight from the payout wallet.
	ModePrizeTable PayoutMode = "prize_table"
)

// ParticipantStatus tracks a participant's fund-movement state.
type ParticipantStatus string

const (
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantPaid     ParticipantStatus = "paid"
	ParticipantRefunded ParticipantStatus = "refunded"
	ParticipantSettled  ParticipantStatus = "settled"
)

// PrizeConfig is the fixed prize table of a prize-table game, in human token units.
type PrizeConfig struct {
	Amounts        []decimal.Decimal `json:"amounts"`
	Tournament     bool              `json:"tournament"`
	MultiplierMode bool              `json:"multiplier_mode"`
	DoubleMode     bool              `json:"double_mode"`
}

// Game is the unit of escrowed money movement.
type Game struct {
	ID                  string          `json:"id"`
	ClubOwner           string          `json:"club_owner"`
	Status              GameStatus      `json:"status"`
	Mode                PayoutMode      `json:"mode"`
	EntryFee            decimal.Decimal `json:"entry_fee"`
	EntryFeeCurrency    string          `json:"entry_fee_currency"`
	PayoutBps           []int           `json:"payout_bps,omitempty"`
	WinnerCount         int             `json:"winner_count"`
	Prize               PrizeConfig     `json:"prize_config"`
	OnChainGameID       string          `json:"onchain_game_id"`
	SettleTxHash        string          `json:"settle_tx_hash,omitempty"`
	SettlePlan          []SettleLeg     `json:"settle_plan,omitempty"`
	SettleLockID        string          `json:"-"`
	SettleLockExpiresAt *time.Time      `json:"-"`
	SettledAt           *time.Time      `json:"settled_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SettleLeg is one recipient of a settlement as it was broadcast. Amount is
// in token base units.
type SettleLeg struct {
	ParticipantID string `json:"participant_id"`
	Address       string `json:"address"`
	Amount        string `json:"amount"`
}

// Settled reports whether the game has already paid out its winners.
func (g *Game) Settled() bool {
	return g.Status == GameSettled || g.Status == GameCompleted
}

// Participant is one player's seat in a game together with the proofs of
// every fund movement made on their behalf.
// A non-empty RefundTxHash without status refunded is never proof of success.
type Participant struct {
	ID            string            `json:"id"`
	GameID        string            `json:"game_id"`
	UserID        string            `json:"user_id"`
	WalletAddress string            `json:"wallet_address,omitempty"`
	Status        ParticipantStatus `json:"status"`
	PaymentTxHash string            `json:"payment_tx_hash,omitempty"`
	RefundTxHash  string            `json:"refund_tx_hash,omitempty"`
	LockID        string            `json:"-"`
	LockExpiresAt *time.Time        `json:"-"`
	RefundedAt    *time.Time        `json:"refunded_at,omitempty"`
	PayoutTxHash  string            `json:"payout_tx_hash,omitempty"`
	PayoutAmount  string            `json:"payout_amount,omitempty"`
	PaidOutAt     *time.Time        `json:"paid_out_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RefundPending reports a broadcast refund that has not been confirmed yet.
func (p *Participant) RefundPending() bool {
	return p.RefundTxHash != "" && p.Status != ParticipantRefunded
}

// EligibleForRefund reports a paid participant with no refund outstanding.
func (p *Participant) EligibleForRefund() bool {
	return p.Status == ParticipantPaid && p.PaymentTxHash != "" && p.RefundTxHash == ""
}

// Caller is the verified identity issuing an orchestrator call.
type Caller struct {
	UserID string
	Roles  []string
}

func (c Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// CanManage reports whether the caller may move funds for the game.
func (c Caller) CanManage(g *Game) bool {
	return c.IsAdmin() || (c.UserID != "" && c.UserID == g.ClubOwner)
}
