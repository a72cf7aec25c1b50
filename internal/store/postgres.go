package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

//go:embed schema.sql
var schema string

// Postgres is the pgx-backed Store. Every guarded transition is a single
// conditional UPDATE whose RowsAffected tells the caller whether it won.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const gameColumns = `id, club_owner, status, mode, entry_fee::text, entry_fee_currency,
	COALESCE(payout_bps, '{}'), winner_count, prize_config, onchain_game_id,
	COALESCE(settle_tx_hash, ''), COALESCE(settle_lock_id, ''), settle_lock_expires_at,
	settle_plan, settled_at, created_at, updated_at`

const participantColumns = `id, game_id, user_id, COALESCE(wallet_address, ''), status,
	COALESCE(payment_tx_hash, ''), COALESCE(refund_tx_hash, ''), COALESCE(lock_id, ''),
	lock_expires_at, refunded_at, COALESCE(payout_tx_hash, ''),
	COALESCE(payout_amount::text, ''), paid_out_at, created_at`

func (s *Postgres) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	var (
		g     domain.Game
		fee   string
		bps   []int32
		prize []byte
		plan  []byte
	)
	err := s.Db.QueryRow(ctx, "SELECT "+gameColumns+" FROM games WHERE id = $1", id).Scan(
		&g.ID, &g.ClubOwner, &g.Status, &g.Mode, &fee, &g.EntryFeeCurrency,
		&bps, &g.WinnerCount, &prize, &g.OnChainGameID,
		&g.SettleTxHash, &g.SettleLockID, &g.SettleLockExpiresAt,
		&plan, &g.SettledAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.EntryFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("game %s entry_fee: %w", id, err)
	}
	for _, b := range bps {
		g.PayoutBps = append(g.PayoutBps, int(b))
	}
	if len(prize) > 0 {
		if err := json.Unmarshal(prize, &g.Prize); err != nil {
			return nil, fmt.Errorf("game %s prize_config: %w", id, err)
		}
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &g.SettlePlan); err != nil {
			return nil, fmt.Errorf("game %s settle_plan: %w", id, err)
		}
	}
	return &g, nil
}

func (s *Postgres) ListParticipants(ctx context.Context, gameID string) ([]domain.Participant, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+participantColumns+" FROM participants WHERE game_id = $1 ORDER BY created_at, id",
		gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.ID, &p.GameID, &p.UserID, &p.WalletAddress, &p.Status,
			&p.PaymentTxHash, &p.RefundTxHash, &p.LockID,
			&p.LockExpiresAt, &p.RefundedAt, &p.PayoutTxHash,
			&p.PayoutAmount, &p.PaidOutAt, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) GamesWithPendingRefunds(ctx context.Context) ([]string, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT DISTINCT game_id FROM participants
		 WHERE refund_tx_hash IS NOT NULL AND status <> 'refunded' ORDER BY game_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) UpdateGameStatus(ctx context.Context, id string, to domain.GameStatus, from ...domain.GameStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE games SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		id, string(to), allowed)
	return s.applied(ctx, "games", id, tag.RowsAffected(), err)
}

// slotColumns maps a slot kind to the table and columns that back it.
type slotColumns struct {
	table, owner, expires, hash, done string
}

func columnsFor(k SlotKind) (slotColumns, error) {
	switch k {
	case SlotRefund:
		return slotColumns{"participants", "lock_id", "lock_expires_at", "refund_tx_hash", "status = 'refunded'"}, nil
	case SlotPayout:
		return slotColumns{"participants", "lock_id", "lock_expires_at", "payout_tx_hash", "paid_out_at IS NOT NULL"}, nil
	case SlotSettle:
		return slotColumns{"games", "settle_lock_id", "settle_lock_expires_at", "settle_tx_hash", "status IN ('settled', 'completed')"}, nil
	}
	return slotColumns{}, fmt.Errorf("unknown slot kind %q", k)
}

// applied turns a conditional write into (won, err), distinguishing a lost
// condition from a missing row.
func (s *Postgres) applied(ctx context.Context, table, id string, n int64, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *Postgres) slotExec(ctx context.Context, sl Slot, query func(c slotColumns) string, args ...any) (bool, error) {
	c, err := columnsFor(sl.Kind)
	if err != nil {
		return false, err
	}
	tag, err := s.Db.Exec(ctx, query(c), append([]any{sl.ID}, args...)...)
	return s.applied(ctx, c.table, sl.ID, tag.RowsAffected(), err)
}

// Slot statements. Each write is conditional on the slot's current state;
// $1 is always the row id.

func acquireSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = $2, %s = $3
		WHERE id = $1 AND %s IS NULL AND %s IS NULL AND NOT (%s)`,
		c.table, c.owner, c.expires, c.hash, c.owner, c.done)
}

func renewSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = $3 WHERE id = $1 AND %s = $2`,
		c.table, c.expires, c.owner)
}

func releaseSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = NULL, %s = NULL WHERE id = $1 AND %s = $2`,
		c.table, c.owner, c.expires, c.owner)
}

func clearStaleSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = NULL, %s = NULL
		WHERE id = $1 AND %s = $2 AND %s < $3`,
		c.table, c.owner, c.expires, c.owner, c.expires)
}

func inspectSQL(c slotColumns) string {
	return fmt.Sprintf(`SELECT COALESCE(%s, ''), %s, COALESCE(%s, ''), %s FROM %s WHERE id = $1`,
		c.owner, c.expires, c.hash, c.done, c.table)
}

func persistSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = NULLIF($3, ''), %s = NULL, %s = NULL
		WHERE id = $1 AND %s = $2 AND %s IS NULL`,
		c.table, c.hash, c.owner, c.expires, c.owner, c.hash)
}

func clearHashSQL(c slotColumns) string {
	return fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE id = $1 AND %s = $2 AND NOT (%s)`,
		c.table, c.hash, c.hash, c.done)
}

const (
	recordPlanSQL = `UPDATE games SET settle_plan = $3
		WHERE id = $1 AND settle_lock_id = $2 AND settle_tx_hash IS NULL`

	lockGameSQL = `SELECT status, COALESCE(settle_tx_hash, '') FROM games WHERE id = $1 FOR UPDATE`

	settlePayoutSQL = `UPDATE participants SET status = 'settled', payout_tx_hash = $2,
		payout_amount = $3::numeric, paid_out_at = $4 WHERE id = $1 AND game_id = $5`

	settleGameSQL = `UPDATE games SET status = 'settled', settled_at = $2, updated_at = $2 WHERE id = $1`
)

func (s *Postgres) AcquireSlot(ctx context.Context, sl Slot, owner string, expiresAt time.Time) (bool, error) {
	return s.slotExec(ctx, sl, acquireSQL, owner, expiresAt)
}

func (s *Postgres) RenewSlot(ctx context.Context, sl Slot, owner string, expiresAt time.Time) (bool, error) {
	return s.slotExec(ctx, sl, renewSQL, owner, expiresAt)
}

func (s *Postgres) ReleaseSlot(ctx context.Context, sl Slot, owner string) (bool, error) {
	return s.slotExec(ctx, sl, releaseSQL, owner)
}

func (s *Postgres) ClearStaleLock(ctx context.Context, sl Slot, staleOwner string, now time.Time) (bool, error) {
	return s.slotExec(ctx, sl, clearStaleSQL, staleOwner, now)
}

func (s *Postgres) InspectSlot(ctx context.Context, sl Slot) (SlotState, error) {
	c, err := columnsFor(sl.Kind)
	if err != nil {
		return SlotState{}, err
	}
	var st SlotState
	err = s.Db.QueryRow(ctx, inspectSQL(c), sl.ID).Scan(&st.Owner, &st.ExpiresAt, &st.TxHash, &st.Done)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotState{}, ErrNotFound
	}
	return st, err
}

func (s *Postgres) PersistSlotHash(ctx context.Context, sl Slot, owner, hash string) (bool, error) {
	return s.slotExec(ctx, sl, persistSQL, owner, hash)
}

func (s *Postgres) ClearSlotHash(ctx context.Context, sl Slot, hash string) (bool, error) {
	return s.slotExec(ctx, sl, clearHashSQL, hash)
}

func (s *Postgres) RecordSettlePlan(ctx context.Context, gameID, owner string, plan []domain.SettleLeg) (bool, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return false, fmt.Errorf("encode settle plan: %w", err)
	}
	tag, err := s.Db.Exec(ctx, recordPlanSQL, gameID, owner, raw)
	return s.applied(ctx, "games", gameID, tag.RowsAffected(), err)
}

func (s *Postgres) CompleteRefund(ctx context.Context, participantID, hash string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE participants SET status = 'refunded', refunded_at = $3
		 WHERE id = $1 AND refund_tx_hash = $2 AND status <> 'refunded'`,
		participantID, hash, at)
	return s.applied(ctx, "participants", participantID, tag.RowsAffected(), err)
}

func (s *Postgres) CompletePayout(ctx context.Context, participantID, hash, amount string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE participants SET status = 'settled', payout_amount = $3::numeric, paid_out_at = $4
		 WHERE id = $1 AND payout_tx_hash = $2 AND paid_out_at IS NULL`,
		participantID, hash, amount, at)
	return s.applied(ctx, "participants", participantID, tag.RowsAffected(), err)
}

// CompleteSettlement flips the game and records every winner's payout in a
// single transaction. It is a no-op when the game is already settled.
func (s *Postgres) CompleteSettlement(ctx context.Context, gameID, hash string, payouts []PayoutRecord, at time.Time) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status, current string
	err = tx.QueryRow(ctx, lockGameSQL, gameID).Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == string(domain.GameSettled) || status == string(domain.GameCompleted) {
		return nil
	}
	if current != hash {
		return fmt.Errorf("settle hash changed: have %q, completing %q", current, hash)
	}

	batch := &pgx.Batch{}
	for _, p := range payouts {
		batch.Queue(settlePayoutSQL, p.ParticipantID, hash, p.Amount, at, gameID)
	}
	br := tx.SendBatch(ctx, batch)
	for _, p := range payouts {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("record payout for %s: %w", p.ParticipantID, err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return fmt.Errorf("participant %s: %w", p.ParticipantID, ErrNotFound)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, settleGameSQL, gameID, at); err != nil {
		return fmt.Errorf("mark game settled: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) MarkGameSettled(ctx context.Context, gameID string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE games SET status = 'settled', settled_at = $2, updated_at = $2
		 WHERE id = $1 AND status NOT IN ('settled', 'completed', 'cancelled')`,
		gameID, at)
	return s.applied(ctx, "games", gameID, tag.RowsAffected(), err)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*MemoryStore)(nil)
)
