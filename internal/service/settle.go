package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/payout"
	"github.com/punchamoorthee/escrowops/internal/store"
)

// SettlementOrchestrator pays a game's winners.
type SettlementOrchestrator struct {
	store       store.Store
	backend     chain.Backend
	network     chain.Network
	verifier    *chain.PaymentVerifier
	calc        *payout.Calculator
	broadcaster *Broadcaster
	audit       audit.Sink
	now         func() time.Time
}

// winner is a declared winner with its resolved recipient address.
type winner struct {
	participant domain.Participant
	address     common.Address
}

// Settle pays winners in placement order. An already settled game is a
// no-op success.
func (o *SettlementOrchestrator) Settle(ctx context.Context, gameID string, req domain.SettleRequest, caller domain.Caller) (*domain.SettleReport, error) {
	g, err := loadGame(ctx, o.store, gameID)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(g) {
		return nil, domain.ErrForbidden
	}
	if req.Overrides.AllowUnpaid && !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if g.Settled() {
		return &domain.SettleReport{GameID: g.ID, Mode: g.Mode, NoOp: true, TxHash: g.SettleTxHash, Payouts: []domain.PayoutResult{}}, nil
	}
	if g.Status == domain.GameCancelled {
		return nil, domain.ErrGameCancelled
	}
	onChainID, ok := chain.ParseGameID(g.OnChainGameID)
	if !ok && g.Mode != domain.ModePrizeTable {
		return nil, domain.NewStructuralError("invalid on-chain game id", "onchain_game_id", g.OnChainGameID)
	}

	ps, err := o.store.ListParticipants(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	chosen, err := selectWinners(g, ps, req)
	if err != nil {
		return nil, err
	}

	switch g.Mode {
	case domain.ModePrizeTable:
		return o.settlePrizeTable(ctx, g, onChainID, chosen)
	case domain.ModeFeeSplit, "":
		return o.settleFeeSplit(ctx, g, onChainID, chosen, req.Overrides)
	}
	return nil, domain.NewStructuralError("unknown payout mode", "mode", g.Mode)
}

func selectWinners(g *domain.Game, ps []domain.Participant, req domain.SettleRequest) ([]domain.Participant, error) {
	if len(req.Winners) == 0 {
		return nil, domain.NewStructuralError("no winners declared")
	}
	if g.WinnerCount > 0 && len(req.Winners) != g.WinnerCount {
		return nil, domain.NewStructuralError("winner count mismatch", "declared", len(req.Winners), "expected", g.WinnerCount)
	}
	byID := make(map[string]domain.Participant, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}
	seen := make(map[string]bool, len(req.Winners))
	out := make([]domain.Participant, 0, len(req.Winners))
	for i, id := range req.Winners {
		if seen[id] {
			return nil, domain.NewStructuralError("duplicate winner", "participant", id, "position", i+1)
		}
		seen[id] = true
		p, ok := byID[id]
		if !ok {
			return nil, domain.NewStructuralError("winner is not a participant of this game", "participant", id)
		}
		switch p.Status {
		case domain.ParticipantPaid, domain.ParticipantSettled:
		case domain.ParticipantRefunded:
			return nil, domain.NewStructuralError("winner was refunded", "participant", id)
		default:
			if g.Mode != domain.ModePrizeTable && !req.Overrides.AllowUnpaid {
				return nil, domain.NewStructuralError("winner has not paid", "participant", id, "status", p.Status)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (o *SettlementOrchestrator) settleFeeSplit(ctx context.Context, g *domain.Game, onChainID *big.Int, chosen []domain.Participant, ov domain.SettleOverrides) (*domain.SettleReport, error) {
	var (
		legs []domain.SettleLeg
		err  error
	)
	if g.SettleTxHash != "" && len(g.SettlePlan) > 0 {
		// A settlement is already on the wire: it is judged by what was sent,
		// not by the escrow's current balance.
		legs, err = recordedLegs(g, chosen)
	} else {
		legs, err = o.planFeeSplit(ctx, g, onChainID, chosen, ov)
	}
	if err != nil {
		return nil, err
	}

	mv, err := o.feeSplitMovement(g, onChainID, legs)
	if err != nil {
		return nil, err
	}
	used := legs
	mv.Prepare = func(ctx context.Context, owner string) error {
		ok, err := o.store.RecordSettlePlan(ctx, g.ID, owner, legs)
		if err != nil {
			return fmt.Errorf("record settle plan: %w", err)
		}
		if !ok {
			return fmt.Errorf("settle lock on %s lost before broadcast", g.ID)
		}
		used = legs
		return nil
	}
	mv.Recorded = func(ctx context.Context) (Movement, error) {
		cur, err := loadGame(ctx, o.store, g.ID)
		if err != nil {
			return Movement{}, err
		}
		if len(cur.SettlePlan) == 0 {
			return mv, nil
		}
		rmv, err := o.feeSplitMovement(g, onChainID, cur.SettlePlan)
		if err != nil {
			return Movement{}, err
		}
		used = cur.SettlePlan
		return rmv, nil
	}
	out := o.broadcaster.Execute(ctx, mv)

	amounts, err := legAmounts(used)
	if err != nil {
		return nil, err
	}
	report := &domain.SettleReport{GameID: g.ID, Mode: domain.ModeFeeSplit, TxHash: out.TxHash, Total: payout.Sum(amounts).String()}
	for i, l := range used {
		pr := domain.PayoutResult{
			ParticipantID: l.ParticipantID,
			Position:      i + 1,
			Address:       l.Address,
			Amount:        l.Amount,
			Success:       out.Succeeded(),
			Outcome:       out.DomainOutcome(),
			TxHash:        out.TxHash,
		}
		if out.Err != nil && !out.Succeeded() {
			pr.Error = out.Err.Error()
		}
		report.Payouts = append(report.Payouts, pr)
	}
	report.PartialFailure = !out.Succeeded()
	o.finish(ctx, g, report, out.BookkeepingErr)

	if out.DomainOutcome() == domain.OutcomeFatal {
		return report, out.Err
	}
	return report, nil
}

// planFeeSplit resolves every winner's address and splits the escrowed total
// between them.
func (o *SettlementOrchestrator) planFeeSplit(ctx context.Context, g *domain.Game, onChainID *big.Int, chosen []domain.Participant, ov domain.SettleOverrides) ([]domain.SettleLeg, error) {
	winners := make([]winner, len(chosen))
	for i, p := range chosen {
		addr, err := o.feeSplitRecipient(ctx, g, p)
		if err != nil {
			return nil, err
		}
		winners[i] = winner{participant: p, address: addr}
	}

	bps, err := payout.ResolveBps(g.PayoutBps, ov.Bps, len(winners))
	if err != nil {
		return nil, err
	}
	var expected *big.Int
	if ov.ExpectedTotal != "" {
		d, err := decimal.NewFromString(ov.ExpectedTotal)
		if err != nil || d.IsNegative() {
			return nil, domain.NewStructuralError("invalid expected total", "expected_total", ov.ExpectedTotal)
		}
		expected = chain.ToBaseUnits(d, o.network.Decimals)
	}
	total, amounts, err := o.calc.FeeSplit(ctx, onChainID, bps, len(winners), expected)
	if err != nil {
		return nil, err
	}
	if err := payout.CheckSum(amounts, total); err != nil {
		return nil, err
	}

	legs := make([]domain.SettleLeg, len(winners))
	for i, w := range winners {
		legs[i] = domain.SettleLeg{ParticipantID: w.participant.ID, Address: w.address.Hex(), Amount: amounts[i].String()}
	}
	return legs, nil
}

// recordedLegs returns the stored plan of an in-flight settlement, provided
// the caller names the same winners in the same order.
func recordedLegs(g *domain.Game, chosen []domain.Participant) ([]domain.SettleLeg, error) {
	same := len(chosen) == len(g.SettlePlan)
	for i := 0; same && i < len(chosen); i++ {
		same = chosen[i].ID == g.SettlePlan[i].ParticipantID
	}
	if !same {
		return nil, domain.NewStructuralError("settlement already broadcast for other winners", "tx", g.SettleTxHash)
	}
	return g.SettlePlan, nil
}

func (o *SettlementOrchestrator) feeSplitMovement(g *domain.Game, onChainID *big.Int, legs []domain.SettleLeg) (Movement, error) {
	amounts, err := legAmounts(legs)
	if err != nil {
		return Movement{}, err
	}
	recipients := make([]common.Address, len(legs))
	var expect []chain.ExpectedTransfer
	records := make([]store.PayoutRecord, len(legs))
	for i, l := range legs {
		if !common.IsHexAddress(l.Address) {
			return Movement{}, fmt.Errorf("settle leg %d: bad address %q", i, l.Address)
		}
		recipients[i] = common.HexToAddress(l.Address)
		records[i] = store.PayoutRecord{ParticipantID: l.ParticipantID, Amount: l.Amount}
		if amounts[i].Sign() > 0 {
			expect = append(expect, chain.ExpectedTransfer{
				Token: o.network.Token, From: o.network.Escrow, To: recipients[i], Value: amounts[i],
			})
		}
	}
	return Movement{
		Slot: store.SettleSlot(g.ID),
		Send: func(ctx context.Context, gasPrice *big.Int) (common.Hash, error) {
			return o.backend.SettleGame(ctx, gasPrice, onChainID, recipients, amounts)
		},
		Expect: expect,
		Complete: func(ctx context.Context, hash string, at time.Time) (bool, error) {
			return true, o.store.CompleteSettlement(ctx, g.ID, hash, records, at)
		},
	}, nil
}

func legAmounts(legs []domain.SettleLeg) ([]*big.Int, error) {
	out := make([]*big.Int, len(legs))
	for i, l := range legs {
		v, ok := new(big.Int).SetString(l.Amount, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("settle leg %d: bad amount %q", i, l.Amount)
		}
		out[i] = v
	}
	return out, nil
}

// feeSplitRecipient pays the address the entry fee verifiably came from.
// Unpaid winners admitted by an admin fall back to the profile wallet.
func (o *SettlementOrchestrator) feeSplitRecipient(ctx context.Context, g *domain.Game, p domain.Participant) (common.Address, error) {
	if p.PaymentTxHash != "" {
		proof, err := o.verifier.Verify(ctx, chain.ClaimFor(o.network, p.PaymentTxHash, g.EntryFee))
		if err != nil {
			return common.Address{}, err
		}
		return proof.Payer, nil
	}
	if !common.IsHexAddress(p.WalletAddress) {
		return common.Address{}, domain.NewStructuralError("unpaid winner has no wallet address", "participant", p.ID)
	}
	log.Warn("Paying unpaid winner to unverified profile wallet", "game", g.ID, "participant", p.ID, "wallet", p.WalletAddress)
	return common.HexToAddress(p.WalletAddress), nil
}

// settlePrizeTable sends one token transfer per winner from the payout
// wallet. Recipients come from profile wallets, which have no on-chain
// proof behind them.
func (o *SettlementOrchestrator) settlePrizeTable(ctx context.Context, g *domain.Game, onChainID *big.Int, chosen []domain.Participant) (*domain.SettleReport, error) {
	winners := make([]winner, len(chosen))
	recipients := make([]common.Address, len(chosen))
	for i, p := range chosen {
		if !common.IsHexAddress(p.WalletAddress) {
			return nil, domain.NewStructuralError("winner has no wallet address", "participant", p.ID)
		}
		winners[i] = winner{participant: p, address: common.HexToAddress(p.WalletAddress)}
		recipients[i] = winners[i].address
	}
	log.Debug("Prize recipients resolved from profile wallets", "game", g.ID, "count", len(recipients))

	if g.Prize.Tournament && onChainID == nil {
		return nil, domain.NewStructuralError("tournament game needs an on-chain game id", "onchain_game_id", g.OnChainGameID)
	}
	amounts, err := o.calc.PrizeTable(ctx, onChainID, g.Prize, recipients)
	if err != nil {
		return nil, err
	}

	remaining := new(big.Int)
	for i, w := range winners {
		st, err := o.store.InspectSlot(ctx, store.PayoutSlot(w.participant.ID))
		if err != nil {
			return nil, fmt.Errorf("inspect payout slot: %w", err)
		}
		if !st.Done && st.TxHash == "" {
			remaining.Add(remaining, amounts[i])
		}
	}
	wallet := o.backend.PayoutWallet()
	if remaining.Sign() > 0 {
		bal, err := o.backend.TokenBalance(ctx, wallet)
		if err != nil {
			return nil, &domain.TransientChainError{Op: "payout wallet balance", Err: err}
		}
		if bal.Cmp(remaining) < 0 {
			return nil, domain.NewStructuralError("payout wallet balance does not cover prizes",
				"wallet", wallet.Hex(), "balance", bal.String(), "required", remaining.String())
		}
	}

	report := &domain.SettleReport{GameID: g.ID, Mode: domain.ModePrizeTable, Total: payout.Sum(amounts).String()}
	var bookkeeping error
	var fatal error
	for i, w := range winners {
		pr := domain.PayoutResult{
			ParticipantID: w.participant.ID,
			Position:      i + 1,
			Address:       w.address.Hex(),
			Amount:        amounts[i].String(),
		}
		if amounts[i].Sign() == 0 {
			pr.Success, pr.Outcome = true, domain.OutcomeConfirmed
			report.Payouts = append(report.Payouts, pr)
			continue
		}
		pid, to, amount := w.participant.ID, w.address, amounts[i]
		out := o.broadcaster.Execute(ctx, Movement{
			Slot: store.PayoutSlot(pid),
			Send: func(ctx context.Context, gasPrice *big.Int) (common.Hash, error) {
				return o.backend.TransferToken(ctx, gasPrice, to, amount)
			},
			Expect: []chain.ExpectedTransfer{{Token: o.network.Token, From: wallet, To: to, Value: amount}},
			Complete: func(ctx context.Context, hash string, at time.Time) (bool, error) {
				return o.store.CompletePayout(ctx, pid, hash, amount.String(), at)
			},
		})
		pr.Success, pr.Outcome, pr.TxHash = out.Succeeded(), out.DomainOutcome(), out.TxHash
		if out.Err != nil && !out.Succeeded() {
			pr.Error = out.Err.Error()
		}
		if out.BookkeepingErr != nil && bookkeeping == nil {
			bookkeeping = out.BookkeepingErr
		}
		if pr.Outcome == domain.OutcomeFatal && fatal == nil {
			fatal = out.Err
		}
		if !pr.Success {
			report.PartialFailure = true
		}
		report.Payouts = append(report.Payouts, pr)
	}

	if !report.PartialFailure && bookkeeping == nil {
		if _, err := o.store.MarkGameSettled(ctx, g.ID, o.now()); err != nil {
			bookkeeping = fmt.Errorf("mark game settled: %w", err)
		}
	}
	o.finish(ctx, g, report, bookkeeping)
	return report, fatal
}

// finish records bookkeeping degradation and emits the settlement event.
func (o *SettlementOrchestrator) finish(ctx context.Context, g *domain.Game, report *domain.SettleReport, bookkeeping error) {
	if bookkeeping != nil {
		report.BookkeepingDegraded = true
		report.BookkeepingError = bookkeeping.Error()
		log.Error("Settlement moved funds but bookkeeping is degraded", "game", g.ID, "tx", report.TxHash, "err", bookkeeping)
		audit.Emit(ctx, o.audit, audit.Event{
			Type: audit.SettleBookkeepingDegraded, GameID: g.ID, TxHash: report.TxHash,
			Details: map[string]any{"error": report.BookkeepingError, "mode": report.Mode},
		})
		return
	}
	if report.PartialFailure {
		log.Warn("Settlement incomplete", "game", g.ID, "mode", report.Mode)
		return
	}
	log.Info("Game settled", "game", g.ID, "mode", report.Mode, "tx", report.TxHash, "total", report.Total)
	audit.Emit(ctx, o.audit, audit.Event{
		Type: audit.SettleConfirmed, GameID: g.ID, TxHash: report.TxHash,
		Details: map[string]any{"mode": report.Mode, "total": report.Total, "payouts": report.Payouts},
	})
}
