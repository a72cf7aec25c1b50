package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/escrowops/internal/audit"
	"github.com/punchamoorthee/escrowops/internal/chain/chaintest"
	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/store"
)

func TestCancelRefundsVerifiedPayers(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 3, []int{10000})

	report, err := h.engine.CancelAndRefund(context.Background(), "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.GameCancelled, report.Status)
	assert.Equal(t, 3, report.Eligible)
	assert.Equal(t, 3, report.Refunded)
	assert.False(t, report.PartialFailure)

	sent := h.chain.Sent()
	require.Len(t, sent, 3)
	for i, s := range sent {
		assert.Equal(t, "refund", s.Method)
		assert.Equal(t, payer(i+1), s.Recipients[0], "refund goes to the Transfer-log payer, not the relayer")
	}
	for i, p := range ps {
		got := h.participant(t, p.ID)
		assert.Equal(t, domain.ParticipantRefunded, got.Status)
		assert.NotNil(t, got.RefundedAt)
		assert.Equal(t, payer(i+1).Hex(), report.Results[i].VerifiedAddress)
	}
	assert.Contains(t, h.events(), audit.RefundConfirmed)
}

func TestCancelTwiceBroadcastsNothingNew(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	h.feeGame("g1", 2, []int{10000})
	ctx := context.Background()

	_, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	require.Equal(t, 2, h.chain.SentCount("refund"))

	report, err := h.engine.CancelAndRefund(ctx, "g1", adminCaller)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Eligible)
	assert.Empty(t, report.Results)
	assert.Equal(t, domain.GameCancelled, report.Status)
	assert.Equal(t, 2, h.chain.SentCount("refund"))
}

func TestCancelRejectsSettledAndForeignCallers(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	h.feeGame("g1", 1, []int{10000})
	ctx := context.Background()

	_, err := h.engine.CancelAndRefund(ctx, "g1", domain.Caller{UserID: "stranger"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.engine.CancelAndRefund(ctx, "missing", ownerCaller)
	assert.ErrorIs(t, err, domain.ErrGameNotFound)

	ok, err := h.store.UpdateGameStatus(ctx, "g1", domain.GameSettled, domain.GameInProgress)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	assert.ErrorIs(t, err, domain.ErrGameSettled)
	assert.Zero(t, h.chain.SentCount("refund"))
}

func TestSuccessWithoutTransferLogIsRetried(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.SucceedNoTransfer)

	report, err := h.engine.CancelAndRefund(context.Background(), "g1", ownerCaller)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.OutcomeConfirmed, report.Results[0].Outcome)
	assert.Equal(t, 2, report.Results[0].Attempts)
	assert.Equal(t, 2, h.chain.SentCount("refund"))

	sent := h.chain.Sent()
	assert.Equal(t, sent[1].Hash.Hex(), h.participant(t, ps[0].ID).RefundTxHash)
}

func TestSuccessWithoutTransferLogNeverMarksRefunded(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 1
	h := newHarness(t, p, nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.SucceedNoTransfer)
	ctx := context.Background()

	report, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, report.Results[0].Outcome)
	assert.True(t, report.PartialFailure)

	got := h.participant(t, ps[0].ID)
	assert.Equal(t, domain.ParticipantPaid, got.Status)
	assert.Empty(t, got.RefundTxHash)
	assert.True(t, got.EligibleForRefund())

	report, err = h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Refunded)
	assert.Equal(t, domain.ParticipantRefunded, h.participant(t, ps[0].ID).Status)
}

func TestPendingReceiptIsNeverRebroadcast(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.Pending)

	report, err := h.engine.CancelAndRefund(context.Background(), "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePending, report.Results[0].Outcome)
	assert.Equal(t, 1, report.Pending)
	assert.True(t, report.PartialFailure)
	assert.Equal(t, domain.GameCancelled, report.Status, "cancellation is not gated on refund success")
	assert.Equal(t, 1, h.chain.SentCount("refund"))

	got := h.participant(t, ps[0].ID)
	assert.True(t, got.RefundPending())
}

func TestReconcileIsIdempotentAndResumes(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 1
	h := newHarness(t, p, nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.Pending)
	ctx := context.Background()

	_, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	before := h.participant(t, ps[0].ID)

	for i := 0; i < 2; i++ {
		res, err := h.engine.Reconcile(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, domain.ResolutionPending, res[0].Resolution)
		assert.Equal(t, before, h.participant(t, ps[0].ID))
	}

	h.chain.Mine(h.chain.Sent()[0].Hash, chaintest.Succeed)
	res, err := h.engine.Reconcile(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, domain.ResolutionCompleted, res[0].Resolution)
	assert.Equal(t, domain.ParticipantRefunded, h.participant(t, ps[0].ID).Status)

	res, err = h.engine.Reconcile(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 1, h.chain.SentCount("refund"))
	assert.Contains(t, h.events(), audit.ReconcileResolved)
}

func TestCancelReconcilesRevertedHashThenRefunds(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 1
	h := newHarness(t, p, nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.Pending)
	ctx := context.Background()

	_, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	h.chain.Mine(h.chain.Sent()[0].Hash, chaintest.Revert)

	report, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	require.Len(t, report.Reconciled, 1)
	assert.Equal(t, domain.ResolutionCleared, report.Reconciled[0].Resolution)
	assert.Equal(t, 1, report.Refunded)
	assert.Equal(t, 2, h.chain.SentCount("refund"))
	assert.Equal(t, domain.ParticipantRefunded, h.participant(t, ps[0].ID).Status)
}

func TestReceiptLookupErrorLeavesHash(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 1
	h := newHarness(t, p, nil)
	ps := h.feeGame("g1", 1, []int{10000})
	h.chain.Script(chaintest.Pending)
	ctx := context.Background()

	_, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	hash := h.chain.Sent()[0].Hash
	h.chain.Mine(hash, chaintest.Succeed)
	h.chain.FailReceipts(hash, assert.AnError)

	res, err := h.engine.Reconcile(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPending, res[0].Resolution)
	assert.Equal(t, hash.Hex(), h.participant(t, ps[0].ID).RefundTxHash)
}

func TestConcurrentCancelsNeverDoubleBroadcast(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 5, []int{10000})

	var wg sync.WaitGroup
	reports := make([]*domain.CancelReport, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.CancelAndRefund(context.Background(), "g1", ownerCaller)
			if err == nil {
				reports[i] = r
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(ps), h.chain.SentCount("refund"))
	seen := map[string]bool{}
	for _, s := range h.chain.Sent() {
		key := s.Recipients[0].Hex()
		assert.False(t, seen[key], "second refund broadcast to %s", key)
		seen[key] = true
	}
	for _, p := range ps {
		assert.Equal(t, domain.ParticipantRefunded, h.participant(t, p.ID).Status)
	}
	for _, r := range reports {
		require.NotNil(t, r)
		for _, res := range r.Results {
			assert.Contains(t, []domain.Outcome{domain.OutcomeConfirmed, domain.OutcomeAlreadyDone, domain.OutcomeInFlight}, res.Outcome)
		}
	}
}

func TestLockedParticipantIsReportedInFlight(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 1, []int{10000})
	ctx := context.Background()

	ok, err := h.store.AcquireSlot(ctx, store.RefundSlot(ps[0].ID), "other-invocation", time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInFlight, report.Results[0].Outcome)
	assert.Equal(t, 1, report.InFlight)
	assert.False(t, report.PartialFailure)
	assert.Zero(t, h.chain.SentCount("refund"))
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	ps := h.feeGame("g1", 1, []int{10000})
	ctx := context.Background()

	ok, err := h.store.AcquireSlot(ctx, store.RefundSlot(ps[0].ID), "crashed", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refunded)
}

func TestUnverifiablePaymentIsSkipped(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	h.feeGame("g1", 1, []int{10000})
	short := h.chain.Pay("7", payer(9), relayer, big.NewInt(99_000_000))
	h.store.PutParticipant(domain.Participant{
		ID: "short", GameID: "g1", UserID: "u9", Status: domain.ParticipantPaid,
		PaymentTxHash: short.Hex(), CreatedAt: time.Now().Add(time.Hour),
	})

	report, err := h.engine.CancelAndRefund(context.Background(), "g1", ownerCaller)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, domain.OutcomeConfirmed, report.Results[0].Outcome)
	assert.Equal(t, domain.OutcomeVerificationFailed, report.Results[1].Outcome)
	require.NotNil(t, report.Results[1].ReceiptStatus)
	assert.Equal(t, uint64(1), *report.Results[1].ReceiptStatus)
	assert.True(t, report.PartialFailure)
	assert.Equal(t, 1, h.chain.SentCount("refund"))
}

func TestCancelledContextReportsNoAttempts(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	h.feeGame("g1", 2, []int{10000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.engine.CancelAndRefund(ctx, "g1", ownerCaller)
	assert.ErrorIs(t, err, domain.ErrNoRefundAttempts)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Eligible)
}
