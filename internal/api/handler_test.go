package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/service"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) CancelAndRefund(ctx context.Context, gameID string, caller domain.Caller) (*domain.CancelReport, error) {
	args := m.Called(ctx, gameID, caller)
	r, _ := args.Get(0).(*domain.CancelReport)
	return r, args.Error(1)
}

func (m *mockEngine) Settle(ctx context.Context, gameID string, req domain.SettleRequest, caller domain.Caller) (*domain.SettleReport, error) {
	args := m.Called(ctx, gameID, req, caller)
	r, _ := args.Get(0).(*domain.SettleReport)
	return r, args.Error(1)
}

func (m *mockEngine) Reconcile(ctx context.Context, gameID string) ([]domain.ReconcileResult, error) {
	args := m.Called(ctx, gameID)
	r, _ := args.Get(0).([]domain.ReconcileResult)
	return r, args.Error(1)
}

func (m *mockEngine) Game(ctx context.Context, gameID string) (*service.GameView, error) {
	args := m.Called(ctx, gameID)
	v, _ := args.Get(0).(*service.GameView)
	return v, args.Error(1)
}

func serve(t *testing.T, e Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	NewHandler(e).Routes(r.PathPrefix("/api/v1").Subrouter())

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

var owner = map[string]string{"X-User-ID": "u-owner"}

func TestCancelPassesGatewayCaller(t *testing.T) {
	e := new(mockEngine)
	caller := domain.Caller{UserID: "u-admin", Roles: []string{"staff", "admin"}}
	e.On("CancelAndRefund", mock.Anything, "g1", caller).
		Return(&domain.CancelReport{GameID: "g1", Eligible: 2, Refunded: 2}, nil)

	rec := serve(t, e, "POST", "/api/v1/games/g1/cancel", "",
		map[string]string{"X-User-ID": "u-admin", "X-User-Roles": "staff, admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.CancelReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Refunded)
	e.AssertExpectations(t)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrGameNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrGameSettled, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", domain.ErrGameCancelled), http.StatusConflict},
		{domain.NewStructuralError("bps sum", "sum", 9000), http.StatusUnprocessableEntity},
		{&domain.VerificationFailure{Reason: "amount", TxHash: "0x1"}, http.StatusUnprocessableEntity},
		{&domain.TransientChainError{Op: "totalCollected", Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{domain.ErrNoRefundAttempts, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, StatusFor(c.err), c.err.Error())
	}
}

func TestCancelErrorBody(t *testing.T) {
	e := new(mockEngine)
	e.On("CancelAndRefund", mock.Anything, "g1", mock.Anything).Return(nil, domain.ErrGameSettled)

	rec := serve(t, e, "POST", "/api/v1/games/g1/cancel", "", owner)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"game already settled"}`, rec.Body.String())
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	e := new(mockEngine)
	e.On("Game", mock.Anything, "g1").Return(nil, errors.New("pq: password authentication failed"))

	rec := serve(t, e, "GET", "/api/v1/games/g1", "", owner)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestSettleDecodesRequest(t *testing.T) {
	e := new(mockEngine)
	want := domain.SettleRequest{
		Winners:   []string{"p2", "p1"},
		Overrides: domain.SettleOverrides{Bps: []int{7000, 3000}, ExpectedTotal: "18"},
	}
	e.On("Settle", mock.Anything, "g1", want, domain.Caller{UserID: "u-owner"}).
		Return(&domain.SettleReport{GameID: "g1", TxHash: "0xabc"}, nil)

	rec := serve(t, e, "POST", "/api/v1/games/g1/settle",
		`{"winners":["p2","p1"],"overrides":{"bps":[7000,3000],"expected_total":"18"}}`, owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tx_hash":"0xabc"`)
	e.AssertExpectations(t)
}

func TestSettleRejectsBadBodies(t *testing.T) {
	for name, body := range map[string]string{
		"malformed":      `{"winners":`,
		"fractional bps": `{"winners":["p1"],"overrides":{"bps":[10000.5]}}`,
		"unknown field":  `{"winners":["p1"],"split":"even"}`,
	} {
		t.Run(name, func(t *testing.T) {
			e := new(mockEngine)
			rec := serve(t, e, "POST", "/api/v1/games/g1/settle", body, owner)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			e.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}

	e := new(mockEngine)
	rec := serve(t, e, "POST", "/api/v1/games/g1/settle", `{"winners":[]}`, owner)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReconcileRequiresAdmin(t *testing.T) {
	e := new(mockEngine)
	rec := serve(t, e, "POST", "/api/v1/games/g1/reconcile", "", owner)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	e.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)

	e.On("Reconcile", mock.Anything, "g1").Return(nil, nil)
	rec = serve(t, e, "POST", "/api/v1/games/g1/reconcile", "",
		map[string]string{"X-User-ID": "ops", "X-User-Roles": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestGetGame(t *testing.T) {
	e := new(mockEngine)
	e.On("Game", mock.Anything, "g1").Return(&service.GameView{
		Game:         &domain.Game{ID: "g1", Status: domain.GameCancelled},
		Participants: []domain.Participant{},
	}, nil)

	rec := serve(t, e, "GET", "/api/v1/games/g1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"participants":[]`)
}
