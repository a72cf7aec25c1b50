package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/escrowops/internal/domain"
	"github.com/punchamoorthee/escrowops/internal/service"
)

var log = ethlog.New("module", "api")

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
	}, []string{"method", "endpoint"})
)

// Engine is the orchestrator surface the handlers call.
type Engine interface {
	CancelAndRefund(ctx context.Context, gameID string, caller domain.Caller) (*domain.CancelReport, error)
	Settle(ctx context.Context, gameID string, req domain.SettleRequest, caller domain.Caller) (*domain.SettleReport, error)
	Reconcile(ctx context.Context, gameID string) ([]domain.ReconcileResult, error)
	Game(ctx context.Context, gameID string) (*service.GameView, error)
}

type Handler struct {
	engine Engine
}

func NewHandler(e Engine) *Handler {
	return &Handler{engine: e}
}

// Routes mounts the game endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.Use(Gateway)
	r.HandleFunc("/games/{id}", h.GetGame).Methods("GET")
	r.HandleFunc("/games/{id}/cancel", h.CancelGame).Methods("POST")
	r.HandleFunc("/games/{id}/settle", h.SettleGame).Methods("POST")
	r.HandleFunc("/games/{id}/reconcile", h.ReconcileGame).Methods("POST")
}

func (h *Handler) CancelGame(w http.ResponseWriter, r *http.Request) {
	const ep = "/games/{id}/cancel"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", ep))
	defer timer.ObserveDuration()

	report, err := h.engine.CancelAndRefund(r.Context(), mux.Vars(r)["id"], CallerFrom(r.Context()))
	if err != nil {
		h.fail(w, err, "POST", ep)
		return
	}
	h.respondJSON(w, http.StatusOK, report, "POST", ep)
}

func (h *Handler) SettleGame(w http.ResponseWriter, r *http.Request) {
	const ep = "/games/{id}/settle"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", ep))
	defer timer.ObserveDuration()

	var req domain.SettleRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", ep)
		return
	}
	if len(req.Winners) == 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "At least one winner required", "POST", ep)
		return
	}

	report, err := h.engine.Settle(r.Context(), mux.Vars(r)["id"], req, CallerFrom(r.Context()))
	if err != nil {
		h.fail(w, err, "POST", ep)
		return
	}
	h.respondJSON(w, http.StatusOK, report, "POST", ep)
}

func (h *Handler) ReconcileGame(w http.ResponseWriter, r *http.Request) {
	const ep = "/games/{id}/reconcile"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", ep))
	defer timer.ObserveDuration()

	if !CallerFrom(r.Context()).IsAdmin() {
		h.respondError(w, http.StatusForbidden, "Admin role required", "POST", ep)
		return
	}
	results, err := h.engine.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err, "POST", ep)
		return
	}
	if results == nil {
		results = []domain.ReconcileResult{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"results": results}, "POST", ep)
}

func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	const ep = "/games/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", ep))
	defer timer.ObserveDuration()

	view, err := h.engine.Game(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err, "GET", ep)
		return
	}
	h.respondJSON(w, http.StatusOK, view, "GET", ep)
}

// StatusFor maps an orchestrator error to its HTTP status.
func StatusFor(err error) int {
	var (
		vf *domain.VerificationFailure
		tc *domain.TransientChainError
	)
	switch {
	case errors.Is(err, domain.ErrGameNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrGameSettled), errors.Is(err, domain.ErrGameCancelled):
		return http.StatusConflict
	case domain.IsStructural(err), errors.As(err, &vf):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tc):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, method, endpoint string) {
	code := StatusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error("Request failed", "method", method, "endpoint", endpoint, "err", err)
		if !errors.Is(err, domain.ErrNoRefundAttempts) {
			msg = "Internal Server Error"
		}
	}
	h.respondError(w, code, msg, method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
