package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_broadcasts_total",
		Help: "Fund-movement executions by slot kind and terminal state",
	}, []string{"kind", "state"})

	gasFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gas_fallbacks_total",
		Help: "Sends retried with default pricing after an explicit gas price was rejected",
	}, []string{"kind"})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reconcile_total",
		Help: "Stored transaction hashes resolved against the chain, by resolution",
	}, []string{"kind", "resolution"})

	receiptWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_receipt_wait_seconds",
		Help:    "Time from broadcast to receipt",
		Buckets: []float64{1, 3, 5, 10, 20, 30, 60, 90, 120},
	}, []string{"kind"})
)
