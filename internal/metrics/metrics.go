package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Operations processed by the ledger, labeled by type and outcome",
	}, []string{"type", "outcome"})

	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_allocations_total",
		Help: "Offer allocation attempts, labeled by outcome",
	}, []string{"outcome"})

	AllocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_allocation_duration_seconds",
		Help:    "Latency of the capacity check-and-commit step",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	OfferCommitted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_offer_committed_amount",
		Help: "Committed amount per offer after the last allocation or cancellation",
	}, []string{"offer"})

	RecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_status_recomputes_total",
		Help: "Transaction status recomputes, labeled by outcome",
	}, []string{"outcome"})

	RecomputeRetryQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_status_retry_pending",
		Help: "Transactions waiting for a background status recompute",
	})

	AuditFactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_audit_facts_total",
		Help: "Audit facts handled by the sink, labeled by outcome",
	}, []string{"outcome"})
)
