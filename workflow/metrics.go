package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("invoices_backend/workflow")

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "transitions_total",
		Help:      "Invoice transition attempts by target status and outcome.",
	}, []string{"target", "outcome"})

	metricTransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoices",
		Name:      "transition_duration_seconds",
		Help:      "Latency of invoice transitions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})

	metricPoOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "po_overrides_total",
		Help:      "Purchase order overages approved with an override.",
	})

	metricLockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "lock_conflicts_total",
		Help:      "Entity lock requests refused because another user holds the lock.",
	}, []string{"entity_type"})

	metricDuplicateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "duplicate_checks_total",
		Help:      "Duplicate checks by verdict.",
	}, []string{"verdict"})

	metricUndo = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "undo_total",
		Help:      "Undo attempts by outcome.",
	}, []string{"outcome"})

	metricOutbox = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "outbox_deliveries_total",
		Help:      "Outbox deliveries by kind and outcome.",
	}, []string{"kind", "outcome"})

	metricLedgerInconsistency = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "invoices",
		Name:      "ledger_inconsistency_total",
		Help:      "Running-total writes that failed and rolled back.",
	})
)
