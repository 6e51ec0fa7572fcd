// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brokercore"

var (
	// Ledger
	LedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and result",
		},
		[]string{"op", "result"},
	)

	// Monitor
	MonitorCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Monitor cycles by loop and outcome",
		},
		[]string{"loop", "outcome"},
	)

	MonitorCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of monitor cycles",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	OrdersTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "orders_triggered_total",
			Help:      "Conditional orders whose predicate fired",
		},
		[]string{"kind"},
	)

	OrderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "order_errors_total",
			Help:      "Per-order failures isolated from the batch",
		},
		[]string{"loop"},
	)

	LeaseHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "lease_held",
			Help:      "1 while this instance holds the scanner lease",
		},
	)

	// Market data
	OracleUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "oracle_unavailable_total",
			Help:      "Oracle calls that failed or returned no prices",
		},
	)

	StaleQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "stale_quotes_total",
			Help:      "Quotes dropped for exceeding the freshness bound",
		},
		[]string{"pair"},
	)

	// Execution
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Executed conditional orders by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "executor_call_duration_seconds",
			Help:      "Duration of trade executor calls",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ClaimsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "claims_lost_total",
			Help:      "Claims lost to a concurrent transition",
		},
		[]string{"target"},
	)

	PositionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "positions_closed_total",
			Help:      "Margin positions closed by terminal status",
		},
		[]string{"status"},
	)

	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "reconciled_total",
			Help:      "Stuck rows resolved by the reconciliation sweep",
		},
		[]string{"target", "outcome"},
	)

	// Gate
	GateRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "rejected_total",
			Help:      "Calls that could not acquire a gate slot",
		},
		[]string{"gate"},
	)

	// Notifications
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "outbox_published_total",
			Help:      "Outbox events handed to the sink",
		},
		[]string{"result"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
