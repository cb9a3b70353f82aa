// Package observability provides Prometheus metrics for the vault engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Vault lifecycle
	VaultsCreated   prometheus.Counter
	VaultsCancelled prometheus.Counter
	VaultsCompleted prometheus.Counter
	Deposits        prometheus.Counter

	// Execution saga
	Executions         *prometheus.CounterVec
	Confirmations      *prometheus.CounterVec
	DispatchFailures   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Escrow and adjustments
	EscrowDisbursements  prometheus.Counter
	AdjustmentRecomputes prometheus.Counter

	// Processors
	DueTriggers      prometheus.Gauge
	TransfersSettled prometheus.Counter
	ProcessorErrors  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates a Metrics instance registered on reg. A nil reg uses a
// fresh registry so tests and multiple engines never collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "dca"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		VaultsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vaults",
			Name:      "created_total",
			Help:      "Total number of vaults created",
		}),
		VaultsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vaults",
			Name:      "cancelled_total",
			Help:      "Total number of vaults cancelled",
		}),
		VaultsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vaults",
			Name:      "completed_total",
			Help:      "Total number of vaults that exhausted their balance",
		}),
		Deposits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vaults",
			Name:      "deposits_total",
			Help:      "Total number of deposits into existing vaults",
		}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "executions_total",
			Help:      "Recorded executions by outcome",
		}, []string{"outcome"}),
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "confirmations_total",
			Help:      "Venue confirmations by kind and result",
		}, []string{"kind", "result"}),
		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "dispatch_failures_total",
			Help:      "Venue messages that could not be dispatched",
		}, []string{"kind"}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of engine invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		EscrowDisbursements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "disbursements_total",
			Help:      "Total number of escrow disbursements",
		}),
		AdjustmentRecomputes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "adjustment_recomputes_total",
			Help:      "Total number of swap adjustment recomputations",
		}),
		DueTriggers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "due_triggers",
			Help:      "Due time triggers found by the last sweep",
		}),
		TransfersSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transfers_settled_total",
			Help:      "Total number of settled transfers",
		}),
		ProcessorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Errors raised by background processors",
		}, []string{"task"}),
		gatherer: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordExecution counts one recorded execution.
func (m *Metrics) RecordExecution(outcome string) {
	m.Executions.WithLabelValues(outcome).Inc()
}

// RecordConfirmation counts one processed venue confirmation.
func (m *Metrics) RecordConfirmation(kind string, err error) {
	result := "applied"
	if err != nil {
		result = "rejected"
	}
	m.Confirmations.WithLabelValues(kind, result).Inc()
}

// ObserveInvocation records the duration of one engine invocation.
func (m *Metrics) ObserveInvocation(operation string, seconds float64) {
	m.InvocationDuration.WithLabelValues(operation).Observe(seconds)
}
