package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the billing server.
type Metrics struct {
	// Invoice issuance metrics
	InvoicesCreatedTotal *prometheus.CounterVec
	InvoiceFailuresTotal *prometheus.CounterVec

	// Callback metrics
	CallbacksTotal *prometheus.CounterVec

	// Credit grant metrics
	CreditsGrantedTotal prometheus.Counter
	CreditsGrantedSum   prometheus.Counter

	// Reconciliation metrics
	ReconcileRunsTotal    prometheus.Counter
	ReconcileCheckedTotal prometheus.Counter
	ReconcileUpdatedTotal prometheus.Counter
	ReconcileErrorsTotal  prometheus.Counter

	// Deduplication metrics
	CleanupRunsTotal    prometheus.Counter
	CleanupDeletedTotal prometheus.Counter

	// Provider call metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		InvoicesCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credibill_invoices_created_total",
				Help: "Total number of invoices created with the payment provider",
			},
			[]string{"currency"},
		),
		InvoiceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credibill_invoice_failures_total",
				Help: "Total number of failed invoice creation attempts",
			},
			[]string{"reason"},
		),
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credibill_callbacks_total",
				Help: "Total number of inbound provider callbacks by outcome",
			},
			[]string{"kind", "result"},
		),
		CreditsGrantedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_credit_grants_total",
				Help: "Total number of credit grants applied (once per completed transaction)",
			},
		),
		CreditsGrantedSum: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_credits_granted_sum",
				Help: "Total credits added to user balances",
			},
		),
		ReconcileRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_reconcile_runs_total",
				Help: "Total number of reconciliation sweeps",
			},
		),
		ReconcileCheckedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_reconcile_checked_total",
				Help: "Total number of non-terminal transactions checked against the provider",
			},
		),
		ReconcileUpdatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_reconcile_updated_total",
				Help: "Total number of transactions whose status changed during a sweep",
			},
		),
		ReconcileErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_reconcile_errors_total",
				Help: "Total number of per-row provider lookup failures during sweeps",
			},
		),
		CleanupRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_cleanup_runs_total",
				Help: "Total number of duplicate-transaction cleanup runs",
			},
		),
		CleanupDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credibill_cleanup_deleted_total",
				Help: "Total number of duplicate transaction rows deleted",
			},
		),
		ProviderRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credibill_provider_requests_total",
				Help: "Total number of outbound provider API calls",
			},
			[]string{"endpoint", "result"},
		),
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credibill_provider_request_duration_seconds",
				Help:    "Latency of outbound provider API calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}
}

// ObserveProviderCall records one outbound provider call.
func (m *Metrics) ObserveProviderCall(endpoint, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(endpoint, result).Inc()
	m.ProviderRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveCallback records one inbound callback by kind (json, success, fail) and result.
func (m *Metrics) ObserveCallback(kind, result string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(kind, result).Inc()
}

// ObserveCreditGrant records one idempotent credit grant.
func (m *Metrics) ObserveCreditGrant(credits int64) {
	if m == nil {
		return
	}
	m.CreditsGrantedTotal.Inc()
	m.CreditsGrantedSum.Add(float64(credits))
}
