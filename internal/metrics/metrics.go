package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the broadcast service
type Metrics struct {
	// Dispatch
	DeliveriesTotal         *prometheus.CounterVec
	DispatchDurationSeconds *prometheus.HistogramVec
	QuotaExceededTotal      *prometheus.CounterVec

	// Wizard
	PricingEstimatesTotal *prometheus.CounterVec
	StepTransitionsTotal  *prometheus.CounterVec
	ActiveComposers       prometheus.Gauge

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_deliveries_total",
				Help: "Total number of per-recipient delivery attempts by outcome",
			},
			[]string{"channel", "status"},
		),
		DispatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcast_dispatch_duration_seconds",
				Help:    "Duration of a complete dispatch run",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"channel"},
		),
		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_quota_exceeded_total",
				Help: "Total number of sends refused by a channel quota",
			},
			[]string{"channel", "window"},
		),

		PricingEstimatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_pricing_estimates_total",
				Help: "Total number of pricing estimates by source",
			},
			[]string{"source"},
		),
		StepTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_step_transitions_total",
				Help: "Total number of wizard step transitions",
			},
			[]string{"from", "to"},
		),
		ActiveComposers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcast_active_composers",
				Help: "Number of open composer sessions",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DispatchDurationSeconds,
		m.QuotaExceededTotal,
		m.PricingEstimatesTotal,
		m.StepTransitionsTotal,
		m.ActiveComposers,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// persistentCounters are the counters carried across restarts, keyed by metric name
func (m *Metrics) persistentCounters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"broadcast_deliveries_total":        m.DeliveriesTotal,
		"broadcast_quota_exceeded_total":    m.QuotaExceededTotal,
		"broadcast_pricing_estimates_total": m.PricingEstimatesTotal,
		"broadcast_api_requests_total":      m.APIRequestsTotal,
		"broadcast_api_errors_total":        m.APIErrorsTotal,
	}
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncDelivery counts one delivery attempt
func IncDelivery(channel, status string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(channel, status).Inc()
	}
}

// ObserveDispatchDuration records the duration of a dispatch run
func ObserveDispatchDuration(channel string, seconds float64) {
	if m := Global(); m != nil {
		m.DispatchDurationSeconds.WithLabelValues(channel).Observe(seconds)
	}
}

// IncQuotaExceeded counts a send refused by the hourly or daily quota
func IncQuotaExceeded(channel, window string) {
	if m := Global(); m != nil {
		m.QuotaExceededTotal.WithLabelValues(channel, window).Inc()
	}
}

// IncPricingEstimate counts a pricing estimate by its source
func IncPricingEstimate(source string) {
	if m := Global(); m != nil {
		m.PricingEstimatesTotal.WithLabelValues(source).Inc()
	}
}

// IncStepTransition counts a wizard transition
func IncStepTransition(from, to string) {
	if m := Global(); m != nil {
		m.StepTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// SetActiveComposers sets the open composer gauge
func SetActiveComposers(n int) {
	if m := Global(); m != nil {
		m.ActiveComposers.Set(float64(n))
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
