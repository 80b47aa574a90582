// Package metrics provides Prometheus metrics for the test rig service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service. Each Registry
// carries its own prometheus registerer so tests can construct registries
// freely without duplicate-registration panics.
type Registry struct {
	prom *prometheus.Registry

	// Modbus line metrics
	LineOps           *prometheus.CounterVec
	LineRetries       *prometheus.CounterVec
	LineReconnects    *prometheus.CounterVec
	ConnectionLatency prometheus.Histogram

	// Telemetry metrics
	SamplesCollected prometheus.Counter
	SampleErrors     *prometheus.CounterVec

	// Acquisition metrics
	SweepsCompleted prometheus.Counter
	SweepDuration   prometheus.Histogram
	WaveformBytes   prometheus.Counter

	// Scope metrics
	ScopeQueries     *prometheus.CounterVec
	ScopeBreakerOpen prometheus.Gauge
}

// NewRegistry creates a metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		prom: reg,

		LineOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "modbus",
			Name:      "line_ops_total",
			Help:      "Register operations by port, op and outcome class",
		}, []string{"port", "op", "outcome"}),
		LineRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "modbus",
			Name:      "line_retries_total",
			Help:      "Retry attempts by port and op",
		}, []string{"port", "op"}),
		LineReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "modbus",
			Name:      "line_reconnects_total",
			Help:      "Forced reconnects by port",
		}, []string{"port"}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "testrig",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Serial connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		SamplesCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "telemetry",
			Name:      "samples_total",
			Help:      "Telemetry samples collected",
		}),
		SampleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "telemetry",
			Name:      "sample_errors_total",
			Help:      "Telemetry read failures by sensor",
		}, []string{"sensor"}),

		SweepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "acquisition",
			Name:      "sweeps_total",
			Help:      "Completed waveform sweeps",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "testrig",
			Subsystem: "acquisition",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep digitize-and-download duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		WaveformBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "acquisition",
			Name:      "waveform_bytes_total",
			Help:      "Raw waveform bytes downloaded from the scope",
		}),

		ScopeQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testrig",
			Subsystem: "scope",
			Name:      "queries_total",
			Help:      "SCPI queries by outcome",
		}, []string{"outcome"}),
		ScopeBreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "testrig",
			Subsystem: "scope",
			Name:      "breaker_open",
			Help:      "1 when the scope circuit breaker is open",
		}),
	}
}

// Prometheus returns the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// RecordLineOp records a register operation outcome.
func (r *Registry) RecordLineOp(port, op, outcome string) {
	r.LineOps.WithLabelValues(port, op, outcome).Inc()
}

// RecordLineRetry records a retry attempt.
func (r *Registry) RecordLineRetry(port, op string) {
	r.LineRetries.WithLabelValues(port, op).Inc()
}

// RecordLineReconnect records a forced reconnect.
func (r *Registry) RecordLineReconnect(port string) {
	r.LineReconnects.WithLabelValues(port).Inc()
}

// RecordConnection records a connection attempt latency.
func (r *Registry) RecordConnection(latencySeconds float64) {
	r.ConnectionLatency.Observe(latencySeconds)
}

// RecordSample records one collected telemetry sample.
func (r *Registry) RecordSample() {
	r.SamplesCollected.Inc()
}

// RecordSampleError records a sensor read failure during collection.
func (r *Registry) RecordSampleError(sensor string) {
	r.SampleErrors.WithLabelValues(sensor).Inc()
}

// RecordSweep records a completed sweep.
func (r *Registry) RecordSweep(durationSeconds float64, rawBytes int) {
	r.SweepsCompleted.Inc()
	r.SweepDuration.Observe(durationSeconds)
	r.WaveformBytes.Add(float64(rawBytes))
}

// RecordScopeQuery records a SCPI query outcome.
func (r *Registry) RecordScopeQuery(success bool) {
	if success {
		r.ScopeQueries.WithLabelValues("success").Inc()
	} else {
		r.ScopeQueries.WithLabelValues("error").Inc()
	}
}

// SetScopeBreakerOpen updates the breaker state gauge.
func (r *Registry) SetScopeBreakerOpen(open bool) {
	if open {
		r.ScopeBreakerOpen.Set(1)
	} else {
		r.ScopeBreakerOpen.Set(0)
	}
}
