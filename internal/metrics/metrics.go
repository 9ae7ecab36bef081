// Package metrics holds the process-wide Prometheus collectors for the
// pipeline coordinator, transport, and thermal monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_requests_total",
		Help: "Total pipeline requests processed",
	})

	RequestsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_requests_succeeded_total",
		Help: "Pipeline requests that completed successfully",
	})

	RequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_requests_failed_total",
		Help: "Pipeline requests that failed, by stage",
	}, []string{"stage"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blackbox_stage_duration_seconds",
		Help:    "Per-stage pipeline latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 7.5, 10.0, 13.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blackbox_e2e_duration_seconds",
		Help:    "End-to-end pipeline latency",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 8.0, 10.0, 13.0, 18.0},
	})

	TransportCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blackbox_transport_call_duration_seconds",
		Help:    "Transport round-trip latency by service",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 7.5},
	}, []string{"service"})

	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_transport_errors_total",
		Help: "Transport errors by service and kind",
	}, []string{"service", "kind"})

	ThermalState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blackbox_thermal_state",
		Help: "Current thermal state: 0=normal 1=warning 2=critical 3=cooldown",
	})

	ThermalMaxCelsius = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blackbox_thermal_max_celsius",
		Help: "Most recent maximum thermal reading across all zones",
	})

	FunctionCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_function_calls_total",
		Help: "Function calls dispatched, by name and outcome",
	}, []string{"name", "outcome"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_store_errors_total",
		Help: "Context/side-effect store errors by operation",
	}, []string{"operation"})
)
