// Package metrics exposes Prometheus instrumentation for the trading loop.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the loop.
type Metrics struct {
	registry *prometheus.Registry

	Cycles           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	Interval         prometheus.Gauge
	Decisions        *prometheus.CounterVec
	OrderAttempts    prometheus.Counter
	ExecutionResults *prometheus.CounterVec
	Equity           prometheus.Gauge
	Drawdown         prometheus.Gauge
	Halted           prometheus.Gauge
	Lessons          *prometheus.CounterVec
	LessonWriteFails prometheus.Counter
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evotrader_cycles_total",
				Help: "Evaluation cycles by outcome (run, halted, error)",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evotrader_cycle_duration_seconds",
				Help:    "Duration of an evaluation cycle",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		Interval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evotrader_heartbeat_interval_seconds",
				Help: "Current wait between evaluation cycles",
			},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evotrader_decisions_total",
				Help: "Decision source results by outcome (trade, no_trade, degraded)",
			},
			[]string{"outcome"},
		),
		OrderAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evotrader_order_attempts_total",
				Help: "Order submission attempts sent to the exchange",
			},
		),
		ExecutionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evotrader_execution_results_total",
				Help: "Execution results by terminal status",
			},
			[]string{"status"},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evotrader_equity",
				Help: "Current equity tracked by the risk governor",
			},
		),
		Drawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evotrader_drawdown_ratio",
				Help: "Current drawdown from peak equity (0.0 to 1.0)",
			},
		),
		Halted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evotrader_halted",
				Help: "1 when the risk governor is halted",
			},
		),
		Lessons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evotrader_lessons_written_total",
				Help: "Lessons written to memory by tag",
			},
			[]string{"tag"},
		),
		LessonWriteFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evotrader_lesson_write_failures_total",
				Help: "Failed lesson writes that were queued for retry",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Cycles,
		m.CycleDuration,
		m.Interval,
		m.Decisions,
		m.OrderAttempts,
		m.ExecutionResults,
		m.Equity,
		m.Drawdown,
		m.Halted,
		m.Lessons,
		m.LessonWriteFails,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCycle records one cycle outcome and its duration.
func (m *Metrics) RecordCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// SetInterval records the current heartbeat interval.
func (m *Metrics) SetInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.Interval.Set(d.Seconds())
}

// RecordDecision counts a decision outcome.
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

// RecordAttempt counts one submission attempt.
func (m *Metrics) RecordAttempt() {
	if m == nil {
		return
	}
	m.OrderAttempts.Inc()
}

// RecordExecution counts a terminal execution status.
func (m *Metrics) RecordExecution(status string) {
	if m == nil {
		return
	}
	m.ExecutionResults.WithLabelValues(status).Inc()
}

// SetRisk records the governor's ledger.
func (m *Metrics) SetRisk(equity, drawdown float64, halted bool) {
	if m == nil {
		return
	}
	m.Equity.Set(equity)
	m.Drawdown.Set(drawdown)
	if halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}

// RecordLesson counts a lesson written to memory.
func (m *Metrics) RecordLesson(tag string) {
	if m == nil {
		return
	}
	m.Lessons.WithLabelValues(tag).Inc()
}

// RecordLessonFailure counts a failed lesson write.
func (m *Metrics) RecordLessonFailure() {
	if m == nil {
		return
	}
	m.LessonWriteFails.Inc()
}
