// Package metrics provides Prometheus instrumentation for the pipeline.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trading_pipeline"

// Metrics owns a private registry and the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	SourceFetches  *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	Cycles         *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	BreakerActive  prometheus.Gauge
	TradingPaused  prometheus.Gauge
	OpenPositions  prometheus.Gauge
	DailyRiskUsed  prometheus.Gauge
	PositionsOpen  prometheus.Counter
	PositionsClose *prometheus.CounterVec
	Alerts         *prometheus.CounterVec
	Unprotected    prometheus.Counter
}

// New creates a registry with Go and process collectors plus the pipeline metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.SourceFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_fetches_total",
		Help:      "Market data fetch attempts by source and result.",
	}, []string{"source", "result"})
	m.CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Snapshot cache lookups by result.",
	}, []string{"result"})
	m.Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Pipeline cycles by outcome kind and reason code.",
	}, []string{"kind", "code"})
	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each workflow stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	m.BreakerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_active",
		Help:      "1 while the workflow circuit breaker is tripped.",
	})
	m.TradingPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "trading_paused",
		Help:      "1 while trading is paused.",
	})
	m.OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_positions",
		Help:      "Number of open positions.",
	})
	m.DailyRiskUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "daily_risk_used",
		Help:      "Risk capital committed today in account currency.",
	})
	m.PositionsOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_opened_total",
		Help:      "Positions opened.",
	})
	m.PositionsClose = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_closed_total",
		Help:      "Positions closed by exit reason.",
	}, []string{"reason"})
	m.Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts raised by level.",
	}, []string{"level"})
	m.Unprotected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unprotected_positions_total",
		Help:      "Live entries whose protective orders could not be placed.",
	})

	reg.MustRegister(
		m.SourceFetches, m.CacheLookups, m.Cycles, m.StageDuration,
		m.BreakerActive, m.TradingPaused, m.OpenPositions, m.DailyRiskUsed,
		m.PositionsOpen, m.PositionsClose, m.Alerts, m.Unprotected,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SourceFetch counts one source attempt.
func (m *Metrics) SourceFetch(source string, ok bool) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(source, result(ok)).Inc()
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.CacheLookups.WithLabelValues(label).Inc()
}

// Cycle counts a finished cycle.
func (m *Metrics) Cycle(kind, code string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(kind, code).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetGuards mirrors the breaker and pause flags.
func (m *Metrics) SetGuards(breaker, paused bool) {
	if m == nil {
		return
	}
	m.BreakerActive.Set(boolGauge(breaker))
	m.TradingPaused.Set(boolGauge(paused))
}

// SetDailyRisk mirrors the risk ledger.
func (m *Metrics) SetDailyRisk(v float64) {
	if m == nil {
		return
	}
	m.DailyRiskUsed.Set(v)
}

// PositionOpened records a new position and the resulting open count.
func (m *Metrics) PositionOpened(open int, unprotected bool) {
	if m == nil {
		return
	}
	m.PositionsOpen.Inc()
	m.OpenPositions.Set(float64(open))
	if unprotected {
		m.Unprotected.Inc()
	}
}

// PositionClosed records an exit and the resulting open count.
func (m *Metrics) PositionClosed(reason string, open int) {
	if m == nil {
		return
	}
	m.PositionsClose.WithLabelValues(reason).Inc()
	m.OpenPositions.Set(float64(open))
}

// Alert counts an alert by level.
func (m *Metrics) Alert(level string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(level).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
