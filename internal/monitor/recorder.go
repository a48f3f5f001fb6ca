// Package monitor records pipeline cycles and raises operator alerts.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/events"
	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level is an alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is a notable event for the operator.
type Alert struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Config contains recorder configuration.
type Config struct {
	MaxAlerts int `json:"maxAlerts" validate:"gte=1"`
	MaxEvents int `json:"maxEvents" validate:"gte=1"`
}

// DefaultConfig returns default recorder configuration.
func DefaultConfig() Config {
	return Config{
		MaxAlerts: 500,
		MaxEvents: 100,
	}
}

// Recorder keeps recent cycles and alerts in memory.
type Recorder struct {
	logger  *zap.Logger
	config  Config
	bus     *events.Bus
	metrics *metrics.Metrics

	mu          sync.RWMutex
	alerts      []Alert
	recent      []types.CycleEvent
	eventsCount int
}

// NewRecorder creates a recorder. Alerts are published on bus when it is
// not nil.
func NewRecorder(logger *zap.Logger, config Config, bus *events.Bus) *Recorder {
	return &Recorder{
		logger: logger.Named("monitor"),
		config: config,
		bus:    bus,
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (r *Recorder) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Record stores a cycle and returns the number of alerts it raised.
func (r *Recorder) Record(ev types.CycleEvent) int {
	alerts := generateAlerts(ev)

	r.mu.Lock()
	r.eventsCount++
	r.recent = appendCapped(r.recent, ev, r.config.MaxEvents)
	for _, a := range alerts {
		r.alerts = appendCapped(r.alerts, a, r.config.MaxAlerts)
	}
	r.mu.Unlock()

	for _, a := range alerts {
		r.log(a)
		r.metrics.Alert(string(a.Level))
		r.bus.Publish(events.NewEvent(events.EventTypeAlert, a))
	}
	return len(alerts)
}

func appendCapped[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if max > 0 && len(s) > max {
		s = append(s[:0:0], s[len(s)-max:]...)
	}
	return s
}

func (r *Recorder) log(a Alert) {
	switch a.Level {
	case LevelCritical:
		r.logger.Error("[CRITICAL] " + a.Message)
	case LevelWarning:
		r.logger.Warn("[WARN] " + a.Message)
	default:
		r.logger.Info("[INFO] " + a.Message)
	}
}

func newAlert(level Level, format string, args ...any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
}

func generateAlerts(ev types.CycleEvent) []Alert {
	var alerts []Alert

	if m := ev.Execution; m != nil && m.Success && m.Data["trade_executed"] == true {
		if pos, ok := m.Data["position"].(*types.Position); ok && pos != nil {
			alerts = append(alerts, newAlert(LevelInfo,
				"Trade #%d executed at $%.4f, size %.4f", pos.ID, pos.EntryPrice, pos.Size))
			if pos.Unprotected {
				alerts = append(alerts, newAlert(LevelCritical,
					"Unprotected position #%d on %s: protective orders failed, manual intervention required",
					pos.ID, pos.Symbol))
			}
		}
	}

	if m := ev.Risk; m != nil && m.Data["all_approved"] == false {
		reason := "Unknown"
		if st, ok := m.Data["status"].(types.Status); ok && st.Message != "" {
			reason = st.Message
		}
		alerts = append(alerts, newAlert(LevelWarning, "Trade rejected by risk manager: %s", reason))
	}

	if m := ev.Analysis; m != nil && m.Data["downtrend_detected"] == true {
		alerts = append(alerts, newAlert(LevelWarning, "Downtrend detected - trading paused for safety"))
	}

	if st, ok := ev.Result.Data["status"].(types.Status); ok {
		switch st.Code {
		case types.ReasonNoMarketData, types.ReasonInternalFault:
			alerts = append(alerts, newAlert(LevelCritical, "Circuit breaker activated: %s", st.Message))
		}
	}
	return alerts
}

// Alerts returns alerts, optionally filtered by level.
func (r *Recorder) Alerts(level Level) []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		if level == "" || a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

// Clear removes all alerts.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.alerts = nil
	r.mu.Unlock()
	r.logger.Info("Alerts cleared")
}

// EventsCount returns the number of cycles recorded.
func (r *Recorder) EventsCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eventsCount
}

// Recent returns up to limit of the most recent cycles, oldest first.
func (r *Recorder) Recent(limit int) []types.CycleEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(r.recent) {
		start = len(r.recent) - limit
	}
	out := make([]types.CycleEvent, len(r.recent)-start)
	copy(out, r.recent[start:])
	return out
}

// Report summarizes recorder state alongside trading performance.
type Report struct {
	Timestamp    time.Time `json:"timestamp"`
	Trading      any       `json:"tradingStatistics"`
	AlertsCount  int       `json:"alertsGenerated"`
	EventsCount  int       `json:"eventsLogged"`
	RecentAlerts []Alert   `json:"recentAlerts"`
}

// Report builds a performance report around the given trading summary.
func (r *Recorder) Report(trading any) Report {
	alerts := r.Alerts("")
	recent := alerts
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	return Report{
		Timestamp:    time.Now().UTC(),
		Trading:      trading,
		AlertsCount:  len(alerts),
		EventsCount:  r.EventsCount(),
		RecentAlerts: recent,
	}
}
