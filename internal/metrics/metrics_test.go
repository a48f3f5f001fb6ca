package metrics_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.SourceFetch("binance", true)
	m.CacheLookup(false)
	m.Cycle("success", "")
	m.ObserveStage("fetch", time.Second)
	m.SetGuards(true, true)
	m.SetDailyRisk(10)
	m.PositionOpened(1, true)
	m.PositionClosed("stop_loss", 0)
	m.Alert("INFO")
}

func TestRecording(t *testing.T) {
	m := metrics.New()

	m.SourceFetch("binance", true)
	m.SourceFetch("binance", false)
	m.SourceFetch("binance", false)
	if got := testutil.ToFloat64(m.SourceFetches.WithLabelValues("binance", "failure")); got != 2 {
		t.Errorf("Expected 2 failures, got %f", got)
	}

	m.SetGuards(true, false)
	if testutil.ToFloat64(m.BreakerActive) != 1 || testutil.ToFloat64(m.TradingPaused) != 0 {
		t.Error("Expected breaker gauge 1 and paused gauge 0")
	}

	m.PositionOpened(2, true)
	m.PositionClosed("take_profit", 1)
	if testutil.ToFloat64(m.OpenPositions) != 1 {
		t.Errorf("Expected 1 open position, got %f", testutil.ToFloat64(m.OpenPositions))
	}
	if testutil.ToFloat64(m.Unprotected) != 1 {
		t.Error("Expected unprotected counter incremented")
	}

	if n, err := testutil.GatherAndCount(m.Registry(), "trading_pipeline_positions_closed_total"); err != nil || n != 1 {
		t.Errorf("Expected one closed-positions series, got %d (%v)", n, err)
	}
}
