package main

import (
	"fmt"

	"github.com/atlas-desktop/trading-pipeline/internal/backtester"
	"github.com/atlas-desktop/trading-pipeline/internal/config"
	"github.com/atlas-desktop/trading-pipeline/internal/data"
	"github.com/atlas-desktop/trading-pipeline/internal/events"
	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/internal/execution/adapters"
	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/internal/monitor"
	"github.com/atlas-desktop/trading-pipeline/internal/orchestrator"
	"github.com/atlas-desktop/trading-pipeline/internal/regime"
	"github.com/atlas-desktop/trading-pipeline/internal/risk"
	"go.uber.org/zap"
)

// app holds the wired pipeline.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	bus      *events.Bus
	recorder *monitor.Recorder
	coord    *orchestrator.Coordinator
}

func newApp(logger *zap.Logger, cfg *config.Config) (*app, error) {
	m := metrics.New()
	bus := events.NewBus(logger, cfg.Events)

	provider := data.NewDefaultProvider(logger, cfg.Data)
	provider.SetMetrics(m)

	engine := risk.NewEngine(logger, cfg.Risk)
	engine.SetMetrics(m)

	var placer execution.OrderPlacer
	if cfg.Execution.Live {
		kucoin, err := adapters.NewKuCoinPlacer(logger, cfg.KuCoin)
		if err != nil {
			bus.Stop()
			return nil, fmt.Errorf("failed to create order placer: %w", err)
		}
		placer = kucoin
	}
	gateway := execution.NewGateway(logger, cfg.Execution, placer)
	gateway.SetMetrics(m)

	recorder := monitor.NewRecorder(logger, cfg.Monitor, bus)
	recorder.SetMetrics(m)

	coord := orchestrator.NewCoordinator(logger, cfg.Orchestrator, orchestrator.Components{
		Data:       provider,
		Classifier: regime.NewClassifier(logger, cfg.Regime),
		Validator:  backtester.NewValidator(logger, cfg.Validator),
		Risk:       engine,
		Gateway:    gateway,
		Sink:       recorder,
		Bus:        bus,
		Metrics:    m,
	})

	return &app{
		cfg:      cfg,
		metrics:  m,
		bus:      bus,
		recorder: recorder,
		coord:    coord,
	}, nil
}

func (a *app) Close() {
	a.bus.Stop()
}
