// Package orchestrator runs the trading decision cycle: fetch, classify,
// validate, size, execute and monitor, under the breaker and pause guards.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/backtester"
	"github.com/atlas-desktop/trading-pipeline/internal/data"
	"github.com/atlas-desktop/trading-pipeline/internal/events"
	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/internal/regime"
	"github.com/atlas-desktop/trading-pipeline/internal/risk"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"go.uber.org/zap"
)

const (
	producer = "orchestrator"
	action   = "orchestrate_workflow"

	msgBreakerActive = "Circuit breaker is active"
	msgEmptyData     = "Data fetching returned empty market data"
	msgBearish       = "Bearish market regime detected - downtrend protection active"
	msgRecovered     = "Market regime recovered, trading resumed"
)

var errNoAnalysis = errors.New("market analysis produced no results")

// MarketData fetches snapshots for a batch of instruments.
type MarketData interface {
	FetchBatch(ctx context.Context, symbols []string) data.BatchResult
	Status() types.AgentStatus
}

// ActivitySink receives every cycle that passed the guards. Record returns
// the number of alerts raised.
type ActivitySink interface {
	Record(event types.CycleEvent) int
}

// Config contains coordinator configuration.
type Config struct {
	Symbols       []string      `json:"symbols" validate:"min=1,dive,required"`
	CycleInterval time.Duration `json:"cycleInterval" validate:"gt=0"`
	HistoryLimit  int           `json:"historyLimit" validate:"gte=1"`
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Symbols:       []string{"SOL/USDT", "BTC/USDT", "ETH/USDT"},
		CycleInterval: 300 * time.Second,
		HistoryLimit:  1000,
	}
}

// Components are the pipeline stages the coordinator drives. Sink, Bus and
// Metrics are optional.
type Components struct {
	Data       MarketData
	Classifier *regime.Classifier
	Validator  *backtester.Validator
	Risk       *risk.Engine
	Gateway    *execution.Gateway
	Sink       ActivitySink
	Bus        *events.Bus
	Metrics    *metrics.Metrics
}

// Coordinator owns the workflow state machine.
type Coordinator struct {
	logger *zap.Logger
	config Config
	Components
	tracker *types.AgentTracker
	now     func() time.Time

	// cycleMu serialises cycles.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	stage       types.Stage
	stageStart  time.Time
	paused      bool
	pauseReason string
	// regimePause marks a pause set by a bearish regime. Cycles keep
	// analysing the market and lift it once the regime recovers.
	regimePause bool
	breaker     bool
	history     []types.StageTransition
	transitions int
	lastReset   string
	updatedAt   time.Time
}

// NewCoordinator creates a coordinator over the given components.
func NewCoordinator(logger *zap.Logger, config Config, components Components) *Coordinator {
	c := &Coordinator{
		logger:     logger.Named("orchestrator"),
		config:     config,
		Components: components,
		tracker:    types.NewAgentTracker(producer),
		now:        time.Now,
		stage:      types.StageIdle,
	}
	c.stageStart = c.now()
	c.updatedAt = c.stageStart
	return c
}

// RunCycle runs one decision cycle over symbols. It never panics and never
// returns an error: every outcome is described by the returned message.
func (c *Coordinator) RunCycle(ctx context.Context, symbols []string) (msg types.Message) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.tracker.Begin()
	run := &cycle{}

	defer func() {
		if r := recover(); r != nil {
			msg = c.fault(run, fmt.Errorf("%v", r))
		}

		status, _ := msg.Data["status"].(types.Status)
		c.Metrics.Cycle(string(status.Kind), string(status.Code))
		c.publishGuards()

		if run.event.Data != nil && c.Sink != nil {
			run.event.Stage = c.Stage()
			run.event.Result = msg
			c.Sink.Record(run.event)
		}
		c.Bus.Publish(events.NewEvent(events.EventTypeCycle, msg))

		var err error
		if !msg.Success {
			err = errors.New(msg.Error)
		}
		c.tracker.End(err)
	}()

	return c.runCycle(ctx, normalizeSymbols(symbols), run)
}

// normalizeSymbols canonicalises symbols to BASE/QUOTE and drops blanks
// and duplicates, keeping first-seen order.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = utils.FormatSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// cycle carries per-cycle state that the recovery path needs.
type cycle struct {
	event    types.CycleEvent
	decision *risk.Decision
	settled  bool
}

func (c *Coordinator) runCycle(ctx context.Context, symbols []string, run *cycle) types.Message {
	c.resetDailyIfNeeded()

	if ok, status := c.tradingAllowed(); !ok {
		c.logger.Warn("Cycle refused", zap.String("reason", status.Message))
		return c.result(false, status, map[string]any{
			"trading_allowed": false,
			"reason":          status.Message,
		}, "Trading not allowed: "+status.Message)
	}
	if ctx.Err() != nil {
		return c.cancelled(run)
	}

	c.logger.Info("Starting workflow", zap.Strings("symbols", symbols))

	// Fetch
	c.transition(types.StageFetchingData, nil)
	batch := c.Data.FetchBatch(ctx, symbols)
	dataMsg := batch.Message()
	run.event.Data = &dataMsg
	if ctx.Err() != nil {
		return c.cancelled(run)
	}
	if len(batch.Snapshots) == 0 {
		c.logger.Error("No market data returned", zap.Int("errors", len(batch.Errors)))
		c.TripBreaker(msgEmptyData)
		c.transition(types.StageError, map[string]any{"reason": msgEmptyData})
		return c.result(false, types.Halted(types.ReasonNoMarketData, msgEmptyData), nil, "Empty market data from data provider")
	}

	// Analyze
	c.transition(types.StageAnalyzing, nil)
	overview := c.Classifier.Analyze(batch.Snapshots)
	analysisMsg := regime.Message(overview)
	run.event.Analysis = &analysisMsg
	if len(overview.Analyses) == 0 {
		return c.fault(run, errNoAnalysis)
	}
	if overview.OverallRegime == types.RegimeBearish {
		c.pauseForRegime()
		c.transition(types.StagePaused, map[string]any{"regime": overview.OverallRegime})
		return c.result(true, types.Halted(types.ReasonBearishRegime, msgBearish), map[string]any{
			"trading_paused": true,
			"reason":         string(types.ReasonBearishRegime),
			"analysis":       overview,
		}, "")
	}
	c.liftRegimePause()
	if ctx.Err() != nil {
		return c.cancelled(run)
	}

	// Validate
	c.transition(types.StageBacktesting, nil)
	validations := c.Validator.ValidateAll(overview.Analyses)
	validationMsg := backtester.Message(validations)
	run.event.Validation = &validationMsg
	if ctx.Err() != nil {
		return c.cancelled(run)
	}

	// Size
	c.transition(types.StageRiskAssessment, nil)
	order := make([]string, 0, len(overview.Analyses))
	inputs := make(map[string]risk.Input, len(overview.Analyses))
	for _, symbol := range symbols {
		a, ok := overview.Analyses[symbol]
		if !ok {
			continue
		}
		if _, dup := inputs[symbol]; dup {
			continue
		}
		var vr *types.ValidationResult
		if v, ok := validations[symbol]; ok {
			vr = &v
		}
		order = append(order, symbol)
		inputs[symbol] = risk.InputFrom(a, vr)
	}
	decision := c.Risk.Decide(order, inputs)
	run.decision = &decision
	riskMsg := risk.Message(decision, c.Risk.Balance(), c.Risk.DailyRiskUsed())
	run.event.Risk = &riskMsg

	if !decision.Status.IsApproved() {
		c.logger.Warn("Position rejected by risk manager",
			zap.String("code", string(decision.Status.Code)),
			zap.String("reason", decision.Status.Message),
		)
		closed := c.monitor(batch.Snapshots)
		c.transition(types.StageIdle, nil)
		return c.result(true, decision.Status, map[string]any{
			"trade_executed":   false,
			"reason":           string(types.ReasonRiskRejection),
			"risk_assessment":  decision,
			"closed_positions": closed,
		}, "")
	}
	if ctx.Err() != nil {
		return c.cancelled(run)
	}

	// Execute
	c.transition(types.StageExecuting, map[string]any{"symbol": decision.Selected.Symbol})
	res, err := c.Gateway.Open(ctx, *decision.Selected, c.Risk.Balance())
	if err != nil || !res.Executed {
		c.Risk.Release(decision)
	} else {
		c.Risk.Commit(decision)
	}
	run.settled = true
	execMsg := execution.Message(res, err)
	run.event.Execution = &execMsg
	if err != nil {
		c.logger.Error("Trade execution failed", zap.String("symbol", decision.Selected.Symbol), zap.Error(err))
	}
	if res.Position != nil {
		c.Bus.Publish(events.NewEvent(events.EventTypePosition, *res.Position))
	}

	// Monitor
	closed := c.monitor(batch.Snapshots)
	c.transition(types.StageIdle, nil)

	status := types.Approved()
	if !res.Executed {
		status = res.Status
	}
	return c.result(true, status, map[string]any{
		"trade_executed":          res.Executed,
		"analysis":                overview,
		"risk_assessment":         decision,
		"execution":               res,
		"closed_positions":        closed,
		"workflow_history_length": c.historyLen(),
	}, "")
}

// monitor marks open positions to market, closes those that hit a stop or
// target and books realized P&L into the sizing balance.
func (c *Coordinator) monitor(snapshots map[string]types.MarketSnapshot) []types.Position {
	c.transition(types.StageMonitoring, nil)

	prices := make(map[string]float64, len(snapshots))
	for symbol, snap := range snapshots {
		prices[symbol] = snap.Price
	}
	closed := c.Gateway.UpdatePrices(prices)

	var realized float64
	for _, p := range closed {
		realized += p.PnL
		c.Bus.Publish(events.NewEvent(events.EventTypePosition, p))
	}
	if len(closed) > 0 {
		c.Risk.UpdateBalance(c.Risk.Balance() + realized)
	}
	return closed
}

func (c *Coordinator) cancelled(run *cycle) types.Message {
	if run.decision != nil && !run.settled {
		c.Risk.Release(*run.decision)
		run.settled = true
	}
	c.logger.Warn("Cycle cancelled", zap.String("stage", string(c.Stage())))
	c.transition(types.StageIdle, map[string]any{"reason": string(types.ReasonCancelled)})
	return c.result(false, types.Halted(types.ReasonCancelled, "Cycle cancelled"), nil, "Cycle cancelled")
}

// fault trips the breaker for an unexpected error or panic.
func (c *Coordinator) fault(run *cycle, err error) types.Message {
	if run.decision != nil && !run.settled {
		c.Risk.Release(*run.decision)
		run.settled = true
	}
	errMsg := fmt.Sprintf("Orchestration error: %v", err)
	c.TripBreaker(errMsg)
	c.transition(types.StageError, map[string]any{"error": errMsg})
	return c.result(false, types.Failed(types.ReasonInternalFault, errMsg), nil, errMsg)
}

func (c *Coordinator) result(success bool, status types.Status, payload map[string]any, errMsg string) types.Message {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = status
	return types.NewMessage(producer, action, success, payload, errMsg)
}

func (c *Coordinator) tradingAllowed() (bool, types.Status) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.breaker {
		return false, types.Halted(types.ReasonBreakerActive, msgBreakerActive)
	}
	if c.paused && !c.regimePause {
		return false, types.Halted(types.ReasonTradingPaused, c.pauseReason)
	}
	return true, types.Approved()
}

// pauseForRegime pauses trading for a bearish regime unless an operator
// pause or the breaker already holds it.
func (c *Coordinator) pauseForRegime() {
	c.mu.Lock()
	if c.paused && !c.regimePause {
		c.mu.Unlock()
		return
	}
	already := c.regimePause
	c.paused = true
	c.regimePause = true
	c.pauseReason = msgBearish
	c.updatedAt = c.now()
	c.mu.Unlock()

	if already {
		return
	}
	c.logger.Warn("Trading paused", zap.String("reason", msgBearish))
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "pause", "reason": msgBearish}))
}

// liftRegimePause clears a bearish regime pause. Other pauses are kept.
func (c *Coordinator) liftRegimePause() {
	c.mu.Lock()
	if !c.regimePause {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.regimePause = false
	c.pauseReason = ""
	c.updatedAt = c.now()
	c.mu.Unlock()

	c.logger.Info(msgRecovered)
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "resume", "reason": msgRecovered}))
}

// resetDailyIfNeeded zeroes the risk ledger once per UTC day.
func (c *Coordinator) resetDailyIfNeeded() {
	now := c.now()
	today := now.UTC().Format("2006-01-02")

	c.mu.Lock()
	first := c.lastReset == ""
	due := c.lastReset != today
	c.lastReset = today
	c.mu.Unlock()
	if !due {
		return
	}

	if first {
		c.Risk.ResetIfNewDay(now)
		return
	}
	c.Risk.ResetDaily(now)
	c.Gateway.ResetDaily()
}

func (c *Coordinator) transition(to types.Stage, metadata map[string]any) {
	now := c.now()

	c.mu.Lock()
	from := c.stage
	elapsed := now.Sub(c.stageStart)
	c.stage = to
	c.stageStart = now
	c.updatedAt = now
	t := types.StageTransition{
		Timestamp: now.UTC(),
		From:      from,
		To:        to,
		Metadata:  metadata,
	}
	c.history = append(c.history, t)
	if over := len(c.history) - c.config.HistoryLimit; c.config.HistoryLimit > 0 && over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
	c.transitions++
	c.mu.Unlock()

	c.Metrics.ObserveStage(string(from), elapsed)
	c.Bus.Publish(events.NewEvent(events.EventTypeStage, t))
	c.logger.Info("Workflow transition", zap.String("from", string(from)), zap.String("to", string(to)))
}

// Pause stops new cycles until Resume.
func (c *Coordinator) Pause(reason string) {
	c.mu.Lock()
	c.paused = true
	c.regimePause = false
	c.pauseReason = reason
	c.updatedAt = c.now()
	c.mu.Unlock()

	c.logger.Warn("Trading paused", zap.String("reason", reason))
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "pause", "reason": reason}))
}

// Resume clears a pause. An active breaker still blocks cycles.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.regimePause = false
	c.pauseReason = ""
	c.updatedAt = c.now()
	c.mu.Unlock()

	c.logger.Info("Trading resumed")
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "resume"}))
}

// TripBreaker halts trading until ResetBreaker.
func (c *Coordinator) TripBreaker(reason string) {
	c.mu.Lock()
	c.breaker = true
	c.paused = true
	c.regimePause = false
	c.pauseReason = "Circuit breaker: " + reason
	c.updatedAt = c.now()
	c.mu.Unlock()

	c.logger.Error("CIRCUIT BREAKER ACTIVATED", zap.String("reason", reason))
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "breaker", "reason": reason}))
}

// ResetBreaker clears the breaker and the pause it set.
func (c *Coordinator) ResetBreaker() {
	c.mu.Lock()
	c.breaker = false
	c.paused = false
	c.regimePause = false
	c.pauseReason = ""
	if c.stage == types.StageError {
		c.stage = types.StageIdle
	}
	c.updatedAt = c.now()
	c.mu.Unlock()

	c.logger.Info("Circuit breaker reset")
	c.publishGuards()
	c.Bus.Publish(events.NewEvent(events.EventTypeControl, map[string]any{"action": "breaker_reset"}))
}

func (c *Coordinator) publishGuards() {
	c.mu.RLock()
	breaker, paused := c.breaker, c.paused
	c.mu.RUnlock()
	c.Metrics.SetGuards(breaker, paused)
}

// Stage returns the current workflow stage.
func (c *Coordinator) Stage() types.Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// Status returns a snapshot of the workflow state.
func (c *Coordinator) Status() types.WorkflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.WorkflowState{
		Stage:          c.stage,
		TradingPaused:  c.paused,
		PauseReason:    c.pauseReason,
		CircuitBreaker: c.breaker,
		HistoryLength:  c.transitions,
		LastResetDate:  c.lastReset,
		UpdatedAt:      c.updatedAt.UTC(),
	}
}

func (c *Coordinator) historyLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transitions
}

// History returns up to limit of the most recent transitions, oldest first.
// A non-positive limit returns everything retained.
func (c *Coordinator) History(limit int) []types.StageTransition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(c.history) {
		start = len(c.history) - limit
	}
	out := make([]types.StageTransition, len(c.history)-start)
	copy(out, c.history[start:])
	return out
}

// Agents returns the status of every pipeline component.
func (c *Coordinator) Agents() []types.AgentStatus {
	return []types.AgentStatus{
		c.tracker.Status(),
		c.Data.Status(),
		c.Classifier.Status(),
		c.Validator.Status(),
		c.Risk.Status(),
		c.Gateway.Status(),
	}
}

// RunContinuous runs a cycle immediately and then every interval until ctx
// is done.
func (c *Coordinator) RunContinuous(ctx context.Context, symbols []string, interval time.Duration) {
	if interval <= 0 {
		interval = c.config.CycleInterval
	}
	c.logger.Info("Continuous mode started",
		zap.Strings("symbols", symbols),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg := c.RunCycle(ctx, symbols)
		c.logger.Info("Cycle finished",
			zap.Bool("success", msg.Success),
			zap.String("error", msg.Error),
		)

		select {
		case <-ctx.Done():
			c.logger.Info("Continuous mode stopped")
			return
		case <-ticker.C:
		}
	}
}
