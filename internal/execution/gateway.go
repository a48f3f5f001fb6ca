// Package execution opens, tracks and closes positions, placing guarded
// orders through an OrderPlacer when running live.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrPositionNotFound is returned when closing an unknown or closed position.
	ErrPositionNotFound = errors.New("position not found")
	// ErrNotApproved is returned when asked to open an unapproved assessment.
	ErrNotApproved = errors.New("assessment not approved")
)

// Config contains gateway configuration.
type Config struct {
	Live                 bool                 `json:"live"`
	OrderType            OrderType            `json:"orderType" validate:"oneof=market limit"`
	SlippageTolerancePct float64              `json:"slippageTolerancePct" validate:"gte=0,lte=100"`
	Guardrails           Guardrails           `json:"guardrails"`
	Increments           map[string]Increment `json:"increments" validate:"dive"`
}

// DefaultConfig returns paper-trading configuration.
func DefaultConfig() Config {
	return Config{
		Live:                 false,
		OrderType:            OrderTypeMarket,
		SlippageTolerancePct: 0.5,
		Guardrails: Guardrails{
			AllowedOrderTypes: []OrderType{OrderTypeMarket, OrderTypeLimit},
		},
		Increments: DefaultIncrements(),
	}
}

// Result is the outcome of an open attempt.
type Result struct {
	Executed bool            `json:"executed"`
	Position *types.Position `json:"position,omitempty"`
	Status   types.Status    `json:"status"`

	// Unprotected is set when the entry filled but a protective order
	// could not be placed.
	Unprotected  bool     `json:"unprotected"`
	ProtectError []string `json:"protectErrors,omitempty"`
}

// Performance summarizes trading results.
type Performance struct {
	TotalTrades   int     `json:"totalTrades"`
	Winning       int     `json:"winningTrades"`
	Losing        int     `json:"losingTrades"`
	WinRate       float64 `json:"winRate"`
	TotalPnL      float64 `json:"totalPnl"`
	AvgPnL        float64 `json:"avgPnl"`
	OpenPositions int     `json:"openPositions"`
	MaxWin        float64 `json:"maxWin"`
	MaxLoss       float64 `json:"maxLoss"`
}

// Gateway owns the authoritative set of open positions.
type Gateway struct {
	logger  *zap.Logger
	config  Config
	placer  OrderPlacer
	metrics *metrics.Metrics
	tracker *types.AgentTracker
	now     func() time.Time

	mu        sync.Mutex
	nextID    int64
	pending   int
	open      map[int64]*types.Position
	closed    []types.Position
	winning   int
	losing    int
	dailyLoss float64
	lossDay   string
}

// NewGateway creates a gateway that places orders through placer.
func NewGateway(logger *zap.Logger, config Config, placer OrderPlacer) *Gateway {
	if placer == nil {
		placer = NewPaperPlacer()
	}
	g := &Gateway{
		logger:  logger.Named("execution"),
		config:  config,
		placer:  placer,
		tracker: types.NewAgentTracker("executor"),
		now:     time.Now,
		open:    make(map[int64]*types.Position),
	}
	g.lossDay = g.now().UTC().Format("2006-01-02")

	mode := "paper"
	if config.Live {
		mode = "live"
	}
	g.logger.Info("Execution gateway ready",
		zap.String("mode", mode),
		zap.String("placer", placer.Name()),
		zap.String("orderType", string(config.OrderType)),
	)
	return g
}

// SetMetrics attaches Prometheus instrumentation.
func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// Status returns the agent status of the gateway.
func (g *Gateway) Status() types.AgentStatus {
	return g.tracker.Status()
}

// IsLive reports whether orders go to an exchange.
func (g *Gateway) IsLive() bool {
	return g.config.Live
}

// Open opens a position for an approved assessment. Policy vetoes are
// reported through Result.Status with a nil error; errors are reserved for
// failures to reach the exchange.
func (g *Gateway) Open(ctx context.Context, ra types.RiskAssessment, balance float64) (Result, error) {
	g.tracker.Begin()

	res, err := g.openPosition(ctx, ra, balance)
	g.tracker.End(err)
	return res, err
}

func (g *Gateway) openPosition(ctx context.Context, ra types.RiskAssessment, balance float64) (Result, error) {
	if !ra.Approved {
		return Result{Status: types.Rejected(types.ReasonRiskRejection, "Assessment not approved")}, ErrNotApproved
	}
	if ra.PositionSize <= 0 {
		return Result{Status: types.Rejected(types.ReasonInvalidSize, "Invalid position size")}, nil
	}

	// Reserve a slot under the lock so concurrent opens cannot jointly
	// exceed the open-position cap.
	g.mu.Lock()
	g.rollDayLocked()
	if g.config.Live {
		status := g.config.Guardrails.Check(GuardrailCheck{
			OrderType:     g.config.OrderType,
			OpenPositions: len(g.open) + g.pending,
			Notional:      ra.PositionValue,
			EntryPrice:    ra.EntryPrice,
			StopLoss:      ra.StopLoss,
			Size:          ra.PositionSize,
			DailyLoss:     g.dailyLoss,
			Balance:       balance,
		})
		if !status.IsApproved() {
			g.mu.Unlock()
			g.logger.Warn("Live guardrail rejected trade",
				zap.String("symbol", ra.Symbol),
				zap.String("code", string(status.Code)),
				zap.String("reason", status.Message),
			)
			return Result{Status: status}, nil
		}
	}
	g.pending++
	g.mu.Unlock()

	pos := &types.Position{
		Symbol:       ra.Symbol,
		EntryPrice:   ra.EntryPrice,
		Size:         ra.PositionSize,
		Value:        ra.PositionValue,
		StopLoss:     ra.StopLoss,
		TakeProfit:   ra.TakeProfit,
		Status:       types.PositionOpen,
		CurrentPrice: ra.EntryPrice,
	}

	var result Result
	if g.config.Live {
		var err error
		result, err = g.placeLive(ctx, pos)
		if err != nil {
			g.mu.Lock()
			g.pending--
			g.mu.Unlock()
			return result, err
		}
	} else {
		id, err := g.placer.PlaceEntry(ctx, OrderRequest{
			Symbol: pos.Symbol,
			Side:   SideBuy,
			Type:   g.config.OrderType,
			Size:   decimal.NewFromFloat(pos.Size),
			Price:  decimal.NewFromFloat(pos.EntryPrice),
		})
		if err != nil {
			g.logger.Warn("Paper entry order failed, opening without order id",
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
		}
		pos.EntryOrderID = id
	}

	g.mu.Lock()
	g.pending--
	g.nextID++
	pos.ID = g.nextID
	pos.OpenedAt = g.now().UTC()
	g.open[pos.ID] = pos
	openCount := len(g.open)
	snapshot := *pos
	g.mu.Unlock()

	g.metrics.PositionOpened(openCount, pos.Unprotected)
	g.logger.Info("Position opened",
		zap.Int64("id", snapshot.ID),
		zap.String("symbol", snapshot.Symbol),
		zap.Float64("entry", snapshot.EntryPrice),
		zap.Float64("size", snapshot.Size),
		zap.Float64("stopLoss", snapshot.StopLoss),
		zap.Float64("takeProfit", snapshot.TakeProfit),
	)

	result.Executed = true
	result.Position = &snapshot
	result.Status = types.Approved()
	return result, nil
}

// placeLive submits the entry and then the protective orders. A failed
// protective order leaves the position open and flagged unprotected.
func (g *Gateway) placeLive(ctx context.Context, pos *types.Position) (Result, error) {
	inc, ok := g.config.Increments[pos.Symbol]
	if !ok {
		inc = Increment{}
	}

	entryPrice := pos.EntryPrice
	if g.config.OrderType == OrderTypeLimit {
		entryPrice *= 1 + g.config.SlippageTolerancePct/100
	}
	exSymbol, price, size, err := RoundOrder(pos.Symbol, entryPrice, pos.Size, inc)
	if err != nil {
		status := types.Rejected(types.ReasonInvalidSize, "Order rounding failed: %v", err)
		return Result{Status: status}, fmt.Errorf("round %s order: %w", pos.Symbol, err)
	}

	entryID, err := g.placer.PlaceEntry(ctx, OrderRequest{
		Symbol: exSymbol,
		Side:   SideBuy,
		Type:   g.config.OrderType,
		Size:   size,
		Price:  price,
	})
	if err != nil {
		g.logger.Error("Entry order failed", zap.String("symbol", exSymbol), zap.Error(err))
		return Result{Status: types.Failed(types.ReasonOrderFailed, err.Error())}, fmt.Errorf("place entry %s: %w", exSymbol, err)
	}
	pos.EntryOrderID = entryID
	pos.Size, _ = size.Float64()
	pos.Value = pos.Size * pos.EntryPrice

	var result Result
	_, stopPrice, _, _ := RoundOrder(pos.Symbol, pos.StopLoss, pos.Size, inc)
	stopID, err := g.placer.PlaceStop(ctx, OrderRequest{Symbol: exSymbol, Side: SideSell, Size: size, Price: stopPrice})
	if err != nil {
		result.ProtectError = append(result.ProtectError, fmt.Sprintf("stop loss: %v", err))
	} else {
		pos.StopOrderID = stopID
	}

	_, tpPrice, _, _ := RoundOrder(pos.Symbol, pos.TakeProfit, pos.Size, inc)
	tpID, err := g.placer.PlaceTakeProfit(ctx, OrderRequest{Symbol: exSymbol, Side: SideSell, Size: size, Price: tpPrice})
	if err != nil {
		result.ProtectError = append(result.ProtectError, fmt.Sprintf("take profit: %v", err))
	} else {
		pos.TakeProfitOrderID = tpID
	}

	if len(result.ProtectError) > 0 {
		pos.Unprotected = true
		result.Unprotected = true
		g.logger.Error("NAKED POSITION: protective orders failed, manual intervention required",
			zap.String("symbol", exSymbol),
			zap.String("entryOrderId", entryID),
			zap.Strings("errors", result.ProtectError),
		)
	}
	return result, nil
}

// Close closes an open position at price.
func (g *Gateway) Close(id int64, price float64, reason types.ExitReason) (types.Position, error) {
	g.mu.Lock()
	pos, ok := g.open[id]
	if !ok {
		g.mu.Unlock()
		return types.Position{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	closed := g.closeLocked(pos, price, reason)
	openCount := len(g.open)
	g.mu.Unlock()

	g.metrics.PositionClosed(string(reason), openCount)
	g.logClose(closed)
	return closed, nil
}

func (g *Gateway) closeLocked(pos *types.Position, price float64, reason types.ExitReason) types.Position {
	g.rollDayLocked()

	exitTime := g.now().UTC()
	exitPrice := price
	pos.PnL = (price - pos.EntryPrice) * pos.Size
	if pos.EntryPrice > 0 {
		pos.PnLPercent = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = 0
	pos.Status = types.PositionClosed
	pos.ExitPrice = &exitPrice
	pos.ExitTime = &exitTime
	pos.ExitReason = reason

	if pos.PnL > 0 {
		g.winning++
	} else {
		g.losing++
		g.dailyLoss += -pos.PnL
	}

	delete(g.open, pos.ID)
	g.closed = append(g.closed, *pos)
	return *pos
}

func (g *Gateway) logClose(p types.Position) {
	g.logger.Info("Position closed",
		zap.Int64("id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", string(p.ExitReason)),
		zap.Float64("exit", *p.ExitPrice),
		zap.Float64("pnl", p.PnL),
		zap.Float64("pnlPercent", p.PnLPercent),
	)
}

// UpdatePrices refreshes open positions with current prices and closes
// those whose stop-loss or take-profit was reached. Stop-loss is checked
// first. It returns the positions closed.
func (g *Gateway) UpdatePrices(prices map[string]float64) []types.Position {
	g.mu.Lock()
	ids := make([]int64, 0, len(g.open))
	for id := range g.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var closed []types.Position
	for _, id := range ids {
		pos := g.open[id]
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Size

		switch {
		case price <= pos.StopLoss:
			closed = append(closed, g.closeLocked(pos, price, types.ExitStopLoss))
		case price >= pos.TakeProfit:
			closed = append(closed, g.closeLocked(pos, price, types.ExitTakeProfit))
		}
	}
	openCount := len(g.open)
	g.mu.Unlock()

	for _, p := range closed {
		g.metrics.PositionClosed(string(p.ExitReason), openCount)
		g.logClose(p)
	}
	return closed
}

// rollDayLocked resets the realized daily loss on a UTC date change.
func (g *Gateway) rollDayLocked() {
	day := g.now().UTC().Format("2006-01-02")
	if day != g.lossDay {
		g.lossDay = day
		g.dailyLoss = 0
	}
}

// ResetDaily zeroes the realized daily loss.
func (g *Gateway) ResetDaily() {
	g.mu.Lock()
	g.dailyLoss = 0
	g.lossDay = g.now().UTC().Format("2006-01-02")
	g.mu.Unlock()
}

// DailyLoss returns realized losses today.
func (g *Gateway) DailyLoss() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLoss
}

// OpenPositions returns copies of the open positions ordered by id.
func (g *Gateway) OpenPositions() []types.Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]types.Position, 0, len(g.open))
	for _, p := range g.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClosedPositions returns copies of the closed positions in close order.
func (g *Gateway) ClosedPositions() []types.Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]types.Position, len(g.closed))
	copy(out, g.closed)
	return out
}

// Performance summarizes closed trades.
func (g *Gateway) Performance() Performance {
	g.mu.Lock()
	defer g.mu.Unlock()

	perf := Performance{
		TotalTrades:   int(g.nextID),
		Winning:       g.winning,
		Losing:        g.losing,
		OpenPositions: len(g.open),
	}
	for i, p := range g.closed {
		perf.TotalPnL += p.PnL
		if i == 0 || p.PnL > perf.MaxWin {
			perf.MaxWin = p.PnL
		}
		if i == 0 || p.PnL < perf.MaxLoss {
			perf.MaxLoss = p.PnL
		}
	}
	if n := len(g.closed); n > 0 {
		perf.AvgPnL = perf.TotalPnL / float64(n)
		perf.WinRate = float64(g.winning) / float64(n)
	}
	return perf
}

// AlertNakedPosition marks an execution whose protective orders failed.
const AlertNakedPosition = "naked_position"

// Message wraps an open result as a stage message.
func Message(r Result, err error) types.Message {
	data := map[string]any{
		"trade_executed": r.Executed,
		"status":         r.Status,
		"unprotected":    r.Unprotected,
	}
	if r.Position != nil {
		data["position"] = r.Position
		data["trade_id"] = r.Position.ID
	}
	if len(r.ProtectError) > 0 {
		data["protect_errors"] = r.ProtectError
	}
	if r.Unprotected {
		data["alert"] = AlertNakedPosition
	}
	if err != nil {
		return types.NewMessage("executor", "execute_trade", false, data, err.Error())
	}
	return types.NewMessage("executor", "execute_trade", r.Executed, data, "")
}
