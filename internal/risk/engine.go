// Package risk provides position sizing and the daily risk budget.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

// Config contains risk engine configuration.
type Config struct {
	AccountBalance    float64 `json:"accountBalance" validate:"gt=0"`
	RiskPerTrade      float64 `json:"riskPerTrade" validate:"gt=0,lte=1"`     // fraction of balance
	StopLossPct       float64 `json:"stopLossPct" validate:"gt=0,lt=1"`       // fraction of price
	MinRiskReward     float64 `json:"minRiskReward" validate:"gt=0"`          // take-profit distance in stop units
	MaxDailyLoss      float64 `json:"maxDailyLoss" validate:"gt=0,lte=1"`     // fraction of balance
	MinSignalStrength float64 `json:"minSignalStrength" validate:"gte=0,lte=1"`
	MinWinRate        float64 `json:"minWinRate" validate:"gte=0,lte=1"`
	MinNotional       float64 `json:"minNotional" validate:"gte=0"` // account currency
	DefaultWinRate    float64 `json:"defaultWinRate" validate:"gte=0,lte=1"`

	// RequireBuySignal rejects instruments whose recommendation is not BUY.
	// Positions are long-only.
	RequireBuySignal bool `json:"requireBuySignal"`
}

// DefaultConfig returns default risk configuration.
func DefaultConfig() Config {
	return Config{
		AccountBalance:    10000,
		RiskPerTrade:      0.01,
		StopLossPct:       0.02,
		MinRiskReward:     1.5,
		MaxDailyLoss:      0.05,
		MinSignalStrength: 0.3,
		MinWinRate:        0.45,
		MinNotional:       10,
		DefaultWinRate:    0.5,
		RequireBuySignal:  true,
	}
}

// Input is what the engine needs to size one instrument.
type Input struct {
	Symbol         string
	Price          float64
	Strength       float64
	WinRate        *float64 // nil when the validator produced nothing
	Recommendation types.Recommendation
	EntryVetoed    bool
	EntryReason    string
}

// InputFrom builds an Input from an analysis and an optional validation result.
func InputFrom(a types.Analysis, v *types.ValidationResult) Input {
	in := Input{
		Symbol:         a.Symbol,
		Price:          a.Price,
		Strength:       a.Strength,
		Recommendation: a.Recommendation,
		EntryVetoed:    a.EntryVetoed,
		EntryReason:    a.EntryReason,
	}
	if v != nil {
		wr := v.WinRate
		in.WinRate = &wr
	}
	return in
}

// Decision is the outcome of assessing a whole cycle.
type Decision struct {
	Order       []string                        `json:"order"`
	Assessments map[string]types.RiskAssessment `json:"assessments"`
	Selected    *types.RiskAssessment           `json:"selected,omitempty"`
	Reservation *Reservation                    `json:"reservation,omitempty"`
	TotalRisk   float64                         `json:"totalRisk"`
	Status      types.Status                    `json:"status"`
}

// Engine sizes positions and owns the daily risk ledger.
type Engine struct {
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics
	tracker *types.AgentTracker

	mu      sync.RWMutex
	balance float64
	ledger  *Ledger
}

// NewEngine creates a risk engine.
func NewEngine(logger *zap.Logger, config Config) *Engine {
	return &Engine{
		logger:  logger.Named("risk"),
		config:  config,
		tracker: types.NewAgentTracker("risk_manager"),
		balance: config.AccountBalance,
		ledger:  NewLedger(time.Now()),
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Status returns the agent status of the engine.
func (e *Engine) Status() types.AgentStatus {
	return e.tracker.Status()
}

// Balance returns the account balance used for sizing.
func (e *Engine) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// UpdateBalance sets the account balance used for sizing.
func (e *Engine) UpdateBalance(balance float64) {
	e.mu.Lock()
	old := e.balance
	e.balance = balance
	e.mu.Unlock()

	e.logger.Info("Account balance updated",
		zap.Float64("old", old),
		zap.Float64("new", balance),
	)
}

// DailyLimit returns the risk budget for the day.
func (e *Engine) DailyLimit() float64 {
	return e.Balance() * e.config.MaxDailyLoss
}

// DailyRiskUsed returns risk committed today.
func (e *Engine) DailyRiskUsed() float64 {
	return e.ledger.Used()
}

// Ledger exposes the daily ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// ResetDaily zeroes the ledger.
func (e *Engine) ResetDaily(now time.Time) {
	e.ledger.Reset(now)
	e.metrics.SetDailyRisk(0)
	e.logger.Info("Daily risk reset", zap.String("day", e.ledger.Day()))
}

// ResetIfNewDay zeroes the ledger on a UTC date change.
func (e *Engine) ResetIfNewDay(now time.Time) bool {
	if !e.ledger.ResetIfNewDay(now) {
		return false
	}
	e.metrics.SetDailyRisk(0)
	e.logger.Info("Daily risk reset", zap.String("day", e.ledger.Day()))
	return true
}

// Assess sizes one instrument. It never touches the ledger.
func (e *Engine) Assess(in Input) types.RiskAssessment {
	balance := e.Balance()
	ra := types.RiskAssessment{Symbol: in.Symbol, EntryPrice: in.Price}

	if in.Price <= 0 {
		ra.Status = types.Rejected(types.ReasonInvalidPrice, "Invalid price")
		return ra
	}

	winRate := e.config.DefaultWinRate
	if in.WinRate != nil {
		winRate = *in.WinRate
	}

	maxRisk := balance * e.config.RiskPerTrade
	riskAmount := maxRisk * in.Strength * winRate
	stopLoss := in.Price * (1 - e.config.StopLossPct)
	riskPerUnit := in.Price - stopLoss

	var size float64
	if riskPerUnit > 0 {
		size = riskAmount / riskPerUnit
	}
	notional := size * in.Price
	if notional > balance {
		size = balance / in.Price
		notional = balance
		riskAmount = size * riskPerUnit
	}

	ra.PositionSize = size
	ra.PositionValue = notional
	ra.StopLoss = stopLoss
	ra.TakeProfit = in.Price * (1 + e.config.StopLossPct*e.config.MinRiskReward)
	ra.RiskAmount = riskAmount
	if balance > 0 {
		ra.RiskPercent = riskAmount / balance * 100
	}

	ra.Status = e.validate(in, winRate, notional, size)
	ra.Approved = ra.Status.IsApproved()
	return ra
}

func (e *Engine) validate(in Input, winRate, notional, size float64) types.Status {
	if notional < e.config.MinNotional {
		return types.Rejected(types.ReasonDustNotional,
			"Position notional $%.2f below minimum $%.2f", notional, e.config.MinNotional)
	}
	if in.Strength < e.config.MinSignalStrength {
		return types.Rejected(types.ReasonWeakSignal,
			"Signal strength too low (%.2f < %.2f)", in.Strength, e.config.MinSignalStrength)
	}
	if winRate < e.config.MinWinRate {
		return types.Rejected(types.ReasonLowWinRate,
			"Backtest win rate below %.0f%% (%.1f%%)", e.config.MinWinRate*100, winRate*100)
	}
	if size <= 0 {
		return types.Rejected(types.ReasonInvalidSize, "Invalid position size")
	}
	if e.config.RequireBuySignal && in.Recommendation != types.RecommendationBuy {
		return types.Rejected(types.ReasonNoEntrySignal, "No buy signal (%s)", in.Recommendation)
	}
	if in.EntryVetoed {
		return types.Rejected(types.ReasonEntryDeferred, "Entry deferred: %s", in.EntryReason)
	}
	return types.Approved()
}

// Decide assesses every instrument in order, enforces the daily cap over
// the approved set and reserves the first approved trade's risk.
// The caller must Commit or Release the returned reservation.
func (e *Engine) Decide(order []string, inputs map[string]Input) Decision {
	e.tracker.Begin()

	d := Decision{
		Order:       order,
		Assessments: make(map[string]types.RiskAssessment, len(order)),
	}

	var first string
	for _, symbol := range order {
		in, ok := inputs[symbol]
		if !ok {
			continue
		}
		ra := e.Assess(in)
		d.Assessments[symbol] = ra
		if ra.Approved {
			d.TotalRisk += ra.RiskAmount
			if first == "" {
				first = symbol
			}
		}

		e.logger.Info("Risk assessed",
			zap.String("symbol", symbol),
			zap.Bool("approved", ra.Approved),
			zap.Float64("size", ra.PositionSize),
			zap.Float64("riskAmount", ra.RiskAmount),
			zap.String("reason", ra.Status.Message),
		)
	}

	if first == "" {
		d.Status = types.Rejected(types.ReasonRiskRejection, "No instrument passed risk assessment")
		e.tracker.End(nil)
		return d
	}

	selected := d.Assessments[first]
	res, err := e.ledger.Reserve(d.TotalRisk, selected.RiskAmount, e.DailyLimit())
	if err != nil {
		msg := fmt.Sprintf("Daily loss limit would be exceeded: %.2f > %.2f",
			e.ledger.Used()+d.TotalRisk, e.DailyLimit())
		for symbol, ra := range d.Assessments {
			if ra.Approved {
				ra.Approved = false
				ra.Status = types.Rejected(types.ReasonDailyCapExceeded, "%s", msg)
				d.Assessments[symbol] = ra
			}
		}
		d.Status = types.Rejected(types.ReasonDailyCapExceeded, "%s", msg)
		e.logger.Warn("Daily risk cap reached", zap.String("reason", msg))
		e.tracker.End(nil)
		return d
	}

	d.Selected = &selected
	d.Reservation = &res
	d.Status = types.Approved()
	e.metrics.SetDailyRisk(e.ledger.Used())
	e.tracker.End(nil)
	return d
}

// Commit confirms the reservation of an executed trade.
func (e *Engine) Commit(d Decision) {
	if d.Reservation != nil {
		e.ledger.Confirm(*d.Reservation)
	}
}

// Release returns an unexecuted trade's reservation to the budget.
func (e *Engine) Release(d Decision) {
	if d.Reservation == nil {
		return
	}
	if e.ledger.Release(*d.Reservation) {
		e.metrics.SetDailyRisk(e.ledger.Used())
		e.logger.Info("Risk reservation released", zap.Float64("amount", d.Reservation.Amount))
	}
}

// Message wraps a decision as a stage message.
func Message(d Decision, balance, used float64) types.Message {
	data := map[string]any{
		"risk_assessments":      d.Assessments,
		"total_risk":            d.TotalRisk,
		"cumulative_risk_today": used,
		"account_balance":       balance,
		"all_approved":          d.Status.IsApproved(),
		"status":                d.Status,
	}
	if d.Selected != nil {
		data["selected"] = d.Selected.Symbol
	}
	return types.NewMessage("risk_manager", "assess_risk", true, data, "")
}
