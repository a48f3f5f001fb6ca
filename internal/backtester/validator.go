// Package backtester provides signal validation against simulated
// historical performance.
//
// The simulation is a deterministic heuristic keyed on the signal direction
// and strength. It never reads price history, so identical inputs always
// produce identical results.
package backtester

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

// tradesAnalyzed is the nominal sample size reported with each result.
const tradesAnalyzed = 100

// Config holds the acceptance thresholds.
type Config struct {
	MinWinRate  float64 `json:"minWinRate" validate:"gte=0,lte=1"`
	MaxDrawdown float64 `json:"maxDrawdown" validate:"gt=0,lte=1"`
}

// DefaultConfig returns default validation thresholds.
func DefaultConfig() Config {
	return Config{
		MinWinRate:  0.45,
		MaxDrawdown: 0.15,
	}
}

// Validator assigns a simulated win rate and drawdown to signals.
type Validator struct {
	logger  *zap.Logger
	config  Config
	tracker *types.AgentTracker
}

// NewValidator creates a validator.
func NewValidator(logger *zap.Logger, config Config) *Validator {
	return &Validator{
		logger:  logger.Named("backtester"),
		config:  config,
		tracker: types.NewAgentTracker("backtester"),
	}
}

// Status returns the agent status of the validator.
func (v *Validator) Status() types.AgentStatus {
	return v.tracker.Status()
}

// SimulatedWinRate returns the win rate assumed for a signal.
func SimulatedWinRate(rec types.Recommendation, strength float64) float64 {
	switch rec {
	case types.RecommendationBuy:
		return math.Min(0.52+0.15*strength, 0.75)
	case types.RecommendationSell:
		return math.Min(0.48+0.12*strength, 0.65)
	default:
		return 0.5
	}
}

// SimulatedDrawdown returns the max drawdown assumed for a signal.
func SimulatedDrawdown(rec types.Recommendation, strength float64) float64 {
	base := 0.05
	switch rec {
	case types.RecommendationBuy:
		base = 0.08
	case types.RecommendationSell:
		base = 0.10
	}
	return math.Max(base*(1-0.3*strength), 0.02)
}

// Validate checks one analysis against the thresholds.
func (v *Validator) Validate(a types.Analysis) types.ValidationResult {
	winRate := SimulatedWinRate(a.Recommendation, a.Strength)
	drawdown := SimulatedDrawdown(a.Recommendation, a.Strength)

	var reasons []string
	if winRate < v.config.MinWinRate {
		reasons = append(reasons, fmt.Sprintf("Win rate %.2f below minimum %.2f", winRate, v.config.MinWinRate))
	}
	if drawdown > v.config.MaxDrawdown {
		reasons = append(reasons, fmt.Sprintf("Drawdown %.2f exceeds maximum %.2f", drawdown, v.config.MaxDrawdown))
	}

	result := types.ValidationResult{
		Symbol:         a.Symbol,
		WinRate:        winRate,
		MaxDrawdown:    drawdown,
		Valid:          len(reasons) == 0,
		TradesAnalyzed: tradesAnalyzed,
		Recommendation: "SKIP",
	}
	if result.Valid {
		result.Reason = "Signal passed backtest validation"
		result.Confidence = winRate
		result.Recommendation = "PROCEED"
	} else {
		result.Reason = strings.Join(reasons, "; ")
	}
	return result
}

// ValidateAll validates every analysis in the overview.
func (v *Validator) ValidateAll(analyses map[string]types.Analysis) map[string]types.ValidationResult {
	v.tracker.Begin()
	defer v.tracker.End(nil)

	symbols := make([]string, 0, len(analyses))
	for symbol := range analyses {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	results := make(map[string]types.ValidationResult, len(analyses))
	for _, symbol := range symbols {
		r := v.Validate(analyses[symbol])
		results[symbol] = r
		v.logger.Info("Signal validated",
			zap.String("symbol", symbol),
			zap.Bool("valid", r.Valid),
			zap.Float64("winRate", r.WinRate),
			zap.Float64("maxDrawdown", r.MaxDrawdown),
		)
	}
	return results
}

// Message wraps validation results as a stage message.
func Message(results map[string]types.ValidationResult) types.Message {
	passed := 0
	for _, r := range results {
		if r.Valid {
			passed++
		}
	}
	return types.NewMessage("backtester", "validate_signals", true, map[string]any{
		"backtest_results": results,
		"passed":           passed,
	}, "")
}
