// Package regime provides market regime classification.
//
// Classification is a heuristic over the 24h percent change of a single
// snapshot: a bounded momentum proxy stands in for RSI, and the directional
// signal combines the raw change with that proxy. No price history is used.
package regime

import (
	"math"
	"sort"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the classifier.
type Config struct {
	RSIPeriod          int               `json:"rsiPeriod" validate:"gte=1"`
	DowntrendThreshold float64           `json:"downtrendThreshold" validate:"lte=0"` // percent
	EntryTiming        EntryTimingConfig `json:"entryTiming"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:          14,
		DowntrendThreshold: -5,
		EntryTiming: EntryTimingConfig{
			Enabled:           false,
			ReversalThreshold: 0.001,
		},
	}
}

// Classifier derives trend, volatility, regime and a directional signal
// from snapshots.
type Classifier struct {
	logger  *zap.Logger
	config  Config
	timer   *EntryTimer
	tracker *types.AgentTracker
}

// NewClassifier creates a classifier. The entry-timing gate is attached
// when enabled in config.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	c := &Classifier{
		logger:  logger.Named("regime"),
		config:  config,
		tracker: types.NewAgentTracker("market_analyzer"),
	}
	if config.EntryTiming.Enabled {
		c.timer = NewEntryTimer(config.EntryTiming.ReversalThreshold)
		c.logger.Info("Entry timing enabled", zap.Float64("reversalThreshold", config.EntryTiming.ReversalThreshold))
	}
	return c
}

// Status returns the agent status of the classifier.
func (c *Classifier) Status() types.AgentStatus {
	return c.tracker.Status()
}

// MomentumProxy maps a 24h percent change to a 0-100 RSI-like value.
func MomentumProxy(change float64) float64 {
	return utils.Clamp(50+change/10, 0, 100)
}

// Signal combines the change and the momentum proxy into a 0-100 signal.
func Signal(change, proxy float64) float64 {
	return utils.Clamp(50+2*change+0.5*(proxy-50), 0, 100)
}

// Classify analyses a single snapshot. It does not consult the entry gate.
func (c *Classifier) Classify(snap types.MarketSnapshot) types.Analysis {
	change := snap.Change24h
	rsi := MomentumProxy(change)
	signal := Signal(change, rsi)

	return types.Analysis{
		Symbol:         snap.Symbol,
		Price:          snap.Price,
		Change24h:      change,
		Trend:          trend(change, rsi),
		Volatility:     volatility(change),
		Regime:         c.regime(change, rsi),
		RSI:            rsi,
		MACD:           change * 2,
		Signal:         signal,
		Strength:       math.Abs(signal-50) / 50,
		Recommendation: recommend(signal),
	}
}

// regime applies the classification rules in priority order.
func (c *Classifier) regime(change, rsi float64) types.Regime {
	switch {
	case change < c.config.DowntrendThreshold:
		return types.RegimeBearish
	case rsi < 30:
		return types.RegimeBearish
	case math.Abs(change) > 10:
		return types.RegimeHighVolatility
	case change > 2 && rsi > 50:
		return types.RegimeBullish
	default:
		return types.RegimeSideways
	}
}

func trend(change, rsi float64) types.Trend {
	switch {
	case change > 2 || rsi > 60:
		return types.TrendUp
	case change < -2 || rsi < 40:
		return types.TrendDown
	default:
		return types.TrendSideways
	}
}

func volatility(change float64) types.Volatility {
	abs := math.Abs(change)
	switch {
	case abs > 10:
		return types.VolatilityHigh
	case abs > 5:
		return types.VolatilityMedium
	default:
		return types.VolatilityLow
	}
}

func recommend(signal float64) types.Recommendation {
	switch {
	case signal > 60:
		return types.RecommendationBuy
	case signal < 40:
		return types.RecommendationSell
	default:
		return types.RecommendationHold
	}
}

// Analyze classifies every snapshot, applies the entry gate and derives the
// overall regime for the batch.
func (c *Classifier) Analyze(snapshots map[string]types.MarketSnapshot) types.MarketOverview {
	c.tracker.Begin()
	defer c.tracker.End(nil)

	symbols := make([]string, 0, len(snapshots))
	for symbol := range snapshots {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	analyses := make(map[string]types.Analysis, len(snapshots))
	var totalStrength float64
	for _, symbol := range symbols {
		snap := snapshots[symbol]
		a := c.Classify(snap)
		if c.timer != nil {
			c.applyEntryGate(&a)
		}
		analyses[symbol] = a
		totalStrength += a.Strength

		c.logger.Info("Instrument classified",
			zap.String("symbol", symbol),
			zap.String("regime", string(a.Regime)),
			zap.String("recommendation", string(a.Recommendation)),
			zap.Float64("signal", a.Signal),
		)
	}

	overview := types.MarketOverview{
		Analyses:      analyses,
		OverallRegime: OverallRegime(analyses),
	}
	if len(analyses) > 0 {
		overview.SignalConfidence = totalStrength / float64(len(analyses))
	}
	overview.DowntrendDetected = overview.OverallRegime == types.RegimeBearish
	return overview
}

func (c *Classifier) applyEntryGate(a *types.Analysis) {
	if a.Recommendation == types.RecommendationHold {
		c.timer.Observe(a.Symbol, a.Price)
		return
	}
	ok, reason := c.timer.Confirm(a.Symbol, a.Price, a.Recommendation)
	if ok {
		return
	}
	c.logger.Info("Entry deferred", zap.String("symbol", a.Symbol), zap.String("reason", reason))
	a.EntryVetoed = true
	a.EntryReason = reason
}

// OverallRegime derives the batch regime. A single bearish instrument
// makes the batch bearish; otherwise a strict majority of bullish or
// high-volatility instruments decides, falling back to sideways.
func OverallRegime(analyses map[string]types.Analysis) types.Regime {
	if len(analyses) == 0 {
		return types.RegimeUnknown
	}

	var bullish, highVol int
	for _, a := range analyses {
		switch a.Regime {
		case types.RegimeBearish:
			return types.RegimeBearish
		case types.RegimeBullish:
			bullish++
		case types.RegimeHighVolatility:
			highVol++
		}
	}

	half := len(analyses) / 2
	switch {
	case bullish > half:
		return types.RegimeBullish
	case highVol > half:
		return types.RegimeHighVolatility
	default:
		return types.RegimeSideways
	}
}

// Message wraps an overview as a stage message.
func Message(overview types.MarketOverview) types.Message {
	return types.NewMessage("market_analyzer", "analyze_market", true, map[string]any{
		"analysis":           overview.Analyses,
		"overall_regime":     overview.OverallRegime,
		"signal_confidence":  overview.SignalConfidence,
		"downtrend_detected": overview.DowntrendDetected,
	}, "")
}
