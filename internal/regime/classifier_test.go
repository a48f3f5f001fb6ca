package regime_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/regime"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func snapshot(symbol string, price, change float64) types.MarketSnapshot {
	return types.MarketSnapshot{Symbol: symbol, Price: price, Change24h: change}
}

func TestClassifySignalFormula(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultConfig())

	tests := []struct {
		name   string
		change float64
		signal float64
		rec    types.Recommendation
	}{
		{"flat", 0, 50, types.RecommendationHold},
		{"mild gain", 4, 50 + 8 + 0.5*0.4, types.RecommendationHold},
		{"strong gain", 8, 50 + 16 + 0.5*0.8, types.RecommendationBuy},
		{"strong loss", -8, 50 - 16 - 0.5*0.8, types.RecommendationSell},
		{"clamped high", 40, 100, types.RecommendationBuy},
		{"clamped low", -40, 0, types.RecommendationSell},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Classify(snapshot("SOL/USDT", 100, tt.change))
			if !approx(a.Signal, tt.signal) {
				t.Errorf("Expected signal %f, got %f", tt.signal, a.Signal)
			}
			if a.Recommendation != tt.rec {
				t.Errorf("Expected %s, got %s", tt.rec, a.Recommendation)
			}
			if !approx(a.Strength, math.Abs(a.Signal-50)/50) {
				t.Errorf("Strength %f inconsistent with signal %f", a.Strength, a.Signal)
			}
		})
	}
}

func TestClassifyRegimePriority(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultConfig())

	tests := []struct {
		change float64
		want   types.Regime
	}{
		{-6, types.RegimeBearish},        // below downtrend threshold
		{-12, types.RegimeBearish},       // bearish beats high volatility
		{12, types.RegimeHighVolatility}, // large move up
		{3, types.RegimeBullish},
		{1, types.RegimeSideways},
		{-3, types.RegimeSideways},
	}

	for _, tt := range tests {
		a := c.Classify(snapshot("BTC/USDT", 100, tt.change))
		if a.Regime != tt.want {
			t.Errorf("change %.1f: expected %s, got %s", tt.change, tt.want, a.Regime)
		}
	}
}

func TestClassifyTrendAndVolatility(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultConfig())

	a := c.Classify(snapshot("ETH/USDT", 100, 7))
	if a.Trend != types.TrendUp || a.Volatility != types.VolatilityMedium {
		t.Errorf("Expected uptrend/medium, got %s/%s", a.Trend, a.Volatility)
	}
	if !approx(a.MACD, 14) {
		t.Errorf("Expected MACD proxy 14, got %f", a.MACD)
	}

	a = c.Classify(snapshot("ETH/USDT", 100, -11))
	if a.Trend != types.TrendDown || a.Volatility != types.VolatilityHigh {
		t.Errorf("Expected downtrend/high, got %s/%s", a.Trend, a.Volatility)
	}
}

func TestOverallRegimeBearishVeto(t *testing.T) {
	analyses := map[string]types.Analysis{
		"A/USDT": {Regime: types.RegimeBullish},
		"B/USDT": {Regime: types.RegimeBullish},
		"C/USDT": {Regime: types.RegimeBullish},
		"D/USDT": {Regime: types.RegimeBearish},
	}
	if got := regime.OverallRegime(analyses); got != types.RegimeBearish {
		t.Errorf("Expected one bearish instrument to force bearish, got %s", got)
	}
}

func TestOverallRegimeMajority(t *testing.T) {
	tests := []struct {
		name    string
		regimes []types.Regime
		want    types.Regime
	}{
		{"empty", nil, types.RegimeUnknown},
		{"bullish majority", []types.Regime{types.RegimeBullish, types.RegimeBullish, types.RegimeSideways}, types.RegimeBullish},
		{"split", []types.Regime{types.RegimeBullish, types.RegimeSideways}, types.RegimeSideways},
		{"high vol majority", []types.Regime{types.RegimeHighVolatility, types.RegimeHighVolatility, types.RegimeBullish}, types.RegimeHighVolatility},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyses := make(map[string]types.Analysis)
			for i, r := range tt.regimes {
				analyses[string(rune('A'+i))] = types.Analysis{Regime: r}
			}
			if got := regime.OverallRegime(analyses); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAnalyzeBatch(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultConfig())

	overview := c.Analyze(map[string]types.MarketSnapshot{
		"SOL/USDT": snapshot("SOL/USDT", 150, 8),
		"BTC/USDT": snapshot("BTC/USDT", 60000, -7),
	})
	if overview.OverallRegime != types.RegimeBearish || !overview.DowntrendDetected {
		t.Errorf("Expected bearish batch, got %s", overview.OverallRegime)
	}
	if len(overview.Analyses) != 2 {
		t.Fatalf("Expected 2 analyses, got %d", len(overview.Analyses))
	}
	want := (overview.Analyses["SOL/USDT"].Strength + overview.Analyses["BTC/USDT"].Strength) / 2
	if !approx(overview.SignalConfidence, want) {
		t.Errorf("Expected confidence %f, got %f", want, overview.SignalConfidence)
	}
	if c.Status().ExecutionCount != 1 {
		t.Errorf("Expected one recorded execution, got %d", c.Status().ExecutionCount)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultConfig())
	snap := snapshot("SOL/USDT", 150, 5.5)
	if c.Classify(snap) != c.Classify(snap) {
		t.Error("Expected identical analyses for identical input")
	}
}
