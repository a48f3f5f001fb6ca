package regime_test

import (
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/regime"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

func TestEntryTimerRequiresReversal(t *testing.T) {
	timer := regime.NewEntryTimer(0.001)

	if ok, _ := timer.Confirm("SOL/USDT", 100, types.RecommendationBuy); ok {
		t.Error("Expected first observation to defer entry")
	}
	if ok, reason := timer.Confirm("SOL/USDT", 100.05, types.RecommendationBuy); ok {
		t.Errorf("Expected 0.05%% move to defer entry, got approval: %s", reason)
	}
	if ok, reason := timer.Confirm("SOL/USDT", 100.2, types.RecommendationBuy); !ok {
		t.Errorf("Expected 0.15%% move to confirm entry: %s", reason)
	}
	if ok, _ := timer.Confirm("SOL/USDT", 99.9, types.RecommendationSell); !ok {
		t.Error("Expected downward move to confirm sell")
	}
}

func TestEntryTimerIsPerInstrument(t *testing.T) {
	timer := regime.NewEntryTimer(0.001)
	timer.Observe("SOL/USDT", 100)

	if ok, _ := timer.Confirm("BTC/USDT", 200, types.RecommendationBuy); ok {
		t.Error("Expected unseen instrument to defer entry")
	}
	if ok, _ := timer.Confirm("SOL/USDT", 101, types.RecommendationBuy); !ok {
		t.Error("Expected SOL/USDT to confirm from its own observation")
	}
}

func TestAnalyzeAppliesEntryGate(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.EntryTiming.Enabled = true
	c := regime.NewClassifier(zap.NewNop(), cfg)

	snaps := map[string]types.MarketSnapshot{"SOL/USDT": snapshot("SOL/USDT", 100, 8)}
	first := c.Analyze(snaps).Analyses["SOL/USDT"]
	if !first.EntryVetoed || first.EntryReason == "" {
		t.Errorf("Expected first buy to be vetoed, got %+v", first)
	}

	snaps["SOL/USDT"] = snapshot("SOL/USDT", 101, 8)
	second := c.Analyze(snaps).Analyses["SOL/USDT"]
	if second.EntryVetoed {
		t.Errorf("Expected confirmed entry, got veto: %s", second.EntryReason)
	}
	if second.Recommendation != types.RecommendationBuy {
		t.Errorf("Expected BUY, got %s", second.Recommendation)
	}
}
