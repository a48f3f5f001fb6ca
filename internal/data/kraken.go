package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

// KrakenSource reads the Kraken public ticker.
type KrakenSource struct {
	httpSource
}

type krakenResponse struct {
	Error  []string                `json:"error"`
	Result map[string]krakenTicker `json:"result"`
}

type krakenTicker struct {
	Close  []string `json:"c"` // [price, lot volume]
	Volume []string `json:"v"` // [today, last 24h]
	Open   string   `json:"o"`
}

// NewKrakenSource creates the secondary exchange source.
func NewKrakenSource(logger *zap.Logger, config SourceConfig) *KrakenSource {
	return &KrakenSource{httpSource: newHTTPSource(logger, "kraken", config)}
}

// Supports reports whether the pair can be quoted. Kraken quotes in fiat USD.
func (k *KrakenSource) Supports(base, quote string) bool {
	return quote == "USD" || quote == "USDT" || quote == "USDC"
}

// Fetch retrieves the ticker for the pair against USD.
func (k *KrakenSource) Fetch(ctx context.Context, base, quote string) (types.MarketSnapshot, error) {
	if base == "BTC" {
		base = "XBT"
	}
	pair := base + "USD"

	var resp krakenResponse
	if err := k.get(ctx, "/0/public/Ticker", map[string]string{"pair": pair}, &resp); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("kraken ticker %s: %w", pair, err)
	}
	if len(resp.Error) > 0 {
		return types.MarketSnapshot{}, fmt.Errorf("kraken ticker %s: %s", pair, strings.Join(resp.Error, "; "))
	}

	// Kraken may key the result by its internal pair name.
	for _, ticker := range resp.Result {
		if len(ticker.Close) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(ticker.Close[0], 64)
		if err != nil || price <= 0 {
			break
		}

		var volume float64
		if len(ticker.Volume) > 1 {
			v, _ := strconv.ParseFloat(ticker.Volume[1], 64)
			volume = v * price
		}

		var change float64
		if open, err := strconv.ParseFloat(ticker.Open, 64); err == nil && open > 0 {
			change = (price - open) / open * 100
		}

		return types.MarketSnapshot{
			Price:      price,
			Volume24h:  volume,
			Change24h:  change,
			Source:     k.name,
			CapturedAt: time.Now().UTC(),
		}, nil
	}

	return types.MarketSnapshot{}, fmt.Errorf("kraken %s: %w", pair, ErrInvalidPrice)
}
