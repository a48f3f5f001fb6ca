package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

// BinanceSource reads the Binance 24h ticker.
type BinanceSource struct {
	httpSource
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// NewBinanceSource creates the primary exchange source.
func NewBinanceSource(logger *zap.Logger, config SourceConfig) *BinanceSource {
	return &BinanceSource{httpSource: newHTTPSource(logger, "binance", config)}
}

// Supports reports whether the pair can be quoted. Binance lists USD
// pairs against USDT.
func (b *BinanceSource) Supports(base, quote string) bool {
	return base != "" && quote != ""
}

// Fetch retrieves the 24h ticker for the pair.
func (b *BinanceSource) Fetch(ctx context.Context, base, quote string) (types.MarketSnapshot, error) {
	if quote == "USD" {
		quote = "USDT"
	}

	var ticker binanceTicker
	if err := b.get(ctx, "/api/v3/ticker/24hr", map[string]string{"symbol": base + quote}, &ticker); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("binance ticker %s%s: %w", base, quote, err)
	}

	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil || price <= 0 {
		return types.MarketSnapshot{}, fmt.Errorf("binance %s%s: %w", base, quote, ErrInvalidPrice)
	}
	volume, _ := strconv.ParseFloat(ticker.QuoteVolume, 64)
	change, _ := strconv.ParseFloat(ticker.PriceChangePercent, 64)

	return types.MarketSnapshot{
		Price:      price,
		Volume24h:  volume,
		Change24h:  change,
		Source:     b.name,
		CapturedAt: time.Now().UTC(),
	}, nil
}
