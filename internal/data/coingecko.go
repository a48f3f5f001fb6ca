package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"go.uber.org/zap"
)

// coinIDs maps base symbols to CoinGecko coin ids.
var coinIDs = map[string]string{
	"SOL":  "solana",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDC": "usd-coin",
	"USDT": "tether",
	"RAY":  "raydium",
	"COPE": "cope",
	"ORCA": "orca",
}

// CoinID returns the aggregator id for a base symbol.
func CoinID(base string) (string, bool) {
	id, ok := coinIDs[strings.ToUpper(base)]
	return id, ok
}

// VsCurrency normalizes a quote symbol to the aggregator's target currency.
// Dollar stablecoins are priced as usd.
func VsCurrency(quote string) string {
	switch q := strings.ToLower(quote); q {
	case "usdt", "usdc", "usd":
		return "usd"
	default:
		return q
	}
}

// CoinGeckoSource is the aggregator fallback.
type CoinGeckoSource struct {
	httpSource
}

// NewCoinGeckoSource creates the aggregator source.
func NewCoinGeckoSource(logger *zap.Logger, config SourceConfig) *CoinGeckoSource {
	return &CoinGeckoSource{httpSource: newHTTPSource(logger, "coingecko", config)}
}

// Supports reports whether the base symbol has a known coin id.
func (c *CoinGeckoSource) Supports(base, _ string) bool {
	_, ok := CoinID(base)
	return ok
}

// Fetch retrieves the simple price for the pair.
func (c *CoinGeckoSource) Fetch(ctx context.Context, base, quote string) (types.MarketSnapshot, error) {
	id, ok := CoinID(base)
	if !ok {
		return types.MarketSnapshot{}, fmt.Errorf("coingecko %s: %w", base, ErrUnsupportedSymbol)
	}
	vs := VsCurrency(quote)

	var resp map[string]map[string]float64
	query := map[string]string{
		"ids":                 id,
		"vs_currencies":       vs,
		"include_24hr_vol":    "true",
		"include_24hr_change": "true",
	}
	if err := c.get(ctx, "/api/v3/simple/price", query, &resp); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("coingecko price %s: %w", id, err)
	}

	quoteData, ok := resp[id]
	if !ok || quoteData[vs] <= 0 {
		return types.MarketSnapshot{}, fmt.Errorf("coingecko %s: %w", id, ErrInvalidPrice)
	}

	return types.MarketSnapshot{
		Price:      quoteData[vs],
		Volume24h:  quoteData[vs+"_24h_vol"],
		Change24h:  quoteData[vs+"_24h_change"],
		Source:     c.name,
		CapturedAt: time.Now().UTC(),
	}, nil
}
