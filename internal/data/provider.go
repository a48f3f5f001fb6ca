// Package data provides multi-source market data retrieval with failover,
// per-source rate limiting, retries and a short-lived snapshot cache.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/metrics"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProviderConfig configures the market data provider.
type ProviderConfig struct {
	CacheTTL time.Duration `json:"cacheTtl" validate:"gt=0"`

	// Concurrency bounds in-flight instrument fetches within a batch.
	Concurrency int `json:"concurrency" validate:"gte=1"`

	// A source that fails BreakerFailures fetches in a row is skipped
	// for BreakerCooldown. Zero disables source breakers.
	BreakerFailures uint32        `json:"breakerFailures"`
	BreakerCooldown time.Duration `json:"breakerCooldown"`

	Binance   SourceConfig `json:"binance"`
	Kraken    SourceConfig `json:"kraken"`
	CoinGecko SourceConfig `json:"coingecko"`
}

// DefaultProviderConfig returns default provider configuration.
func DefaultProviderConfig() ProviderConfig {
	source := func(baseURL string) SourceConfig {
		return SourceConfig{
			BaseURL:        baseURL,
			MinInterval:    time.Second,
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
		}
	}
	return ProviderConfig{
		CacheTTL:        300 * time.Second,
		Concurrency:     4,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
		Binance:         source("https://api.binance.com"),
		Kraken:          source("https://api.kraken.com"),
		CoinGecko:       source("https://api.coingecko.com"),
	}
}

// BatchResult holds the outcome of fetching a batch of instruments.
type BatchResult struct {
	Snapshots map[string]types.MarketSnapshot
	Errors    map[string]error
}

// Provider fetches snapshots through an ordered chain of sources.
type Provider struct {
	logger   *zap.Logger
	config   ProviderConfig
	sources  []Source
	breakers map[string]*gobreaker.CircuitBreaker
	cache    *SnapshotCache
	metrics  *metrics.Metrics
	tracker  *types.AgentTracker

	mu sync.Mutex
}

// NewProvider creates a provider over the given sources, tried in order.
func NewProvider(logger *zap.Logger, config ProviderConfig, sources ...Source) *Provider {
	p := &Provider{
		logger:   logger.Named("data"),
		config:   config,
		sources:  sources,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cache:    NewSnapshotCache(config.CacheTTL),
		tracker:  types.NewAgentTracker("data_fetcher"),
	}

	if config.BreakerFailures > 0 {
		for _, src := range sources {
			p.breakers[src.Name()] = p.newBreaker(src.Name())
		}
	}
	return p
}

// NewDefaultProvider wires the Binance, Kraken and CoinGecko sources.
func NewDefaultProvider(logger *zap.Logger, config ProviderConfig) *Provider {
	return NewProvider(logger, config,
		NewBinanceSource(logger, config.Binance),
		NewKrakenSource(logger, config.Kraken),
		NewCoinGeckoSource(logger, config.CoinGecko),
	)
}

func (p *Provider) newBreaker(name string) *gobreaker.CircuitBreaker {
	failures := p.config.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: p.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Source breaker state changed",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// SetMetrics attaches Prometheus instrumentation.
func (p *Provider) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Cache exposes the snapshot cache.
func (p *Provider) Cache() *SnapshotCache {
	return p.cache
}

// Status returns the agent status of the provider.
func (p *Provider) Status() types.AgentStatus {
	return p.tracker.Status()
}

// CacheKey returns the cache key for a pair: the coin id (or lower-case
// base when unknown) and the normalized target currency.
func CacheKey(base, quote string) string {
	id, ok := CoinID(base)
	if !ok {
		id = strings.ToLower(base)
	}
	return id + "_" + VsCurrency(quote)
}

// Fetch returns a snapshot for a BASE/QUOTE symbol.
func (p *Provider) Fetch(ctx context.Context, symbol string) (types.MarketSnapshot, error) {
	base, quote, err := utils.ParseSymbol(symbol)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	symbol = base + "/" + quote
	key := CacheKey(base, quote)

	if raw, ok := p.cache.Get(key); ok {
		var snap types.MarketSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			p.metrics.CacheLookup(true)
			snap.Symbol = symbol
			return snap, nil
		}
	}
	p.metrics.CacheLookup(false)

	var errs []error
	for _, src := range p.sources {
		if !src.Supports(base, quote) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return types.MarketSnapshot{}, err
		}

		snap, err := p.fetchFrom(ctx, src, base, quote)
		p.metrics.SourceFetch(src.Name(), err == nil)
		if err != nil {
			p.logger.Warn("Source failed",
				zap.String("source", src.Name()),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}

		snap.Symbol = symbol
		if raw, err := json.Marshal(snap); err == nil {
			p.cache.Set(key, raw)
		}
		p.logger.Debug("Fetched snapshot",
			zap.String("symbol", symbol),
			zap.String("source", src.Name()),
			zap.Float64("price", snap.Price),
		)
		return snap, nil
	}

	if len(errs) == 0 {
		return types.MarketSnapshot{}, fmt.Errorf("%s: %w", symbol, ErrAllSourcesFailed)
	}
	return types.MarketSnapshot{}, fmt.Errorf("%s: %w: %w", symbol, ErrAllSourcesFailed, errors.Join(errs...))
}

func (p *Provider) fetchFrom(ctx context.Context, src Source, base, quote string) (types.MarketSnapshot, error) {
	cb, ok := p.breakers[src.Name()]
	if !ok {
		return src.Fetch(ctx, base, quote)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return src.Fetch(ctx, base, quote)
	})
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	return out.(types.MarketSnapshot), nil
}

// FetchBatch fetches every symbol concurrently. Per-instrument failures are
// collected and never abort the batch.
func (p *Provider) FetchBatch(ctx context.Context, symbols []string) BatchResult {
	p.tracker.Begin()

	result := BatchResult{
		Snapshots: make(map[string]types.MarketSnapshot, len(symbols)),
		Errors:    make(map[string]error),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			snap, err := p.Fetch(gctx, symbol)

			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				result.Errors[symbol] = err
				return nil
			}
			result.Snapshots[snap.Symbol] = snap
			return nil
		})
	}
	_ = g.Wait()

	var err error
	if len(result.Snapshots) == 0 {
		err = ErrAllSourcesFailed
	}
	p.tracker.End(err)

	p.logger.Info("Market data fetched",
		zap.Int("requested", len(symbols)),
		zap.Int("fetched", len(result.Snapshots)),
		zap.Int("failed", len(result.Errors)),
	)
	return result
}

// Message wraps a batch result as a stage message.
func (r BatchResult) Message() types.Message {
	errs := make(map[string]string, len(r.Errors))
	for symbol, err := range r.Errors {
		errs[symbol] = err.Error()
	}

	data := map[string]any{
		"market_data": r.Snapshots,
		"errors":      errs,
	}
	if len(r.Snapshots) == 0 {
		return types.NewMessage("data_fetcher", "fetch_market_data", false, data, "No market data fetched for any instrument")
	}
	return types.NewMessage("data_fetcher", "fetch_market_data", true, data, "")
}
