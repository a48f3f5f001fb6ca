// Package config loads pipeline configuration from defaults, an optional
// config file, a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/api"
	"github.com/atlas-desktop/trading-pipeline/internal/backtester"
	"github.com/atlas-desktop/trading-pipeline/internal/data"
	"github.com/atlas-desktop/trading-pipeline/internal/events"
	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/internal/execution/adapters"
	"github.com/atlas-desktop/trading-pipeline/internal/monitor"
	"github.com/atlas-desktop/trading-pipeline/internal/orchestrator"
	"github.com/atlas-desktop/trading-pipeline/internal/regime"
	"github.com/atlas-desktop/trading-pipeline/internal/risk"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ExchangeKuCoin is the only exchange with a live order placer.
const ExchangeKuCoin = "kucoin"

// Config is the complete pipeline configuration.
type Config struct {
	LogLevel   string `json:"logLevel" validate:"oneof=debug info warn error"`
	Continuous bool   `json:"continuous"`
	Exchange   string `json:"exchange"`

	// LiveRequested reports that LIVE_MODE was set, whether or not live
	// mode was granted. Execution.Live is the effective mode.
	LiveRequested bool     `json:"liveRequested"`
	MissingLive   []string `json:"missingLive,omitempty"`

	Data         data.ProviderConfig   `json:"data"`
	Regime       regime.Config         `json:"regime"`
	Validator    backtester.Config     `json:"validator"`
	Risk         risk.Config           `json:"risk"`
	Execution    execution.Config      `json:"execution"`
	Orchestrator orchestrator.Config   `json:"orchestrator"`
	Monitor      monitor.Config        `json:"monitor"`
	Events       events.BusConfig      `json:"events"`
	API          api.Config            `json:"api"`
	KuCoin       adapters.KuCoinConfig `json:"kucoin"`
}

// Default returns the configuration used when nothing is overridden.
// It is always paper mode.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Data:         data.DefaultProviderConfig(),
		Regime:       regime.DefaultConfig(),
		Validator:    backtester.DefaultConfig(),
		Risk:         risk.DefaultConfig(),
		Execution:    execution.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Monitor:      monitor.DefaultConfig(),
		Events:       events.DefaultBusConfig(),
		API:          api.DefaultConfig(),
		KuCoin:       adapters.DefaultKuCoinConfig(),
	}
}

// envKeys maps config keys to the environment variables that override them.
var envKeys = map[string]string{
	"log_level":                  "LOG_LEVEL",
	"live_mode":                  "LIVE_MODE",
	"exchange":                   "EXCHANGE",
	"live_api_key":               "LIVE_API_KEY",
	"live_api_secret":            "LIVE_API_SECRET",
	"live_api_passphrase":        "LIVE_API_PASSPHRASE",
	"order_type":                 "ORDER_TYPE",
	"slippage_tolerance_percent": "SLIPPAGE_TOLERANCE_PERCENT",
	"min_balance_usd":            "MIN_BALANCE_USD",
	"max_position_size_usd":      "MAX_POSITION_SIZE_USD",
	"max_trade_loss_usd":         "MAX_TRADE_LOSS_USD",
	"max_daily_loss_usd":         "MAX_DAILY_LOSS_USD",
	"max_open_positions":         "MAX_OPEN_POSITIONS",
	"account_balance_usd":        "ACCOUNT_BALANCE_USD",
	"continuous_mode":            "CONTINUOUS_MODE",
	"cycle_interval_seconds":     "CYCLE_INTERVAL_SECONDS",
	"trading_pairs":              "TRADING_PAIRS",
	"api_host":                   "API_HOST",
	"api_port":                   "API_PORT",
}

// Options controls where Load looks for configuration.
type Options struct {
	// File is an optional YAML, TOML or JSON config file.
	File string
	// EnvFiles are loaded into the environment before reading it.
	// Missing files are ignored. Existing variables are never replaced.
	EnvFiles []string
}

// Load builds the configuration. An incomplete live configuration is not
// an error: it falls back to paper mode and logs a warning.
func Load(logger *zap.Logger, opts Options) (*Config, error) {
	for _, file := range opts.EnvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	cfg, err := build(logger, v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(logger *zap.Logger, v *viper.Viper) (*Config, error) {
	cfg := Default()

	if v.IsSet("log_level") {
		cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	}
	if v.IsSet("continuous_mode") {
		b, err := cast.ToBoolE(v.Get("continuous_mode"))
		if err != nil {
			return nil, fmt.Errorf("invalid CONTINUOUS_MODE: %w", err)
		}
		cfg.Continuous = b
	}
	if v.IsSet("cycle_interval_seconds") {
		secs, err := cast.ToIntE(v.Get("cycle_interval_seconds"))
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid CYCLE_INTERVAL_SECONDS %q", v.GetString("cycle_interval_seconds"))
		}
		cfg.Orchestrator.CycleInterval = time.Duration(secs) * time.Second
	}
	if v.IsSet("trading_pairs") {
		symbols, err := parsePairs(v.Get("trading_pairs"))
		if err != nil {
			return nil, err
		}
		cfg.Orchestrator.Symbols = symbols
	}
	if v.IsSet("account_balance_usd") {
		balance, err := cast.ToFloat64E(v.Get("account_balance_usd"))
		if err != nil {
			return nil, fmt.Errorf("invalid ACCOUNT_BALANCE_USD: %w", err)
		}
		cfg.Risk.AccountBalance = balance
	}
	if v.IsSet("order_type") {
		cfg.Execution.OrderType = execution.OrderType(strings.ToLower(v.GetString("order_type")))
	}

	if v.IsSet("api") {
		if err := v.UnmarshalKey("api", &cfg.API); err != nil {
			return nil, fmt.Errorf("invalid api section: %w", err)
		}
	}
	if v.IsSet("api_host") {
		cfg.API.Host = v.GetString("api_host")
	}
	if v.IsSet("api_port") {
		port, err := cast.ToIntE(v.Get("api_port"))
		if err != nil {
			return nil, fmt.Errorf("invalid API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	applyLive(logger, v, cfg)
	return cfg, nil
}

// applyLive grants live mode only when every live setting is present and
// valid. Zero limits count as missing.
func applyLive(logger *zap.Logger, v *viper.Viper, cfg *Config) {
	cfg.Exchange = strings.ToLower(v.GetString("exchange"))
	cfg.KuCoin.APIKey = v.GetString("live_api_key")
	cfg.KuCoin.APISecret = v.GetString("live_api_secret")
	cfg.KuCoin.APIPassphrase = v.GetString("live_api_passphrase")

	requested, _ := cast.ToBoolE(v.Get("live_mode"))
	cfg.LiveRequested = requested

	var missing []string
	positive := func(key string) float64 {
		f, err := cast.ToFloat64E(v.Get(key))
		if err != nil || f <= 0 {
			missing = append(missing, envKeys[key])
			return 0
		}
		return f
	}

	g := &cfg.Execution.Guardrails
	g.MaxPositionUSD = positive("max_position_size_usd")
	g.MaxTradeLossUSD = positive("max_trade_loss_usd")
	g.MaxDailyLossUSD = positive("max_daily_loss_usd")
	g.MaxOpenPositions = int(positive("max_open_positions"))
	g.MinBalanceUSD = positive("min_balance_usd")
	if slippage := positive("slippage_tolerance_percent"); slippage > 0 {
		cfg.Execution.SlippageTolerancePct = slippage
	}

	switch cfg.Exchange {
	case "":
		missing = append([]string{"EXCHANGE"}, missing...)
	case ExchangeKuCoin:
	default:
		missing = append([]string{"EXCHANGE (unsupported: " + cfg.Exchange + ")"}, missing...)
	}
	if cfg.KuCoin.APIKey == "" {
		missing = append(missing, "LIVE_API_KEY")
	}
	if cfg.KuCoin.APISecret == "" {
		missing = append(missing, "LIVE_API_SECRET")
	}
	if cfg.Exchange == ExchangeKuCoin && cfg.KuCoin.APIPassphrase == "" {
		missing = append(missing, "LIVE_API_PASSPHRASE")
	}

	if !requested {
		return
	}
	if len(missing) > 0 {
		cfg.MissingLive = missing
		logger.Warn("LIVE_MODE requested but settings are missing or invalid, falling back to paper trading",
			zap.Strings("missing", missing))
		return
	}
	cfg.Execution.Live = true
}

func parsePairs(raw any) ([]string, error) {
	var items []string
	switch v := raw.(type) {
	case []any:
		items = cast.ToStringSlice(v)
	case []string:
		items = v
	default:
		items = strings.Split(cast.ToString(v), ",")
	}

	symbols := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, _, err := utils.ParseSymbol(item); err != nil {
			return nil, fmt.Errorf("invalid TRADING_PAIRS: %w", err)
		}
		symbols = append(symbols, utils.FormatSymbol(item))
	}
	if len(symbols) == 0 {
		return nil, errors.New("invalid TRADING_PAIRS: no symbols")
	}
	return symbols, nil
}

// Validate checks every component configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Mode returns "live" or "paper".
func (c *Config) Mode() string {
	if c.Execution.Live {
		return "live"
	}
	return "paper"
}

// LogFields summarizes the effective configuration. Credentials are never
// included.
func (c *Config) LogFields() []zap.Field {
	g := c.Execution.Guardrails
	return []zap.Field{
		zap.String("mode", c.Mode()),
		zap.String("exchange", c.Exchange),
		zap.String("orderType", string(c.Execution.OrderType)),
		zap.Float64("slippageTolerancePct", c.Execution.SlippageTolerancePct),
		zap.Float64("maxPositionUsd", g.MaxPositionUSD),
		zap.Float64("maxTradeLossUsd", g.MaxTradeLossUSD),
		zap.Float64("maxDailyLossUsd", g.MaxDailyLossUSD),
		zap.Int("maxOpenPositions", g.MaxOpenPositions),
		zap.Float64("minBalanceUsd", g.MinBalanceUSD),
		zap.Float64("accountBalance", c.Risk.AccountBalance),
		zap.Strings("symbols", c.Orchestrator.Symbols),
		zap.Bool("continuous", c.Continuous),
		zap.Duration("cycleInterval", c.Orchestrator.CycleInterval),
	}
}
