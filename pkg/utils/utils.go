// Package utils provides utility functions for the trading pipeline.
package utils

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSymbol is returned when a symbol is not in BASE/QUOTE form.
var ErrInvalidSymbol = errors.New("invalid symbol")

// FormatSymbol normalizes a trading symbol to upper-case BASE/QUOTE.
func FormatSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")
	return symbol
}

// ParseSymbol splits a BASE/QUOTE symbol into its parts.
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(FormatSymbol(symbol), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

// ExchangeSymbol converts BASE/QUOTE into the dash-separated exchange form.
func ExchangeSymbol(symbol string) (string, error) {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

// RoundToTickSize rounds a price down to the tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToStepSize rounds a quantity down to the step size.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// RetryDecision tells Retry whether and how long to wait before the next attempt.
// A zero delay with retry=false stops immediately.
type RetryDecision func(attempt int, err error) (delay time.Duration, retry bool)

// LinearBackoff retries every error with attempt × base.
func LinearBackoff(base time.Duration) RetryDecision {
	return func(attempt int, _ error) (time.Duration, bool) {
		return time.Duration(attempt) * base, true
	}
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts as decided.
// Waiting honours ctx cancellation.
func Retry[T any](ctx context.Context, config RetryConfig, decide RetryDecision, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var err error
	if decide == nil {
		decide = LinearBackoff(config.BaseDelay)
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay, again := decide(attempt, err)
		if !again {
			return result, err
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}
