package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrAllSourcesFailed is returned when no source produced a usable price.
	ErrAllSourcesFailed = errors.New("all market data sources failed")
	// ErrUnsupportedSymbol is returned by a source that cannot quote a pair.
	ErrUnsupportedSymbol = errors.New("symbol not supported by source")
	// ErrInvalidPrice is returned when a response carries no positive price.
	ErrInvalidPrice = errors.New("invalid price in response")

	errDecode = errors.New("malformed response body")
)

// StatusError is an unexpected HTTP status from a source.
type StatusError struct {
	Source string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Source, e.Code)
}

// RateLimited reports whether the status asks the caller to back off.
func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusTeapot
}

// Source fetches a snapshot for a BASE/QUOTE pair.
type Source interface {
	Name() string
	Supports(base, quote string) bool
	Fetch(ctx context.Context, base, quote string) (types.MarketSnapshot, error)
}

// SourceConfig configures a single HTTP source.
type SourceConfig struct {
	BaseURL        string        `json:"baseUrl" validate:"required,url"`
	MinInterval    time.Duration `json:"minInterval" validate:"gte=0"`
	RequestTimeout time.Duration `json:"requestTimeout" validate:"gt=0"`
	MaxRetries     int           `json:"maxRetries" validate:"gte=1"`
	RetryBaseDelay time.Duration `json:"retryBaseDelay" validate:"gte=0"`
}

// httpSource holds what every REST source shares: a resty client, a
// burst-1 token gate and the retry policy.
type httpSource struct {
	name    string
	logger  *zap.Logger
	config  SourceConfig
	client  *resty.Client
	limiter *rate.Limiter
}

func newHTTPSource(logger *zap.Logger, name string, config SourceConfig) httpSource {
	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.RequestTimeout).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if config.MinInterval > 0 {
		limit = rate.Every(config.MinInterval)
	}

	return httpSource{
		name:    name,
		logger:  logger.Named(name),
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// get performs a rate-limited GET with retries and decodes JSON into out.
func (s *httpSource) get(ctx context.Context, path string, query map[string]string, out any) error {
	retryCfg := utils.RetryConfig{MaxAttempts: s.config.MaxRetries, BaseDelay: s.config.RetryBaseDelay}

	_, err := utils.Retry(ctx, retryCfg, s.backoff, func(ctx context.Context) (struct{}, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, err
		}

		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get(path)
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode() != http.StatusOK {
			return struct{}{}, &StatusError{Source: s.name, Code: resp.StatusCode()}
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return struct{}{}, fmt.Errorf("decode %s response: %w", s.name, errDecode)
		}
		return struct{}{}, nil
	})
	return err
}

// backoff is linear in the attempt number. Rate-limit statuses wait twice
// as long; other client errors are not retried.
func (s *httpSource) backoff(attempt int, err error) (time.Duration, bool) {
	delay := time.Duration(attempt) * s.config.RetryBaseDelay

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.RateLimited():
			s.logger.Warn("Rate limited by source",
				zap.Int("status", statusErr.Code),
				zap.Int("attempt", attempt),
			)
			return 2 * delay, true
		case statusErr.Code >= 400 && statusErr.Code < 500:
			return 0, false
		}
	}
	if errors.Is(err, errDecode) || errors.Is(err, context.Canceled) {
		return 0, false
	}

	s.logger.Debug("Retrying request", zap.Int("attempt", attempt), zap.Error(err))
	return delay, true
}

// Name returns the source name.
func (s *httpSource) Name() string {
	return s.name
}
