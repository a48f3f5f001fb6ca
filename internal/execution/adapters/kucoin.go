// Package adapters provides exchange order placers.
package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const kucoinSuccess = "200000"

// ErrMissingCredentials is returned when the placer is built without
// key, secret or passphrase.
var ErrMissingCredentials = errors.New("kucoin credentials incomplete")

// KuCoinConfig contains KuCoin placer configuration. Credentials are
// supplied from the environment.
type KuCoinConfig struct {
	BaseURL        string        `json:"baseUrl" validate:"required,url"`
	APIKey         string        `json:"-"`
	APISecret      string        `json:"-"`
	APIPassphrase  string        `json:"-"`
	RequestTimeout time.Duration `json:"requestTimeout" validate:"gt=0"`
	MinInterval    time.Duration `json:"minInterval" validate:"gte=0"`
}

// DefaultKuCoinConfig returns configuration for the public KuCoin API
// without credentials.
func DefaultKuCoinConfig() KuCoinConfig {
	return KuCoinConfig{
		BaseURL:        "https://api.kucoin.com",
		RequestTimeout: 10 * time.Second,
		MinInterval:    100 * time.Millisecond,
	}
}

// KuCoinPlacer places spot orders on KuCoin.
type KuCoinPlacer struct {
	logger  *zap.Logger
	config  KuCoinConfig
	client  *resty.Client
	limiter *rate.Limiter
	now     func() time.Time
}

type kucoinResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		OrderID string `json:"orderId"`
	} `json:"data"`
}

// NewKuCoinPlacer creates a live placer.
func NewKuCoinPlacer(logger *zap.Logger, config KuCoinConfig) (*KuCoinPlacer, error) {
	if config.APIKey == "" || config.APISecret == "" || config.APIPassphrase == "" {
		return nil, ErrMissingCredentials
	}
	limit := rate.Inf
	if config.MinInterval > 0 {
		limit = rate.Every(config.MinInterval)
	}

	return &KuCoinPlacer{
		logger: logger.Named("kucoin"),
		config: config,
		client: resty.New().
			SetBaseURL(config.BaseURL).
			SetTimeout(config.RequestTimeout).
			SetHeader("Content-Type", "application/json"),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}, nil
}

// Name returns the placer name.
func (k *KuCoinPlacer) Name() string {
	return "kucoin"
}

// PlaceEntry places a market or limit buy.
func (k *KuCoinPlacer) PlaceEntry(ctx context.Context, req execution.OrderRequest) (string, error) {
	body := map[string]string{
		"clientOid": clientID(req),
		"side":      string(req.Side),
		"symbol":    req.Symbol,
		"type":      string(req.Type),
		"size":      req.Size.String(),
	}
	if req.Type == execution.OrderTypeLimit {
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	}
	return k.post(ctx, "/api/v1/orders", body)
}

// PlaceStop places a stop-market sell triggered at or below req.Price.
func (k *KuCoinPlacer) PlaceStop(ctx context.Context, req execution.OrderRequest) (string, error) {
	return k.post(ctx, "/api/v1/stop-order", map[string]string{
		"clientOid": clientID(req),
		"side":      string(req.Side),
		"symbol":    req.Symbol,
		"type":      "market",
		"stop":      "loss",
		"stopPrice": req.Price.String(),
		"size":      req.Size.String(),
	})
}

// PlaceTakeProfit places a stop-market sell triggered at or above req.Price.
func (k *KuCoinPlacer) PlaceTakeProfit(ctx context.Context, req execution.OrderRequest) (string, error) {
	return k.post(ctx, "/api/v1/stop-order", map[string]string{
		"clientOid": clientID(req),
		"side":      string(req.Side),
		"symbol":    req.Symbol,
		"type":      "market",
		"stop":      "entry",
		"stopPrice": req.Price.String(),
		"size":      req.Size.String(),
	})
}

func clientID(req execution.OrderRequest) string {
	if req.ClientID != "" {
		return req.ClientID
	}
	return uuid.NewString()
}

func (k *KuCoinPlacer) post(ctx context.Context, endpoint string, body map[string]string) (string, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}

	ts := strconv.FormatInt(k.now().UnixMilli(), 10)
	resp, err := k.client.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"KC-API-KEY":         k.config.APIKey,
			"KC-API-SIGN":        k.sign(ts + "POST" + endpoint + string(payload)),
			"KC-API-TIMESTAMP":   ts,
			"KC-API-PASSPHRASE":  k.sign(k.config.APIPassphrase),
			"KC-API-KEY-VERSION": "2",
		}).
		SetBody(payload).
		Post(endpoint)
	if err != nil {
		return "", fmt.Errorf("kucoin %s: %w", endpoint, err)
	}

	var out kucoinResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("kucoin %s: HTTP %d: malformed response: %w", endpoint, resp.StatusCode(), err)
	}
	if resp.IsError() || out.Code != kucoinSuccess {
		return "", fmt.Errorf("kucoin %s: HTTP %d code %s: %s", endpoint, resp.StatusCode(), out.Code, out.Msg)
	}

	k.logger.Info("Order accepted",
		zap.String("endpoint", endpoint),
		zap.String("symbol", body["symbol"]),
		zap.String("orderId", out.Data.OrderID),
	)
	return out.Data.OrderID, nil
}

// sign returns base64(HMAC-SHA256(secret, data)).
func (k *KuCoinPlacer) sign(data string) string {
	h := hmac.New(sha256.New, []byte(k.config.APISecret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
