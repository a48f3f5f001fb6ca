package adapters_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/internal/execution/adapters"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testConfig(url string) adapters.KuCoinConfig {
	cfg := adapters.DefaultKuCoinConfig()
	cfg.BaseURL = url
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.APIPassphrase = "phrase"
	cfg.MinInterval = 0
	return cfg
}

func sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func TestNewKuCoinPlacerRequiresCredentials(t *testing.T) {
	cfg := adapters.DefaultKuCoinConfig()
	cfg.APIKey = "key"

	if _, err := adapters.NewKuCoinPlacer(zap.NewNop(), cfg); !errors.Is(err, adapters.ErrMissingCredentials) {
		t.Errorf("Expected ErrMissingCredentials, got %v", err)
	}
}

func TestPlaceEntrySignsRequest(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/orders" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("Body is not JSON: %v", err)
		}

		ts := r.Header.Get("KC-API-TIMESTAMP")
		if want := sign("secret", ts+"POST/api/v1/orders"+string(body)); r.Header.Get("KC-API-SIGN") != want {
			t.Errorf("Signature mismatch")
		}
		if r.Header.Get("KC-API-KEY") != "key" {
			t.Errorf("Expected api key header")
		}
		if r.Header.Get("KC-API-PASSPHRASE") != sign("secret", "phrase") {
			t.Errorf("Expected signed passphrase")
		}
		if r.Header.Get("KC-API-KEY-VERSION") != "2" {
			t.Errorf("Expected key version 2")
		}
		fmt.Fprint(w, `{"code":"200000","data":{"orderId":"abc123"}}`)
	}))
	defer server.Close()

	placer, err := adapters.NewKuCoinPlacer(zap.NewNop(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewKuCoinPlacer failed: %v", err)
	}

	id, err := placer.PlaceEntry(context.Background(), execution.OrderRequest{
		Symbol: "SOL-USDT",
		Side:   execution.SideBuy,
		Type:   execution.OrderTypeLimit,
		Size:   decimal.RequireFromString("1.2345"),
		Price:  decimal.RequireFromString("100.5"),
	})
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}
	if id != "abc123" {
		t.Errorf("Expected order id abc123, got %s", id)
	}
	if got["symbol"] != "SOL-USDT" || got["size"] != "1.2345" || got["price"] != "100.5" || got["type"] != "limit" {
		t.Errorf("Unexpected order body %v", got)
	}
	if got["clientOid"] == "" {
		t.Error("Expected generated client order id")
	}
}

func TestProtectiveOrdersUseStopEndpoint(t *testing.T) {
	var stops []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/stop-order" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		stops = append(stops, body["stop"]+"@"+body["stopPrice"])
		fmt.Fprint(w, `{"code":"200000","data":{"orderId":"s1"}}`)
	}))
	defer server.Close()

	placer, _ := adapters.NewKuCoinPlacer(zap.NewNop(), testConfig(server.URL))
	req := execution.OrderRequest{Symbol: "SOL-USDT", Side: execution.SideSell, Size: decimal.NewFromInt(1)}

	req.Price = decimal.NewFromInt(98)
	if _, err := placer.PlaceStop(context.Background(), req); err != nil {
		t.Fatalf("PlaceStop failed: %v", err)
	}
	req.Price = decimal.NewFromInt(103)
	if _, err := placer.PlaceTakeProfit(context.Background(), req); err != nil {
		t.Fatalf("PlaceTakeProfit failed: %v", err)
	}

	if len(stops) != 2 || stops[0] != "loss@98" || stops[1] != "entry@103" {
		t.Errorf("Unexpected stop orders %v", stops)
	}
}

func TestPlaceEntryExchangeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"400100","msg":"Balance insufficient"}`)
	}))
	defer server.Close()

	placer, _ := adapters.NewKuCoinPlacer(zap.NewNop(), testConfig(server.URL))
	_, err := placer.PlaceEntry(context.Background(), execution.OrderRequest{
		Symbol: "SOL-USDT",
		Side:   execution.SideBuy,
		Type:   execution.OrderTypeMarket,
		Size:   decimal.NewFromInt(1),
	})
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestGatewayWithKuCoinPlacer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/stop-order" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":"500000","msg":"Internal error"}`)
			return
		}
		fmt.Fprint(w, `{"code":"200000","data":{"orderId":"entry"}}`)
	}))
	defer server.Close()

	placer, _ := adapters.NewKuCoinPlacer(zap.NewNop(), testConfig(server.URL))
	cfg := execution.DefaultConfig()
	cfg.Live = true
	cfg.Guardrails.MaxOpenPositions = 1
	cfg.Guardrails.MaxPositionUSD = 1000
	cfg.Guardrails.MaxTradeLossUSD = 100
	cfg.Guardrails.MaxDailyLossUSD = 100
	cfg.Guardrails.MinBalanceUSD = 10
	g := execution.NewGateway(zap.NewNop(), cfg, placer)

	ra := types.RiskAssessment{
		Symbol:        "SOL/USDT",
		EntryPrice:    100,
		PositionSize:  1,
		PositionValue: 100,
		StopLoss:      98,
		TakeProfit:    103,
		Approved:      true,
	}
	res, err := g.Open(context.Background(), ra, 1000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !res.Unprotected || res.Position.EntryOrderID != "entry" {
		t.Errorf("Expected naked position with entry id, got %+v", res)
	}
}
