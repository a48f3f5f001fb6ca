package execution_test

import (
	"errors"
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
)

func TestRoundOrder(t *testing.T) {
	inc := execution.Increment{PriceTick: 0.001, SizeStep: 0.0001, MinSize: 0.01}

	symbol, price, size, err := execution.RoundOrder("sol/usdt", 123.45678, 1.234567, inc)
	if err != nil {
		t.Fatalf("RoundOrder failed: %v", err)
	}
	if symbol != "SOL-USDT" {
		t.Errorf("Expected SOL-USDT, got %s", symbol)
	}
	if price.String() != "123.456" {
		t.Errorf("Expected price 123.456, got %s", price)
	}
	if size.String() != "1.2345" {
		t.Errorf("Expected size 1.2345, got %s", size)
	}
}

func TestRoundOrderBelowMinimum(t *testing.T) {
	inc := execution.Increment{PriceTick: 0.1, SizeStep: 0.00000001, MinSize: 0.0001}

	_, _, _, err := execution.RoundOrder("BTC/USDT", 65000, 0.00005, inc)
	if !errors.Is(err, execution.ErrBelowMinSize) {
		t.Errorf("Expected ErrBelowMinSize, got %v", err)
	}
}

func TestRoundOrderInvalidSymbol(t *testing.T) {
	if _, _, _, err := execution.RoundOrder("BTCUSDT", 1, 1, execution.Increment{}); err == nil {
		t.Error("Expected error for symbol without separator")
	}
}
