package execution_test

import (
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/execution"
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
)

func TestGuardrailsPassWithinLimits(t *testing.T) {
	g := execution.Guardrails{
		AllowedOrderTypes: []execution.OrderType{execution.OrderTypeMarket},
		MaxOpenPositions:  1,
		MaxPositionUSD:    500,
		MaxTradeLossUSD:   20,
		MaxDailyLossUSD:   50,
		MinBalanceUSD:     100,
	}
	check := execution.GuardrailCheck{
		OrderType:  execution.OrderTypeMarket,
		Notional:   499.99,
		EntryPrice: 100,
		StopLoss:   98,
		Size:       5,
		DailyLoss:  40,
		Balance:    100,
	}

	if loss := check.ProjectedLoss(); loss != 10 {
		t.Fatalf("Expected projected loss 10, got %f", loss)
	}
	if status := g.Check(check); !status.IsApproved() {
		t.Errorf("Expected approval, got %s", status)
	}

	check.DailyLoss = 41
	if status := g.Check(check); status.Code != types.ReasonDailyLossLimit {
		t.Errorf("Expected daily_loss_limit, got %s", status.Code)
	}
}

func TestGuardrailsRejectNotionalAtCap(t *testing.T) {
	g := execution.Guardrails{
		AllowedOrderTypes: []execution.OrderType{execution.OrderTypeMarket},
		MaxOpenPositions:  1,
		MaxPositionUSD:    500,
		MaxTradeLossUSD:   20,
		MaxDailyLossUSD:   50,
		MinBalanceUSD:     100,
	}
	check := execution.GuardrailCheck{
		OrderType:  execution.OrderTypeMarket,
		Notional:   500,
		EntryPrice: 100,
		StopLoss:   98,
		Size:       5,
		Balance:    1000,
	}

	status := g.Check(check)
	if status.Code != types.ReasonPositionLimit {
		t.Fatalf("Expected position_limit at the cap, got %s", status)
	}

	check.Notional = 499.99
	if status := g.Check(check); !status.IsApproved() {
		t.Errorf("Expected approval just under the cap, got %s", status)
	}
}
