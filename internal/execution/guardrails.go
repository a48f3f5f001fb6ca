package execution

import (
	"github.com/atlas-desktop/trading-pipeline/pkg/types"
)

// Guardrails are the pre-trade limits enforced on live orders.
type Guardrails struct {
	AllowedOrderTypes []OrderType `json:"allowedOrderTypes" validate:"min=1"`
	MaxOpenPositions  int         `json:"maxOpenPositions" validate:"gte=0"`
	MaxPositionUSD    float64     `json:"maxPositionUsd" validate:"gte=0"`
	MaxTradeLossUSD   float64     `json:"maxTradeLossUsd" validate:"gte=0"`
	MaxDailyLossUSD   float64     `json:"maxDailyLossUsd" validate:"gte=0"`
	MinBalanceUSD     float64     `json:"minBalanceUsd" validate:"gte=0"`
}

// GuardrailCheck is the state a trade is checked against.
type GuardrailCheck struct {
	OrderType     OrderType
	OpenPositions int
	Notional      float64
	EntryPrice    float64
	StopLoss      float64
	Size          float64
	DailyLoss     float64 // realized loss today, positive
	Balance       float64
}

// ProjectedLoss is the loss taken if the stop is hit.
func (c GuardrailCheck) ProjectedLoss() float64 {
	return (c.EntryPrice - c.StopLoss) * c.Size
}

// Check evaluates every guardrail in order. The first failure vetoes the
// trade.
func (g Guardrails) Check(c GuardrailCheck) types.Status {
	if !g.allows(c.OrderType) {
		return types.Rejected(types.ReasonOrderType, "Order type %q not allowed", c.OrderType)
	}
	if c.OpenPositions >= g.MaxOpenPositions {
		return types.Rejected(types.ReasonMaxOpenPositions,
			"Max open positions reached (%d/%d)", c.OpenPositions, g.MaxOpenPositions)
	}
	if c.Notional >= g.MaxPositionUSD {
		return types.Rejected(types.ReasonPositionLimit,
			"Position size $%.2f reaches limit $%.2f", c.Notional, g.MaxPositionUSD)
	}
	loss := c.ProjectedLoss()
	if loss > g.MaxTradeLossUSD {
		return types.Rejected(types.ReasonTradeLossLimit,
			"Projected loss $%.2f exceeds limit $%.2f", loss, g.MaxTradeLossUSD)
	}
	if c.DailyLoss+loss > g.MaxDailyLossUSD {
		return types.Rejected(types.ReasonDailyLossLimit,
			"Daily loss limit reached ($%.2f + $%.2f > $%.2f)", c.DailyLoss, loss, g.MaxDailyLossUSD)
	}
	if c.Balance < g.MinBalanceUSD {
		return types.Rejected(types.ReasonMinBalance,
			"Account balance below minimum ($%.2f < $%.2f)", c.Balance, g.MinBalanceUSD)
	}
	return types.Approved()
}

func (g Guardrails) allows(t OrderType) bool {
	for _, allowed := range g.AllowedOrderTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
