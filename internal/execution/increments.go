package execution

import (
	"errors"
	"fmt"

	"github.com/atlas-desktop/trading-pipeline/pkg/utils"
	"github.com/shopspring/decimal"
)

// Increment describes an instrument's exchange precision.
type Increment struct {
	PriceTick float64 `json:"priceTick" validate:"gte=0"`
	SizeStep  float64 `json:"sizeStep" validate:"gte=0"`
	MinSize   float64 `json:"minSize" validate:"gte=0"`
}

// DefaultIncrements returns precision for the default instruments.
func DefaultIncrements() map[string]Increment {
	return map[string]Increment{
		"SOL/USDT": {PriceTick: 0.001, SizeStep: 0.0001, MinSize: 0.01},
		"BTC/USDT": {PriceTick: 0.1, SizeStep: 0.00000001, MinSize: 0.0001},
		"ETH/USDT": {PriceTick: 0.01, SizeStep: 0.0001, MinSize: 0.001},
	}
}

// ErrBelowMinSize is returned when a rounded size falls under the
// instrument minimum.
var ErrBelowMinSize = errors.New("order size below instrument minimum")

// RoundOrder converts the symbol to exchange form and rounds price and size
// down to the instrument's increments.
func RoundOrder(symbol string, price, size float64, inc Increment) (string, decimal.Decimal, decimal.Decimal, error) {
	exSymbol, err := utils.ExchangeSymbol(symbol)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}

	p := utils.RoundToTickSize(decimal.NewFromFloat(price), decimal.NewFromFloat(inc.PriceTick))
	s := utils.RoundToStepSize(decimal.NewFromFloat(size), decimal.NewFromFloat(inc.SizeStep))

	if s.LessThan(decimal.NewFromFloat(inc.MinSize)) || !s.IsPositive() {
		return exSymbol, p, s, fmt.Errorf("%w: %s < %v", ErrBelowMinSize, s.String(), inc.MinSize)
	}
	return exSymbol, p, s, nil
}
