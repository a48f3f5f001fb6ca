package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the entry order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is an exchange-ready order: the symbol is already in
// exchange form and price and size are rounded to instrument increments.
type OrderRequest struct {
	ClientID string          `json:"clientId"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Type     OrderType       `json:"type"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"` // limit price or trigger price
}

// OrderPlacer places orders on an exchange. Each call returns the
// exchange order id.
type OrderPlacer interface {
	Name() string
	PlaceEntry(ctx context.Context, req OrderRequest) (string, error)
	PlaceStop(ctx context.Context, req OrderRequest) (string, error)
	PlaceTakeProfit(ctx context.Context, req OrderRequest) (string, error)
}

// PaperPlacer accepts every order without contacting an exchange.
type PaperPlacer struct {
	mu     sync.Mutex
	orders []OrderRequest
}

// NewPaperPlacer creates a paper placer.
func NewPaperPlacer() *PaperPlacer {
	return &PaperPlacer{}
}

// Name returns the placer name.
func (p *PaperPlacer) Name() string {
	return "paper"
}

func (p *PaperPlacer) record(kind string, req OrderRequest) (string, error) {
	p.mu.Lock()
	p.orders = append(p.orders, req)
	p.mu.Unlock()
	return fmt.Sprintf("paper-%s-%s", kind, uuid.NewString()), nil
}

// PlaceEntry records an entry order.
func (p *PaperPlacer) PlaceEntry(_ context.Context, req OrderRequest) (string, error) {
	return p.record("entry", req)
}

// PlaceStop records a stop-loss order.
func (p *PaperPlacer) PlaceStop(_ context.Context, req OrderRequest) (string, error) {
	return p.record("sl", req)
}

// PlaceTakeProfit records a take-profit order.
func (p *PaperPlacer) PlaceTakeProfit(_ context.Context, req OrderRequest) (string, error) {
	return p.record("tp", req)
}

// Orders returns the orders recorded so far.
func (p *PaperPlacer) Orders() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderRequest, len(p.orders))
	copy(out, p.orders)
	return out
}
