package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
)

// OrderRequest describes an order to place. OrderID is our client order id and
// doubles as the ledger order id.
type OrderRequest struct {
	OrderID    string
	Ticker     string
	Action     domain.Action
	Quantity   int
	Type       domain.OrderType
	LimitPrice *decimal.Decimal // Required for LIMIT orders
	TakeProfit *decimal.Decimal // Bracket take-profit limit price
	StopLoss   *decimal.Decimal // Bracket stop price
}

// IsBracket reports whether the request carries bracket legs.
func (r OrderRequest) IsBracket() bool {
	return r.TakeProfit != nil && r.StopLoss != nil
}

// OrderResult is what the broker reports right after placement.
type OrderResult struct {
	OrderID       string            // Client order id echoed back
	BrokerOrderID string            // Broker's own id
	State         domain.OrderState // open or filled
}

// Broker is the execution venue capability.
type Broker interface {
	// GetOpenPositions returns ticker -> signed quantity for the account.
	GetOpenPositions(ctx context.Context, account string) (map[string]int, error)
	// PlaceOrder submits an order and returns its ids.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder cancels an order (and its open bracket legs) by client order id.
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderStatusReader is implemented by brokers that can report on placed orders.
type OrderStatusReader interface {
	OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error)
}

// TickerLookup returns the ticker recorded for a client order id. Brokers use it
// to find orders placed before the current process started.
type TickerLookup func(orderID string) (ticker string, ok bool)
