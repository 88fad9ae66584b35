// Package demobroker is an in-memory broker for demo mode. Orders fill immediately.
package demobroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// DefaultPositions is the book a demo session starts with.
func DefaultPositions() map[string]int {
	return map[string]int{"BTCUSD": 2, "AAPL": 10, "GOOGL": 5}
}

// Broker implements ports.Broker and ports.OrderStatusReader.
type Broker struct {
	mu        sync.Mutex
	positions map[string]int
	orders    map[string]domain.OrderState
	logger    ports.Logger
	now       func() time.Time
}

// New returns a demo broker seeded with positions (DefaultPositions when nil).
func New(logger ports.Logger, positions map[string]int) *Broker {
	if positions == nil {
		positions = DefaultPositions()
	}
	seed := make(map[string]int, len(positions))
	for k, v := range positions {
		seed[k] = v
	}
	return &Broker{
		positions: seed,
		orders:    make(map[string]domain.OrderState),
		logger:    logger,
		now:       time.Now,
	}
}

func (b *Broker) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("GetOpenPositions failed: %w: %w", ports.ErrContextCanceled, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.positions))
	for k, v := range b.positions {
		if v != 0 {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	op := "PlaceOrder"
	if err := ctx.Err(); err != nil {
		return ports.OrderResult{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}
	if req.Quantity <= 0 || req.Ticker == "" {
		return ports.OrderResult{}, fmt.Errorf("%s failed: %w: ticker and positive quantity required", op, ports.ErrInvalidRequest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.orders[req.OrderID]; dup {
		return ports.OrderResult{}, fmt.Errorf("%s failed: %w: order %s", op, ports.ErrDuplicateEntry, req.OrderID)
	}
	if req.Action == domain.Sell {
		b.positions[req.Ticker] -= req.Quantity
	} else {
		b.positions[req.Ticker] += req.Quantity
	}
	b.orders[req.OrderID] = domain.OrderStateFilled

	brokerID := fmt.Sprintf("DEMO_%d_%s_%s", b.now().Unix(), req.Ticker, req.Action)
	b.logger.Info(ctx, "Demo order filled", map[string]interface{}{
		"orderID":       req.OrderID,
		"brokerOrderID": brokerID,
		"ticker":        req.Ticker,
		"action":        string(req.Action),
		"quantity":      req.Quantity,
		"type":          string(req.Type),
		"bracket":       req.IsBracket(),
	})
	return ports.OrderResult{OrderID: req.OrderID, BrokerOrderID: brokerID, State: domain.OrderStateFilled}, nil
}

// CancelOrder only confirms the order exists; demo orders are already filled.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[orderID]; !ok {
		return fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderNotFound, orderID)
	}
	return nil
}

func (b *Broker) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.orders[orderID]
	if !ok {
		return "", fmt.Errorf("OrderStatus failed: %w: %s", ports.ErrOrderNotFound, orderID)
	}
	return st, nil
}
