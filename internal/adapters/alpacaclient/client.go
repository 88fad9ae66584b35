package alpacaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

const (
	baseURLPaper = "https://paper-api.alpaca.markets"
	baseURLLive  = "https://api.alpaca.markets"
)

// API is the part of the Alpaca trading client the adapter uses.
type API interface {
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

// Client implements ports.Broker and ports.OrderStatusReader for US equities.
type Client struct {
	api    API
	logger ports.Logger
}

// Config holds Alpaca credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // Defaults to the paper endpoint
	Logger    ports.Logger
}

// New creates an Alpaca adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Alpaca client")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca client: %w: API key and secret are required", ports.ErrConfigurationError)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURLPaper
	}
	api := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	cfg.Logger.Info(context.Background(), "Alpaca client configured", map[string]interface{}{
		"baseURL": cfg.BaseURL,
		"paper":   cfg.BaseURL != baseURLLive,
	})
	return NewWithAPI(api, cfg.Logger), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, logger ports.Logger) *Client {
	return &Client{api: api, logger: logger}
}

func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var sentinel error
	var apiErr *alpaca.APIError
	switch {
	case errors.As(err, &apiErr):
		fields["statusCode"] = apiErr.StatusCode
		sentinel = mapStatus(apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		sentinel = ports.ErrContextCanceled
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"):
		sentinel = ports.ErrConnectionFailed
	default:
		sentinel = ports.ErrUnknown
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return fmt.Errorf("%s failed: %w: %w", operation, sentinel, err)
}

func mapStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ports.ErrAuthenticationFailed
	case code == http.StatusForbidden:
		return ports.ErrInsufficientFunds // Alpaca answers 403 for buying power and position checks
	case code == http.StatusNotFound:
		return ports.ErrOrderNotFound
	case code == http.StatusUnprocessableEntity:
		return ports.ErrInvalidRequest
	case code == http.StatusTooManyRequests:
		return ports.ErrRateLimited
	case code >= 500:
		return ports.ErrExchangeUnavailable
	default:
		return ports.ErrUnknown
	}
}

// GetOpenPositions returns ticker -> whole share quantity.
func (c *Client) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	op := "GetOpenPositions"
	if err := ctx.Err(); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	positions, err := c.api.GetPositions()
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make(map[string]int, len(positions))
	for _, p := range positions {
		qty := int(p.Qty.IntPart())
		if qty == 0 {
			continue
		}
		out[strings.ToUpper(p.Symbol)] += qty
	}
	return out, nil
}

// PlaceOrder submits a day order; brackets use Alpaca's native bracket class.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	op := "PlaceOrder"
	if err := ctx.Err(); err != nil {
		return ports.OrderResult{}, c.handleError(ctx, err, op)
	}
	order, err := c.api.PlaceOrder(buildRequest(req))
	if err != nil {
		return ports.OrderResult{}, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        req.Ticker,
		"side":          string(req.Action),
		"quantity":      req.Quantity,
		"orderID":       req.OrderID,
		"brokerOrderID": order.ID,
		"status":        order.Status,
		"bracket":       req.IsBracket(),
	})
	return ports.OrderResult{OrderID: req.OrderID, BrokerOrderID: order.ID, State: stateFor(order.Status)}, nil
}

func buildRequest(req ports.OrderRequest) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(int64(req.Quantity))
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Ticker,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.OrderID,
	}
	if req.Action == domain.Sell {
		out.Side = alpaca.Sell
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice != nil {
		lp := req.LimitPrice.Round(2)
		out.Type = alpaca.Limit
		out.LimitPrice = &lp
	}
	if req.IsBracket() && req.Action == domain.Buy {
		sl := req.StopLoss.Round(2)
		tp := req.TakeProfit.Round(2)
		out.OrderClass = alpaca.Bracket
		out.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		out.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
	}
	return out
}

// CancelOrder cancels the order if it is still working, otherwise any working bracket legs.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	op := "CancelOrder"
	order, err := c.api.GetOrderByClientOrderID(orderID)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	targets := []alpaca.Order{*order}
	if !isWorking(order.Status) {
		targets = order.Legs
	}
	cancelled := 0
	for _, o := range targets {
		if !isWorking(o.Status) {
			continue
		}
		if err := c.api.CancelOrder(o.ID); err != nil {
			return c.handleError(ctx, err, op)
		}
		cancelled++
	}
	if cancelled == 0 {
		return fmt.Errorf("%s failed: %w: nothing working for %s", op, ports.ErrOrderNotFound, orderID)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"orderID": orderID, "cancelled": cancelled})
	return nil
}

// OrderStatus looks an order up by its client order id.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	order, err := c.api.GetOrderByClientOrderID(orderID)
	if err != nil {
		return "", c.handleError(ctx, err, "OrderStatus")
	}
	return stateFor(order.Status), nil
}

func stateFor(status string) domain.OrderState {
	switch status {
	case "filled":
		return domain.OrderStateFilled
	case "canceled", "expired", "rejected", "suspended":
		return domain.OrderStateRejected
	default:
		return domain.OrderStateOpen
	}
}

func isWorking(status string) bool {
	switch status {
	case "new", "accepted", "pending_new", "partially_filled", "held", "accepted_for_bidding":
		return true
	}
	return false
}
