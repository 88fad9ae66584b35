package alpacaclient

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

type mockLogger struct {
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockAPI struct {
	positions []alpaca.Position
	placed    []alpaca.PlaceOrderRequest
	placeErr  error
	orders    map[string]*alpaca.Order
	cancelled []string
}

func (m *mockAPI) GetPositions() ([]alpaca.Position, error) { return m.positions, nil }

func (m *mockAPI) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.placed = append(m.placed, req)
	return &alpaca.Order{ID: "alp-1", ClientOrderID: req.ClientOrderID, Status: "accepted"}, nil
}

func (m *mockAPI) GetOrderByClientOrderID(id string) (*alpaca.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	return o, nil
}

func (m *mockAPI) CancelOrder(id string) error {
	m.cancelled = append(m.cancelled, id)
	return nil
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestGetOpenPositions(t *testing.T) {
	api := &mockAPI{positions: []alpaca.Position{
		{Symbol: "AAPL", Qty: decimal.NewFromInt(10)},
		{Symbol: "MSFT", Qty: decimal.Zero},
		{Symbol: "TSLA", Qty: decimal.NewFromInt(-3)},
	}}
	c := NewWithAPI(api, &mockLogger{})
	pos, err := c.GetOpenPositions(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"AAPL": 10, "TSLA": -3}, pos)
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name  string
		req   ports.OrderRequest
		check func(t *testing.T, r alpaca.PlaceOrderRequest)
	}{
		{
			name: "market sell",
			req:  ports.OrderRequest{OrderID: "c1", Ticker: "AAPL", Action: domain.Sell, Quantity: 5, Type: domain.OrderTypeMarket},
			check: func(t *testing.T, r alpaca.PlaceOrderRequest) {
				assert.Equal(t, alpaca.Sell, r.Side)
				assert.Equal(t, alpaca.Market, r.Type)
				assert.Equal(t, "5", r.Qty.String())
				assert.Equal(t, "c1", r.ClientOrderID)
				assert.Nil(t, r.LimitPrice)
			},
		},
		{
			name: "limit bracket buy",
			req: ports.OrderRequest{
				OrderID: "c2", Ticker: "AAPL", Action: domain.Buy, Quantity: 1,
				Type: domain.OrderTypeLimit, LimitPrice: decPtr("100.456"),
				TakeProfit: decPtr("110"), StopLoss: decPtr("95.5"),
			},
			check: func(t *testing.T, r alpaca.PlaceOrderRequest) {
				assert.Equal(t, alpaca.Limit, r.Type)
				assert.Equal(t, "100.46", r.LimitPrice.String())
				assert.Equal(t, alpaca.Bracket, r.OrderClass)
				require.NotNil(t, r.StopLoss)
				require.NotNil(t, r.TakeProfit)
				assert.Equal(t, "95.5", r.StopLoss.StopPrice.String())
				assert.Equal(t, "110", r.TakeProfit.LimitPrice.String())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, buildRequest(tt.req))
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	api := &mockAPI{}
	c := NewWithAPI(api, &mockLogger{})
	res, err := c.PlaceOrder(context.Background(), ports.OrderRequest{OrderID: "c1", Ticker: "AAPL", Action: domain.Buy, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "alp-1", res.BrokerOrderID)
	assert.Equal(t, domain.OrderStateOpen, res.State)
	assert.Len(t, api.placed, 1)
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"forbidden", &alpaca.APIError{StatusCode: http.StatusForbidden}, ports.ErrInsufficientFunds},
		{"rate limited", &alpaca.APIError{StatusCode: http.StatusTooManyRequests}, ports.ErrRateLimited},
		{"server", &alpaca.APIError{StatusCode: http.StatusBadGateway}, ports.ErrExchangeUnavailable},
		{"network", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &mockLogger{}
			c := NewWithAPI(&mockAPI{placeErr: tt.err}, log)
			_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{OrderID: "c1", Ticker: "AAPL", Action: domain.Buy, Quantity: 1})
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, log.errorMsgs, 1)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	api := &mockAPI{orders: map[string]*alpaca.Order{
		"working": {ID: "p1", Status: "new"},
		"filled-parent": {ID: "p2", Status: "filled", Legs: []alpaca.Order{
			{ID: "tp", Status: "new"},
			{ID: "sl", Status: "held"},
		}},
		"done": {ID: "p3", Status: "filled", Legs: []alpaca.Order{{ID: "tp3", Status: "filled"}}},
	}}
	c := NewWithAPI(api, &mockLogger{})
	ctx := context.Background()

	require.NoError(t, c.CancelOrder(ctx, "working"))
	assert.Equal(t, []string{"p1"}, api.cancelled)

	api.cancelled = nil
	require.NoError(t, c.CancelOrder(ctx, "filled-parent"))
	assert.Equal(t, []string{"tp", "sl"}, api.cancelled)

	assert.ErrorIs(t, c.CancelOrder(ctx, "done"), ports.ErrOrderNotFound)
	assert.ErrorIs(t, c.CancelOrder(ctx, "missing"), ports.ErrOrderNotFound)
}

func TestOrderStatus(t *testing.T) {
	api := &mockAPI{orders: map[string]*alpaca.Order{
		"f": {ID: "1", Status: "filled"},
		"x": {ID: "2", Status: "canceled"},
		"n": {ID: "3", Status: "partially_filled"},
	}}
	c := NewWithAPI(api, &mockLogger{})
	for id, want := range map[string]domain.OrderState{
		"f": domain.OrderStateFilled,
		"x": domain.OrderStateRejected,
		"n": domain.OrderStateOpen,
	} {
		got, err := c.OrderStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}
