package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	maxClientOrderIDLen = 36
)

// Client implements ports.Broker and ports.OrderStatusReader on Binance USD-M futures.
// Ledger quantities are whole lots; one lot is LotSize units of the base asset.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	lotSize       decimal.Decimal
	quoteAsset    string
	tickerOf      ports.TickerLookup

	mu      sync.Mutex
	symbols map[string]string   // client order id -> symbol
	legs    map[string][]string // entry client order id -> protective leg ids
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
	LotSize    decimal.Decimal // e.g. 0.001 BTC per ledger unit
	QuoteAsset string          // e.g. "USDT"

	// TickerLookup locates orders placed by an earlier process. Optional.
	TickerLookup ports.TickerLookup
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance client: %w: API key and secret are required", ports.ErrConfigurationError)
	}
	if !cfg.LotSize.IsPositive() {
		return nil, fmt.Errorf("binance client: %w: lot size must be positive", ports.ErrConfigurationError)
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		lotSize:       cfg.LotSize,
		quoteAsset:    strings.ToUpper(cfg.QuoteAsset),
		tickerOf:      cfg.TickerLookup,
		symbols:       make(map[string]string),
		legs:          make(map[string][]string),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mapAPIError(apiErr.Code), err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// mapAPIError maps Binance error codes to ports errors.
func mapAPIError(code int64) error {
	switch code {
	case -1001: // Internal error; unable to process your request
		return ports.ErrExchangeUnavailable
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1007: // Timeout waiting for response from backend server
		return ports.ErrTimeout
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	case -2010: // New order rejected
		return ports.ErrOrderPlacementFailed
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
		return ports.ErrInvalidAPIKeys
	case -2019, -3005, -3041, -4047: // Margin, balance or position limit
		return ports.ErrInsufficientFunds
	case -2022: // ReduceOnly Order is rejected
		return ports.ErrOrderPlacementFailed
	case -4003, -4014, -4015: // Quantity, price or leverage out of range
		return ports.ErrInvalidRequest
	case -4044: // Position not found
		return ports.ErrPositionNotFound
	default:
		return ports.ErrUnknown
	}
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetOpenPositions returns every non-zero futures position as whole lots keyed by ticker.
func (c *Client) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	op := "GetOpenPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make(map[string]int)
	for _, p := range positions {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse position amount '%s' for %s: %w", p.PositionAmt, p.Symbol, err), op)
		}
		lots := c.toLots(amt)
		if lots == 0 {
			continue
		}
		out[TickerFor(p.Symbol, c.quoteAsset)] += lots
	}
	return out, nil
}

// PlaceOrder submits the entry order and, for brackets, reduce-only stop and target orders.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	op := "PlaceOrder"
	symbol := SymbolFor(req.Ticker, c.quoteAsset)
	qty := c.fromLots(req.Quantity)

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(sideFor(req.Action)).
		Quantity(qty).
		NewClientOrderID(req.OrderID)
	if req.Action == domain.Sell {
		svc = svc.ReduceOnly(true)
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice != nil {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return ports.OrderResult{}, c.handleError(ctx, err, op)
	}
	c.remember(req.OrderID, symbol)

	result := ports.OrderResult{
		OrderID:       req.OrderID,
		BrokerOrderID: fmt.Sprintf("%d", order.OrderID),
		State:         stateFor(order.Status),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     string(req.Action),
		"quantity": qty,
		"orderID":  req.OrderID,
		"status":   string(order.Status),
	})

	if req.IsBracket() && req.Action == domain.Buy {
		c.placeProtectiveLegs(ctx, req.OrderID, symbol, *req.StopLoss, *req.TakeProfit)
	}
	return result, nil
}

// placeProtectiveLegs places STOP_MARKET and TAKE_PROFIT_MARKET close orders.
// Failures are logged; the entry order already stands.
func (c *Client) placeProtectiveLegs(ctx context.Context, entryID, symbol string, stop, target decimal.Decimal) {
	legs := []struct {
		suffix string
		typ    futures.OrderType
		price  decimal.Decimal
	}{
		{"-sl", futures.OrderTypeStopMarket, stop},
		{"-tp", futures.OrderTypeTakeProfitMarket, target},
	}
	for _, leg := range legs {
		legID := legClientID(entryID, leg.suffix)
		_, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideTypeSell).
			Type(leg.typ).
			StopPrice(leg.price.String()).
			ClosePosition(true).
			NewClientOrderID(legID).
			Do(ctx)
		if err != nil {
			c.logger.Warn(ctx, "Protective order not placed", map[string]interface{}{
				"symbol":  symbol,
				"entryID": entryID,
				"type":    string(leg.typ),
				"error":   c.handleError(ctx, err, "PlaceProtectiveOrder").Error(),
			})
			continue
		}
		c.mu.Lock()
		c.symbols[legID] = symbol
		c.legs[entryID] = append(c.legs[entryID], legID)
		c.mu.Unlock()
	}
}

// CancelOrder cancels an order and any protective legs placed with it.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	op := "CancelOrder"
	symbol, legs, ok := c.lookup(orderID)
	if !ok {
		return fmt.Errorf("%s failed: %w: unknown client order id %s", op, ports.ErrOrderNotFound, orderID)
	}

	var firstErr error
	for _, id := range append([]string{orderID}, legs...) {
		_, err := c.futuresClient.NewCancelOrderService().
			Symbol(symbol).
			OrigClientOrderID(id).
			Do(ctx)
		if err == nil {
			c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": id})
			continue
		}
		mapped := c.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrOrderNotFound) && id != orderID {
			continue // Leg already triggered or canceled
		}
		if firstErr == nil {
			firstErr = mapped
		}
	}
	return firstErr
}

// OrderStatus reports the current state of an order placed by this client.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	op := "OrderStatus"
	symbol, _, ok := c.lookup(orderID)
	if !ok {
		return "", fmt.Errorf("%s failed: %w: unknown client order id %s", op, ports.ErrOrderNotFound, orderID)
	}

	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	return stateFor(order.Status), nil
}

// lookup finds the symbol and protective leg ids of an order. Orders from an
// earlier process are resolved through the ledger ticker; their leg ids follow
// the same naming as placeProtectiveLegs.
func (c *Client) lookup(orderID string) (symbol string, legs []string, ok bool) {
	c.mu.Lock()
	symbol, ok = c.symbols[orderID]
	legs = append([]string(nil), c.legs[orderID]...)
	c.mu.Unlock()
	if ok || c.tickerOf == nil {
		return symbol, legs, ok
	}
	ticker, found := c.tickerOf(orderID)
	if !found {
		return "", nil, false
	}
	symbol = SymbolFor(ticker, c.quoteAsset)
	c.remember(orderID, symbol)
	return symbol, []string{legClientID(orderID, "-sl"), legClientID(orderID, "-tp")}, true
}

func (c *Client) remember(orderID, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[orderID] = symbol
}

// --- Translation Helpers ---

func (c *Client) toLots(amount decimal.Decimal) int {
	return int(amount.Div(c.lotSize).IntPart())
}

func (c *Client) fromLots(lots int) string {
	return decimal.NewFromInt(int64(lots)).Mul(c.lotSize).String()
}

// SymbolFor maps a signal ticker such as BTCUSD or BTC to a futures symbol such as BTCUSDT.
func SymbolFor(ticker, quote string) string {
	t := strings.ToUpper(ticker)
	if strings.HasSuffix(t, quote) {
		return t
	}
	return strings.TrimSuffix(t, "USD") + quote
}

// TickerFor maps a futures symbol back to the signal form, e.g. BTCUSDT -> BTCUSD.
func TickerFor(symbol, quote string) string {
	return strings.TrimSuffix(symbol, quote) + "USD"
}

func legClientID(entryID, suffix string) string {
	if len(entryID)+len(suffix) > maxClientOrderIDLen {
		entryID = entryID[:maxClientOrderIDLen-len(suffix)]
	}
	return entryID + suffix
}

func sideFor(a domain.Action) futures.SideType {
	if a == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func stateFor(s futures.OrderStatusType) domain.OrderState {
	switch s {
	case futures.OrderStatusTypeFilled:
		return domain.OrderStateFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return domain.OrderStateRejected
	default:
		return domain.OrderStateOpen
	}
}
