package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertTrader/config"
	"alertTrader/internal/adapters/filestore"
	"alertTrader/internal/broker"
	"alertTrader/internal/domain"
	"alertTrader/internal/ledger"
	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
	"alertTrader/internal/risk"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) warned(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.warnMsgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type mockSource struct {
	mu      sync.Mutex
	batches []ports.Batch
	next    int
	pollErr error
	commits int
	closed  bool
}

func (m *mockSource) Poll(ctx context.Context) (ports.Batch, error) {
	m.mu.Lock()
	if m.pollErr != nil {
		m.mu.Unlock()
		return ports.Batch{}, m.pollErr
	}
	if m.next < len(m.batches) {
		b := m.batches[m.next]
		m.next++
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return ports.Batch{}, fmt.Errorf("poll: %w: %w", ports.ErrContextCanceled, ctx.Err())
}

func (m *mockSource) Commit(ctx context.Context, b ports.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *mockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSource) committed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

type mockBroker struct {
	mu        sync.Mutex
	positions map[string]int
	posErr    error
	placeErr  error
	state     domain.OrderState
	placed    []ports.OrderRequest
	canceled  []string
	statuses  map[string]domain.OrderState
}

func (m *mockBroker) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posErr != nil {
		return nil, m.posErr
	}
	out := make(map[string]int, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out, nil
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return ports.OrderResult{}, m.placeErr
	}
	m.placed = append(m.placed, req)
	state := m.state
	if state == "" {
		state = domain.OrderStateFilled
	}
	return ports.OrderResult{OrderID: req.OrderID, BrokerOrderID: "B-" + req.OrderID, State: state}, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, orderID)
	return fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderNotFound, orderID)
}

func (m *mockBroker) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[orderID]
	if !ok {
		return "", fmt.Errorf("OrderStatus failed: %w: %s", ports.ErrOrderNotFound, orderID)
	}
	return st, nil
}

func (m *mockBroker) placedOrders() []ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.OrderRequest(nil), m.placed...)
}

type mockAlerter struct {
	mu     sync.Mutex
	titles []string
	msgs   []string
}

func (m *mockAlerter) Notify(ctx context.Context, title, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append(m.titles, title)
	m.msgs = append(m.msgs, message)
}

func (m *mockAlerter) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.titles...)
}

type mockArchiver struct {
	mu    sync.Mutex
	names []string
}

func (m *mockArchiver) Archive(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return nil
}

type staticSizing map[string]int

func (s staticSizing) Quantity(account, ticker string) (int, bool) {
	q, ok := s[ticker]
	return q, ok
}

// Test fixtures

var (
	marketOpen   = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC) // 10:00 in Toronto
	marketClosed = time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC) // 18:00 in Toronto
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	return &config.Config{
		BrokerMode:       config.ModeDemo,
		BrokerAccount:    "acct",
		TradeVersion:     "A",
		MarketTimezone:   loc,
		ExecutorWorkers:  2,
		ExecutorQueue:    8,
		FillSyncInterval: time.Hour,
		ShutdownTimeout:  5 * time.Second,
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func openBook(t *testing.T, logger ports.Logger) *ledger.Book {
	t.Helper()
	store, err := filestore.New(filestore.Config{Path: filepath.Join(t.TempDir(), "ledger.json"), Logger: logger})
	require.NoError(t, err)
	book, err := ledger.Open(context.Background(), store, logger)
	require.NoError(t, err)
	return book
}

func newSignal(ticker string, action domain.Action, price string, ts time.Time) domain.Signal {
	return domain.Signal{Event: domain.Event{
		StrategyID: "s1",
		Ticker:     ticker,
		Action:     action,
		Price:      decimal.RequireFromString(price),
		Timestamp:  ts,
	}}
}

func pct(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type fixture struct {
	cfg     *config.Config
	logger  *mockLogger
	source  *mockSource
	broker  *mockBroker
	book    *ledger.Book
	alerter *mockAlerter
	archive *mockArchiver
	svc     *Service
}

func newFixture(t *testing.T, cfg *config.Config, sizing staticSizing, positions map[string]int) *fixture {
	t.Helper()
	f := &fixture{
		cfg:     cfg,
		logger:  &mockLogger{},
		source:  &mockSource{},
		broker:  &mockBroker{positions: positions, statuses: map[string]domain.OrderState{}},
		alerter: &mockAlerter{},
		archive: &mockArchiver{},
	}
	f.book = openBook(t, f.logger)
	validator := risk.NewSellValidator(risk.ValidatorConfig{Account: cfg.BrokerAccount}, f.broker, f.book, testPolicy(), nil, f.logger)
	svc, err := NewService(cfg, f.logger, f.source, f.broker, f.book, validator, sizing,
		WithAlerter(f.alerter),
		WithArchiver(f.archive),
		WithRetryPolicy(testPolicy()),
		WithClock(func() time.Time { return marketOpen.Add(time.Hour) }),
		WithoutSignalHandling(),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// run starts the service and returns a stop func that cancels it and returns Start's error.
func (f *fixture) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Start(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
}

func TestNewService(t *testing.T) {
	logger := &mockLogger{}
	book := openBook(t, logger)
	broker := &mockBroker{}
	validator := risk.NewSellValidator(risk.ValidatorConfig{}, broker, book, testPolicy(), nil, logger)

	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		nilDep  bool
		wantErr string
	}{
		{name: "valid"},
		{name: "missing dependency", nilDep: true, wantErr: "missing required dependencies"},
		{name: "bad trade version", mutate: func(c *config.Config) { c.TradeVersion = "C" }, wantErr: "TradeVersion"},
		{name: "missing timezone", mutate: func(c *config.Config) { c.MarketTimezone = nil }, wantErr: "MarketTimezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			var src ports.SignalSource = &mockSource{}
			if tt.nilDep {
				src = nil
			}
			svc, err := NewService(cfg, logger, src, broker, book, validator, staticSizing{})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}
}

func TestService_inMarketHours(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{}, nil)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 6, 2, 13, 29, 0, 0, time.UTC), false},
		{"at open", time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC), true},
		{"midday", marketOpen, true},
		{"last minute", time.Date(2025, 6, 2, 19, 59, 59, 0, time.UTC), true},
		{"after close", time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC), false},
		{"evening", marketClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.svc.inMarketHours(tt.at))
		})
	}
}

func TestService_planOrder(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		version     string
		signal      domain.Signal
		stops       domain.StopLevels
		wantType    domain.OrderType
		wantLimit   string
		wantBracket bool
		wantTP      string
		wantSL      string
	}{
		{
			name:     "market hours buy is a market order",
			version:  "A",
			signal:   newSignal("AAPL", domain.Buy, "150.123", marketOpen),
			wantType: domain.OrderTypeMarket,
		},
		{
			name:      "after hours becomes limit at signal price",
			version:   "A",
			signal:    newSignal("AAPL", domain.Buy, "150.126", marketClosed),
			wantType:  domain.OrderTypeLimit,
			wantLimit: "150.13",
		},
		{
			name:     "version A ignores stops",
			version:  "A",
			signal:   newSignal("AAPL", domain.Buy, "100", marketOpen),
			stops:    domain.StopLevels{StopLossPct: pct("5"), TakeProfitPct: pct("10")},
			wantType: domain.OrderTypeMarket,
		},
		{
			name:        "version B buy with stops is a bracket",
			version:     "B",
			signal:      newSignal("AAPL", domain.Buy, "100", marketOpen),
			stops:       domain.StopLevels{StopLossPct: pct("5"), TakeProfitPct: pct("10")},
			wantType:    domain.OrderTypeMarket,
			wantBracket: true,
			wantTP:      "110",
			wantSL:      "95",
		},
		{
			name:     "version B needs both stops",
			version:  "B",
			signal:   newSignal("AAPL", domain.Buy, "100", marketOpen),
			stops:    domain.StopLevels{StopLossPct: pct("5")},
			wantType: domain.OrderTypeMarket,
		},
		{
			name:     "version B sell is never a bracket",
			version:  "B",
			signal:   newSignal("AAPL", domain.Sell, "100", marketOpen),
			stops:    domain.StopLevels{StopLossPct: pct("5"), TakeProfitPct: pct("10")},
			wantType: domain.OrderTypeMarket,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.TradeVersion = tt.version
			f := newFixture(t, cfg, staticSizing{}, nil)

			req := f.svc.planOrder(ctx, tt.signal, 3, tt.stops, "ord-1")
			assert.Equal(t, "ord-1", req.OrderID)
			assert.Equal(t, 3, req.Quantity)
			assert.Equal(t, tt.wantType, req.Type)
			if tt.wantLimit != "" {
				require.NotNil(t, req.LimitPrice)
				assert.Equal(t, tt.wantLimit, req.LimitPrice.String())
			} else {
				assert.Nil(t, req.LimitPrice)
			}
			assert.Equal(t, tt.wantBracket, req.IsBracket())
			if tt.wantBracket {
				assert.True(t, decimal.RequireFromString(tt.wantTP).Equal(*req.TakeProfit))
				assert.True(t, decimal.RequireFromString(tt.wantSL).Equal(*req.StopLoss))
			}
		})
	}
}

func TestService_handleSignal(t *testing.T) {
	ctx := context.Background()

	t.Run("buy is recorded pending and queued", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, nil)
		require.NoError(t, f.svc.handleSignal(ctx, newSignal("AAPL", domain.Buy, "150", marketOpen)))

		snap := f.book.Snapshot()
		require.Len(t, snap.Trades, 1)
		e := snap.Trades[0]
		assert.Equal(t, domain.StatusPending, e.Status)
		assert.Equal(t, 4, e.Quantity)
		assert.True(t, e.DemoMode)
		assert.Equal(t, 1, len(f.svc.exec.jobs))
	})

	t.Run("malformed signal is skipped", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, nil)
		sig := newSignal("AAPL", domain.Buy, "150", marketOpen)
		sig.StrategyID = ""
		require.NoError(t, f.svc.handleSignal(ctx, sig))
		assert.Empty(t, f.book.Snapshot().Trades)
		assert.True(t, f.logger.warned("Skipping malformed signal"))
	})

	t.Run("unsized ticker is skipped", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, nil)
		require.NoError(t, f.svc.handleSignal(ctx, newSignal("MSFT", domain.Buy, "300", marketOpen)))
		assert.Empty(t, f.book.Snapshot().Trades)
		assert.True(t, f.logger.warned("No position size configured"))
	})

	t.Run("duplicate signal is recorded once", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, nil)
		sig := newSignal("AAPL", domain.Buy, "150", marketOpen)
		require.NoError(t, f.svc.handleSignal(ctx, sig))
		require.NoError(t, f.svc.handleSignal(ctx, sig))
		assert.Len(t, f.book.Snapshot().Trades, 1)
	})

	t.Run("sell without broker position is blocked", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, map[string]int{})
		require.NoError(t, f.svc.handleSignal(ctx, newSignal("AAPL", domain.Sell, "150", marketOpen)))
		assert.Empty(t, f.book.Snapshot().Trades)
		assert.Equal(t, []string{"SELL ORDER BLOCKED"}, f.alerter.sent())
	})

	t.Run("sell is clamped to the broker position", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 4}, map[string]int{"AAPL": 2})
		_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: "buy-1", Ticker: "AAPL", Action: domain.Buy, Quantity: 4, Price: decimal.NewFromInt(100)})
		require.NoError(t, err)
		require.NoError(t, f.book.SettleFill(ctx, "buy-1"))

		require.NoError(t, f.svc.handleSignal(ctx, newSignal("AAPL", domain.Sell, "150", marketOpen)))
		snap := f.book.Snapshot()
		require.Len(t, snap.Trades, 2)
		assert.Equal(t, 2, snap.Trades[1].Quantity)
		assert.Equal(t, "buy-1", snap.Trades[1].ClosesOrderID)
	})

	t.Run("unreachable broker during sell validation is fatal", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 2}, nil)
		f.broker.posErr = fmt.Errorf("GetOpenPositions failed: %w", ports.ErrConnectionFailed)
		err := f.svc.handleSignal(ctx, newSignal("AAPL", domain.Sell, "150", marketOpen))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrRetryExhausted))
		assert.Empty(t, f.book.Snapshot().Trades)
	})

	t.Run("second sell waits for the pending one", func(t *testing.T) {
		f := newFixture(t, testConfig(t), staticSizing{"AAPL": 2}, map[string]int{"AAPL": 10})
		_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: "buy-1", Ticker: "AAPL", Action: domain.Buy, Quantity: 4, Price: decimal.NewFromInt(100)})
		require.NoError(t, err)

		require.NoError(t, f.svc.handleSignal(ctx, newSignal("AAPL", domain.Sell, "150", marketOpen)))
		require.NoError(t, f.svc.handleSignal(ctx, newSignal("AAPL", domain.Sell, "151", marketOpen.Add(time.Minute))))
		assert.Len(t, f.book.Snapshot().Trades, 2)
		assert.True(t, f.logger.warned("already pending"))
	})

	t.Run("conflicting stops warn and use the body", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.TradeVersion = "B"
		f := newFixture(t, cfg, staticSizing{"AAPL": 1}, nil)
		sig := newSignal("AAPL", domain.Buy, "100", marketOpen)
		sig.SubjectStops = domain.StopLevels{StopLossPct: pct("3"), TakeProfitPct: pct("10")}
		sig.BodyStops = domain.StopLevels{StopLossPct: pct("5")}

		require.NoError(t, f.svc.handleSignal(ctx, sig))
		assert.True(t, f.logger.warned("Stop levels in subject and body disagree"))
		e := f.book.Snapshot().Trades[0]
		require.NotNil(t, e.StopLossPct)
		assert.Equal(t, "5", e.StopLossPct.String())
		assert.Equal(t, "10", e.TakeProfitPct.String())

		j := <-f.svc.exec.jobs
		assert.True(t, j.request.IsBracket())
		assert.Equal(t, "95", j.request.StopLoss.String())
	})
}

func TestService_Start_BuyFilled(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{"AAPL": 3}, map[string]int{})
	f.source.batches = []ports.Batch{{
		Signals: []domain.Signal{newSignal("AAPL", domain.Buy, "150", marketOpen)},
		Rejects: []ports.Reject{{Ref: "bad.json", Err: errors.New("unexpected EOF")}},
	}}

	stop := f.run(t)
	require.Eventually(t, func() bool {
		snap := f.book.Snapshot()
		return len(snap.Trades) == 1 && snap.Trades[0].Status == domain.StatusFilled
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.source.committed() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	snap := f.book.Snapshot()
	assert.Equal(t, 3, snap.OpenQuantity("AAPL"))
	assert.NotNil(t, snap.Trades[0].FilledAt)
	assert.Contains(t, f.alerter.sent(), "BUY ORDER PLACED")
	assert.True(t, f.logger.warned("Skipping undecodable signal"))
	assert.True(t, f.source.closed)
	assert.Len(t, f.archive.names, 1)
	require.Len(t, f.broker.placedOrders(), 1)
}

func TestService_Start_OldSignalNotNotified(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{"AAPL": 1}, map[string]int{})
	f.source.batches = []ports.Batch{{
		Signals: []domain.Signal{newSignal("AAPL", domain.Buy, "150", marketOpen.AddDate(0, 0, -3))},
	}}

	stop := f.run(t)
	require.Eventually(t, func() bool { return len(f.broker.placedOrders()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Empty(t, f.alerter.sent())
}

func TestService_Start_VersionBSellClosesBuy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TradeVersion = "B"
	f := newFixture(t, cfg, staticSizing{"AAPL": 5}, map[string]int{"AAPL": 10})
	_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: "buy-1", Ticker: "AAPL", Action: domain.Buy, Quantity: 5, Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.NoError(t, f.book.SettleFill(ctx, "buy-1"))

	f.source.batches = []ports.Batch{{Signals: []domain.Signal{newSignal("AAPL", domain.Sell, "120", marketOpen)}}}

	stop := f.run(t)
	require.Eventually(t, func() bool {
		buy, ok := f.book.Entry("buy-1")
		return ok && buy.IsClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	f.broker.mu.Lock()
	assert.Equal(t, []string{"buy-1"}, f.broker.canceled)
	f.broker.mu.Unlock()

	snap := f.book.Snapshot()
	require.Len(t, snap.Trades, 2)
	sell := snap.Trades[1]
	assert.Equal(t, domain.StatusFilled, sell.Status)
	assert.Equal(t, "buy-1", sell.ClosesOrderID)
	assert.Equal(t, sell.OrderID, snap.Trades[0].ClosedByOrderID)
	assert.Equal(t, 0, snap.OpenQuantity("AAPL"))
	assert.True(t, f.logger.warned("Order not found"))
}

func TestService_Start_RejectedOrderMarkedFailed(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{"AAPL": 3}, map[string]int{})
	f.broker.placeErr = fmt.Errorf("PlaceOrder failed: %w", ports.ErrInsufficientFunds)
	f.source.batches = []ports.Batch{{Signals: []domain.Signal{newSignal("AAPL", domain.Buy, "150", marketOpen)}}}

	stop := f.run(t)
	require.Eventually(t, func() bool {
		snap := f.book.Snapshot()
		return len(snap.Trades) == 1 && snap.Trades[0].Status == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 0, f.book.OpenQuantity("AAPL"))
}

func TestService_Start_BrokerUnreachableIsFatal(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{"AAPL": 3}, map[string]int{})
	f.broker.placeErr = fmt.Errorf("PlaceOrder failed: %w", ports.ErrExchangeUnavailable)
	f.source.batches = []ports.Batch{{Signals: []domain.Signal{newSignal("AAPL", domain.Buy, "150", marketOpen)}}}

	err := f.svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRetryExhausted))

	snap := f.book.Snapshot()
	require.Len(t, snap.Trades, 1)
	assert.Equal(t, domain.StatusPending, snap.Trades[0].Status)
}

func TestService_Start_ValidatorExhaustionIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t), staticSizing{"AAPL": 2}, nil)
	_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: "buy-1", Ticker: "AAPL", Action: domain.Buy, Quantity: 2, Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.NoError(t, f.book.SettleFill(ctx, "buy-1"))
	f.broker.posErr = fmt.Errorf("GetOpenPositions failed: %w", ports.ErrExchangeUnavailable)
	f.source.batches = []ports.Batch{{Signals: []domain.Signal{newSignal("AAPL", domain.Sell, "120", marketOpen)}}}

	err = f.svc.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRetryExhausted))

	assert.Equal(t, 0, f.source.committed(), "batch is redelivered next session")
	assert.Len(t, f.book.Snapshot().Trades, 1)
	assert.Empty(t, f.broker.placedOrders())
	assert.NotContains(t, f.alerter.sent(), "SELL ORDER BLOCKED")
}

func TestService_Start_PollExhaustionIsFatal(t *testing.T) {
	f := newFixture(t, testConfig(t), staticSizing{}, map[string]int{})
	f.source.pollErr = fmt.Errorf("poll: %w", ports.ErrConnectionFailed)

	err := f.svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrRetryExhausted))
	assert.True(t, f.source.closed)
}

func TestExecutor_syncFills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t), staticSizing{}, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: id, Ticker: "AAPL", Action: domain.Buy, Quantity: 1, Price: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}
	f.broker.statuses["a"] = domain.OrderStateFilled
	f.broker.statuses["b"] = domain.OrderStateRejected

	f.svc.exec.syncFills(ctx)

	a, _ := f.book.Entry("a")
	b, _ := f.book.Entry("b")
	c, _ := f.book.Entry("c")
	assert.Equal(t, domain.StatusFilled, a.Status)
	assert.Equal(t, domain.StatusFailed, b.Status)
	assert.Equal(t, domain.StatusPending, c.Status)
	assert.Equal(t, 2, f.book.OpenQuantity("AAPL"))
}

func TestExecutor_syncFillsAfterRestart(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	path := filepath.Join(t.TempDir(), "ledger.json")
	open := func() *ledger.Book {
		store, err := filestore.New(filestore.Config{Path: path, Logger: logger})
		require.NoError(t, err)
		book, err := ledger.Open(ctx, store, logger)
		require.NoError(t, err)
		return book
	}

	earlier := open()
	_, err := earlier.Record(ctx, domain.LedgerEntry{OrderID: "buy-1", Ticker: "AAPL", Action: domain.Buy, Quantity: 2, Price: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NoError(t, earlier.MarkFilled(ctx, "buy-1"))
	_, err = earlier.Record(ctx, domain.LedgerEntry{OrderID: "sell-1", Ticker: "AAPL", Action: domain.Sell, Quantity: 2, Price: decimal.NewFromInt(12)})
	require.NoError(t, err)
	require.NoError(t, earlier.Close())

	book := open()
	t.Cleanup(func() { book.Close() })
	equity := &mockBroker{statuses: map[string]domain.OrderState{"sell-1": domain.OrderStateFilled}}
	crypto := &mockBroker{statuses: map[string]domain.OrderState{}}
	router := broker.NewRouter(
		&broker.Venue{Name: "alpaca", Broker: equity},
		&broker.Venue{Name: "binance", Broker: crypto},
		[]string{"USD"}, logger, broker.WithTickerLookup(book.TickerOf),
	)
	svc := &Service{book: book}
	require.True(t, svc.hasPendingSell("AAPL"))

	newExecutor(router, book, testPolicy(), logger, nopMetrics{}, 4).syncFills(ctx)

	sell, _ := book.Entry("sell-1")
	buy, _ := book.Entry("buy-1")
	assert.Equal(t, domain.StatusFilled, sell.Status)
	assert.Equal(t, "sell-1", buy.ClosedByOrderID)
	assert.False(t, svc.hasPendingSell("AAPL"), "a settled sell no longer blocks new sells")
	assert.Equal(t, 0, book.OpenQuantity("AAPL"))
}

func TestExecutor_syncFillsSkipsInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(t), staticSizing{}, nil)
	_, err := f.book.Record(ctx, domain.LedgerEntry{OrderID: "a", Ticker: "AAPL", Action: domain.Buy, Quantity: 1, Price: decimal.NewFromInt(10)})
	require.NoError(t, err)
	f.broker.statuses["a"] = domain.OrderStateFilled

	f.svc.exec.submit(job{request: ports.OrderRequest{OrderID: "a"}})
	f.svc.exec.syncFills(ctx)

	a, _ := f.book.Entry("a")
	assert.Equal(t, domain.StatusPending, a.Status)
}
