package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
)

type mockLogger struct {
	mu       sync.Mutex
	infoMsgs []string
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
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
}

type mockBroker struct {
	positions map[string]int
	err       error
	calls     int
}

func (m *mockBroker) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.positions, nil
}

type mockLedger map[string]int

func (m mockLedger) OpenQuantity(ticker string) int { return m[ticker] }

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 2}
}

func TestSellValidator_Validate(t *testing.T) {
	tests := []struct {
		name         string
		positions    map[string]int
		ledger       mockLedger
		minLedger    int
		requested    int
		wantApproved bool
		wantQty      int
		wantCode     string
		wantReason   string
	}{
		{
			name:         "validated",
			positions:    map[string]int{"AAPL": 10},
			ledger:       mockLedger{"AAPL": 10},
			requested:    8,
			wantApproved: true,
			wantQty:      8,
			wantCode:     CodeValidated,
			wantReason:   "SELL VALIDATED: Can safely sell 8 shares of AAPL",
		},
		{
			name:         "clamped to broker",
			positions:    map[string]int{"AAPL": 5},
			ledger:       mockLedger{"AAPL": 10},
			requested:    8,
			wantApproved: true,
			wantQty:      5,
			wantCode:     CodeAdjusted,
			wantReason:   "QUANTITY ADJUSTED: Selling 5 instead of 8",
		},
		{
			name:       "no broker position",
			positions:  map[string]int{"MSFT": 3},
			ledger:     mockLedger{"AAPL": 10},
			requested:  1,
			wantCode:   CodeNoPosition,
			wantReason: "SAFETY BLOCK: No position found for AAPL",
		},
		{
			name:       "broker short",
			positions:  map[string]int{"AAPL": -2},
			ledger:     mockLedger{"AAPL": 10},
			requested:  1,
			wantCode:   CodeNotLong,
			wantReason: "SAFETY BLOCK: Position for AAPL is -2 (not long)",
		},
		{
			name:       "manual position only",
			positions:  map[string]int{"AAPL": 100},
			ledger:     mockLedger{},
			requested:  1,
			wantCode:   CodeNoBotPosition,
			wantReason: "BOT PRECISION BLOCK: No bot open position for AAPL",
		},
		{
			name:       "requested above bot holdings",
			positions:  map[string]int{"AAPL": 100},
			ledger:     mockLedger{"AAPL": 3},
			requested:  5,
			wantCode:   CodeExceedsBot,
			wantReason: "BOT PRECISION BLOCK: Requested 5 > bot's open 3 for AAPL",
		},
		{
			name:      "below configured minimum",
			positions: map[string]int{"AAPL": 100},
			ledger:    mockLedger{"AAPL": 2},
			minLedger: 5,
			requested: 1,
			wantCode:  CodeBelowMinimum,
		},
		{
			name:      "non-positive request",
			positions: map[string]int{"AAPL": 100},
			ledger:    mockLedger{"AAPL": 2},
			requested: 0,
			wantCode:  CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audit := &mockLogger{}
			v := NewSellValidator(ValidatorConfig{MinLedgerQuantity: tt.minLedger},
				&mockBroker{positions: tt.positions}, tt.ledger, fastRetry(), audit, &mockLogger{})

			d, err := v.Validate(context.Background(), "AAPL", tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApproved, d.Approved)
			assert.Equal(t, tt.wantQty, d.Quantity)
			assert.Equal(t, tt.wantCode, d.Code)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, d.Reason)
			}
			assert.Len(t, audit.infoMsgs, 1, "every decision is audited")
			if d.Approved {
				assert.LessOrEqual(t, d.Quantity, d.BrokerQuantity)
				assert.LessOrEqual(t, d.Quantity, d.LedgerQuantity)
			}
		})
	}
}

func TestSellValidator_BrokerFailure(t *testing.T) {
	broker := &mockBroker{err: ports.ErrExchangeUnavailable}
	v := NewSellValidator(ValidatorConfig{}, broker, mockLedger{"AAPL": 5}, fastRetry(), &mockLogger{}, &mockLogger{})

	d, err := v.Validate(context.Background(), "AAPL", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrRetryExhausted)
	assert.False(t, d.Approved)
	assert.Equal(t, CodeBrokerUnavailable, d.Code)
	assert.Equal(t, 2, broker.calls)
	assert.Equal(t, ValidatorStats{Blocked: 1}, v.GetStats())
}

func TestSellValidator_Stats(t *testing.T) {
	v := NewSellValidator(ValidatorConfig{}, &mockBroker{positions: map[string]int{"AAPL": 5}},
		mockLedger{"AAPL": 10}, fastRetry(), nil, nil)

	ctx := context.Background()
	_, _ = v.Validate(ctx, "AAPL", 2)
	_, _ = v.Validate(ctx, "AAPL", 7)
	_, _ = v.Validate(ctx, "AAPL", 11)
	assert.Equal(t, ValidatorStats{Validated: 1, Adjusted: 1, Blocked: 1}, v.GetStats())
}

func TestBracketPrices(t *testing.T) {
	price := decimal.RequireFromString("187.33")
	assert.Equal(t, "183.58", StopLossPrice(price, decimal.NewFromInt(2)).StringFixed(2))
	assert.Equal(t, "196.70", TakeProfitPrice(price, decimal.NewFromInt(5)).StringFixed(2))
}
