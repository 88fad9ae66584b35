package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupStore connects to TEST_POSTGRES_DSN and clears the ledger table.
func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, Logger: &mockLogger{}})
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, "TRUNCATE ledger_entries")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(action domain.Action, qty int) domain.LedgerEntry {
	return domain.LedgerEntry{
		OrderID:   uuid.NewString(),
		Ticker:    "AAPL",
		Action:    action,
		Quantity:  qty,
		Price:     decimal.RequireFromString("189.25"),
		Timestamp: time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC),
		Status:    domain.StatusPending,
	}
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestStore_Lifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	buy := entry(domain.Buy, 3)
	sell := entry(domain.Sell, 3)
	require.NoError(t, s.Append(ctx, buy))
	require.NoError(t, s.Append(ctx, sell))
	assert.ErrorIs(t, s.Append(ctx, buy), ports.ErrDuplicateEntry)

	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkFilled(ctx, buy.OrderID, at))
	require.NoError(t, s.MarkFilled(ctx, buy.OrderID, at.Add(time.Hour)))
	require.NoError(t, s.MarkFailed(ctx, buy.OrderID))
	require.NoError(t, s.LinkClose(ctx, sell.OrderID, buy.OrderID, at))
	require.NoError(t, s.LinkClose(ctx, sell.OrderID, buy.OrderID, at))
	assert.ErrorIs(t, s.MarkFilled(ctx, "missing", at), ports.ErrNotFound)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Trades, 2)
	got := state.Trades[0]
	assert.Equal(t, domain.StatusFilled, got.Status)
	require.NotNil(t, got.FilledAt)
	assert.True(t, at.Equal(*got.FilledAt))
	assert.True(t, got.IsClosed)
	assert.Equal(t, sell.OrderID, got.ClosedByOrderID)
	assert.Equal(t, buy.OrderID, state.Trades[1].ClosesOrderID)
	assert.Equal(t, 0, state.Summary["AAPL"].OpenQuantity)
}
