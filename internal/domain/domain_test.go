package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestEvent_Validate(t *testing.T) {
	ts := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	valid := Event{StrategyID: "s1", Ticker: "AAPL", Action: Buy, Price: dec("100"), Timestamp: ts}

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Event) {}},
		{name: "zero price allowed", mutate: func(e *Event) { e.Price = decimal.Zero }},
		{name: "missing strategy", mutate: func(e *Event) { e.StrategyID = "" }, wantErr: true},
		{name: "missing ticker", mutate: func(e *Event) { e.Ticker = "" }, wantErr: true},
		{name: "unknown action", mutate: func(e *Event) { e.Action = "HOLD" }, wantErr: true},
		{name: "negative price", mutate: func(e *Event) { e.Price = dec("-1") }, wantErr: true},
		{name: "zero timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: true},
		{name: "padded ticker", mutate: func(e *Event) { e.Ticker = " AAPL" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" sell ")
	require.NoError(t, err)
	assert.Equal(t, Sell, a)

	_, err = ParseAction("short")
	assert.Error(t, err)
}

func TestNewClosedTrade(t *testing.T) {
	open := Event{StrategyID: "s1", Ticker: "AAPL", Action: Buy, Price: dec("100"), Timestamp: time.Date(2025, 1, 2, 23, 0, 0, 0, time.UTC)}

	t.Run("win", func(t *testing.T) {
		close := Event{StrategyID: "s1", Ticker: "AAPL", Action: Sell, Price: dec("110"), Timestamp: time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)}
		ct := NewClosedTrade(open, close)
		assert.True(t, ct.PnL.Equal(dec("10")))
		assert.True(t, ct.ReturnPct.Equal(dec("10")))
		assert.Equal(t, OutcomeWin, ct.Outcome)
		assert.Equal(t, 1, ct.DaysInMarket, "crossing midnight counts one calendar day")
		assert.True(t, ct.Cost.Equal(dec("100")))
	})

	t.Run("flat is a loss", func(t *testing.T) {
		close := Event{StrategyID: "s1", Ticker: "AAPL", Action: Sell, Price: dec("100"), Timestamp: open.Timestamp.Add(time.Hour)}
		ct := NewClosedTrade(open, close)
		assert.True(t, ct.ReturnPct.IsZero())
		assert.Equal(t, OutcomeLoss, ct.Outcome)
	})

	t.Run("zero open price", func(t *testing.T) {
		free := open
		free.Price = decimal.Zero
		close := Event{StrategyID: "s1", Ticker: "AAPL", Action: Sell, Price: dec("5"), Timestamp: open.Timestamp.Add(time.Hour)}
		ct := NewClosedTrade(free, close)
		assert.True(t, ct.PnL.Equal(dec("5")))
		assert.True(t, ct.ReturnPct.IsZero())
		assert.Equal(t, OutcomeLoss, ct.Outcome)
	})
}

func TestSignal_ResolvedStops(t *testing.T) {
	tests := []struct {
		name         string
		subject      StopLevels
		body         StopLevels
		wantSL       *decimal.Decimal
		wantTP       *decimal.Decimal
		wantConflict bool
	}{
		{name: "none"},
		{name: "subject only", subject: StopLevels{StopLossPct: decPtr("5")}, wantSL: decPtr("5")},
		{name: "body wins", subject: StopLevels{StopLossPct: decPtr("5")}, body: StopLevels{StopLossPct: decPtr("4")}, wantSL: decPtr("4"), wantConflict: true},
		{name: "same value no conflict", subject: StopLevels{TakeProfitPct: decPtr("10")}, body: StopLevels{TakeProfitPct: decPtr("10.0")}, wantTP: decPtr("10")},
		{name: "per field", subject: StopLevels{StopLossPct: decPtr("5")}, body: StopLevels{TakeProfitPct: decPtr("8")}, wantSL: decPtr("5"), wantTP: decPtr("8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Signal{SubjectStops: tt.subject, BodyStops: tt.body}
			got, conflict := s.ResolvedStops()
			assert.Equal(t, tt.wantConflict, conflict)
			assertDecPtr(t, tt.wantSL, got.StopLossPct)
			assertDecPtr(t, tt.wantTP, got.TakeProfitPct)
		})
	}
}

func assertDecPtr(t *testing.T, want, got *decimal.Decimal) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, got)
}

func TestSignal_ValidateRejectsNonPositiveStops(t *testing.T) {
	s := Signal{
		Event:     Event{StrategyID: "s1", Ticker: "AAPL", Action: Buy, Price: dec("1"), Timestamp: time.Now()},
		BodyStops: StopLevels{StopLossPct: decPtr("0")},
	}
	assert.Error(t, s.Validate())
}

func TestLedgerState_Lifecycle(t *testing.T) {
	ts := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	s := NewLedgerState()
	require.NoError(t, s.Append(LedgerEntry{OrderID: "b1", Ticker: "AAPL", Action: Buy, Quantity: 3, Status: StatusPending, Timestamp: ts}))
	require.NoError(t, s.Append(LedgerEntry{OrderID: "b2", Ticker: "AAPL", Action: Buy, Quantity: 2, Status: StatusPending, Timestamp: ts.Add(time.Hour)}))
	require.NoError(t, s.Append(LedgerEntry{OrderID: "s1", Ticker: "AAPL", Action: Sell, Quantity: 3, Status: StatusPending, Timestamp: ts.Add(2 * time.Hour)}))

	assert.Error(t, s.Append(LedgerEntry{OrderID: "b1", Ticker: "AAPL", Action: Buy, Quantity: 1}), "duplicate order id")
	assert.Error(t, s.Append(LedgerEntry{OrderID: "z", Ticker: "AAPL", Action: Buy, Quantity: 0}), "non-positive quantity")
	assert.Equal(t, 2, s.OpenQuantity("AAPL"))

	oldest, ok := s.OldestOpenBuy("AAPL")
	require.True(t, ok)
	assert.Equal(t, "b1", oldest.OrderID)

	changed, err := s.MarkFilled("b1", ts)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkFilled("b1", ts.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "second fill is a no-op")

	changed, err = s.LinkClose("s1", "b1", ts)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.LinkClose("s1", "b1", ts)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = s.LinkClose("s1", "b2", ts)
	assert.Error(t, err, "a sell closes one buy only")

	// A filled entry cannot fail.
	changed, err = s.MarkFailed("b1")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.MarkFailed("b2")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, s.OpenQuantity("AAPL"))
	assert.Equal(t, 0, s.OpenBuyQuantity("AAPL"))

	_, err = s.MarkFilled("missing", ts)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	rebuilt := s.Clone()
	rebuilt.RebuildSummary()
	assert.Equal(t, s.Summary, rebuilt.Summary)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "hi", Truncate("hi", 4))
}
