package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertTrader/internal/analytics"
)

type mockLogger struct {
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

const eventLog = `strategy_id,ticker,action,price,timestamp
s1,AAPL,BUY,100,2025-01-02T15:00:00Z
s1,AAPL,SELL,110,2025-01-05T15:00:00Z
s1,AAPL,BUY,120,2025-02-01T15:00:00Z
s1,AAPL,SELL,108,2025-02-03T15:00:00Z
s2,MSFT,BUY,300,2025-01-10T15:00:00Z
s2,MSFT,BUY,301,2025-01-11T15:00:00Z
bad,row
`

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(eventLog), 0o644))
	return path
}

func TestRun_JSONReport(t *testing.T) {
	logger := &mockLogger{}
	var out bytes.Buffer
	opts := options{input: writeLog(t), workers: 2, asJSON: true, now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, run(context.Background(), opts, logger, &out))

	var rep analytics.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	require.Len(t, rep.Strategies, 1)
	assert.Equal(t, "s1", rep.Strategies[0].StrategyID)
	assert.Equal(t, 2, rep.Strategies[0].ClosedTrades)
	assert.Equal(t, 2, rep.Overall.TotalTrades)
	assert.InDelta(t, -2.0, rep.Overall.TotalPnL, 1e-9)
	assert.Contains(t, logger.warnMsgs, "Skipping malformed event")
}

func TestRun_DateFilterAndTradeCSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "closed.csv")
	var out bytes.Buffer
	opts := options{
		input:    writeLog(t),
		from:     time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		asJSON:   true,
		tradeCSV: csvPath,
		now:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, run(context.Background(), opts, &mockLogger{}, &out))

	var rep analytics.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 1, rep.Overall.TotalTrades)
	assert.InDelta(t, -12.0, rep.Overall.TotalPnL, 1e-9)

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "strategy_id,ticker,open_timestamp")
	assert.Contains(t, string(data), "2025-02-01T15:00:00Z")
}

func TestRun_TableReport(t *testing.T) {
	var out bytes.Buffer
	opts := options{input: writeLog(t), now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, run(context.Background(), opts, &mockLogger{}, &out))
	s := out.String()
	assert.Contains(t, s, "Strategy")
	assert.Contains(t, s, "## By Ticker")
	assert.Contains(t, s, "## Overall")
}

func TestRun_EmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("strategy_id,ticker,action,price,timestamp\n"), 0o644))

	err := run(context.Background(), options{input: path}, &mockLogger{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid events")
}
