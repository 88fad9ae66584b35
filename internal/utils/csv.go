package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// Accepted timestamp layouts, tried in order. Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

var requiredColumns = []string{"strategy_id", "ticker", "action", "price", "timestamp"}

// ParseTimestamp reads a timestamp in any accepted layout and normalizes it to UTC seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// RowError describes a record that could not be turned into an event.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// ReadEventsFromCSV reads a normalized event log with a header row.
// Columns: strategy_id,ticker,action,price,timestamp[,strategy_name,timeframe,alert_name].
// Malformed rows are returned as RowErrors and skipped.
func ReadEventsFromCSV(filename string) ([]domain.Event, []RowError, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return ParseEventsCSV(file)
}

// ParseEventsCSV is ReadEventsFromCSV over a reader.
func ParseEventsCSV(r io.Reader) ([]domain.Event, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, nil, fmt.Errorf("missing column %q: %w", c, ports.ErrMalformedEvent)
		}
	}

	var events []domain.Event
	var rejects []RowError
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			rejects = append(rejects, RowError{Line: line, Err: fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)})
			continue
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		ev, err := buildEvent(field)
		if err != nil {
			rejects = append(rejects, RowError{Line: line, Err: err})
			continue
		}
		events = append(events, ev)
	}
	return events, rejects, nil
}

func buildEvent(field func(string) string) (domain.Event, error) {
	action, err := domain.ParseAction(field("action"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: price %q: %v", ports.ErrMalformedEvent, field("price"), err)
	}
	ts, err := ParseTimestamp(field("timestamp"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)
	}
	ev := domain.Event{
		StrategyID:   field("strategy_id"),
		Ticker:       strings.ToUpper(field("ticker")),
		Action:       action,
		Price:        price,
		Timestamp:    ts,
		StrategyName: field("strategy_name"),
		Timeframe:    field("timeframe"),
		AlertName:    field("alert_name"),
	}
	if err := ev.Validate(); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ports.ErrMalformedEvent, err)
	}
	return ev, nil
}

// WriteClosedTradesToCSV writes closed trades in open-time order as given.
func WriteClosedTradesToCSV(trades []domain.ClosedTrade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"strategy_id", "ticker", "open_timestamp", "close_timestamp", "open_price", "close_price", "days_in_market", "pnl", "return_pct", "outcome"})

	for _, t := range trades {
		writer.Write([]string{
			t.StrategyID,
			t.Ticker,
			t.OpenTimestamp.Format(time.RFC3339),
			t.CloseTimestamp.Format(time.RFC3339),
			t.OpenPrice.String(),
			t.ClosePrice.String(),
			fmt.Sprintf("%d", t.DaysInMarket),
			t.PnL.StringFixed(2),
			t.ReturnPct.StringFixed(2),
			string(t.Outcome),
		})
	}
	writer.Flush()
	return writer.Error()
}
