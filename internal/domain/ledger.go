package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEntryNotFound is returned when an order id is not in the ledger.
var ErrEntryNotFound = errors.New("ledger entry not found")

// LedgerEntry is the durable record of one accepted live signal.
type LedgerEntry struct {
	OrderID   string          `json:"order_id"`
	Ticker    string          `json:"ticker"`
	Action    Action          `json:"action"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Status    EntryStatus     `json:"status"`

	ClosesOrderID   string `json:"closes_order_id,omitempty"`    // Sell -> the Buy it is believed to close
	IsClosed        bool   `json:"is_closed"`                    // Buy only
	ClosedByOrderID string `json:"closed_by_order_id,omitempty"` // Buy -> the Sell that closed it

	StrategyID    string           `json:"strategy_id,omitempty"`
	Source        string           `json:"source,omitempty"`
	StopLossPct   *decimal.Decimal `json:"sl_pct,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"tp_pct,omitempty"`
	DemoMode      bool             `json:"demo_mode"`
	FilledAt      *time.Time       `json:"completed_timestamp,omitempty"`
	ClosedAt      *time.Time       `json:"closed_timestamp,omitempty"`
}

// IsOpenBuy reports whether the entry is a Buy that still counts as held.
func (e LedgerEntry) IsOpenBuy() bool {
	return e.Action == Buy && !e.IsClosed && (e.Status == StatusPending || e.Status == StatusFilled)
}

// TickerSummary is the derived per-ticker aggregate.
type TickerSummary struct {
	OpenQuantity int `json:"open_quantity"`
	TotalBuys    int `json:"total_buys"`
	TotalSells   int `json:"total_sells"`
}

// LedgerState is the persisted ledger document.
type LedgerState struct {
	Trades  []LedgerEntry            `json:"trades"`
	Summary map[string]TickerSummary `json:"summary"`

	Recovery RecoverySource `json:"-"`
}

// NewLedgerState returns an empty ledger.
func NewLedgerState() *LedgerState {
	return &LedgerState{
		Trades:   make([]LedgerEntry, 0),
		Summary:  make(map[string]TickerSummary),
		Recovery: RecoveredPrimary,
	}
}

// Clone returns a deep copy safe to mutate.
func (s *LedgerState) Clone() *LedgerState {
	c := &LedgerState{
		Trades:   make([]LedgerEntry, len(s.Trades)),
		Summary:  make(map[string]TickerSummary, len(s.Summary)),
		Recovery: s.Recovery,
	}
	copy(c.Trades, s.Trades)
	for i := range c.Trades {
		c.Trades[i].FilledAt = copyTime(c.Trades[i].FilledAt)
		c.Trades[i].ClosedAt = copyTime(c.Trades[i].ClosedAt)
	}
	for k, v := range s.Summary {
		c.Summary[k] = v
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RebuildSummary recomputes every TickerSummary from the entries.
// Failed entries never reached the broker and are not counted.
func (s *LedgerState) RebuildSummary() {
	s.Summary = make(map[string]TickerSummary)
	for _, e := range s.Trades {
		if e.Status == StatusFailed {
			continue
		}
		s.count(e, 1)
	}
}

func (s *LedgerState) count(e LedgerEntry, sign int) {
	sum := s.Summary[e.Ticker]
	switch e.Action {
	case Buy:
		sum.TotalBuys += sign * e.Quantity
		sum.OpenQuantity += sign * e.Quantity
	case Sell:
		sum.TotalSells += sign * e.Quantity
		sum.OpenQuantity -= sign * e.Quantity
	}
	s.Summary[e.Ticker] = sum
}

// Index returns the position of orderID in Trades.
func (s *LedgerState) Index(orderID string) (int, bool) {
	for i := range s.Trades {
		if s.Trades[i].OrderID == orderID {
			return i, true
		}
	}
	return -1, false
}

// Append adds an entry and advances the summary.
func (s *LedgerState) Append(e LedgerEntry) error {
	if e.OrderID == "" {
		return errors.New("ledger entry requires an order id")
	}
	if _, dup := s.Index(e.OrderID); dup {
		return fmt.Errorf("order id %s already recorded", e.OrderID)
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %d", e.OrderID, e.Quantity)
	}
	if e.Action != Buy && e.Action != Sell {
		return fmt.Errorf("order %s: unknown action %q", e.OrderID, e.Action)
	}
	s.Trades = append(s.Trades, e)
	if e.Status != StatusFailed {
		s.count(e, 1)
	}
	return nil
}

// MarkFilled moves a pending entry to filled. Returns false when nothing changed.
func (s *LedgerState) MarkFilled(orderID string, at time.Time) (bool, error) {
	i, ok := s.Index(orderID)
	if !ok {
		return false, fmt.Errorf("mark filled %s: %w", orderID, ErrEntryNotFound)
	}
	if s.Trades[i].Status != StatusPending {
		return false, nil
	}
	s.Trades[i].Status = StatusFilled
	s.Trades[i].FilledAt = &at
	return true, nil
}

// MarkFailed moves a pending entry to failed and removes it from the summary.
func (s *LedgerState) MarkFailed(orderID string) (bool, error) {
	i, ok := s.Index(orderID)
	if !ok {
		return false, fmt.Errorf("mark failed %s: %w", orderID, ErrEntryNotFound)
	}
	if s.Trades[i].Status != StatusPending {
		return false, nil
	}
	s.Trades[i].Status = StatusFailed
	s.count(s.Trades[i], -1)
	return true, nil
}

// LinkClose records that sellID closed buyID. Each side is set at most once.
func (s *LedgerState) LinkClose(sellID, buyID string, at time.Time) (bool, error) {
	si, ok := s.Index(sellID)
	if !ok {
		return false, fmt.Errorf("link close sell %s: %w", sellID, ErrEntryNotFound)
	}
	bi, ok := s.Index(buyID)
	if !ok {
		return false, fmt.Errorf("link close buy %s: %w", buyID, ErrEntryNotFound)
	}
	if s.Trades[si].Action != Sell || s.Trades[bi].Action != Buy {
		return false, fmt.Errorf("link close %s -> %s: expected SELL -> BUY", sellID, buyID)
	}

	if prev := s.Trades[si].ClosesOrderID; prev != "" && prev != buyID {
		return false, fmt.Errorf("link close %s -> %s: sell already closes %s", sellID, buyID, prev)
	}
	if by := s.Trades[bi].ClosedByOrderID; by != "" && by != sellID {
		return false, fmt.Errorf("link close %s -> %s: buy already closed by %s", sellID, buyID, by)
	}

	changed := false
	if s.Trades[si].ClosesOrderID == "" {
		s.Trades[si].ClosesOrderID = buyID
		changed = true
	}
	if !s.Trades[bi].IsClosed {
		s.Trades[bi].IsClosed = true
		s.Trades[bi].ClosedByOrderID = sellID
		s.Trades[bi].ClosedAt = &at
		changed = true
	}
	return changed, nil
}

// OldestOpenBuy returns the earliest Buy for ticker that is still open (FIFO close).
func (s *LedgerState) OldestOpenBuy(ticker string) (LedgerEntry, bool) {
	var open []LedgerEntry
	for _, e := range s.Trades {
		if e.Ticker == ticker && e.IsOpenBuy() {
			open = append(open, e)
		}
	}
	if len(open) == 0 {
		return LedgerEntry{}, false
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Timestamp.Before(open[j].Timestamp)
	})
	return open[0], true
}

// OpenQuantity is the sellable quantity for ticker; never negative.
func (s *LedgerState) OpenQuantity(ticker string) int {
	q := s.Summary[ticker].OpenQuantity
	if q < 0 {
		return 0
	}
	return q
}

// OpenBuyQuantity sums the quantities of open Buy entries for ticker.
func (s *LedgerState) OpenBuyQuantity(ticker string) int {
	total := 0
	for _, e := range s.Trades {
		if e.Ticker == ticker && e.IsOpenBuy() {
			total += e.Quantity
		}
	}
	return total
}

// Pending returns the entries still waiting for a broker outcome.
func (s *LedgerState) Pending() []LedgerEntry {
	var out []LedgerEntry
	for _, e := range s.Trades {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out
}

// Tickers returns the summary tickers in sorted order.
func (s *LedgerState) Tickers() []string {
	out := make([]string, 0, len(s.Summary))
	for t := range s.Summary {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
