// Package ledger is the single serialization point for live ledger mutations.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

const (
	maxSourceLen   = 100
	defaultLockKey = "alerttrader:ledger:writer"
	defaultLockTTL = 30 * time.Second
)

// Book wraps a LedgerStore with an in-memory view of the committed ledger.
// Every mutation runs in one critical section: store first, memory second.
type Book struct {
	mu      sync.Mutex
	store   ports.LedgerStore
	state   *domain.LedgerState
	logger  ports.Logger
	metrics ports.Metrics
	lock    ports.WriterLock
	lockKey string
	lockTTL time.Duration
	now     func() time.Time
}

// Option customizes a Book.
type Option func(*Book)

// WithWriterLock guards mutations with a cross-process lock.
func WithWriterLock(lock ports.WriterLock, key string, ttl time.Duration) Option {
	return func(b *Book) {
		b.lock = lock
		if key != "" {
			b.lockKey = key
		}
		if ttl > 0 {
			b.lockTTL = ttl
		}
	}
}

// WithMetrics records append latency.
func WithMetrics(m ports.Metrics) Option {
	return func(b *Book) { b.metrics = m }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// Open loads the committed ledger from store and logs any degraded recovery.
func Open(ctx context.Context, store ports.LedgerStore, logger ports.Logger, opts ...Option) (*Book, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	b := &Book{
		store:   store,
		logger:  logger,
		lockKey: defaultLockKey,
		lockTTL: defaultLockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}

	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	fields := map[string]interface{}{"trades": len(state.Trades), "tickers": len(state.Summary), "recovery": string(state.Recovery)}
	switch state.Recovery {
	case domain.RecoveredBackup:
		logger.Warn(ctx, "Ledger restored from backup; primary copy was unreadable", fields)
	case domain.RecoveredEmpty:
		logger.Warn(ctx, "Starting with an empty ledger", fields)
	default:
		logger.Info(ctx, "Ledger loaded", fields)
	}
	b.state = state
	return b, nil
}

func (b *Book) withLock(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock != nil {
		release, err := b.lock.Acquire(ctx, b.lockKey, b.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire ledger writer lock: %w", err)
		}
		defer release()
	}
	return fn()
}

// Record appends a new entry. Missing status defaults to pending and a missing
// timestamp to now. A Sell is linked to the oldest open Buy of its ticker.
func (b *Book) Record(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	entry.Source = domain.Truncate(entry.Source, maxSourceLen)

	err := b.withLock(ctx, func() error {
		if entry.Action == domain.Sell && entry.ClosesOrderID == "" {
			if buy, ok := b.state.OldestOpenBuy(entry.Ticker); ok {
				entry.ClosesOrderID = buy.OrderID
			}
		}
		// Validate against a scratch copy so a rejected entry never reaches the store.
		if err := b.state.Clone().Append(entry); err != nil {
			return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
		}

		start := time.Now()
		if err := b.store.Append(ctx, entry); err != nil {
			return fmt.Errorf("%w: append %s: %w", ports.ErrLedgerWrite, entry.OrderID, err)
		}
		if b.metrics != nil {
			b.metrics.LedgerAppend(time.Since(start).Seconds())
		}
		return b.state.Append(entry)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	b.logger.Info(ctx, "Ledger entry recorded", map[string]interface{}{
		"orderID":       entry.OrderID,
		"ticker":        entry.Ticker,
		"action":        string(entry.Action),
		"quantity":      entry.Quantity,
		"closesOrderID": entry.ClosesOrderID,
	})
	return entry, nil
}

// MarkFilled moves a pending entry to filled.
func (b *Book) MarkFilled(ctx context.Context, orderID string) error {
	return b.withLock(ctx, func() error { return b.markFilled(ctx, orderID, b.now()) })
}

func (b *Book) markFilled(ctx context.Context, orderID string, at time.Time) error {
	i, ok := b.state.Index(orderID)
	if !ok {
		return fmt.Errorf("mark filled %s: %w", orderID, domain.ErrEntryNotFound)
	}
	if b.state.Trades[i].Status != domain.StatusPending {
		return nil
	}
	if err := b.store.MarkFilled(ctx, orderID, at); err != nil {
		return fmt.Errorf("%w: mark filled %s: %w", ports.ErrLedgerWrite, orderID, err)
	}
	_, err := b.state.MarkFilled(orderID, at)
	return err
}

// MarkFailed moves a pending entry to the terminal failed state.
func (b *Book) MarkFailed(ctx context.Context, orderID string) error {
	return b.withLock(ctx, func() error {
		i, ok := b.state.Index(orderID)
		if !ok {
			return fmt.Errorf("mark failed %s: %w", orderID, domain.ErrEntryNotFound)
		}
		if b.state.Trades[i].Status != domain.StatusPending {
			return nil
		}
		if err := b.store.MarkFailed(ctx, orderID); err != nil {
			return fmt.Errorf("%w: mark failed %s: %w", ports.ErrLedgerWrite, orderID, err)
		}
		_, err := b.state.MarkFailed(orderID)
		return err
	})
}

// LinkClose records that sellID closed buyID.
func (b *Book) LinkClose(ctx context.Context, sellID, buyID string) error {
	return b.withLock(ctx, func() error { return b.linkClose(ctx, sellID, buyID, b.now()) })
}

func (b *Book) linkClose(ctx context.Context, sellID, buyID string, at time.Time) error {
	scratch := b.state.Clone()
	changed, err := scratch.LinkClose(sellID, buyID, at)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := b.store.LinkClose(ctx, sellID, buyID, at); err != nil {
		return fmt.Errorf("%w: link close %s -> %s: %w", ports.ErrLedgerWrite, sellID, buyID, err)
	}
	_, err = b.state.LinkClose(sellID, buyID, at)
	return err
}

// SettleFill marks the order filled and, for a Sell, closes the Buy it was recorded against.
func (b *Book) SettleFill(ctx context.Context, orderID string) error {
	return b.withLock(ctx, func() error {
		at := b.now()
		if err := b.markFilled(ctx, orderID, at); err != nil {
			return err
		}
		i, _ := b.state.Index(orderID)
		e := b.state.Trades[i]
		if e.Action != domain.Sell || e.ClosesOrderID == "" {
			return nil
		}
		return b.linkClose(ctx, orderID, e.ClosesOrderID, at)
	})
}

// Entry returns a copy of the entry with orderID.
func (b *Book) Entry(orderID string) (domain.LedgerEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.state.Index(orderID)
	if !ok {
		return domain.LedgerEntry{}, false
	}
	return b.state.Trades[i], true
}

// TickerOf returns the ticker recorded for orderID. It satisfies ports.TickerLookup.
func (b *Book) TickerOf(orderID string) (string, bool) {
	e, ok := b.Entry(orderID)
	return e.Ticker, ok
}

// OpenQuantity is the quantity the bot may still sell for ticker.
func (b *Book) OpenQuantity(ticker string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.OpenQuantity(ticker)
}

// OldestOpenBuy returns the Buy the next Sell of ticker would close.
func (b *Book) OldestOpenBuy(ticker string) (domain.LedgerEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.OldestOpenBuy(ticker)
}

// Pending returns entries still waiting on a broker outcome.
func (b *Book) Pending() []domain.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Pending()
}

// Snapshot returns a deep copy of the committed ledger.
func (b *Book) Snapshot() *domain.LedgerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

// Close closes the underlying store.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Close()
}
