package ports

import (
	"context"
	"time"

	"alertTrader/internal/domain"
)

// LedgerStore persists ledger entries.
// Implementations assume a single logical writer; callers serialize mutations
// (see ledger.Book). Every mutation must be durable before it returns nil.
type LedgerStore interface {
	// Append durably records a new entry.
	Append(ctx context.Context, entry domain.LedgerEntry) error
	// Load returns the committed ledger with a rebuilt summary.
	// A missing or unreadable store degrades to the backup or to an empty ledger;
	// LedgerState.Recovery tells which.
	Load(ctx context.Context) (*domain.LedgerState, error)
	// MarkFilled moves a pending entry to filled. No-op if not pending.
	MarkFilled(ctx context.Context, orderID string, at time.Time) error
	// MarkFailed moves a pending entry to failed. No-op if not pending.
	MarkFailed(ctx context.Context, orderID string) error
	// LinkClose links a Sell entry to the Buy entry it closes. Each side is set once.
	LinkClose(ctx context.Context, sellOrderID, buyOrderID string, at time.Time) error
	// Close releases underlying resources.
	Close() error
}

// WriterLock guards the ledger against writers in other processes.
type WriterLock interface {
	// Acquire blocks until the lock is held or ctx is done. The returned func releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Archiver copies ledger snapshots to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}
