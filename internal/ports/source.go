package ports

import (
	"context"

	"alertTrader/internal/domain"
)

// SignalSource delivers normalized signals to the live loop.
type SignalSource interface {
	// Poll blocks until at least one signal is available or ctx is done.
	// Entries that could not be decoded are returned as Rejects, not errors.
	Poll(ctx context.Context) (Batch, error)
	// Commit acknowledges a fully handled batch.
	Commit(ctx context.Context, batch Batch) error
	Close() error
}

// Batch is one unit of work from a source.
type Batch struct {
	Signals []domain.Signal
	Rejects []Reject
	Token   interface{} // Source-specific acknowledgement handle
}

// Reject is an undecodable message.
type Reject struct {
	Ref string // File name, offset or message key
	Err error
}
