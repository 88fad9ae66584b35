package ports

import "errors"

// Sentinel errors shared across adapters. Adapters wrap the underlying library
// error with one of these so callers can branch with errors.Is.
var (
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrRetryExhausted     = errors.New("retry attempts exhausted")

	// Signals
	ErrMalformedEvent = errors.New("malformed event")

	// Brokers
	ErrExchangeUnavailable  = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the broker")
	ErrPositionNotFound     = errors.New("position not found on the broker")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrUnknownVenue         = errors.New("no broker venue handles this ticker")

	// Ledger storage
	ErrDuplicateEntry = errors.New("record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrLedgerWrite    = errors.New("ledger write failed")
	ErrLedgerCorrupt  = errors.New("ledger document is unreadable")
	ErrLockHeld       = errors.New("ledger writer lock is held by another process")
)
