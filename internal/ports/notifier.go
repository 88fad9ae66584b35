package ports

import "context"

// Notifier delivers human-facing messages (chat, email).
type Notifier interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Metrics records operational counters.
type Metrics interface {
	SignalHandled(outcome string)
	ValidatorDecision(code string)
	OrderPlaced(venue string)
	OrderFailed(reason string)
	LedgerAppend(seconds float64)
}
