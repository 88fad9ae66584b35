// Package retry runs broker and source calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"alertTrader/internal/ports"
)

// Policy describes how transient failures are retried.
type Policy struct {
	MaxAttempts int           // Total attempts including the first; <= 0 means 5
	Min         time.Duration // First delay
	Max         time.Duration // Delay cap
	Factor      float64
	Jitter      bool
	Logger      ports.Logger // Optional
}

// DefaultPolicy is used when configuration leaves the retry keys unset.
func DefaultPolicy(logger ports.Logger) Policy {
	return Policy{
		MaxAttempts: 5,
		Min:         500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      true,
		Logger:      logger,
	}
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, ports.ErrExchangeUnavailable),
		errors.Is(err, ports.ErrConnectionFailed),
		errors.Is(err, ports.ErrRateLimited),
		errors.Is(err, ports.ErrTimeout),
		errors.Is(err, ports.ErrDBConnection):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Do calls fn until it succeeds, fails permanently, or attempts run out.
// Exhaustion is reported as ports.ErrRetryExhausted wrapping the last error.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := b.Duration()
		if p.Logger != nil {
			p.Logger.Warn(ctx, "Transient failure, retrying", map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"wait":    wait.String(),
				"error":   lastErr.Error(),
			})
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w: %w", op, attempts, ports.ErrRetryExhausted, lastErr)
}
