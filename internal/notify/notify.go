// Package notify fans messages out to notifiers without letting failures reach the caller.
package notify

import (
	"context"
	"time"

	"alertTrader/internal/ports"
)

const sendTimeout = 15 * time.Second

// BestEffort delivers to every configured notifier and only logs failures.
type BestEffort struct {
	senders []ports.Notifier
	logger  ports.Logger
}

// NewBestEffort wraps senders; nil entries are ignored.
func NewBestEffort(logger ports.Logger, senders ...ports.Notifier) *BestEffort {
	var live []ports.Notifier
	for _, s := range senders {
		if s != nil {
			live = append(live, s)
		}
	}
	return &BestEffort{senders: live, logger: logger}
}

// Enabled reports whether any notifier is configured.
func (b *BestEffort) Enabled() bool {
	return b != nil && len(b.senders) > 0
}

// Notify sends title and message to every notifier. It never fails.
func (b *BestEffort) Notify(ctx context.Context, title, message string) {
	if !b.Enabled() {
		return
	}
	// Notifications still go out while the service shuts down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	for _, s := range b.senders {
		if err := s.Send(ctx, title, message); err != nil {
			b.logger.Warn(ctx, "Notification failed", map[string]interface{}{
				"sender": s.Name(),
				"title":  title,
				"error":  err.Error(),
			})
			continue
		}
		b.logger.Debug(ctx, "Notification sent", map[string]interface{}{"sender": s.Name(), "title": title})
	}
}
