package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Event is one normalized trading signal.
type Event struct {
	StrategyID string          `json:"strategy_id" validate:"required"` // Stable identifier of the alert source
	Ticker     string          `json:"ticker" validate:"required"`      // Normalized symbol
	Action     Action          `json:"action" validate:"oneof=BUY SELL"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp" validate:"required"` // UTC, second precision

	// Optional descriptive metadata carried through to reports.
	StrategyName string `json:"strategy_name,omitempty"`
	Timeframe    string `json:"timeframe,omitempty"`
	AlertName    string `json:"alert_name,omitempty"`
}

// Key identifies the (strategy, ticker) group an event belongs to.
type Key struct {
	StrategyID string
	Ticker     string
}

func (k Key) String() string {
	return k.StrategyID + "/" + k.Ticker
}

// Key returns the grouping key of the event.
func (e Event) Key() Key {
	return Key{StrategyID: e.StrategyID, Ticker: e.Ticker}
}

// Validate rejects events with missing or invalid fields. Nothing is coerced.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event %s %s: %w", e.Key(), e.Action, err)
	}
	if e.Price.IsNegative() {
		return fmt.Errorf("invalid event %s: negative price %s", e.Key(), e.Price)
	}
	if strings.TrimSpace(e.Ticker) != e.Ticker || strings.TrimSpace(e.StrategyID) != e.StrategyID {
		return fmt.Errorf("invalid event %s: surrounding whitespace in identifiers", e.Key())
	}
	return nil
}

// Normalized returns a copy with the timestamp in UTC truncated to the second.
func (e Event) Normalized() Event {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Second)
	return e
}
