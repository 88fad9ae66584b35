package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenPosition represents a long that has not been closed yet.
type OpenPosition struct {
	StrategyID    string          `json:"strategy_id"`
	Ticker        string          `json:"ticker"`
	OpenTimestamp time.Time       `json:"open_timestamp"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	AgeDays       int             `json:"age_days"` // Whole days between open and the evaluation time

	StrategyName string `json:"strategy_name,omitempty"`
	Timeframe    string `json:"timeframe,omitempty"`
	AlertName    string `json:"alert_name,omitempty"`
}

// NewOpenPosition builds the open position left by a Buy, aged relative to now.
func NewOpenPosition(open Event, now time.Time) OpenPosition {
	age := int(now.Sub(open.Timestamp).Hours() / 24)
	if age < 0 {
		age = 0
	}
	return OpenPosition{
		StrategyID:    open.StrategyID,
		Ticker:        open.Ticker,
		OpenTimestamp: open.Timestamp,
		OpenPrice:     open.Price,
		AgeDays:       age,
		StrategyName:  open.StrategyName,
		Timeframe:     open.Timeframe,
		AlertName:     open.AlertName,
	}
}
