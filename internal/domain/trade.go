package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ClosedTrade represents a completed one-unit round trip.
type ClosedTrade struct {
	StrategyID     string          `json:"strategy_id"`
	Ticker         string          `json:"ticker"`
	OpenTimestamp  time.Time       `json:"open_timestamp"`
	CloseTimestamp time.Time       `json:"close_timestamp"`
	OpenPrice      decimal.Decimal `json:"open_price"`
	ClosePrice     decimal.Decimal `json:"close_price"`
	Cost           decimal.Decimal `json:"cost"`           // Open price times one unit
	DaysInMarket   int             `json:"days_in_market"` // Calendar days between open and close dates
	PnL            decimal.Decimal `json:"pnl"`
	ReturnPct      decimal.Decimal `json:"return_pct"`
	Outcome        Outcome         `json:"outcome"`

	StrategyName string `json:"strategy_name,omitempty"`
	Timeframe    string `json:"timeframe,omitempty"`
	AlertName    string `json:"alert_name,omitempty"`
}

// NewClosedTrade derives a ClosedTrade from the opening Buy and the closing Sell.
func NewClosedTrade(open, close Event) ClosedTrade {
	pnl := close.Price.Sub(open.Price)
	ret := decimal.Zero
	if !open.Price.IsZero() {
		ret = pnl.Div(open.Price).Mul(hundred)
	}
	outcome := OutcomeLoss
	if ret.IsPositive() {
		outcome = OutcomeWin
	}
	return ClosedTrade{
		StrategyID:     open.StrategyID,
		Ticker:         open.Ticker,
		OpenTimestamp:  open.Timestamp,
		CloseTimestamp: close.Timestamp,
		OpenPrice:      open.Price,
		ClosePrice:     close.Price,
		Cost:           open.Price,
		DaysInMarket:   CalendarDays(open.Timestamp, close.Timestamp),
		PnL:            pnl,
		ReturnPct:      ret,
		Outcome:        outcome,
		StrategyName:   open.StrategyName,
		Timeframe:      open.Timeframe,
		AlertName:      open.AlertName,
	}
}

// CalendarDays counts the calendar days between the UTC dates of from and to.
func CalendarDays(from, to time.Time) int {
	f := from.UTC()
	t := to.UTC()
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(td.Sub(fd).Hours() / 24)
}

// Discard records an event the matcher refused to apply.
type Discard struct {
	Event  Event         `json:"event"`
	Reason DiscardReason `json:"reason"`
}
