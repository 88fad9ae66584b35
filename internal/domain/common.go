package domain

import (
	"fmt"
	"strings"
)

// Action represents the side of a signal or order (BUY or SELL).
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// ParseAction converts a case-insensitive action string into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// UnmarshalText accepts "buy", "Buy" and "BUY" alike.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// EntryStatus represents the lifecycle state of a ledger entry.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusFilled  EntryStatus = "filled"
	StatusFailed  EntryStatus = "failed" // Broker never accepted the order; terminal
)

// Outcome classifies a closed trade.
type Outcome string

const (
	OutcomeWin  Outcome = "Win"
	OutcomeLoss Outcome = "Loss"
)

// DiscardReason explains why the matcher ignored an event.
type DiscardReason string

const (
	DiscardSellBeforeFirstBuy DiscardReason = "sell_before_first_buy"
	DiscardBuyWhileLong       DiscardReason = "buy_while_long"
	DiscardSellWhileFlat      DiscardReason = "sell_while_flat"
	DiscardDuplicate          DiscardReason = "duplicate"
)

// RecoverySource tells where a loaded ledger came from.
type RecoverySource string

const (
	RecoveredPrimary RecoverySource = "primary"
	RecoveredBackup  RecoverySource = "backup"
	RecoveredEmpty   RecoverySource = "empty"
)

// OrderType is the execution style requested from a broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState is the broker-side status of a placed order.
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateRejected OrderState = "rejected" // Canceled, expired or rejected without a fill
)
