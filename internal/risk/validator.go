// Package risk guards live sells against the broker position and the bot's own ledger.
package risk

import (
	"context"
	"fmt"
	"sync"

	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
)

// Decision codes.
const (
	CodeValidated         = "SELL_VALIDATED"
	CodeAdjusted          = "QUANTITY_ADJUSTED"
	CodeNoPosition        = "SAFETY_BLOCK_NO_POSITION"
	CodeNotLong           = "SAFETY_BLOCK_NOT_LONG"
	CodeNoBotPosition     = "BOT_PRECISION_BLOCK_NO_POSITION"
	CodeBelowMinimum      = "BOT_PRECISION_BLOCK_MINIMUM"
	CodeExceedsBot        = "BOT_PRECISION_BLOCK_EXCEEDS"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeBrokerUnavailable = "BROKER_UNAVAILABLE"
)

// Decision is the validator's verdict on one sell request.
type Decision struct {
	Approved       bool   `json:"approved"`
	Quantity       int    `json:"quantity"` // Quantity to actually sell; 0 when rejected
	Reason         string `json:"reason"`
	Code           string `json:"code"`
	Ticker         string `json:"ticker"`
	Requested      int    `json:"requested"`
	BrokerQuantity int    `json:"broker_quantity"`
	LedgerQuantity int    `json:"ledger_quantity"`
}

// PositionReader is the part of a broker the validator needs.
type PositionReader interface {
	GetOpenPositions(ctx context.Context, account string) (map[string]int, error)
}

// LedgerReader is the part of the ledger the validator needs.
type LedgerReader interface {
	OpenQuantity(ticker string) int
}

// ValidatorConfig holds configuration for sell validation.
type ValidatorConfig struct {
	Account           string
	MinLedgerQuantity int // Sells are blocked when the bot holds less; <= 0 means 1
}

// ValidatorStats counts decisions since start.
type ValidatorStats struct {
	Validated int
	Adjusted  int
	Blocked   int
}

// SellValidator implements the two-sided sell safety check.
type SellValidator struct {
	config ValidatorConfig
	broker PositionReader
	ledger LedgerReader
	retry  retry.Policy
	audit  ports.Logger
	logger ports.Logger

	mu    sync.Mutex
	stats ValidatorStats
}

// NewSellValidator creates a validator. audit receives one line per decision.
func NewSellValidator(cfg ValidatorConfig, broker PositionReader, ledger LedgerReader, policy retry.Policy, audit, logger ports.Logger) *SellValidator {
	if cfg.MinLedgerQuantity <= 0 {
		cfg.MinLedgerQuantity = 1
	}
	return &SellValidator{
		config: cfg,
		broker: broker,
		ledger: ledger,
		retry:  policy,
		audit:  audit,
		logger: logger,
	}
}

// Validate decides whether requested units of ticker may be sold.
// A non-nil error means the broker could not be asked; the decision is then a
// rejection and the error wraps ports.ErrRetryExhausted when retries ran out.
func (v *SellValidator) Validate(ctx context.Context, ticker string, requested int) (Decision, error) {
	d := Decision{Ticker: ticker, Requested: requested}
	if requested <= 0 {
		d = reject(d, CodeInvalidRequest, fmt.Sprintf("INVALID REQUEST: Sell quantity for %s must be positive, got %d", ticker, requested))
		v.record(ctx, d)
		return d, nil
	}

	var positions map[string]int
	err := v.retry.Do(ctx, "get open positions", func(ctx context.Context) error {
		var err error
		positions, err = v.broker.GetOpenPositions(ctx, v.config.Account)
		return err
	})
	if err != nil {
		d = reject(d, CodeBrokerUnavailable, fmt.Sprintf("SAFETY BLOCK: Could not read broker positions for %s", ticker))
		v.record(ctx, d)
		return d, fmt.Errorf("validate sell %s: %w", ticker, err)
	}

	d.LedgerQuantity = v.ledger.OpenQuantity(ticker)
	brokerQty, found := positions[ticker]
	d.BrokerQuantity = brokerQty

	switch {
	case !found:
		d = reject(d, CodeNoPosition, fmt.Sprintf("SAFETY BLOCK: No position found for %s", ticker))
	case brokerQty <= 0:
		d = reject(d, CodeNotLong, fmt.Sprintf("SAFETY BLOCK: Position for %s is %d (not long)", ticker, brokerQty))
	case d.LedgerQuantity <= 0:
		d = reject(d, CodeNoBotPosition, fmt.Sprintf("BOT PRECISION BLOCK: No bot open position for %s", ticker))
	case d.LedgerQuantity < v.config.MinLedgerQuantity:
		d = reject(d, CodeBelowMinimum, fmt.Sprintf("BOT PRECISION BLOCK: Bot open position for %s is %d (minimum %d)", ticker, d.LedgerQuantity, v.config.MinLedgerQuantity))
	case requested > d.LedgerQuantity:
		d = reject(d, CodeExceedsBot, fmt.Sprintf("BOT PRECISION BLOCK: Requested %d > bot's open %d for %s", requested, d.LedgerQuantity, ticker))
	case requested > brokerQty:
		d.Approved = true
		d.Quantity = min3(requested, brokerQty, d.LedgerQuantity)
		d.Code = CodeAdjusted
		d.Reason = fmt.Sprintf("QUANTITY ADJUSTED: Selling %d instead of %d", d.Quantity, requested)
	default:
		d.Approved = true
		d.Quantity = requested
		d.Code = CodeValidated
		d.Reason = fmt.Sprintf("SELL VALIDATED: Can safely sell %d shares of %s", requested, ticker)
	}

	v.record(ctx, d)
	return d, nil
}

func reject(d Decision, code, reason string) Decision {
	d.Approved = false
	d.Quantity = 0
	d.Code = code
	d.Reason = reason
	return d
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func (v *SellValidator) record(ctx context.Context, d Decision) {
	v.mu.Lock()
	switch {
	case !d.Approved:
		v.stats.Blocked++
	case d.Code == CodeAdjusted:
		v.stats.Adjusted++
	default:
		v.stats.Validated++
	}
	v.mu.Unlock()

	fields := map[string]interface{}{
		"ticker":         d.Ticker,
		"code":           d.Code,
		"approved":       d.Approved,
		"requested":      d.Requested,
		"quantity":       d.Quantity,
		"brokerQuantity": d.BrokerQuantity,
		"ledgerQuantity": d.LedgerQuantity,
	}
	if v.audit != nil {
		v.audit.Info(ctx, d.Reason, fields)
	}
	if v.logger != nil && !d.Approved {
		v.logger.Warn(ctx, d.Reason, fields)
	}
}

// GetStats returns a copy of the decision counters.
func (v *SellValidator) GetStats() ValidatorStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}
