package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StopLevels holds optional stop-loss and take-profit percentages.
type StopLevels struct {
	StopLossPct   *decimal.Decimal `json:"sl_pct,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"tp_pct,omitempty"`
}

// Signal is a normalized alert as delivered to the live trader.
type Signal struct {
	Event

	ID           string     `json:"id,omitempty"`       // Transport-level identifier, if any
	Quantity     int        `json:"quantity,omitempty"` // Upstream hint only; sizing comes from config
	SubjectStops StopLevels `json:"subject_stops"`
	BodyStops    StopLevels `json:"body_stops"`
	Source       string     `json:"source,omitempty"` // Short excerpt of the originating alert
	ReceivedAt   time.Time  `json:"received_at,omitempty"`
}

// Validate checks the embedded event and the stop levels.
func (s Signal) Validate() error {
	if err := s.Event.Validate(); err != nil {
		return err
	}
	for _, lv := range []StopLevels{s.SubjectStops, s.BodyStops} {
		if lv.StopLossPct != nil && !lv.StopLossPct.IsPositive() {
			return fmt.Errorf("invalid signal %s: stop loss %s must be positive", s.Key(), lv.StopLossPct)
		}
		if lv.TakeProfitPct != nil && !lv.TakeProfitPct.IsPositive() {
			return fmt.Errorf("invalid signal %s: take profit %s must be positive", s.Key(), lv.TakeProfitPct)
		}
	}
	return nil
}

// ResolvedStops applies the body-over-subject precedence per field.
// conflict is true when both sources carry a value for a field and they differ.
func (s Signal) ResolvedStops() (resolved StopLevels, conflict bool) {
	resolved.StopLossPct, conflict = pick(s.BodyStops.StopLossPct, s.SubjectStops.StopLossPct)
	var tpConflict bool
	resolved.TakeProfitPct, tpConflict = pick(s.BodyStops.TakeProfitPct, s.SubjectStops.TakeProfitPct)
	return resolved, conflict || tpConflict
}

func pick(body, subject *decimal.Decimal) (*decimal.Decimal, bool) {
	if body != nil {
		return body, subject != nil && !subject.Equal(*body)
	}
	return subject, false
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
