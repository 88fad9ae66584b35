package ledger

import (
	"context"
	"sort"
)

// Mismatch is a ticker whose ledger and broker quantities disagree.
type Mismatch struct {
	Ticker         string `json:"ticker"`
	LedgerQuantity int    `json:"ledger_quantity"`
	BrokerQuantity int    `json:"broker_quantity"`
}

// Reconcile compares the ledger's open quantities with broker positions.
// Differences are logged as warnings only; nothing is corrected.
func (b *Book) Reconcile(ctx context.Context, positions map[string]int) []Mismatch {
	snap := b.Snapshot()

	tickers := make(map[string]struct{})
	for _, t := range snap.Tickers() {
		tickers[t] = struct{}{}
	}
	for t := range positions {
		tickers[t] = struct{}{}
	}

	var out []Mismatch
	for t := range tickers {
		lq := snap.OpenQuantity(t)
		bq := positions[t]
		if lq == 0 && bq == 0 {
			continue
		}
		if lq != bq {
			out = append(out, Mismatch{Ticker: t, LedgerQuantity: lq, BrokerQuantity: bq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })

	for _, m := range out {
		b.logger.Warn(ctx, "Position mismatch between ledger and broker", map[string]interface{}{
			"ticker":         m.Ticker,
			"ledgerQuantity": m.LedgerQuantity,
			"brokerQuantity": m.BrokerQuantity,
		})
	}
	if len(out) == 0 {
		b.logger.Info(ctx, "Ledger reconciled with broker positions", map[string]interface{}{"tickers": len(tickers)})
	}
	return out
}

// DriftReport is a ticker whose summary disagrees with its open Buy entries.
type DriftReport struct {
	Ticker          string `json:"ticker"`
	SummaryQuantity int    `json:"summary_quantity"`
	OpenBuyQuantity int    `json:"open_buy_quantity"`
}

// Drift lists tickers where the summary open quantity differs from the sum of
// open Buy entries, e.g. after a sell was clamped or a close was never linked.
func (b *Book) Drift() []DriftReport {
	snap := b.Snapshot()
	var out []DriftReport
	for _, t := range snap.Tickers() {
		sq := snap.OpenQuantity(t)
		oq := snap.OpenBuyQuantity(t)
		if sq != oq {
			out = append(out, DriftReport{Ticker: t, SummaryQuantity: sq, OpenBuyQuantity: oq})
		}
	}
	return out
}
