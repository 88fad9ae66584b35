package analytics

import (
	"math"
	"sort"

	"alertTrader/internal/domain"
)

// PivotRow is one Win, Loss or Total line of a ticker pivot.
type PivotRow struct {
	Label     string  `json:"label"`
	Count     int     `json:"count"`
	SumPnL    float64 `json:"sum_pnl"`
	AvgReturn float64 `json:"avg_return_pct"`
	AvgDays   float64 `json:"avg_days"`
}

// TickerPivot summarizes one ticker's closed trades by outcome.
type TickerPivot struct {
	Ticker        string   `json:"ticker"`
	Win           PivotRow `json:"win"`
	Loss          PivotRow `json:"loss"`
	Total         PivotRow `json:"total"`
	WinRate       float64  `json:"win_rate_pct"`
	RiskRewardAmt float64  `json:"risk_reward"`
	RiskRewardPct float64  `json:"risk_reward_pct"`
}

type accum struct {
	count   int
	pnl     float64
	ret     float64
	days    int
	cost    float64
	winners int
}

func (a *accum) add(ct domain.ClosedTrade) {
	a.count++
	a.pnl += ct.PnL.InexactFloat64()
	a.ret += ct.ReturnPct.InexactFloat64()
	a.days += ct.DaysInMarket
	a.cost += ct.Cost.InexactFloat64()
	if ct.Outcome == domain.OutcomeWin {
		a.winners++
	}
}

func (a accum) row(label string) PivotRow {
	r := PivotRow{Label: label, Count: a.count, SumPnL: a.pnl}
	if a.count > 0 {
		r.AvgReturn = a.ret / float64(a.count)
		r.AvgDays = float64(a.days) / float64(a.count)
	}
	return r
}

// PivotByTicker builds Win/Loss/Total rows per ticker, sorted by ticker.
// With no losing trades the risk:reward divisor is 1.
func PivotByTicker(closed []domain.ClosedTrade) []TickerPivot {
	type pair struct{ win, loss, total accum }
	byTicker := make(map[string]*pair)
	for _, ct := range closed {
		p, ok := byTicker[ct.Ticker]
		if !ok {
			p = &pair{}
			byTicker[ct.Ticker] = p
		}
		p.total.add(ct)
		if ct.Outcome == domain.OutcomeWin {
			p.win.add(ct)
		} else {
			p.loss.add(ct)
		}
	}

	out := make([]TickerPivot, 0, len(byTicker))
	for ticker, p := range byTicker {
		tp := TickerPivot{
			Ticker: ticker,
			Win:    p.win.row("Win"),
			Loss:   p.loss.row("Loss"),
			Total:  p.total.row("Total"),
		}
		if p.total.count > 0 {
			tp.WinRate = float64(p.win.count) / float64(p.total.count) * 100
		}

		var avgWin, avgWinPct float64
		avgLoss, avgLossPct := 1.0, 1.0
		if p.win.count > 0 {
			avgWin = p.win.pnl / float64(p.win.count)
			avgWinPct = p.win.ret / float64(p.win.count)
		}
		if p.loss.count > 0 {
			avgLoss = math.Abs(p.loss.pnl / float64(p.loss.count))
			avgLossPct = math.Abs(p.loss.ret / float64(p.loss.count))
		}
		if avgLoss != 0 {
			tp.RiskRewardAmt = avgWin / avgLoss
		}
		if avgLossPct != 0 {
			tp.RiskRewardPct = avgWinPct / avgLossPct
		}
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Breakdown is a grouped summary keyed by ticker, strategy name or timeframe.
type Breakdown struct {
	Key       string  `json:"key"`
	Trades    int     `json:"trades"`
	TotalPnL  float64 `json:"total_pnl"`
	AvgReturn float64 `json:"avg_return_pct"`
	TotalCost float64 `json:"total_cost"`
	WinRate   float64 `json:"win_rate_pct"`
}

// BreakdownBy groups trades by key(trade). Trades with an empty key are skipped;
// nil is returned when no trade has a key.
func BreakdownBy(closed []domain.ClosedTrade, key func(domain.ClosedTrade) string) []Breakdown {
	groups := make(map[string]*accum)
	for _, ct := range closed {
		k := key(ct)
		if k == "" {
			continue
		}
		a, ok := groups[k]
		if !ok {
			a = &accum{}
			groups[k] = a
		}
		a.add(ct)
	}
	if len(groups) == 0 {
		return nil
	}

	out := make([]Breakdown, 0, len(groups))
	for k, a := range groups {
		out = append(out, Breakdown{
			Key:       k,
			Trades:    a.count,
			TotalPnL:  a.pnl,
			AvgReturn: a.ret / float64(a.count),
			TotalCost: a.cost,
			WinRate:   float64(a.winners) / float64(a.count) * 100,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// OverallSummary aggregates every closed trade.
type OverallSummary struct {
	TotalTrades int     `json:"total_trades"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgReturn   float64 `json:"avg_return_pct"`
	TotalCost   float64 `json:"total_cost"`
	WinRate     float64 `json:"win_rate_pct"`
}

// Summarize computes the overall summary.
func Summarize(closed []domain.ClosedTrade) OverallSummary {
	var a accum
	for _, ct := range closed {
		a.add(ct)
	}
	s := OverallSummary{TotalTrades: a.count, TotalPnL: a.pnl, TotalCost: a.cost}
	if a.count > 0 {
		s.AvgReturn = a.ret / float64(a.count)
		s.WinRate = float64(a.winners) / float64(a.count) * 100
	}
	return s
}
