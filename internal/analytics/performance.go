// Package analytics aggregates matched trades into per-strategy performance reports.
package analytics

import (
	"math"
	"sort"
	"time"

	"alertTrader/internal/domain"
)

// InitialPrinciple is the notional starting balance of every strategy's compounding series.
const InitialPrinciple = 100000.0

// StrategyPerformance holds the metrics of one strategy_id.
type StrategyPerformance struct {
	StrategyID   string `json:"strategy_id"`
	StrategyName string `json:"strategy_name,omitempty"`

	// Basic Metrics
	ClosedTrades int     `json:"closed_trades"`
	OpenTrades   int     `json:"open_positions"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	AvgReturn    float64 `json:"avg_return_pct"`
	TotalCost    float64 `json:"total_cost"`
	WinCount     int     `json:"win_count"`
	LossCount    int     `json:"loss_count"`
	WinRate      float64 `json:"win_rate_pct"`

	// Return Comparison
	TotalReturn       float64            `json:"total_return_pct"`      // Sum of per-trade returns
	CompoundedReturn  float64            `json:"compounded_return_pct"` // Final balance vs InitialPrinciple
	BuyHoldReturn     float64            `json:"buy_hold_return_pct"`   // First open to last close
	TotalMinusBuyHold float64            `json:"total_minus_buy_hold_pct"`
	CompoundedMinusBH float64            `json:"compounded_minus_buy_hold_pct"`
	Principles        []float64          `json:"principles"` // Balance before each trade, chronological
	FinalBalance      float64            `json:"final_balance"`
	MaxDrawdown       float64            `json:"max_drawdown"` // Fraction of peak balance
	MonthlyPnL        map[string]float64 `json:"monthly_pnl"`  // Keyed by close month YYYY-MM

	// Time Metrics
	AvgDaysInMarket   float64 `json:"avg_days_in_market"`
	TotalTimeInMarket float64 `json:"total_time_in_market"`
	BuyHoldDays       int     `json:"buy_hold_days"`
	TimeUtilization   float64 `json:"time_utilization"`
	BetaComparison    float64 `json:"beta_comparison"`

	// Trade Quality
	AvgWinAmount  float64 `json:"avg_win"`
	AvgLossAmount float64 `json:"avg_loss"`
	AvgWinPct     float64 `json:"avg_win_pct"`
	AvgLossPct    float64 `json:"avg_loss_pct"`
	RiskRewardAmt float64 `json:"risk_reward"`
	RiskRewardPct float64 `json:"risk_reward_pct"`
	BestTradePnL  float64 `json:"best_trade"`
	WorstTradePnL float64 `json:"worst_trade"`
	BestTradePct  float64 `json:"best_trade_pct"`
	WorstTradePct float64 `json:"worst_trade_pct"`
}

// Report is the full aggregation output.
type Report struct {
	Strategies  []StrategyPerformance `json:"strategies"` // Sorted by total PnL, descending
	Tickers     []TickerPivot         `json:"tickers"`
	ByTicker    []Breakdown           `json:"by_ticker"`
	ByStrategy  []Breakdown           `json:"by_strategy_name,omitempty"`
	ByTimeframe []Breakdown           `json:"by_timeframe,omitempty"`
	Overall     OverallSummary        `json:"overall"`
}

// Aggregate builds a report from matcher output. Strategies with open positions
// but no closed trades are not listed.
func Aggregate(closed []domain.ClosedTrade, open []domain.OpenPosition) Report {
	openCount := make(map[string]int)
	for _, p := range open {
		openCount[p.StrategyID]++
	}

	groups := make(map[string][]domain.ClosedTrade)
	for _, ct := range closed {
		groups[ct.StrategyID] = append(groups[ct.StrategyID], ct)
	}

	rep := Report{
		Strategies:  make([]StrategyPerformance, 0, len(groups)),
		Tickers:     PivotByTicker(closed),
		ByTicker:    BreakdownBy(closed, func(ct domain.ClosedTrade) string { return ct.Ticker }),
		ByStrategy:  BreakdownBy(closed, func(ct domain.ClosedTrade) string { return ct.StrategyName }),
		ByTimeframe: BreakdownBy(closed, func(ct domain.ClosedTrade) string { return ct.Timeframe }),
		Overall:     Summarize(closed),
	}
	for id, trades := range groups {
		sp := AnalyzeStrategy(trades)
		sp.StrategyID = id
		sp.OpenTrades = openCount[id]
		rep.Strategies = append(rep.Strategies, sp)
	}
	sort.SliceStable(rep.Strategies, func(i, j int) bool {
		if rep.Strategies[i].TotalPnL != rep.Strategies[j].TotalPnL {
			return rep.Strategies[i].TotalPnL > rep.Strategies[j].TotalPnL
		}
		return rep.Strategies[i].StrategyID < rep.Strategies[j].StrategyID
	})
	return rep
}

// AnalyzeStrategy computes the metrics of one strategy's closed trades.
func AnalyzeStrategy(trades []domain.ClosedTrade) StrategyPerformance {
	sp := StrategyPerformance{FinalBalance: InitialPrinciple, MonthlyPnL: make(map[string]float64)}
	if len(trades) == 0 {
		return sp
	}

	sorted := make([]domain.ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTimestamp.Before(sorted[j].OpenTimestamp)
	})
	first, last := sorted[0], sorted[len(sorted)-1]
	sp.StrategyName = first.StrategyName

	var (
		totalDays       int
		winPnL, lossPnL float64
		winRet, lossRet float64
		balance         = InitialPrinciple
		peak            = InitialPrinciple
	)
	sp.BestTradePnL, sp.WorstTradePnL = math.Inf(-1), math.Inf(1)
	sp.BestTradePct, sp.WorstTradePct = math.Inf(-1), math.Inf(1)
	sp.Principles = make([]float64, 0, len(sorted))

	for _, ct := range sorted {
		pnl := ct.PnL.InexactFloat64()
		ret := ct.ReturnPct.InexactFloat64()

		sp.ClosedTrades++
		sp.TotalPnL += pnl
		sp.TotalReturn += ret
		sp.TotalCost += ct.Cost.InexactFloat64()
		totalDays += ct.DaysInMarket
		sp.MonthlyPnL[ct.CloseTimestamp.UTC().Format("2006-01")] += pnl

		if ct.Outcome == domain.OutcomeWin {
			sp.WinCount++
			winPnL += pnl
			winRet += ret
		} else {
			sp.LossCount++
			lossPnL += pnl
			lossRet += ret
		}

		sp.BestTradePnL = math.Max(sp.BestTradePnL, pnl)
		sp.WorstTradePnL = math.Min(sp.WorstTradePnL, pnl)
		sp.BestTradePct = math.Max(sp.BestTradePct, ret)
		sp.WorstTradePct = math.Min(sp.WorstTradePct, ret)

		sp.Principles = append(sp.Principles, balance)
		balance *= 1 + ret/100
		if balance > peak {
			peak = balance
		} else if dd := (peak - balance) / peak; dd > sp.MaxDrawdown {
			sp.MaxDrawdown = dd
		}
	}

	n := float64(sp.ClosedTrades)
	sp.FinalBalance = balance
	sp.AvgPnL = sp.TotalPnL / n
	sp.AvgReturn = sp.TotalReturn / n
	sp.WinRate = float64(sp.WinCount) / n * 100
	sp.AvgDaysInMarket = float64(totalDays) / n
	sp.CompoundedReturn = (balance - InitialPrinciple) / InitialPrinciple * 100

	openPrice := first.OpenPrice.InexactFloat64()
	if openPrice > 0 {
		sp.BuyHoldReturn = (last.ClosePrice.InexactFloat64()/openPrice - 1) * 100
	}
	sp.TotalMinusBuyHold = sp.TotalReturn - sp.BuyHoldReturn
	sp.CompoundedMinusBH = sp.CompoundedReturn - sp.BuyHoldReturn

	sp.TotalTimeInMarket = sp.AvgDaysInMarket * n
	sp.BuyHoldDays = domain.CalendarDays(first.OpenTimestamp, last.CloseTimestamp)
	if sp.BuyHoldDays > 0 {
		sp.TimeUtilization = sp.TotalTimeInMarket / float64(sp.BuyHoldDays)
	}
	sp.BetaComparison = sp.CompoundedMinusBH - sp.BuyHoldReturn*sp.TimeUtilization

	if sp.WinCount > 0 {
		sp.AvgWinAmount = winPnL / float64(sp.WinCount)
		sp.AvgWinPct = winRet / float64(sp.WinCount)
	}
	if sp.LossCount > 0 {
		sp.AvgLossAmount = lossPnL / float64(sp.LossCount)
		sp.AvgLossPct = lossRet / float64(sp.LossCount)
	}
	if sp.AvgLossAmount != 0 {
		sp.RiskRewardAmt = math.Abs(sp.AvgWinAmount / sp.AvgLossAmount)
	}
	if sp.AvgLossPct != 0 {
		sp.RiskRewardPct = math.Abs(sp.AvgWinPct / sp.AvgLossPct)
	}
	return sp
}

// FilterByDate keeps trades whose open date falls in [from, to]. Zero bounds are open-ended.
func FilterByDate(closed []domain.ClosedTrade, from, to time.Time) []domain.ClosedTrade {
	if from.IsZero() && to.IsZero() {
		return closed
	}
	out := make([]domain.ClosedTrade, 0, len(closed))
	for _, ct := range closed {
		d := dateOf(ct.OpenTimestamp)
		if !from.IsZero() && d.Before(dateOf(from)) {
			continue
		}
		if !to.IsZero() && d.After(dateOf(to)) {
			continue
		}
		out = append(out, ct)
	}
	return out
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
