package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tidwall/pretty"

	"alertTrader/internal/adapters/logger"
	"alertTrader/internal/analytics"
	"alertTrader/internal/domain"
	"alertTrader/internal/matcher"
	"alertTrader/internal/ports"
	"alertTrader/internal/utils"
)

type options struct {
	input    string
	from     time.Time
	to       time.Time
	workers  int
	asJSON   bool
	tradeCSV string
	now      time.Time
}

func main() {
	input := flag.String("input", "data/events.csv", "normalized event log (.csv or .jsonl)")
	from := flag.String("from", "", "only trades opened on or after this date (YYYY-MM-DD)")
	to := flag.String("to", "", "only trades opened on or before this date (YYYY-MM-DD)")
	workers := flag.Int("workers", 4, "strategy/ticker groups matched concurrently")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	tradeCSV := flag.String("trades-csv", "", "also write closed trades to this CSV file")
	level := flag.String("log-level", "WARN", "log level")
	flag.Parse()

	appLogger, err := logger.New(logger.Config{Level: logger.ParseLevel(*level), Format: "console", Component: "analyze"})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}

	opts := options{input: *input, workers: *workers, asJSON: *asJSON, tradeCSV: *tradeCSV, now: time.Now().UTC()}
	if opts.from, err = parseDate(*from); err != nil {
		log.Fatalf("Invalid -from: %v", err)
	}
	if opts.to, err = parseDate(*to); err != nil {
		log.Fatalf("Invalid -to: %v", err)
	}

	if err := run(context.Background(), opts, appLogger, os.Stdout); err != nil {
		appLogger.Error(context.Background(), err, "Analysis failed")
		log.Fatalf("Analysis failed: %v", err)
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func run(ctx context.Context, opts options, appLogger ports.Logger, out io.Writer) error {
	events, rowErrs, err := utils.ReadEvents(opts.input)
	if err != nil {
		return fmt.Errorf("read events from %s: %w", opts.input, err)
	}
	for _, re := range rowErrs {
		appLogger.Warn(ctx, "Skipping malformed event", map[string]interface{}{"line": re.Line, "error": re.Err.Error()})
	}
	if len(events) == 0 {
		return errors.New("no valid events found")
	}

	batch, err := matcher.MatchAll(ctx, events, matcher.Options{Now: opts.now, Workers: opts.workers, Logger: appLogger})
	if err != nil {
		return fmt.Errorf("match events: %w", err)
	}
	closed := analytics.FilterByDate(batch.Closed, opts.from, opts.to)
	open := filterOpen(batch.Open, opts.from, opts.to)
	appLogger.Info(ctx, "Events matched", map[string]interface{}{
		"events":   len(events),
		"closed":   len(closed),
		"open":     len(open),
		"discards": len(batch.Discards),
	})

	if opts.tradeCSV != "" {
		if err := utils.WriteClosedTradesToCSV(closed, opts.tradeCSV); err != nil {
			return fmt.Errorf("write %s: %w", opts.tradeCSV, err)
		}
	}

	report := analytics.Aggregate(closed, open)
	if opts.asJSON {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = out.Write(pretty.Pretty(data))
		return err
	}
	printReport(out, report, len(batch.Discards))
	return nil
}

func filterOpen(open []domain.OpenPosition, from, to time.Time) []domain.OpenPosition {
	if from.IsZero() && to.IsZero() {
		return open
	}
	var kept []domain.OpenPosition
	for _, p := range open {
		d := p.OpenTimestamp.UTC().Format("2006-01-02")
		if !from.IsZero() && d < from.Format("2006-01-02") {
			continue
		}
		if !to.IsZero() && d > to.Format("2006-01-02") {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

func printReport(out io.Writer, rep analytics.Report, discards int) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Strategy\tClosed\tOpen\tWinRate\tTotalPnL\tAvgRet%\tCompound%\tBuyHold%\tMaxDD\tAvgDays\t")
	for _, sp := range rep.Strategies {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.1f\t\n",
			sp.StrategyID,
			sp.ClosedTrades,
			sp.OpenTrades,
			sp.WinRate,
			sp.TotalPnL,
			sp.AvgReturn,
			sp.CompoundedReturn,
			sp.BuyHoldReturn,
			sp.MaxDrawdown*100,
			sp.AvgDaysInMarket,
		)
	}
	w.Flush()

	fmt.Fprintln(out, "\n## By Ticker")
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Ticker\tOutcome\tCount\tSumPnL\tAvgRet%\tAvgDays\t")
	for _, tp := range rep.Tickers {
		for _, row := range []analytics.PivotRow{tp.Win, tp.Loss, tp.Total} {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.1f\t\n", tp.Ticker, row.Label, row.Count, row.SumPnL, row.AvgReturn, row.AvgDays)
		}
	}
	w.Flush()

	o := rep.Overall
	fmt.Fprintf(out, "\n## Overall\nTrades: %d  PnL: %.2f  AvgReturn: %.2f%%  WinRate: %.2f%%  Discarded events: %d\n",
		o.TotalTrades, o.TotalPnL, o.AvgReturn, o.WinRate, discards)
}
