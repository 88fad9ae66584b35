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
	"sort"
	"text/tabwriter"
	"time"

	"github.com/tidwall/pretty"

	"alertTrader/config"
	"alertTrader/internal/adapters/logger"
	"alertTrader/internal/ledger"
	"alertTrader/internal/ports"
	"alertTrader/internal/wiring"
)

const usage = `usage: ledgerctl [-json] <command>

commands:
  summary   per-ticker open quantity and totals
  open      open buy entries, oldest first
  drift     tickers whose summary disagrees with their open buys
  archive   upload a ledger snapshot to the configured S3 bucket
`

func main() {
	asJSON := flag.Bool("json", false, "print JSON instead of tables")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr", Component: "ledgerctl"})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	ctx := context.Background()

	// 3. Open Ledger
	book, closeLock, err := wiring.Book(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open trade ledger")
		log.Fatalf("FATAL: Failed to open trade ledger: %v", err)
	}
	defer closeLock()
	defer book.Close()

	var archiver ports.Archiver
	if flag.Arg(0) == "archive" {
		if archiver, err = wiring.Archiver(ctx, cfg, appLogger); err != nil {
			log.Fatalf("FATAL: Failed to initialize ledger archive: %v", err)
		}
	}

	if err := run(ctx, flag.Arg(0), book, archiver, *asJSON, os.Stdout); err != nil {
		appLogger.Error(ctx, err, "Command failed", map[string]interface{}{"command": flag.Arg(0)})
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, cmd string, book *ledger.Book, archiver ports.Archiver, asJSON bool, out io.Writer) error {
	switch cmd {
	case "summary":
		return summary(book, asJSON, out)
	case "open":
		return openBuys(book, asJSON, out)
	case "drift":
		return drift(book, asJSON, out)
	case "archive":
		return archive(ctx, book, archiver, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(pretty.Pretty(data))
	return err
}

func summary(book *ledger.Book, asJSON bool, out io.Writer) error {
	snap := book.Snapshot()
	if asJSON {
		return writeJSON(out, snap.Summary)
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Ticker\tOpen\tBuys\tSells\t")
	for _, t := range snap.Tickers() {
		s := snap.Summary[t]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", t, snap.OpenQuantity(t), s.TotalBuys, s.TotalSells)
	}
	return w.Flush()
}

func openBuys(book *ledger.Book, asJSON bool, out io.Writer) error {
	snap := book.Snapshot()
	open := snap.Trades[:0:0]
	for _, e := range snap.Trades {
		if e.IsOpenBuy() {
			open = append(open, e)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Timestamp.Before(open[j].Timestamp) })
	if asJSON {
		return writeJSON(out, open)
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "OrderID\tTicker\tQty\tPrice\tStatus\tOpened\t")
	for _, e := range open {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t\n", e.OrderID, e.Ticker, e.Quantity, e.Price.StringFixed(2), e.Status, e.Timestamp.Format(time.RFC3339))
	}
	return w.Flush()
}

func drift(book *ledger.Book, asJSON bool, out io.Writer) error {
	reports := book.Drift()
	if asJSON {
		return writeJSON(out, reports)
	}
	if len(reports) == 0 {
		_, err := fmt.Fprintln(out, "No drift: every summary matches its open buy entries.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Ticker\tSummary\tOpenBuys\t")
	for _, d := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t\n", d.Ticker, d.SummaryQuantity, d.OpenBuyQuantity)
	}
	return w.Flush()
}

func archive(ctx context.Context, book *ledger.Book, archiver ports.Archiver, out io.Writer) error {
	if archiver == nil {
		return errors.New("archive is not configured; set S3_BUCKET")
	}
	data, err := json.MarshalIndent(book.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("trade_ledger_%s.json", time.Now().UTC().Format("20060102T150405Z"))
	if err := archiver.Archive(ctx, name, data); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Archived %s (%d bytes)\n", name, len(data))
	return err
}
