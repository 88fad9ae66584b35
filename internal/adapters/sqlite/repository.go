package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.LedgerStore interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_ledger.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One connection: the ledger has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		ticker TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		closes_order_id TEXT NOT NULL DEFAULT '',
		is_closed INTEGER NOT NULL DEFAULT 0,
		closed_by_order_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		sl_pct TEXT NULL,
		tp_pct TEXT NULL,
		demo_mode INTEGER NOT NULL DEFAULT 0,
		completed_timestamp TIMESTAMP NULL,
		closed_timestamp TIMESTAMP NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_ticker_action ON ledger_entries (ticker, action, is_closed);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Append inserts a new ledger entry.
func (r *Repository) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
	INSERT INTO ledger_entries (order_id, ticker, action, quantity, price, timestamp, status,
	                            closes_order_id, is_closed, closed_by_order_id, strategy_id, source,
	                            sl_pct, tp_pct, demo_mode, completed_timestamp, closed_timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		e.OrderID, e.Ticker, string(e.Action), e.Quantity, e.Price.String(), e.Timestamp.UTC(), string(e.Status),
		e.ClosesOrderID, e.IsClosed, e.ClosedByOrderID, e.StrategyID, e.Source,
		nullDecimal(e.StopLossPct), nullDecimal(e.TakeProfitPct), e.DemoMode, nullTime(e.FilledAt), nullTime(e.ClosedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("order %s: %w", e.OrderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert ledger entry %s: %w: %w", e.OrderID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Ledger entry inserted", map[string]interface{}{"orderID": e.OrderID, "ticker": e.Ticker})
	return nil
}

// Load reads every entry in insertion order and rebuilds the summary.
func (r *Repository) Load(ctx context.Context) (*domain.LedgerState, error) {
	const query = `
	SELECT order_id, ticker, action, quantity, price, timestamp, status,
	       closes_order_id, is_closed, closed_by_order_id, strategy_id, source,
	       sl_pct, tp_pct, demo_mode, completed_timestamp, closed_timestamp
	FROM ledger_entries
	ORDER BY seq ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	state := domain.NewLedgerState()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w: %w", ports.ErrLedgerCorrupt, err)
		}
		state.Trades = append(state.Trades, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	state.RebuildSummary()
	return state, nil
}

// MarkFilled moves a pending entry to filled.
func (r *Repository) MarkFilled(ctx context.Context, orderID string, at time.Time) error {
	const query = `
	UPDATE ledger_entries SET status = ?, completed_timestamp = ?
	WHERE order_id = ? AND status = ?`
	return r.transition(ctx, "mark filled", orderID, query, string(domain.StatusFilled), at.UTC(), orderID, string(domain.StatusPending))
}

// MarkFailed moves a pending entry to failed.
func (r *Repository) MarkFailed(ctx context.Context, orderID string) error {
	const query = `UPDATE ledger_entries SET status = ? WHERE order_id = ? AND status = ?`
	return r.transition(ctx, "mark failed", orderID, query, string(domain.StatusFailed), orderID, string(domain.StatusPending))
}

// transition runs a guarded update. Zero affected rows is a no-op when the
// entry exists and ErrNotFound otherwise.
func (r *Repository) transition(ctx context.Context, op, orderID, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %w", op, orderID, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s %s: %w", op, orderID, err)
	}
	if rowsAffected > 0 {
		return nil
	}
	exists, err := r.exists(ctx, orderID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("order %s not found for %s: %w", orderID, op, ports.ErrNotFound)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return n > 0, nil
}

// LinkClose sets both sides of a close link in one transaction; each side at most once.
func (r *Repository) LinkClose(ctx context.Context, sellOrderID, buyOrderID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin link close: %w: %w", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	sell, err := lookupLink(ctx, tx, sellOrderID)
	if err != nil {
		return err
	}
	buy, err := lookupLink(ctx, tx, buyOrderID)
	if err != nil {
		return err
	}
	if sell.action != string(domain.Sell) || buy.action != string(domain.Buy) {
		return fmt.Errorf("link close %s -> %s: expected SELL -> BUY: %w", sellOrderID, buyOrderID, ports.ErrInvalidRequest)
	}
	if sell.closes != "" && sell.closes != buyOrderID {
		return fmt.Errorf("link close %s -> %s: sell already closes %s: %w", sellOrderID, buyOrderID, sell.closes, ports.ErrInvalidRequest)
	}
	if buy.closedBy != "" && buy.closedBy != sellOrderID {
		return fmt.Errorf("link close %s -> %s: buy already closed by %s: %w", sellOrderID, buyOrderID, buy.closedBy, ports.ErrInvalidRequest)
	}

	const linkSell = `
	UPDATE ledger_entries SET closes_order_id = ?
	WHERE order_id = ? AND action = 'SELL' AND closes_order_id = ''`
	if _, err := tx.ExecContext(ctx, linkSell, buyOrderID, sellOrderID); err != nil {
		return fmt.Errorf("link close sell %s failed: %w: %w", sellOrderID, ports.ErrUpdateFailed, err)
	}

	const closeBuy = `
	UPDATE ledger_entries SET is_closed = 1, closed_by_order_id = ?, closed_timestamp = ?
	WHERE order_id = ? AND action = 'BUY' AND is_closed = 0`
	if _, err := tx.ExecContext(ctx, closeBuy, sellOrderID, at.UTC(), buyOrderID); err != nil {
		return fmt.Errorf("link close buy %s failed: %w: %w", buyOrderID, ports.ErrUpdateFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit link close: %w: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

type linkRow struct {
	action   string
	closes   string
	closedBy string
}

func lookupLink(ctx context.Context, tx *sql.Tx, orderID string) (linkRow, error) {
	const query = `SELECT action, closes_order_id, closed_by_order_id FROM ledger_entries WHERE order_id = ?`
	var row linkRow
	err := tx.QueryRowContext(ctx, query, orderID).Scan(&row.action, &row.closes, &row.closedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, fmt.Errorf("order %s not found for link close: %w", orderID, ports.ErrNotFound)
		}
		return row, fmt.Errorf("failed to look up order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return row, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (domain.LedgerEntry, error) {
	var (
		e                  domain.LedgerEntry
		action, status     string
		price              string
		slPct, tpPct       sql.NullString
		filledAt, closedAt sql.NullTime
	)
	err := s.Scan(
		&e.OrderID, &e.Ticker, &action, &e.Quantity, &price, &e.Timestamp, &status,
		&e.ClosesOrderID, &e.IsClosed, &e.ClosedByOrderID, &e.StrategyID, &e.Source,
		&slPct, &tpPct, &e.DemoMode, &filledAt, &closedAt)
	if err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.Status = domain.EntryStatus(status)
	e.Timestamp = e.Timestamp.UTC()
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return e, fmt.Errorf("order %s price %q: %w", e.OrderID, price, err)
	}
	if e.StopLossPct, err = parseNullDecimal(slPct); err != nil {
		return e, err
	}
	if e.TakeProfitPct, err = parseNullDecimal(tpPct); err != nil {
		return e, err
	}
	if filledAt.Valid {
		t := filledAt.Time.UTC()
		e.FilledAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		e.ClosedAt = &t
	}
	return e, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
