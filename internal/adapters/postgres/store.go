// Package postgres implements ports.LedgerStore on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Config holds connection parameters for the PostgreSQL ledger.
type Config struct {
	DSN      string
	MaxConns int
	Logger   ports.Logger
}

// Store implements ports.LedgerStore.
type Store struct {
	pool   *pgxpool.Pool
	logger ports.Logger
}

// New connects, pings and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for PostgreSQL store")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: %w: DSN is required", ports.ErrConfigurationError)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w: %w", ports.ErrConfigurationError, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w: %w", ports.ErrDBConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w: %w", ports.ErrDBConnection, err)
	}

	s := &Store{pool: pool, logger: cfg.Logger}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	cfg.Logger.Info(ctx, "PostgreSQL ledger connection established", map[string]interface{}{"maxConns": poolCfg.MaxConns})
	return s, nil
}

// runMigrations applies embedded migrations in name order, recording each in schema_migrations.
func (s *Store) runMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
		s.logger.Info(ctx, "Applied ledger migration", map[string]interface{}{"file": entry.Name()})
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Append inserts a new ledger entry.
func (s *Store) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
	INSERT INTO ledger_entries (order_id, ticker, action, quantity, price, timestamp, status,
	                            closes_order_id, is_closed, closed_by_order_id, strategy_id, source,
	                            sl_pct, tp_pct, demo_mode, completed_timestamp, closed_timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := s.pool.Exec(ctx, query,
		e.OrderID, e.Ticker, string(e.Action), e.Quantity, e.Price.String(), e.Timestamp.UTC(), string(e.Status),
		e.ClosesOrderID, e.IsClosed, e.ClosedByOrderID, e.StrategyID, e.Source,
		decimalText(e.StopLossPct), decimalText(e.TakeProfitPct), e.DemoMode, utc(e.FilledAt), utc(e.ClosedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("order %s: %w", e.OrderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("postgres: insert ledger entry %s: %w: %w", e.OrderID, ports.ErrQueryFailed, err)
	}
	return nil
}

// Load reads every entry in insertion order and rebuilds the summary.
func (s *Store) Load(ctx context.Context) (*domain.LedgerState, error) {
	const query = `
	SELECT order_id, ticker, action, quantity, price, timestamp, status,
	       closes_order_id, is_closed, closed_by_order_id, strategy_id, source,
	       sl_pct, tp_pct, demo_mode, completed_timestamp, closed_timestamp
	FROM ledger_entries
	ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query ledger entries: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	state := domain.NewLedgerState()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w: %w", ports.ErrLedgerCorrupt, err)
		}
		state.Trades = append(state.Trades, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate ledger rows: %w: %w", ports.ErrQueryFailed, err)
	}
	state.RebuildSummary()
	return state, nil
}

func (s *Store) MarkFilled(ctx context.Context, orderID string, at time.Time) error {
	const query = `
	UPDATE ledger_entries SET status = $1, completed_timestamp = $2
	WHERE order_id = $3 AND status = $4`
	return s.transition(ctx, "mark filled", orderID, query, string(domain.StatusFilled), at.UTC(), orderID, string(domain.StatusPending))
}

func (s *Store) MarkFailed(ctx context.Context, orderID string) error {
	const query = `UPDATE ledger_entries SET status = $1 WHERE order_id = $2 AND status = $3`
	return s.transition(ctx, "mark failed", orderID, query, string(domain.StatusFailed), orderID, string(domain.StatusPending))
}

func (s *Store) transition(ctx context.Context, op, orderID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w: %w", op, orderID, ports.ErrUpdateFailed, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE order_id = $1)`, orderID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: look up order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	if !exists {
		return fmt.Errorf("order %s not found for %s: %w", orderID, op, ports.ErrNotFound)
	}
	return nil
}

// LinkClose locks both rows and sets each side of the link at most once.
func (s *Store) LinkClose(ctx context.Context, sellOrderID, buyOrderID string, at time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
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

		const linkSell = `UPDATE ledger_entries SET closes_order_id = $1 WHERE order_id = $2 AND closes_order_id = ''`
		if _, err := tx.Exec(ctx, linkSell, buyOrderID, sellOrderID); err != nil {
			return fmt.Errorf("postgres: link close sell %s: %w: %w", sellOrderID, ports.ErrUpdateFailed, err)
		}
		const closeBuy = `
		UPDATE ledger_entries SET is_closed = TRUE, closed_by_order_id = $1, closed_timestamp = $2
		WHERE order_id = $3 AND NOT is_closed`
		if _, err := tx.Exec(ctx, closeBuy, sellOrderID, at.UTC(), buyOrderID); err != nil {
			return fmt.Errorf("postgres: link close buy %s: %w: %w", buyOrderID, ports.ErrUpdateFailed, err)
		}
		return nil
	})
}

type linkRow struct {
	action   string
	closes   string
	closedBy string
}

func lookupLink(ctx context.Context, tx pgx.Tx, orderID string) (linkRow, error) {
	const query = `SELECT action, closes_order_id, closed_by_order_id FROM ledger_entries WHERE order_id = $1 FOR UPDATE`
	var row linkRow
	err := tx.QueryRow(ctx, query, orderID).Scan(&row.action, &row.closes, &row.closedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return row, fmt.Errorf("order %s not found for link close: %w", orderID, ports.ErrNotFound)
	}
	if err != nil {
		return row, fmt.Errorf("postgres: look up order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	return row, nil
}

func scanEntry(rows pgx.Rows) (domain.LedgerEntry, error) {
	var (
		e              domain.LedgerEntry
		action, status string
		price          string
		slPct, tpPct   *string
	)
	err := rows.Scan(
		&e.OrderID, &e.Ticker, &action, &e.Quantity, &price, &e.Timestamp, &status,
		&e.ClosesOrderID, &e.IsClosed, &e.ClosedByOrderID, &e.StrategyID, &e.Source,
		&slPct, &tpPct, &e.DemoMode, &e.FilledAt, &e.ClosedAt)
	if err != nil {
		return e, err
	}
	e.Action = domain.Action(action)
	e.Status = domain.EntryStatus(status)
	e.Timestamp = e.Timestamp.UTC()
	e.FilledAt = utc(e.FilledAt)
	e.ClosedAt = utc(e.ClosedAt)
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return e, fmt.Errorf("order %s price %q: %w", e.OrderID, price, err)
	}
	if e.StopLossPct, err = parseDecimal(slPct); err != nil {
		return e, err
	}
	if e.TakeProfitPct, err = parseDecimal(tpPct); err != nil {
		return e, err
	}
	return e, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
