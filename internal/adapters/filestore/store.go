// Package filestore persists the ledger as a single JSON document.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// Store implements ports.LedgerStore on a JSON file.
// Each write copies the current file to <path>.backup, writes <path>.tmp and
// renames it over the canonical file. A canonical file that failed to parse is
// never copied over the backup.
type Store struct {
	mu     sync.Mutex
	path   string
	logger ports.Logger
	doc    *domain.LedgerState // Last committed document; nil until first Load
	// primaryOK is false while the canonical file on disk is one that did not parse.
	primaryOK bool
}

// Config holds configuration for the file store.
type Config struct {
	Path   string
	Logger ports.Logger
}

// New creates a file-backed ledger store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for file ledger store")
	}
	path := cfg.Path
	if path == "" {
		path = "./data/trade_ledger.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory '%s': %w", filepath.Dir(path), err)
	}
	return &Store{path: path, logger: cfg.Logger}, nil
}

// Path returns the canonical ledger path.
func (s *Store) Path() string { return s.path }

func (s *Store) backupPath() string { return s.path + ".backup" }
func (s *Store) tmpPath() string    { return s.path + ".tmp" }

// Load reads the primary file, falling back to the backup and then to an empty ledger.
func (s *Store) Load(ctx context.Context) (*domain.LedgerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load(ctx)
	s.doc = doc
	return doc.Clone(), nil
}

func (s *Store) load(ctx context.Context) *domain.LedgerState {
	doc, err := readDocument(s.path)
	s.primaryOK = err == nil
	if err == nil {
		doc.Recovery = domain.RecoveredPrimary
		return doc
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Error(ctx, err, "Primary ledger unreadable, trying backup", map[string]interface{}{"path": s.path})
	}

	doc, berr := readDocument(s.backupPath())
	if berr == nil {
		doc.Recovery = domain.RecoveredBackup
		return doc
	}
	if !errors.Is(berr, os.ErrNotExist) {
		s.logger.Error(ctx, berr, "Backup ledger unreadable", map[string]interface{}{"path": s.backupPath()})
	}

	doc = domain.NewLedgerState()
	if errors.Is(err, os.ErrNotExist) && errors.Is(berr, os.ErrNotExist) {
		// First run, nothing was lost.
		doc.Recovery = domain.RecoveredPrimary
	} else {
		doc.Recovery = domain.RecoveredEmpty
	}
	return doc
}

func readDocument(path string) (*domain.LedgerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := domain.NewLedgerState()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ports.ErrLedgerCorrupt, path, err)
	}
	if doc.Trades == nil {
		doc.Trades = make([]domain.LedgerEntry, 0)
	}
	doc.RebuildSummary()
	return doc, nil
}

// mutate applies fn to a copy of the document, persists it and only then commits it.
func (s *Store) mutate(ctx context.Context, fn func(doc *domain.LedgerState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.doc == nil {
		s.doc = s.load(ctx)
	}

	next := s.doc.Clone()
	changed, err := fn(next)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (s *Store) write(doc *domain.LedgerState) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	if s.primaryOK {
		if err := copyFile(s.path, s.backupPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("backup ledger: %w", err)
		}
	}

	f, err := os.OpenFile(s.tmpPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp ledger: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(s.tmpPath(), s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	s.primaryOK = true
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Append durably records a new entry.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) error {
	return s.mutate(ctx, func(doc *domain.LedgerState) (bool, error) {
		if _, dup := doc.Index(entry.OrderID); dup {
			return false, fmt.Errorf("order %s: %w", entry.OrderID, ports.ErrDuplicateEntry)
		}
		return true, doc.Append(entry)
	})
}

// MarkFilled moves a pending entry to filled.
func (s *Store) MarkFilled(ctx context.Context, orderID string, at time.Time) error {
	return s.mutate(ctx, func(doc *domain.LedgerState) (bool, error) {
		return doc.MarkFilled(orderID, at)
	})
}

// MarkFailed moves a pending entry to failed.
func (s *Store) MarkFailed(ctx context.Context, orderID string) error {
	return s.mutate(ctx, func(doc *domain.LedgerState) (bool, error) {
		return doc.MarkFailed(orderID)
	})
}

// LinkClose links a Sell entry to the Buy it closes.
func (s *Store) LinkClose(ctx context.Context, sellOrderID, buyOrderID string, at time.Time) error {
	return s.mutate(ctx, func(doc *domain.LedgerState) (bool, error) {
		return doc.LinkClose(sellOrderID, buyOrderID, at)
	})
}

// Close is a no-op; every mutation is already on disk.
func (s *Store) Close() error { return nil }
