// Package spool reads signals from JSON files dropped into a directory.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"alertTrader/internal/ports"
	"alertTrader/internal/utils"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Config configures the spool source.
type Config struct {
	Dir            string
	CheckpointFile string        // Defaults to <Dir>/checkpoint.json
	PollInterval   time.Duration // Defaults to 5s
	Logger         ports.Logger
}

// checkpoint is the persisted position of the source.
type checkpoint struct {
	LastSignalTime time.Time `json:"last_signal_time"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Source implements ports.SignalSource over a spool directory.
type Source struct {
	dir      string
	cpPath   string
	interval time.Duration
	logger   ports.Logger

	mu   sync.Mutex
	last time.Time // Signals strictly before this were already handled
}

// New prepares the spool directories and loads the checkpoint.
func New(cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for spool source")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool: %w: directory is required", ports.ErrConfigurationError)
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, processedDir), filepath.Join(cfg.Dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", d, err)
		}
	}
	if cfg.CheckpointFile == "" {
		cfg.CheckpointFile = filepath.Join(cfg.Dir, "checkpoint.json")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	s := &Source{dir: cfg.Dir, cpPath: cfg.CheckpointFile, interval: cfg.PollInterval, logger: cfg.Logger}
	cp, err := readCheckpoint(cfg.CheckpointFile)
	if err != nil {
		cfg.Logger.Warn(context.Background(), "Spool checkpoint unreadable, starting from the beginning", map[string]interface{}{
			"path":  cfg.CheckpointFile,
			"error": err.Error(),
		})
	}
	s.last = cp.LastSignalTime
	cfg.Logger.Info(context.Background(), "Spool source ready", map[string]interface{}{
		"dir":        cfg.Dir,
		"checkpoint": s.last,
	})
	return s, nil
}

func readCheckpoint(path string) (checkpoint, error) {
	var cp checkpoint
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, err
	}
	return cp, nil
}

// Checkpoint returns the time before which signals are skipped.
func (s *Source) Checkpoint() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Poll waits for spool files and returns every signal in them, oldest file name first.
func (s *Source) Poll(ctx context.Context) (ports.Batch, error) {
	for {
		files, err := s.pending()
		if err != nil {
			return ports.Batch{}, err
		}
		if len(files) > 0 {
			return s.read(ctx, files), nil
		}
		select {
		case <-ctx.Done():
			return ports.Batch{}, fmt.Errorf("spool poll: %w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(s.interval):
		}
	}
}

func (s *Source) pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list %s: %w", s.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if filepath.Join(s.dir, e.Name()) == filepath.Clean(s.cpPath) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (s *Source) read(ctx context.Context, files []string) ports.Batch {
	since := s.Checkpoint()
	var batch ports.Batch
	var consumed []string
	for _, name := range files {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn(ctx, "Spool file unreadable, will retry", map[string]interface{}{"file": name, "error": err.Error()})
			continue
		}
		signals, err := utils.DecodeSignals(data)
		if err != nil {
			batch.Rejects = append(batch.Rejects, ports.Reject{Ref: name, Err: err})
			s.move(ctx, name, rejectedDir)
			continue
		}
		for i, sig := range signals {
			if sig.Timestamp.Before(since) {
				s.logger.Debug(ctx, "Skipping signal older than checkpoint", map[string]interface{}{
					"file":      name,
					"ticker":    sig.Ticker,
					"timestamp": sig.Timestamp,
				})
				continue
			}
			if sig.ID == "" {
				sig.ID = fmt.Sprintf("%s#%d", name, i)
			}
			batch.Signals = append(batch.Signals, sig)
		}
		consumed = append(consumed, name)
	}
	batch.Token = consumed
	return batch
}

// Commit moves the batch files to processed/ and advances the checkpoint.
func (s *Source) Commit(ctx context.Context, batch ports.Batch) error {
	files, _ := batch.Token.([]string)
	for _, name := range files {
		s.move(ctx, name, processedDir)
	}

	latest := s.Checkpoint()
	for _, sig := range batch.Signals {
		if sig.Timestamp.After(latest) {
			latest = sig.Timestamp
		}
	}
	return s.saveCheckpoint(latest)
}

func (s *Source) saveCheckpoint(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.After(s.last) {
		return nil
	}
	data, err := json.MarshalIndent(checkpoint{LastSignalTime: t, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("spool: encode checkpoint: %w", err)
	}
	tmp := s.cpPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("spool: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.cpPath); err != nil {
		return fmt.Errorf("spool: replace checkpoint: %w", err)
	}
	s.last = t
	return nil
}

func (s *Source) move(ctx context.Context, name, sub string) {
	from := filepath.Join(s.dir, name)
	to := filepath.Join(s.dir, sub, name)
	if err := os.Rename(from, to); err != nil {
		s.logger.Warn(ctx, "Failed to move spool file", map[string]interface{}{"file": name, "to": sub, "error": err.Error()})
	}
}

// Close is a no-op; the spool holds no open handles.
func (s *Source) Close() error { return nil }

var _ ports.SignalSource = (*Source)(nil)
