// Package wiring builds configured adapters shared by the service and the CLIs.
package wiring

import (
	"context"
	"fmt"

	"alertTrader/config"
	"alertTrader/internal/adapters/filestore"
	"alertTrader/internal/adapters/postgres"
	"alertTrader/internal/adapters/redislock"
	"alertTrader/internal/adapters/s3archive"
	"alertTrader/internal/adapters/sqlite"
	"alertTrader/internal/ledger"
	"alertTrader/internal/ports"
)

// LedgerStore opens the backend selected by LEDGER_BACKEND.
func LedgerStore(ctx context.Context, cfg *config.Config, logger ports.Logger) (ports.LedgerStore, error) {
	var (
		store ports.LedgerStore
		err   error
	)
	switch cfg.LedgerBackend {
	case config.BackendFile:
		store, err = filestore.New(filestore.Config{Path: cfg.LedgerPath, Logger: logger})
	case config.BackendSQLite:
		store, err = sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: logger})
	case config.BackendPostgres:
		store, err = postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, Logger: logger})
	default:
		return nil, fmt.Errorf("%w: unknown ledger backend %q", ports.ErrConfigurationError, cfg.LedgerBackend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Book opens the ledger store and wraps it in a Book. When REDIS_ADDR is set the
// Book takes the cross-process writer lock; the returned func closes the lock client.
func Book(ctx context.Context, cfg *config.Config, logger ports.Logger, opts ...ledger.Option) (*ledger.Book, func(), error) {
	store, err := LedgerStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s ledger store: %w", cfg.LedgerBackend, err)
	}

	cleanup := func() {}
	if cfg.RedisAddr != "" {
		lock, err := redislock.New(ctx, redislock.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("connect ledger writer lock: %w", err)
		}
		opts = append(opts, ledger.WithWriterLock(lock, "", cfg.LedgerLockTTL))
		cleanup = func() { _ = lock.Close() }
	}

	book, err := ledger.Open(ctx, store, logger, opts...)
	if err != nil {
		cleanup()
		_ = store.Close()
		return nil, nil, err
	}
	return book, cleanup, nil
}

// Archiver returns the S3 archiver, or nil when S3_BUCKET is empty.
func Archiver(ctx context.Context, cfg *config.Config, logger ports.Logger) (ports.Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	a, err := s3archive.New(ctx, s3archive.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Prefix:    cfg.S3Prefix,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
