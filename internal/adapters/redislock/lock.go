// Package redislock implements ports.WriterLock with Redis SET NX and a token-checked release.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"alertTrader/internal/ports"
)

// unlockLua deletes the key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const defaultPollInterval = 200 * time.Millisecond

// Config holds connection parameters for the lock client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PollInterval time.Duration // Wait between acquisition attempts
	Logger       ports.Logger
}

// Lock implements ports.WriterLock.
type Lock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	poll     time.Duration
	logger   ports.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Lock, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis lock")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w: %w", cfg.Addr, ports.ErrConnectionFailed, err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	cfg.Logger.Info(ctx, "Redis writer lock connected", map[string]interface{}{"addr": cfg.Addr})
	return &Lock{rdb: rdb, unlockSc: redis.NewScript(unlockLua), poll: poll, logger: cfg.Logger}, nil
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire retries SET NX until it wins or ctx ends. The release func is safe to call twice.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w: %w", key, ports.ErrConnectionFailed, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w: %w", key, ports.ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be canceled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err(); err != nil {
			l.logger.Warn(unlockCtx, "Failed to release ledger writer lock", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}
	return release, nil
}

// Close closes the Redis connection.
func (l *Lock) Close() error {
	return l.rdb.Close()
}

var _ ports.WriterLock = (*Lock)(nil)
