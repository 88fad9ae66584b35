// Package kafkasource consumes JSON-encoded signals from a Kafka topic.
package kafkasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"alertTrader/internal/ports"
	"alertTrader/internal/utils"
)

// Reader is the subset of *kafka.Reader the source needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds consumer configuration.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MaxBatch int           // Messages per Poll, default 50
	Linger   time.Duration // How long Poll waits for more messages after the first, default 250ms
	MinBytes int
	MaxBytes int
	Logger   ports.Logger
}

// Source implements ports.SignalSource with consumer-group offsets.
type Source struct {
	reader   Reader
	topic    string
	maxBatch int
	linger   time.Duration
	logger   ports.Logger
}

// New creates a consumer-group reader for cfg.Topic.
func New(cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Kafka source")
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source: %w: brokers and topic are required", ports.ErrConfigurationError)
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "alert-trader"
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6 // 10MB
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	cfg.Logger.Info(context.Background(), "Kafka source ready", map[string]interface{}{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"groupID": cfg.GroupID,
	})
	return NewWithReader(reader, cfg), nil
}

// NewWithReader wraps an existing reader.
func NewWithReader(r Reader, cfg Config) *Source {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 250 * time.Millisecond
	}
	return &Source{reader: r, topic: cfg.Topic, maxBatch: cfg.MaxBatch, linger: cfg.Linger, logger: cfg.Logger}
}

// Poll blocks for the first message, then collects more until the linger window closes.
func (s *Source) Poll(ctx context.Context) (ports.Batch, error) {
	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return ports.Batch{}, s.wrap("FetchMessage", err)
	}
	msgs := []kafka.Message{first}

	lctx, cancel := context.WithTimeout(ctx, s.linger)
	defer cancel()
	for len(msgs) < s.maxBatch {
		m, err := s.reader.FetchMessage(lctx)
		if err != nil {
			if lctx.Err() != nil && ctx.Err() == nil {
				break
			}
			return ports.Batch{}, s.wrap("FetchMessage", err)
		}
		msgs = append(msgs, m)
	}

	batch := ports.Batch{Token: msgs}
	for _, m := range msgs {
		ref := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
		signals, err := utils.DecodeSignals(m.Value)
		if err != nil {
			batch.Rejects = append(batch.Rejects, ports.Reject{Ref: ref, Err: err})
			continue
		}
		for i := range signals {
			if signals[i].ID == "" {
				signals[i].ID = ref
			}
		}
		batch.Signals = append(batch.Signals, signals...)
	}
	s.logger.Debug(ctx, "Kafka batch fetched", map[string]interface{}{
		"messages": len(msgs),
		"signals":  len(batch.Signals),
		"rejects":  len(batch.Rejects),
	})
	return batch, nil
}

// Commit commits the offsets of every message in the batch, rejected ones included.
func (s *Source) Commit(ctx context.Context, batch ports.Batch) error {
	msgs, _ := batch.Token.([]kafka.Message)
	if len(msgs) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return s.wrap("CommitMessages", err)
	}
	return nil
}

func (s *Source) Close() error {
	return s.reader.Close()
}

func (s *Source) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("kafka %s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}
	return fmt.Errorf("kafka %s failed: %w: %w", op, ports.ErrConnectionFailed, err)
}

var _ ports.SignalSource = (*Source)(nil)
