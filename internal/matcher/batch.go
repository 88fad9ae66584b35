package matcher

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// Options configures MatchAll.
type Options struct {
	Now     time.Time
	Workers int // Max groups matched concurrently; <= 0 means 4
	Logger  ports.Logger
}

// Batch is the combined matcher output for a whole event log.
type Batch struct {
	Results  []Result
	Closed   []domain.ClosedTrade
	Open     []domain.OpenPosition
	Discards []domain.Discard
}

// GroupByKey splits events into per-(strategy, ticker) streams, preserving arrival order.
func GroupByKey(events []domain.Event) map[domain.Key][]domain.Event {
	groups := make(map[domain.Key][]domain.Event)
	for _, ev := range events {
		k := ev.Key()
		groups[k] = append(groups[k], ev)
	}
	return groups
}

// MatchAll matches every key independently and concatenates the results ordered by key.
func MatchAll(ctx context.Context, events []domain.Event, opts Options) (*Batch, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	groups := GroupByKey(events)
	keys := make([]domain.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StrategyID != keys[j].StrategyID {
			return keys[i].StrategyID < keys[j].StrategyID
		}
		return keys[i].Ticker < keys[j].Ticker
	})

	results := make([]Result, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Match(groups[k], opts.Now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Batch{Results: results}
	for _, r := range results {
		out.Closed = append(out.Closed, r.Closed...)
		if r.Open != nil {
			out.Open = append(out.Open, *r.Open)
		}
		out.Discards = append(out.Discards, r.Discards...)
		if opts.Logger != nil {
			logResult(ctx, opts.Logger, r)
		}
	}
	return out, nil
}

func logResult(ctx context.Context, logger ports.Logger, r Result) {
	if r.Warning != "" {
		logger.Warn(ctx, r.Warning, map[string]interface{}{"key": r.Key.String()})
	}
	for _, d := range r.Discards {
		logger.Warn(ctx, "Discarded event", map[string]interface{}{
			"key":       r.Key.String(),
			"action":    string(d.Event.Action),
			"timestamp": d.Event.Timestamp.Format(time.RFC3339),
			"reason":    string(d.Reason),
		})
	}
}
