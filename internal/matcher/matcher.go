// Package matcher replays signal events into closed trades and open positions.
package matcher

import (
	"fmt"
	"sort"
	"time"

	"alertTrader/internal/domain"
)

type state int

const (
	flat state = iota
	long
)

// Result is the outcome of matching one (strategy, ticker) event stream.
type Result struct {
	Key                 domain.Key
	Closed              []domain.ClosedTrade
	Open                *domain.OpenPosition // nil when the stream ends flat
	Discards            []domain.Discard
	SkippedLeadingSells int
	Warning             string // Set when the stream produced nothing usable
}

// Match runs the flat/long state machine over the events of a single key.
// Events are stably sorted by timestamp first, so arrival order only breaks ties.
// now is used to age a position that is still open at the end of the stream.
func Match(events []domain.Event, now time.Time) Result {
	var res Result
	if len(events) == 0 {
		return res
	}
	res.Key = events[0].Key()

	sorted := make([]domain.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seen := make(map[int64]struct{}, len(sorted))
	unique := sorted[:0:0]
	for _, ev := range sorted {
		ts := ev.Timestamp.Unix()
		if _, dup := seen[ts]; dup {
			res.Discards = append(res.Discards, domain.Discard{Event: ev, Reason: domain.DiscardDuplicate})
			continue
		}
		seen[ts] = struct{}{}
		unique = append(unique, ev)
	}

	first := -1
	for i, ev := range unique {
		if ev.Action == domain.Buy {
			first = i
			break
		}
	}
	if first < 0 {
		for _, ev := range unique {
			res.Discards = append(res.Discards, domain.Discard{Event: ev, Reason: domain.DiscardSellBeforeFirstBuy})
		}
		res.SkippedLeadingSells = len(unique)
		res.Warning = fmt.Sprintf("no BUY event for %s; %d SELL event(s) ignored", res.Key, len(unique))
		return res
	}
	for _, ev := range unique[:first] {
		res.Discards = append(res.Discards, domain.Discard{Event: ev, Reason: domain.DiscardSellBeforeFirstBuy})
	}
	res.SkippedLeadingSells = first

	st := flat
	var open domain.Event
	for _, ev := range unique[first:] {
		switch {
		case ev.Action == domain.Buy && st == flat:
			open = ev
			st = long
		case ev.Action == domain.Buy && st == long:
			res.Discards = append(res.Discards, domain.Discard{Event: ev, Reason: domain.DiscardBuyWhileLong})
		case ev.Action == domain.Sell && st == long:
			res.Closed = append(res.Closed, domain.NewClosedTrade(open, ev))
			st = flat
		default:
			res.Discards = append(res.Discards, domain.Discard{Event: ev, Reason: domain.DiscardSellWhileFlat})
		}
	}

	if st == long {
		pos := domain.NewOpenPosition(open, now)
		res.Open = &pos
	}
	return res
}
