// Package broker routes orders to the venue that trades a ticker.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// Venue is a named broker.
type Venue struct {
	Name   string
	Broker ports.Broker
}

// Router implements ports.Broker over an equity venue and a crypto venue.
// Tickers containing any crypto marker (e.g. "USD", "BTC") go to the crypto venue.
type Router struct {
	equity  *Venue
	crypto  *Venue
	markers []string
	logger  ports.Logger

	tickerOf ports.TickerLookup

	mu     sync.Mutex
	placed map[string]*Venue // client order id -> venue
}

// Option configures a Router.
type Option func(*Router)

// WithTickerLookup resolves orders placed by an earlier process through the
// ticker recorded for them, so they can still be cancelled and polled.
func WithTickerLookup(lookup ports.TickerLookup) Option {
	return func(r *Router) { r.tickerOf = lookup }
}

// NewRouter builds a router. Either venue may be nil, in which case its tickers
// fail with ports.ErrUnknownVenue.
func NewRouter(equity, crypto *Venue, markers []string, logger ports.Logger, opts ...Option) *Router {
	upper := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			upper = append(upper, m)
		}
	}
	r := &Router{
		equity:  equity,
		crypto:  crypto,
		markers: upper,
		logger:  logger,
		placed:  make(map[string]*Venue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsCrypto reports whether ticker routes to the crypto venue.
func (r *Router) IsCrypto(ticker string) bool {
	t := strings.ToUpper(ticker)
	for _, m := range r.markers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// VenueFor returns the venue that trades ticker.
func (r *Router) VenueFor(ticker string) (*Venue, error) {
	v := r.equity
	if r.IsCrypto(ticker) {
		v = r.crypto
	}
	if v == nil {
		return nil, fmt.Errorf("route %s: %w", ticker, ports.ErrUnknownVenue)
	}
	return v, nil
}

// GetOpenPositions merges the positions of every configured venue.
func (r *Router) GetOpenPositions(ctx context.Context, account string) (map[string]int, error) {
	out := make(map[string]int)
	for _, v := range r.venues() {
		pos, err := v.Broker.GetOpenPositions(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("%s positions: %w", v.Name, err)
		}
		for t, q := range pos {
			out[t] += q
		}
	}
	return out, nil
}

func (r *Router) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	v, err := r.VenueFor(req.Ticker)
	if err != nil {
		return ports.OrderResult{}, err
	}
	res, err := v.Broker.PlaceOrder(ctx, req)
	if err != nil {
		return ports.OrderResult{}, err
	}
	r.mu.Lock()
	r.placed[req.OrderID] = v
	r.mu.Unlock()
	r.logger.Debug(ctx, "Order routed", map[string]interface{}{"orderID": req.OrderID, "ticker": req.Ticker, "venue": v.Name})
	return res, nil
}

func (r *Router) CancelOrder(ctx context.Context, orderID string) error {
	v, err := r.venueOf(orderID)
	if err != nil {
		return err
	}
	return v.Broker.CancelOrder(ctx, orderID)
}

// OrderStatus delegates to the placing venue when it can report order state.
func (r *Router) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	v, err := r.venueOf(orderID)
	if err != nil {
		return "", err
	}
	reader, ok := v.Broker.(ports.OrderStatusReader)
	if !ok {
		return domain.OrderStateOpen, nil
	}
	return reader.OrderStatus(ctx, orderID)
}

// VenueName names the venue an order went to, or "" if unknown.
func (r *Router) VenueName(orderID string) string {
	v, err := r.venueOf(orderID)
	if err != nil {
		return ""
	}
	return v.Name
}

func (r *Router) venueOf(orderID string) (*Venue, error) {
	r.mu.Lock()
	v, ok := r.placed[orderID]
	r.mu.Unlock()
	if ok {
		return v, nil
	}
	if r.tickerOf != nil {
		if ticker, found := r.tickerOf(orderID); found {
			return r.VenueFor(ticker)
		}
	}
	return nil, fmt.Errorf("order %s: no venue known: %w", orderID, ports.ErrOrderNotFound)
}

func (r *Router) venues() []*Venue {
	var out []*Venue
	for _, v := range []*Venue{r.equity, r.crypto} {
		if v != nil {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
