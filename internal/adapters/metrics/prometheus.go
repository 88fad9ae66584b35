// Package metrics implements ports.Metrics with Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"alertTrader/internal/ports"
)

// Recorder implements ports.Metrics.
type Recorder struct {
	signals      *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	ordersPlaced *prometheus.CounterVec
	ordersFailed *prometheus.CounterVec
	appendLat    prometheus.Histogram
}

// New registers the collectors with reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_trader_signals_total",
				Help: "Signals handled by the live loop, by outcome",
			},
			[]string{"outcome"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_trader_sell_validator_decisions_total",
				Help: "Sell-safety validator decisions by code",
			},
			[]string{"code"},
		),
		ordersPlaced: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_trader_orders_placed_total",
				Help: "Orders accepted by a broker venue",
			},
			[]string{"venue"},
		),
		ordersFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_trader_orders_failed_total",
				Help: "Orders that could not be placed, by reason",
			},
			[]string{"reason"},
		),
		appendLat: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alert_trader_ledger_append_seconds",
				Help:    "Durable ledger append latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (r *Recorder) SignalHandled(outcome string) {
	r.signals.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ValidatorDecision(code string) {
	r.decisions.WithLabelValues(code).Inc()
}

func (r *Recorder) OrderPlaced(venue string) {
	r.ordersPlaced.WithLabelValues(venue).Inc()
}

func (r *Recorder) OrderFailed(reason string) {
	r.ordersFailed.WithLabelValues(reason).Inc()
}

func (r *Recorder) LedgerAppend(seconds float64) {
	r.appendLat.Observe(seconds)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) SignalHandled(string)     {}
func (Nop) ValidatorDecision(string) {}
func (Nop) OrderPlaced(string)       {}
func (Nop) OrderFailed(string)       {}
func (Nop) LedgerAppend(float64)     {}

var (
	_ ports.Metrics = (*Recorder)(nil)
	_ ports.Metrics = Nop{}
)
