package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alertTrader/config"
	"alertTrader/internal/domain"
	"alertTrader/internal/ledger"
	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
	"alertTrader/internal/risk"
)

const (
	dedupeWindow = 48 * time.Hour
	archiveName  = "trade_ledger_%s.json"
)

// Signal outcomes reported to metrics.
const (
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
	OutcomeUnsized   = "unsized"
	OutcomeBlocked   = "blocked"
	OutcomeSkipped   = "skipped"
	OutcomeQueued    = "queued"
)

// SellGuard decides whether a live sell may proceed.
type SellGuard interface {
	Validate(ctx context.Context, ticker string, requested int) (risk.Decision, error)
}

// Sizer returns the configured quantity per signal.
type Sizer interface {
	Quantity(account, ticker string) (int, bool)
}

// Alerter delivers best-effort human notifications.
type Alerter interface {
	Notify(ctx context.Context, title, message string)
}

// Service runs the live loop: poll signals, guard sells, record, execute.
type Service struct {
	cfg       *config.Config
	logger    ports.Logger
	source    ports.SignalSource
	broker    ports.Broker
	book      *ledger.Book
	validator SellGuard
	sizing    Sizer

	alerter  Alerter
	archiver ports.Archiver
	metrics  ports.Metrics
	retry    retry.Policy
	now      func() time.Time
	signals  bool // Install SIGINT/SIGTERM handling in Start

	exec *executor

	mu   sync.Mutex // Protects seen
	seen map[string]time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithAlerter sends placement and blocked-sell notifications.
func WithAlerter(a Alerter) Option { return func(s *Service) { s.alerter = a } }

// WithArchiver copies the ledger snapshot to long-term storage on shutdown.
func WithArchiver(a ports.Archiver) Option { return func(s *Service) { s.archiver = a } }

// WithMetrics records signal and order counters.
func WithMetrics(m ports.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithRetryPolicy overrides the policy built from configuration.
func WithRetryPolicy(p retry.Policy) Option { return func(s *Service) { s.retry = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithoutSignalHandling leaves SIGINT/SIGTERM to the caller.
func WithoutSignalHandling() Option { return func(s *Service) { s.signals = false } }

// NewService creates a new application service instance.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	source ports.SignalSource,
	broker ports.Broker,
	book *ledger.Book,
	validator SellGuard,
	sizing Sizer,
	opts ...Option,
) (*Service, error) {
	// Validate dependencies
	if cfg == nil || logger == nil || source == nil || broker == nil || book == nil || validator == nil || sizing == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if cfg.TradeVersion != "A" && cfg.TradeVersion != "B" {
		return nil, fmt.Errorf("configuration TradeVersion must be A or B")
	}
	if cfg.MarketTimezone == nil {
		return nil, fmt.Errorf("configuration MarketTimezone is required")
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		source:    source,
		broker:    broker,
		book:      book,
		validator: validator,
		sizing:    sizing,
		metrics:   nopMetrics{},
		retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Min:         cfg.RetryMinDelay,
			Max:         cfg.RetryMaxDelay,
			Factor:      2,
			Jitter:      true,
			Logger:      logger,
		},
		now:     func() time.Time { return time.Now().UTC() },
		signals: true,
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerter == nil {
		s.alerter = nopAlerter{}
	}
	s.exec = newExecutor(broker, book, s.retry, logger, s.metrics, cfg.ExecutorQueue)
	s.exec.onPlaced = s.notifyPlaced
	return s, nil
}

// Start runs until ctx is canceled, a signal arrives, or a fatal error occurs.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting alert trader...", map[string]interface{}{
		"mode":    s.cfg.BrokerMode,
		"version": s.cfg.TradeVersion,
		"account": s.cfg.BrokerAccount,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	// --- Initialization Steps ---
	// 1. Compare the ledger with what the broker holds. Warnings only.
	s.reconcile(ctx)

	// 2. Workers outlive the loop context so queued orders drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	s.exec.start(workCtx, s.cfg.ExecutorWorkers)

	// Entries left pending by an earlier session settle before new signals are read.
	s.exec.syncFills(ctx)

	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case err := <-s.exec.fatal:
			s.logger.Error(ctx, err, "Executor reported a fatal error")
			fail(err)
		case <-ctx.Done():
		}
	}()

	// 3. Fill sync for brokers that report order status.
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		s.fillSyncLoop(ctx)
	}()

	// --- Main Loop ---
	if err := s.loop(ctx); err != nil {
		fail(err)
	}
	cancel()
	<-syncDone
	<-watchDone

	// --- Shutdown ---
	s.logger.Info(ctx, "Draining order executor...", map[string]interface{}{"timeout": s.cfg.ShutdownTimeout.String()})
	if !s.exec.stop(s.cfg.ShutdownTimeout) {
		s.logger.Warn(ctx, "Timeout waiting for queued orders; remaining entries stay pending")
		cancelWork()
	}
	select {
	case err := <-s.exec.fatal:
		s.logger.Error(ctx, err, "Executor reported a fatal error during shutdown")
		if fatalErr == nil {
			fatalErr = err
		}
	default:
	}

	s.archive(context.WithoutCancel(ctx))
	s.close(context.WithoutCancel(ctx))

	if fatalErr != nil {
		s.logger.Error(ctx, fatalErr, "Alert trader stopped on fatal error")
		return fatalErr
	}
	s.logger.Info(ctx, "Alert trader stopped.")
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var batch ports.Batch
		err := s.retry.Do(ctx, "poll signals", func(ctx context.Context) error {
			var err error
			batch, err = s.source.Poll(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll signals: %w", err)
		}

		// A polled batch is finished and acknowledged even if shutdown begins meanwhile.
		batchCtx := context.WithoutCancel(ctx)
		for _, rej := range batch.Rejects {
			s.metrics.SignalHandled(OutcomeMalformed)
			s.logger.Warn(batchCtx, "Skipping undecodable signal", map[string]interface{}{"ref": rej.Ref, "error": errString(rej.Err)})
		}
		for _, sig := range batch.Signals {
			if err := s.handleSignal(batchCtx, sig); err != nil {
				return err
			}
		}

		if err := s.retry.Do(batchCtx, "commit batch", func(ctx context.Context) error {
			return s.source.Commit(ctx, batch)
		}); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		s.pruneSeen()
	}
}

// handleSignal turns one signal into a recorded entry and a queued order.
// A returned error is fatal for the service.
func (s *Service) handleSignal(ctx context.Context, sig domain.Signal) error {
	op := "handleSignal"
	fields := map[string]interface{}{
		"id":         sig.ID,
		"strategyID": sig.StrategyID,
		"ticker":     sig.Ticker,
		"action":     string(sig.Action),
		"price":      sig.Price.String(),
		"timestamp":  sig.Timestamp,
	}

	if err := sig.Validate(); err != nil {
		s.metrics.SignalHandled(OutcomeMalformed)
		fields["error"] = err.Error()
		s.logger.Warn(ctx, op+": Skipping malformed signal", fields)
		return nil
	}
	if !s.markSeen(sig) {
		s.metrics.SignalHandled(OutcomeDuplicate)
		s.logger.Debug(ctx, op+": Skipping duplicate signal", fields)
		return nil
	}

	stops, conflict := sig.ResolvedStops()
	if conflict {
		s.logger.Warn(ctx, op+": Stop levels in subject and body disagree; using body", map[string]interface{}{
			"ticker":       sig.Ticker,
			"subjectStops": stopsString(sig.SubjectStops),
			"bodyStops":    stopsString(sig.BodyStops),
		})
	}

	qty, ok := s.sizing.Quantity(s.cfg.BrokerAccount, sig.Ticker)
	if !ok || qty <= 0 {
		s.metrics.SignalHandled(OutcomeUnsized)
		s.logger.Warn(ctx, op+": No position size configured for ticker, skipping", fields)
		return nil
	}

	if sig.Action == domain.Sell {
		if s.hasPendingSell(sig.Ticker) {
			s.metrics.SignalHandled(OutcomeSkipped)
			s.logger.Warn(ctx, op+": Sell order for ticker already pending", fields)
			return nil
		}
		d, err := s.validator.Validate(ctx, sig.Ticker, qty)
		s.metrics.ValidatorDecision(d.Code)
		if err != nil {
			s.logger.Error(ctx, err, op+": Sell validation could not reach the broker", fields)
			if errors.Is(err, ports.ErrRetryExhausted) {
				// The batch stays uncommitted so the sell is redelivered next session.
				return fmt.Errorf("%s failed: validate sell %s: %w", op, sig.Ticker, err)
			}
		}
		if !d.Approved {
			s.metrics.SignalHandled(OutcomeBlocked)
			s.alerter.Notify(ctx, "SELL ORDER BLOCKED", fmt.Sprintf("%s %s x%d: %s", sig.Action, sig.Ticker, qty, d.Reason))
			return nil
		}
		if d.Quantity != qty {
			s.logger.Warn(ctx, op+": "+d.Reason, fields)
		}
		qty = d.Quantity
	}

	orderID := uuid.NewString()
	req := s.planOrder(ctx, sig, qty, stops, orderID)

	entry := domain.LedgerEntry{
		OrderID:       orderID,
		Ticker:        sig.Ticker,
		Action:        sig.Action,
		Quantity:      qty,
		Price:         sig.Price,
		Status:        domain.StatusPending,
		StrategyID:    sig.StrategyID,
		Source:        sig.Source,
		StopLossPct:   stops.StopLossPct,
		TakeProfitPct: stops.TakeProfitPct,
		DemoMode:      s.cfg.IsDemo(),
	}
	recorded, err := s.book.Record(context.WithoutCancel(ctx), entry)
	if err != nil {
		if errors.Is(err, ports.ErrInvalidRequest) {
			s.metrics.SignalHandled(OutcomeSkipped)
			fields["error"] = err.Error()
			s.logger.Warn(ctx, op+": Ledger refused entry", fields)
			return nil
		}
		s.logger.Error(ctx, err, op+": Failed to record ledger entry", fields)
		return fmt.Errorf("%s failed: %w", op, err)
	}

	j := job{request: req, signal: sig}
	if s.cfg.TradeVersion == "B" && sig.Action == domain.Sell && recorded.ClosesOrderID != "" {
		j.cancelLegs = recorded.ClosesOrderID
	}
	s.exec.submit(j)
	s.metrics.SignalHandled(OutcomeQueued)
	fields["orderID"] = orderID
	fields["quantity"] = qty
	s.logger.Info(ctx, op+": Order queued", fields)
	return nil
}

// planOrder picks the order style. Signals raised outside regular hours in the
// market timezone become limit orders at the signal price.
func (s *Service) planOrder(ctx context.Context, sig domain.Signal, qty int, stops domain.StopLevels, orderID string) ports.OrderRequest {
	req := ports.OrderRequest{
		OrderID:  orderID,
		Ticker:   sig.Ticker,
		Action:   sig.Action,
		Quantity: qty,
		Type:     domain.OrderTypeMarket,
	}
	price := sig.Price.Round(2)
	if !s.inMarketHours(sig.Timestamp) && price.IsPositive() {
		req.Type = domain.OrderTypeLimit
		req.LimitPrice = &price
		s.logger.Info(ctx, "Order type set to LMT as signal time is outside of trading hours", map[string]interface{}{"orderID": orderID, "timestamp": sig.Timestamp})
	}

	if s.cfg.TradeVersion != "B" || sig.Action != domain.Buy {
		return req
	}
	switch {
	case stops.StopLossPct == nil && stops.TakeProfitPct == nil:
	case stops.StopLossPct == nil || stops.TakeProfitPct == nil:
		s.logger.Warn(ctx, "Bracket needs both stop loss and take profit; placing a plain order", map[string]interface{}{"orderID": orderID, "ticker": sig.Ticker})
	case !price.IsPositive():
		s.logger.Warn(ctx, "Bracket needs a signal price; placing a plain order", map[string]interface{}{"orderID": orderID, "ticker": sig.Ticker})
	default:
		tp := risk.TakeProfitPrice(price, *stops.TakeProfitPct)
		sl := risk.StopLossPrice(price, *stops.StopLossPct)
		req.TakeProfit = &tp
		req.StopLoss = &sl
	}
	return req
}

// inMarketHours reports whether t falls within 09:30-15:59 in the market timezone.
func (s *Service) inMarketHours(t time.Time) bool {
	lt := t.In(s.cfg.MarketTimezone)
	minutes := lt.Hour()*60 + lt.Minute()
	return minutes >= 9*60+30 && minutes <= 15*60+59
}

func (s *Service) hasPendingSell(ticker string) bool {
	for _, e := range s.book.Pending() {
		if e.Ticker == ticker && e.Action == domain.Sell {
			return true
		}
	}
	return false
}

// markSeen reports whether sig is new. Identity is strategy, ticker, action and timestamp.
func (s *Service) markSeen(sig domain.Signal) bool {
	key := fmt.Sprintf("%s|%s|%d", sig.Key(), sig.Action, sig.Timestamp.Unix())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = sig.Timestamp
	return true
}

func (s *Service) pruneSeen() {
	cutoff := s.now().Add(-dedupeWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ts := range s.seen {
		if ts.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

// notifyPlaced sends the placement message for signals raised today.
func (s *Service) notifyPlaced(ctx context.Context, j job, res ports.OrderResult) {
	loc := s.cfg.MarketTimezone
	if !sameDay(j.signal.Timestamp.In(loc), s.now().In(loc)) {
		return
	}
	req := j.request
	mode := "LIVE"
	if s.cfg.IsDemo() {
		mode = "DEMO"
	}
	msg := fmt.Sprintf("[%s] Order (id: %s) placed: %s %s x%d. Order type: %s triggered at $%s",
		mode, req.OrderID, req.Action, req.Ticker, req.Quantity, req.Type, j.signal.Price.StringFixed(2))
	if req.IsBracket() {
		msg += fmt.Sprintf(". TP: $%s, SL: $%s", req.TakeProfit.StringFixed(2), req.StopLoss.StringFixed(2))
	}
	s.alerter.Notify(ctx, fmt.Sprintf("%s ORDER PLACED", req.Action), msg)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Service) reconcile(ctx context.Context) {
	var positions map[string]int
	err := s.retry.Do(ctx, "get open positions", func(ctx context.Context) error {
		var err error
		positions, err = s.broker.GetOpenPositions(ctx, s.cfg.BrokerAccount)
		return err
	})
	if err != nil {
		s.logger.Warn(ctx, "Skipping startup reconciliation; broker positions unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		s.book.Reconcile(ctx, positions)
	}
	for _, d := range s.book.Drift() {
		s.logger.Warn(ctx, "Ledger summary drifts from open buy entries", map[string]interface{}{
			"ticker":          d.Ticker,
			"summaryQuantity": d.SummaryQuantity,
			"openBuyQuantity": d.OpenBuyQuantity,
		})
	}
}

func (s *Service) fillSyncLoop(ctx context.Context) {
	if _, ok := s.broker.(ports.OrderStatusReader); !ok {
		return
	}
	interval := s.cfg.FillSyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exec.syncFills(ctx)
		}
	}
}

// archive uploads the ledger snapshot. Failures are logged only.
func (s *Service) archive(ctx context.Context) {
	if s.archiver == nil {
		return
	}
	data, err := json.MarshalIndent(s.book.Snapshot(), "", "  ")
	if err != nil {
		s.logger.Error(ctx, err, "Failed to encode ledger snapshot")
		return
	}
	name := fmt.Sprintf(archiveName, s.now().Format("20060102T150405Z"))
	if err := s.archiver.Archive(ctx, name, data); err != nil {
		s.logger.Warn(ctx, "Ledger archive failed", map[string]interface{}{"name": name, "error": err.Error()})
		return
	}
	s.logger.Info(ctx, "Ledger archived", map[string]interface{}{"name": name, "bytes": len(data)})
}

func (s *Service) close(ctx context.Context) {
	if err := s.source.Close(); err != nil {
		s.logger.Warn(ctx, "Failed to close signal source", map[string]interface{}{"error": err.Error()})
	}
	if err := s.book.Close(); err != nil {
		s.logger.Warn(ctx, "Failed to close ledger store", map[string]interface{}{"error": err.Error()})
	}
}

func stopsString(l domain.StopLevels) string {
	return fmt.Sprintf("sl=%s tp=%s", pctString(l.StopLossPct), pctString(l.TakeProfitPct))
}

func pctString(p *decimal.Decimal) string {
	if p == nil {
		return "-"
	}
	return p.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type nopAlerter struct{}

func (nopAlerter) Notify(context.Context, string, string) {}

type nopMetrics struct{}

func (nopMetrics) SignalHandled(string)     {}
func (nopMetrics) ValidatorDecision(string) {}
func (nopMetrics) OrderPlaced(string)       {}
func (nopMetrics) OrderFailed(string)       {}
func (nopMetrics) LedgerAppend(float64)     {}
