package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alertTrader/internal/domain"
	"alertTrader/internal/ledger"
	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
)

// job is one recorded ledger entry waiting for broker placement.
type job struct {
	request    ports.OrderRequest
	signal     domain.Signal
	cancelLegs string // Buy order whose bracket legs are canceled before a Sell
}

// venueNamer is implemented by brokers that route orders to several venues.
type venueNamer interface {
	VenueName(orderID string) string
}

// executor places orders on a bounded pool of workers.
type executor struct {
	broker   ports.Broker
	book     *ledger.Book
	retry    retry.Policy
	logger   ports.Logger
	metrics  ports.Metrics
	onPlaced func(ctx context.Context, j job, res ports.OrderResult)

	jobs  chan job
	fatal chan error
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newExecutor(broker ports.Broker, book *ledger.Book, policy retry.Policy, logger ports.Logger, metrics ports.Metrics, queue int) *executor {
	if queue <= 0 {
		queue = 1
	}
	return &executor{
		broker:   broker,
		book:     book,
		retry:    policy,
		logger:   logger,
		metrics:  metrics,
		jobs:     make(chan job, queue),
		fatal:    make(chan error, 1),
		inFlight: make(map[string]struct{}),
	}
}

// start launches workers. ctx bounds broker calls, not the life of the queue.
func (e *executor) start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for j := range e.jobs {
				e.run(ctx, j)
			}
		}()
	}
}

// submit queues j, blocking while the queue is full.
func (e *executor) submit(j job) {
	e.mu.Lock()
	e.inFlight[j.request.OrderID] = struct{}{}
	e.mu.Unlock()
	e.jobs <- j
}

// stop closes the queue and waits for workers. It reports false on timeout.
func (e *executor) stop(timeout time.Duration) bool {
	close(e.jobs)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *executor) isInFlight(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[orderID]
	return ok
}

func (e *executor) done(orderID string) {
	e.mu.Lock()
	delete(e.inFlight, orderID)
	e.mu.Unlock()
}

func (e *executor) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default: // One fatal error is enough to stop the service
	}
}

func (e *executor) venue(orderID string) string {
	if v, ok := e.broker.(venueNamer); ok {
		if name := v.VenueName(orderID); name != "" {
			return name
		}
	}
	return "broker"
}

func (e *executor) run(ctx context.Context, j job) {
	op := "executeOrder"
	req := j.request
	defer e.done(req.OrderID)

	fields := map[string]interface{}{
		"orderID":  req.OrderID,
		"ticker":   req.Ticker,
		"action":   string(req.Action),
		"quantity": req.Quantity,
		"type":     string(req.Type),
		"bracket":  req.IsBracket(),
	}

	if j.cancelLegs != "" {
		_ = e.cancelOrderWarn(ctx, j.cancelLegs, "bracket")
	}

	var res ports.OrderResult
	err := e.retry.Do(ctx, "place order "+req.OrderID, func(ctx context.Context) error {
		var err error
		res, err = e.broker.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrRetryExhausted), errors.Is(err, ports.ErrContextCanceled):
			// The broker may still have accepted the order; fill sync decides later.
			e.metrics.OrderFailed("unreachable")
			e.logger.Error(ctx, err, op+": Broker unreachable, entry left pending", fields)
			if errors.Is(err, ports.ErrRetryExhausted) {
				e.reportFatal(fmt.Errorf("%s failed for %s: %w", op, req.OrderID, err))
			}
		default:
			e.metrics.OrderFailed("rejected")
			e.logger.Error(ctx, err, op+": Order rejected by broker", fields)
			if mErr := e.book.MarkFailed(context.WithoutCancel(ctx), req.OrderID); mErr != nil {
				e.logger.Error(ctx, mErr, op+": Failed to mark ledger entry failed", fields)
				e.reportFatal(mErr)
			}
		}
		return
	}

	fields["brokerOrderID"] = res.BrokerOrderID
	fields["state"] = string(res.State)
	e.metrics.OrderPlaced(e.venue(req.OrderID))
	e.logger.Info(ctx, op+": Order placed", fields)

	if err := e.settle(context.WithoutCancel(ctx), req.OrderID, res.State); err != nil {
		e.logger.Error(ctx, err, op+": Failed to update ledger after placement", fields)
		e.reportFatal(err)
		return
	}
	if e.onPlaced != nil {
		e.onPlaced(ctx, j, res)
	}
}

// settle applies a broker state to the ledger entry. Open orders stay pending.
func (e *executor) settle(ctx context.Context, orderID string, state domain.OrderState) error {
	switch state {
	case domain.OrderStateFilled:
		return e.book.SettleFill(ctx, orderID)
	case domain.OrderStateRejected:
		return e.book.MarkFailed(ctx, orderID)
	default:
		return nil
	}
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
func (e *executor) cancelOrderWarn(ctx context.Context, orderID, orderType string) error {
	op := "cancelOrderWarn"
	e.logger.Info(ctx, op+": Attempting to cancel order", map[string]interface{}{"orderID": orderID, "type": orderType})
	err := e.broker.CancelOrder(ctx, orderID)
	if err != nil {
		// Legs that already triggered or were canceled are gone.
		if errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, op+": Order not found, likely already filled or cancelled", map[string]interface{}{"orderID": orderID, "type": orderType})
			return nil
		}
		e.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"orderID": orderID, "type": orderType})
		return err
	}
	e.logger.Info(ctx, op+": Order cancelled successfully", map[string]interface{}{"orderID": orderID, "type": orderType})
	return nil
}

// syncFills asks the broker about pending entries that are not being placed right now.
func (e *executor) syncFills(ctx context.Context) {
	reader, ok := e.broker.(ports.OrderStatusReader)
	if !ok {
		return
	}
	for _, entry := range e.book.Pending() {
		if ctx.Err() != nil {
			return
		}
		if e.isInFlight(entry.OrderID) {
			continue
		}
		state, err := reader.OrderStatus(ctx, entry.OrderID)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				e.logger.Debug(ctx, "Pending order unknown to broker", map[string]interface{}{"orderID": entry.OrderID})
				continue
			}
			e.logger.Warn(ctx, "Failed to read order status", map[string]interface{}{"orderID": entry.OrderID, "error": err.Error()})
			continue
		}
		if state == domain.OrderStateOpen {
			continue
		}
		if err := e.settle(context.WithoutCancel(ctx), entry.OrderID, state); err != nil {
			e.logger.Error(ctx, err, "Failed to apply order status to ledger", map[string]interface{}{"orderID": entry.OrderID})
			e.reportFatal(err)
			return
		}
		e.logger.Info(ctx, "Pending order settled", map[string]interface{}{"orderID": entry.OrderID, "state": string(state)})
	}
}
