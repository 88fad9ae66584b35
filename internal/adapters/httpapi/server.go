// Package httpapi exposes health, ledger status and Prometheus metrics over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertTrader/internal/domain"
	"alertTrader/internal/ports"
)

// LedgerView is the read side of the ledger the API serves.
type LedgerView interface {
	Snapshot() *domain.LedgerState
}

// Config configures the server.
type Config struct {
	Addr     string
	Gatherer prometheus.Gatherer // Defaults to prometheus.DefaultGatherer
	Logger   ports.Logger
}

// Server wraps an Echo instance.
type Server struct {
	echo    *echo.Echo
	addr    string
	logger  ports.Logger
	ledger  LedgerView
	started time.Time
}

// SummaryRow is one ticker of GET /ledger/summary.
type SummaryRow struct {
	Ticker string `json:"ticker"`
	domain.TickerSummary
}

// NewServer builds the routes.
func NewServer(cfg Config, ledger LedgerView) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, addr: cfg.Addr, logger: cfg.Logger, ledger: ledger, started: time.Now()}
	e.GET("/healthz", s.health)
	e.GET("/ledger/summary", s.summary)
	e.GET("/ledger/open", s.openBuys)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) summary(c echo.Context) error {
	state := s.ledger.Snapshot()
	rows := make([]SummaryRow, 0, len(state.Summary))
	for _, t := range state.Tickers() {
		rows = append(rows, SummaryRow{Ticker: t, TickerSummary: state.Summary[t]})
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) openBuys(c echo.Context) error {
	state := s.ledger.Snapshot()
	ticker := c.QueryParam("ticker")
	open := make([]domain.LedgerEntry, 0)
	for _, e := range state.Trades {
		if e.IsOpenBuy() && (ticker == "" || e.Ticker == ticker) {
			open = append(open, e)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Timestamp.Before(open[j].Timestamp) })
	return c.JSON(http.StatusOK, open)
}

// Start listens in the background until Stop.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info(ctx, "HTTP status server listening", map[string]interface{}{"addr": s.addr})
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, err, "HTTP status server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
