package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"github.com/prometheus/client_golang/prometheus"

	"alertTrader/config"
	"alertTrader/internal/adapters/alpacaclient"
	"alertTrader/internal/adapters/binanceclient"
	"alertTrader/internal/adapters/demobroker"
	"alertTrader/internal/adapters/httpapi"
	"alertTrader/internal/adapters/kafkasource"
	"alertTrader/internal/adapters/logger"
	"alertTrader/internal/adapters/metrics"
	"alertTrader/internal/adapters/spool"
	"alertTrader/internal/adapters/telegram"
	"alertTrader/internal/app"
	"alertTrader/internal/broker"
	"alertTrader/internal/ledger"
	"alertTrader/internal/notify"
	"alertTrader/internal/ports"
	"alertTrader/internal/retry"
	"alertTrader/internal/risk"
	"alertTrader/internal/wiring"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	sizing, err := config.LoadSizing(cfg.SizingFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to load sizing table: %v", err)
	}

	// 2. Initialize Loggers
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()
	auditLogger, err := logger.New(logger.Config{Level: logger.LevelInfo, Format: "json", Output: cfg.AuditLogPath, Component: "position_safety"})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize audit logger: %v", err)
	}
	defer auditLogger.Close()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "mode": cfg.BrokerMode})

	recorder := metrics.New(prometheus.DefaultRegisterer)

	// 3. Initialize Ledger (store, optional writer lock)
	book, closeLock, err := wiring.Book(ctx, cfg, appLogger, ledger.WithMetrics(recorder))
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open trade ledger")
		log.Fatalf("FATAL: Failed to open trade ledger: %v", err)
	}
	defer closeLock()
	appLogger.Info(ctx, "Trade ledger opened", map[string]interface{}{"backend": cfg.LedgerBackend})

	// 4. Initialize Broker
	execBroker, err := newBroker(ctx, cfg, appLogger, book.TickerOf)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize broker")
		log.Fatalf("FATAL: Failed to initialize broker: %v", err)
	}
	appLogger.Info(ctx, "Broker initialized", map[string]interface{}{"mode": cfg.BrokerMode})

	// 5. Initialize Signal Source
	source, err := newSource(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize signal source")
		log.Fatalf("FATAL: Failed to initialize signal source: %v", err)
	}
	appLogger.Info(ctx, "Signal source initialized", map[string]interface{}{"kind": cfg.SourceKind})

	// 6. Initialize Side Channels (notifications, archive, status API)
	var senders []ports.Notifier
	if cfg.TelegramToken != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		senders = append(senders, tg)
	}
	alerter := notify.NewBestEffort(appLogger, senders...)

	archiver, err := wiring.Archiver(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ledger archive")
		log.Fatalf("FATAL: Failed to initialize ledger archive: %v", err)
	}

	if cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(httpapi.Config{Addr: cfg.HTTPAddr, Gatherer: prometheus.DefaultGatherer, Logger: appLogger}, book)
		srv.Start(ctx)
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				appLogger.Error(ctx, err, "Error stopping status API")
			}
		}()
	}

	// 7. Initialize Sell Validator and Application Service
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Min:         cfg.RetryMinDelay,
		Max:         cfg.RetryMaxDelay,
		Factor:      2,
		Jitter:      true,
		Logger:      appLogger,
	}
	validator := risk.NewSellValidator(risk.ValidatorConfig{
		Account:           cfg.BrokerAccount,
		MinLedgerQuantity: cfg.MinLedgerQuantity,
	}, execBroker, book, policy, auditLogger, appLogger)

	opts := []app.Option{
		app.WithAlerter(alerter),
		app.WithMetrics(recorder),
		app.WithRetryPolicy(policy),
	}
	if archiver != nil {
		opts = append(opts, app.WithArchiver(archiver))
	}
	service, err := app.NewService(cfg, appLogger, source, execBroker, book, validator, sizing, opts...)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize alert trader service")
		log.Fatalf("FATAL: Failed to initialize alert trader service: %v", err)
	}
	appLogger.Info(ctx, "Alert trader service initialized")

	// 8. Start the Service (closes the source and the ledger on return)
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Alert trader exited with error")
		log.Fatalf("FATAL: Alert trader exited with error: %v", err)
	}

	stats := validator.GetStats()
	appLogger.Info(ctx, "Application finished gracefully.", map[string]interface{}{
		"sellsValidated": stats.Validated,
		"sellsAdjusted":  stats.Adjusted,
		"sellsBlocked":   stats.Blocked,
	})
}

// newBroker returns the demo broker or a router over the configured live venues.
// tickerOf lets live venues find orders placed before this process started.
func newBroker(ctx context.Context, cfg *config.Config, logger ports.Logger, tickerOf ports.TickerLookup) (ports.Broker, error) {
	if cfg.IsDemo() {
		return demobroker.New(logger, demobroker.DefaultPositions()), nil
	}

	var equity, crypto *broker.Venue
	if cfg.AlpacaAPIKey != "" && cfg.AlpacaAPISecret != "" {
		c, err := alpacaclient.New(alpacaclient.Config{
			APIKey:    cfg.AlpacaAPIKey,
			APISecret: cfg.AlpacaAPISecret,
			BaseURL:   cfg.AlpacaBaseURL,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		equity = &broker.Venue{Name: "alpaca", Broker: c}
	}
	if cfg.BinanceAPIKey != "" && cfg.BinanceSecretKey != "" {
		c, err := binanceclient.New(binanceclient.Config{
			APIKey:       cfg.BinanceAPIKey,
			SecretKey:    cfg.BinanceSecretKey,
			UseTestnet:   cfg.BinanceTestnet,
			Logger:       logger,
			LotSize:      cfg.BinanceLotSize,
			QuoteAsset:   cfg.BinanceQuoteAsset,
			TickerLookup: tickerOf,
		})
		if err != nil {
			return nil, err
		}
		// Signed futures calls fail when the local clock drifts from the server.
		if err := c.SetServerTime(ctx); err != nil {
			return nil, err
		}
		crypto = &broker.Venue{Name: "binance", Broker: c}
	}
	return broker.NewRouter(equity, crypto, cfg.CryptoMarkers, logger, broker.WithTickerLookup(tickerOf)), nil
}

func newSource(cfg *config.Config, logger ports.Logger) (ports.SignalSource, error) {
	if cfg.SourceKind == config.SourceKafka {
		return kafkasource.New(kafkasource.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
			Logger:  logger,
		})
	}
	return spool.New(spool.Config{
		Dir:            cfg.SpoolDir,
		CheckpointFile: cfg.CheckpointFile,
		PollInterval:   cfg.PollInterval,
		Logger:         logger,
	})
}
