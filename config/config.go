package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // MARKET_TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"alertTrader/internal/adapters/logger" // Import the logger package for LogLevel
)

// Ledger backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Broker modes.
const (
	ModeDemo = "demo"
	ModeLive = "live"
)

// Signal sources.
const (
	SourceSpool = "spool"
	SourceKafka = "kafka"
)

// Config holds all application configuration.
type Config struct {
	// Logging
	LogLevel     logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat    string          // "console" or "json"
	LogOutput    string          // "stderr", "stdout" or a file path
	AuditLogPath string          // Position safety audit trail

	// Ledger
	LedgerBackend string
	LedgerPath    string // JSON ledger file
	DBPath        string // SQLite database
	PostgresDSN   string

	// Writer lock (Redis); empty address disables it
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LedgerLockTTL time.Duration

	// Broker
	BrokerMode    string
	BrokerAccount string

	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string

	BinanceAPIKey     string
	BinanceSecretKey  string
	BinanceTestnet    bool
	BinanceLotSize    decimal.Decimal // One ledger unit in base-asset terms
	BinanceQuoteAsset string          // Appended to tickers like BTCUSD -> BTCUSDT
	CryptoMarkers     []string        // Tickers containing any of these route to Binance

	// Trading
	TradeVersion      string // "A" plain orders, "B" bracket orders
	SizingFile        string
	MinLedgerQuantity int
	MarketTimezone    *time.Location
	ExecutorWorkers   int
	ExecutorQueue     int
	FillSyncInterval  time.Duration
	ShutdownTimeout   time.Duration

	// Retry policy
	RetryMaxAttempts int
	RetryMinDelay    time.Duration
	RetryMaxDelay    time.Duration

	// Signal source
	SourceKind     string
	SpoolDir       string
	CheckpointFile string
	PollInterval   time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string

	// Archive (S3); empty bucket disables it
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Notifications; empty token disables them
	TelegramToken  string
	TelegramChatID string

	// Status API; empty address disables it
	HTTPAddr string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "console"))
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be console or json")
	}
	cfg.LogOutput = getEnv("LOG_OUTPUT", "stderr")
	cfg.AuditLogPath = getEnv("AUDIT_LOG_PATH", "log/position_safety.log")

	// Ledger
	cfg.LedgerBackend = strings.ToLower(getEnv("LEDGER_BACKEND", BackendFile))
	cfg.LedgerPath = getEnv("LEDGER_PATH", "./data/trade_ledger.json")
	cfg.DBPath = getEnv("DB_PATH", "./data/trade_ledger.db")
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", "")
	switch cfg.LedgerBackend {
	case BackendFile, BackendSQLite:
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, "POSTGRES_DSN must be set when LEDGER_BACKEND=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend))
	}

	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)
	lockTTL, err := getEnvAsIntRequired("LEDGER_LOCK_TTL_SECONDS", 30)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEDGER_LOCK_TTL_SECONDS: %v", err))
	} else if lockTTL <= 0 {
		errs = append(errs, "LEDGER_LOCK_TTL_SECONDS must be positive")
	}
	cfg.LedgerLockTTL = time.Duration(lockTTL) * time.Second

	// Broker
	cfg.BrokerMode = strings.ToLower(getEnv("BROKER_MODE", ModeDemo)) // Default to demo for safety
	cfg.BrokerAccount = getEnv("BROKER_ACCOUNT", "default")

	cfg.AlpacaAPIKey = getEnv("ALPACA_API_KEY", "")
	cfg.AlpacaAPISecret = getEnv("ALPACA_API_SECRET", "")
	cfg.AlpacaBaseURL = getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets")

	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.BinanceTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.BinanceQuoteAsset = getEnv("BINANCE_QUOTE_ASSET", "USDT")
	cfg.BinanceLotSize, err = decimal.NewFromString(getEnv("BINANCE_LOT_SIZE", "0.001"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BINANCE_LOT_SIZE: %v", err))
	} else if !cfg.BinanceLotSize.IsPositive() {
		errs = append(errs, "BINANCE_LOT_SIZE must be positive")
	}
	cfg.CryptoMarkers = getEnvAsList("CRYPTO_MARKERS", []string{"BTC", "ETH"})

	switch cfg.BrokerMode {
	case ModeDemo:
	case ModeLive:
		hasAlpaca := cfg.AlpacaAPIKey != "" && cfg.AlpacaAPISecret != ""
		hasBinance := cfg.BinanceAPIKey != "" && cfg.BinanceSecretKey != ""
		if !hasAlpaca && !hasBinance {
			errs = append(errs, "BROKER_MODE=live requires ALPACA_API_KEY/ALPACA_API_SECRET or BINANCE_API_KEY/BINANCE_API_SECRET")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown BROKER_MODE %q", cfg.BrokerMode))
	}

	// Trading
	cfg.TradeVersion = strings.ToUpper(getEnv("TRADE_VERSION", "A"))
	if cfg.TradeVersion != "A" && cfg.TradeVersion != "B" {
		errs = append(errs, "TRADE_VERSION must be A or B")
	}
	cfg.SizingFile = getEnv("SIZING_FILE", "./config/sizing.yaml")

	cfg.MinLedgerQuantity, err = getEnvAsIntRequired("MIN_LEDGER_QUANTITY", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_LEDGER_QUANTITY: %v", err))
	} else if cfg.MinLedgerQuantity <= 0 {
		errs = append(errs, "MIN_LEDGER_QUANTITY must be positive")
	}

	tz := getEnv("MARKET_TIMEZONE", "America/Toronto")
	cfg.MarketTimezone, err = time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MARKET_TIMEZONE %q: %v", tz, err))
	}

	cfg.ExecutorWorkers = getEnvAsInt("EXECUTOR_WORKERS", 4)
	if cfg.ExecutorWorkers <= 0 {
		errs = append(errs, "EXECUTOR_WORKERS must be positive")
	}
	cfg.ExecutorQueue = getEnvAsInt("EXECUTOR_QUEUE", 64)
	if cfg.ExecutorQueue <= 0 {
		errs = append(errs, "EXECUTOR_QUEUE must be positive")
	}
	cfg.FillSyncInterval = time.Duration(getEnvAsInt("FILL_SYNC_SECONDS", 30)) * time.Second
	if cfg.FillSyncInterval <= 0 {
		errs = append(errs, "FILL_SYNC_SECONDS must be positive")
	}
	cfg.ShutdownTimeout = time.Duration(getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 20)) * time.Second
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, "SHUTDOWN_TIMEOUT_SECONDS must be positive")
	}

	// Retry policy
	cfg.RetryMaxAttempts, err = getEnvAsIntRequired("RETRY_MAX_ATTEMPTS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RETRY_MAX_ATTEMPTS: %v", err))
	} else if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	cfg.RetryMinDelay = time.Duration(getEnvAsInt("RETRY_MIN_DELAY_MS", 500)) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(getEnvAsInt("RETRY_MAX_DELAY_SECONDS", 30)) * time.Second
	if cfg.RetryMinDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryMinDelay {
		errs = append(errs, "RETRY_MIN_DELAY_MS must be positive and not above RETRY_MAX_DELAY_SECONDS")
	}

	// Signal source
	cfg.SourceKind = strings.ToLower(getEnv("SOURCE_KIND", SourceSpool))
	cfg.SpoolDir = getEnv("SPOOL_DIR", "./data/inbox")
	cfg.CheckpointFile = getEnv("CHECKPOINT_FILE", "./data/last_checked.json")
	cfg.PollInterval = time.Duration(getEnvAsInt("POLL_INTERVAL_SECONDS", 5)) * time.Second
	if cfg.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.KafkaBrokers = getEnvAsList("KAFKA_BROKERS", nil)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", "trade-signals")
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", "alert-trader")
	switch cfg.SourceKind {
	case SourceSpool:
		if cfg.SpoolDir == "" {
			errs = append(errs, "SPOOL_DIR must be set")
		}
	case SourceKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, "KAFKA_BROKERS must be set when SOURCE_KIND=kafka")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown SOURCE_KIND %q", cfg.SourceKind))
	}

	// Archive
	cfg.S3Bucket = getEnv("S3_BUCKET", "")
	cfg.S3Region = getEnv("S3_REGION", "us-east-1")
	cfg.S3Prefix = getEnv("S3_PREFIX", "ledger/")
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("S3_SECRET_KEY", "")

	// Notifications
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if cfg.TelegramToken != "" && cfg.TelegramChatID == "" {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// IsDemo reports whether orders go to the in-memory demo broker.
func (c *Config) IsDemo() bool { return c.BrokerMode == ModeDemo }

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
