package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alertTrader/internal/ports"
)

// Logger is the zerolog-backed ports.Logger.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// LogLevel is the minimum severity a Logger writes.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	levelNames    = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}
	zerologLevels = [...]zerolog.Level{zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel}
)

func (l LogLevel) valid() bool { return l >= LevelDebug && l <= LevelError }

func (l LogLevel) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l LogLevel) zerolog() zerolog.Level {
	if !l.valid() {
		return zerolog.InfoLevel
	}
	return zerologLevels[l]
}

// ParseLevel maps a LOG_LEVEL value onto a LogLevel. Unknown values mean INFO.
func ParseLevel(s string) LogLevel {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return LevelWarn
	}
	for i, name := range levelNames {
		if name == s {
			return LogLevel(i)
		}
	}
	return LevelInfo
}

// Config controls where and how log lines are written.
type Config struct {
	Level     LogLevel
	Format    string // "console" or "json"
	Output    string // "stderr", "stdout" or a file path
	Component string // Added to every line when set
}

// New creates a logger from cfg.
func New(cfg Config) (*Logger, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		out, closer = f, f
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: closer != nil}
	}

	zctx := zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp()
	if cfg.Component != "" {
		zctx = zctx.Str("component", cfg.Component)
	}
	return &Logger{zl: zctx.Logger(), closer: closer}, nil
}

// NewWriter creates a JSON logger writing to w. Used by tests and tools.
func NewWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{zl: zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []ports.Fields) {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...ports.Fields) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...ports.Fields) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...ports.Fields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error attaches err under the "error" key.
func (l *Logger) Error(ctx context.Context, err error, msg string, fields ...ports.Fields) {
	l.emit(l.zl.Error().Err(err), msg, fields)
}
