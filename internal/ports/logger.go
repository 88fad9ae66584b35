package ports

import "context"

// Fields carries structured key/value context for a log line.
type Fields = map[string]interface{}

// Logger is the structured logger every component receives. The service, the
// CLIs and the position-safety audit trail each hold their own instance.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	// Error logs err alongside msg; err may be nil.
	Error(ctx context.Context, err error, msg string, fields ...Fields)
}
