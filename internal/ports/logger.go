package ports

import "context"

// Logger is the structured logging interface used throughout the bot. The
// zap-backed implementation lives in internal/adapters/logger; tests inject
// no-op stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error with an accompanying message.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
