package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dipcatcher/internal/ports"
)

// ZapLogger implements ports.Logger on top of zap's sugared logger.
type ZapLogger struct {
	log *zap.SugaredLogger
}

// ParseLevel converts a level string ("debug", "info", "warn", "error") to a
// zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a production-configured zap logger at the given level.
func New(level zapcore.Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{log: z.Sugar()}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *ZapLogger {
	return &ZapLogger{log: zap.NewNop().Sugar()}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.log.Sync()
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.Debugw(msg, flatten(fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.Infow(msg, flatten(fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log.Warnw(msg, flatten(fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	kv := flatten(fields)
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	l.log.Errorw(msg, kv...)
}

// flatten converts the variadic field maps into zap's alternating key/value
// form.
func flatten(fields []map[string]interface{}) []interface{} {
	var kv []interface{}
	for _, m := range fields {
		for k, v := range m {
			kv = append(kv, k, v)
		}
	}
	return kv
}

var _ ports.Logger = (*ZapLogger)(nil)
