// Package logger wires structured logging for the replication core,
// grounded on influxdata-influxdb/logger (zap-based, RFC3339 timestamps,
// a context-carried *zap.Logger).
package logger

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the [log] section of config.Config.
type Config struct {
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns Config defaults.
func NewConfig() Config {
	return Config{Format: "auto", Level: zapcore.InfoLevel}
}

// New builds a *zap.Logger writing to w in the given format ("json" or
// anything else for a human-readable console encoder).
func New(w io.Writer, cfg Config) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}
	encCfg.EncodeDuration = func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(d.String())
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), cfg.Level))
}

type loggerContextKey struct{}

// NewContextWithLogger returns a new context carrying log.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, log)
}

// FromContext returns the *zap.Logger associated with ctx, or a no-op
// logger if none was set.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// ForGpid returns a child logger with the gpid attached as a structured
// field, matching the source's convention of tagging every replica log
// line with its partition.
func ForGpid(base *zap.Logger, gpidString string) *zap.Logger {
	return base.With(zap.String("gpid", gpidString))
}
