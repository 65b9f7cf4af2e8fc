package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured key/value logging surface used across the service.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Debugw(string, ...any) {}
func (noopLogger) Infow(string, ...any)  {}
func (noopLogger) Warnw(string, ...any)  {}
func (noopLogger) Errorw(string, ...any) {}
func (noopLogger) Sync() error           { return nil }

var (
	mu      sync.RWMutex
	current Logger = noopLogger{}
	sugar   *zap.SugaredLogger
)

// Init builds the process logger from level (debug|info|warn|error) and
// routes the standard library logger through it. Safe to call more than once;
// the last call wins.
func Init(level string) (*zap.SugaredLogger, error) {
	cfg := zap.Config{
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Level:            zap.NewAtomicLevelAt(parseLevel(level)),
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, err
	}
	_ = zap.RedirectStdLog(logger)

	mu.Lock()
	defer mu.Unlock()
	sugar = logger.Sugar()
	current = sugar
	return sugar, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package logger. Passing nil restores the logger built
// by Init, or a no-op logger when Init was never called. Tests use this.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

func get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Debugw(msg string, kv ...any) { get().Debugw(msg, kv...) }
func Infow(msg string, kv ...any)  { get().Infow(msg, kv...) }
func Warnw(msg string, kv ...any)  { get().Warnw(msg, kv...) }
func Errorw(msg string, kv ...any) { get().Errorw(msg, kv...) }

// Sync flushes buffered log entries.
func Sync() error { return get().Sync() }

// With returns a logger that prepends kv to every entry.
func With(kv ...any) Logger {
	return &fieldLogger{fields: kv}
}

type fieldLogger struct {
	fields []any
}

func (f *fieldLogger) merge(kv []any) []any {
	out := make([]any, 0, len(f.fields)+len(kv))
	out = append(out, f.fields...)
	return append(out, kv...)
}

func (f *fieldLogger) Debugw(msg string, kv ...any) { get().Debugw(msg, f.merge(kv)...) }
func (f *fieldLogger) Infow(msg string, kv ...any)  { get().Infow(msg, f.merge(kv)...) }
func (f *fieldLogger) Warnw(msg string, kv ...any)  { get().Warnw(msg, f.merge(kv)...) }
func (f *fieldLogger) Errorw(msg string, kv ...any) { get().Errorw(msg, f.merge(kv)...) }
func (f *fieldLogger) Sync() error                  { return get().Sync() }

type ctxKey struct{}

// WithFields attaches key/value pairs to ctx for later use by InfowCtx and friends.
func WithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev := FromContext(ctx)
	merged := make([]any, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FromContext returns fields previously attached with WithFields.
func FromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKey{}).([]any)
	return v
}

func InfowCtx(ctx context.Context, msg string, kv ...any) {
	Infow(msg, append(FromContext(ctx), kv...)...)
}

func WarnwCtx(ctx context.Context, msg string, kv ...any) {
	Warnw(msg, append(FromContext(ctx), kv...)...)
}

func ErrorwCtx(ctx context.Context, msg string, kv ...any) {
	Errorw(msg, append(FromContext(ctx), kv...)...)
}

// SessionFields returns the canonical key/value pair set for a session.
func SessionFields(sessionID, userID string) []any {
	if userID == "" {
		return []any{"session.id", sessionID}
	}
	return []any{"session.id", sessionID, "user.id", userID}
}
