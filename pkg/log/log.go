// Package log carries a *slog.Logger through context.Context.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	SetOutput(os.Stdout)
}

type ctxKey struct{}

// NewJSON returns a JSON logger writing to w that follows the package level.
func NewJSON(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     &level,
	}))
}

// SetOutput replaces the default logger with one writing JSON to w.
func SetOutput(w io.Writer) {
	current.Store(NewJSON(w))
}

// Default is the logger used when a context has none.
func Default() *slog.Logger {
	return current.Load()
}

// Ctx returns the logger stored in ctx or the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Default()
}

// With returns a copy of ctx carrying logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// WithAttrs returns a context whose logger adds args to every record, e.g.
// the cycle id for everything logged during one cycle.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	return With(ctx, Ctx(ctx).With(args...))
}

// SetDefaultLogLevel changes the level of every logger made by this package.
func SetDefaultLogLevel(l slog.Level) {
	level.Set(l)
}
