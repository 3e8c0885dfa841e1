package util

import (
	"context"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

func NewLogHandler(name string) slog.Handler {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           log.DebugLevel,
	})
}

func NewLogger(name string) *slog.Logger {
	return slog.New(NewLogHandler(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use LoggerFromContext to pull it out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// LoggerFromContext returns the request scoped logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if v, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return v
		}
	}
	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix to its prefix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if base == nil {
		return NewLogger(suffix)
	}
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewLogHandler(prefix))
	}
	return base.With("component", suffix)
}
