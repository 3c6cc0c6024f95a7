// Package obs configures structured logging and correlation-id propagation
// for the plugin, following the teacher's log/slog usage throughout
// pkg/events and pkg/queue (slog.With(...).Info/Warn/Error).
package obs

import (
	"context"
	"log/slog"
	"os"
)

type correlationKey struct{}

// Init installs the default slog handler. jsonFormat selects the
// production JSON handler; otherwise a human-readable text handler is used
// for local development, mirroring how the teacher's cmd/tarsy/main.go
// switches gin mode by environment.
func Init(jsonFormat bool, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithCorrelation returns a context carrying correlationID, so every log
// line inside a handler or dispatch step can be emitted via LoggerFrom(ctx),
// which builds a logger tagged with the id, without re-threading it.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts the correlation id stashed by WithCorrelation, or
// "" if none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// LoggerFrom returns slog.Default() annotated with the context's
// correlation id (and any other well-known fields), matching the teacher's
// log := slog.With("worker_id", w.id, ...) idiom.
func LoggerFrom(ctx context.Context, kv ...any) *slog.Logger {
	l := slog.Default()
	if id := CorrelationID(ctx); id != "" {
		l = l.With("correlation_id", id)
	}
	if len(kv) > 0 {
		l = l.With(kv...)
	}
	return l
}
