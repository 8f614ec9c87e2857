package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Reporter is the fire-and-forget telemetry sink. Implementations must never
// block the caller and must never return errors into the primary operation;
// the vendor behind it is an injection detail of the composition root.
type Reporter interface {
	CaptureException(ctx context.Context, err error)
	AddBreadcrumb(ctx context.Context, category, message string, data map[string]any)
	// StartSpan returns a finish function; callers defer it around the traced
	// operation.
	StartSpan(ctx context.Context, op string) (context.Context, func())
}

// Logger reports telemetry through slog. It is the default sink when no
// vendor reporter is configured.
type Logger struct {
	l *slog.Logger
}

func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

func (r *Logger) CaptureException(ctx context.Context, err error) {
	r.l.ErrorContext(ctx, "telemetry: exception", "error", err)
}

func (r *Logger) AddBreadcrumb(ctx context.Context, category, message string, data map[string]any) {
	r.l.DebugContext(ctx, "telemetry: breadcrumb",
		"category", category,
		"message", message,
		"data", data,
	)
}

func (r *Logger) StartSpan(ctx context.Context, op string) (context.Context, func()) {
	start := time.Now()
	return ctx, func() {
		r.l.DebugContext(ctx, "telemetry: span finished",
			"op", op,
			"duration", time.Since(start),
		)
	}
}

// Noop discards everything. Test double.
type Noop struct{}

func (Noop) CaptureException(context.Context, error)                           {}
func (Noop) AddBreadcrumb(context.Context, string, string, map[string]any)     {}
func (Noop) StartSpan(ctx context.Context, _ string) (context.Context, func()) { return ctx, func() {} }
