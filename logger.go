package vecfs

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with vecfs-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithCollection adds a collection field to the logger.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With("collection", name)}
}

// LogUpsert logs an upsert batch.
func (l *Logger) LogUpsert(ctx context.Context, collection string, count int, watchMode bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"collection", collection,
			"count", count,
			"watch_mode", watchMode,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "upsert completed",
		"collection", collection,
		"count", count,
		"watch_mode", watchMode,
	)
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, collection string, limit, results int, indexed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"collection", collection,
			"limit", limit,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"collection", collection,
		"limit", limit,
		"results", results,
		"indexed", indexed,
	)
}

// LogRebuild logs a rebuild-from-vectors run.
func (l *Logger) LogRebuild(ctx context.Context, collection string, points int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed",
			"collection", collection,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "rebuild completed",
		"collection", collection,
		"points", points,
	)
}
