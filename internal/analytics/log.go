package analytics

import (
	"context"
	"log/slog"

	"github.com/splax/deployflow/internal/domain"
)

// LogSink writes visits to the structured log. Used when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (l *LogSink) Send(ctx context.Context, visits ...domain.PageVisit) error {
	for _, visit := range visits {
		l.logger.LogAttrs(ctx, slog.LevelDebug, "page visit",
			slog.String("project_id", visit.ProjectID),
			slog.String("path", visit.Path),
			slog.Time("timestamp", visit.Timestamp),
		)
	}
	return nil
}

// Close implements Sink.
func (l *LogSink) Close() error { return nil }
