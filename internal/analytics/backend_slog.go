package analytics

import (
	"context"
	"log/slog"
)

// LogBackend writes flushed batches as structured log lines. It is the
// default backend when no ClickHouse address is configured.
type LogBackend struct {
	log *slog.Logger
}

// NewLogBackend builds a LogBackend over the given logger.
func NewLogBackend(log *slog.Logger) *LogBackend {
	if log == nil {
		log = slog.Default()
	}
	return &LogBackend{log: log}
}

func (b *LogBackend) WriteInvocations(ctx context.Context, events []InvocationEvent) error {
	for _, e := range events {
		b.log.InfoContext(ctx, "invocation",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("provider_id", e.ProviderID),
			slog.String("provider_name", e.ProviderName),
			slog.String("operation", e.Operation),
			slog.Bool("success", e.Success),
			slog.Int64("duration_ms", e.DurationMs),
			slog.Int("tokens_used", e.TokensUsed),
			slog.Float64("cost", e.Cost),
			slog.String("error_code", e.ErrorCode),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (b *LogBackend) WriteMetrics(ctx context.Context, events []MetricEvent) error {
	for _, e := range events {
		b.log.DebugContext(ctx, "metric",
			slog.String("name", e.Name),
			slog.Float64("value", e.Value),
			slog.Any("tags", e.Tags),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (b *LogBackend) Close() error { return nil }
