package events

import (
	"context"
	"log/slog"
)

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("dataset", e.Dataset),
		slog.String("run", e.RunID),
	}
	var msg string
	switch e.Type {
	case Start:
		msg = "sync started"
	case Fetched:
		msg = "source downloaded"
		attrs = append(attrs, slog.Int("features", e.Features))
	case Cleaned:
		msg = "features cleaned"
		attrs = append(attrs, slog.Int("features", e.Features), slog.Int("dropped", e.Dropped))
	case Truncated:
		msg = "target truncated"
	case Batch:
		msg = "batch uploaded"
		attrs = append(attrs, slog.Int("batch", e.Batch), slog.Int("batches", e.Batches),
			slog.Int("records", e.Records), slog.Int("uploaded", e.Uploaded))
	case Success:
		msg = "sync complete"
		attrs = append(attrs, slog.Int("features", e.Features), slog.Int("uploaded", e.Uploaded),
			slog.Duration("duration", e.Duration))
	case Failure:
		msg = "sync failed"
		attrs = append(attrs, slog.String("step", e.Step), slog.Int("uploaded", e.Uploaded),
			slog.Int("batch", e.Batch), slog.Int("batches", e.Batches), slog.String("error", e.Error))
	default:
		msg = string(e.Type)
	}
	s.Logger.LogAttrs(ctx, e.Level(), msg, attrs...)
}
