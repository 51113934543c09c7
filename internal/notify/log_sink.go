package notify

import (
	"context"
	"log/slog"

	"github.com/aditya/tow-dispatch/internal/events"
)

// LogSink writes notifications to the application log. It is the default
// when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, evt events.JobEvent) error {
	s.logger.InfoContext(ctx, "job notification",
		slog.String("type", evt.Type),
		slog.String("job_id", evt.JobID),
		slog.String("status", evt.Status),
		slog.String("driver_id", evt.DriverID),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
