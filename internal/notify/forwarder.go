package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/observability"
)

const defaultSendTimeout = 5 * time.Second

// Sink delivers job events to a downstream system (customer messaging,
// billing, analytics).
type Sink interface {
	Name() string
	Send(ctx context.Context, evt events.JobEvent) error
	Close() error
}

// Forwarder relays accepted and status-changed job events to every sink.
// A failed send is logged and counted; the job write it describes stands.
type Forwarder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewForwarder(sinks []Sink, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Run forwards bus events until ctx is done, subscribing again whenever the
// bus cuts the forwarder off.
func (f *Forwarder) Run(ctx context.Context, bus events.Subscriber) error {
	for {
		err := f.consume(ctx, bus)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		f.logger.Warn("job event stream interrupted, resubscribing")
	}
}

func (f *Forwarder) consume(ctx context.Context, bus events.Subscriber) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobEvents, err := bus.SubscribeJobs(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-jobEvents:
			if !ok {
				return nil
			}
			f.Forward(ctx, evt)
		}
	}
}

// Forward sends evt to each sink if it is a kind downstream systems care
// about. It reports how many sinks failed.
func (f *Forwarder) Forward(ctx context.Context, evt events.JobEvent) int {
	if !Forwardable(evt) {
		return 0
	}

	failed := 0
	for _, sink := range f.sinks {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		err := sink.Send(sendCtx, evt)
		cancel()
		if err != nil {
			failed++
			observability.NotificationFailures.WithLabelValues(sink.Name()).Inc()
			f.logger.Warn("notification failed",
				slog.String("sink", sink.Name()),
				slog.String("job_id", evt.JobID),
				slog.String("type", evt.Type),
				slog.Any("error", err),
			)
		}
	}
	return failed
}

func (f *Forwarder) Close() error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func Forwardable(evt events.JobEvent) bool {
	return evt.Type == events.JobAccepted || evt.Type == events.JobStatusChanged
}
