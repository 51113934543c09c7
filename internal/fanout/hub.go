package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aditya/tow-dispatch/internal/events"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/observability"
)

const (
	AudienceDispatcher = "dispatcher"
	AudienceDriver     = "driver"
)

// Message kinds, used as the SSE event name.
const (
	KindJob      = "job"
	KindPresence = "presence"
	KindFleet    = "fleet"
)

const (
	defaultBufferSize = 64
	snapshotTimeout   = 2 * time.Second
)

type Message struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// FleetSource produces the aggregate other drivers see.
type FleetSource interface {
	Snapshot(ctx context.Context) (*models.FleetSnapshot, error)
}

// Subscription is one connected consumer. C is closed by Close, when the hub
// stops, or when the consumer falls a full buffer behind. A closed C means
// messages may have been missed and state must be re-fetched.
type Subscription struct {
	C <-chan Message

	ch       chan Message
	audience string
	driverID string
	hub      *Hub
	once     sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub routes bus events to connected consumers. Dispatchers see everything,
// a driver sees the jobs that concern them plus their own presence, and every
// other driver only gets the fleet snapshot.
type Hub struct {
	fleet      FleetSource
	bufferSize int
	logger     *slog.Logger

	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	stopped bool
}

func NewHub(fleet FleetSource, bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		fleet:      fleet,
		bufferSize: bufferSize,
		logger:     logger.With(slog.String("component", "fanout")),
		subs:       make(map[*Subscription]struct{}),
	}
}

func (h *Hub) SubscribeDispatcher() *Subscription {
	return h.add(AudienceDispatcher, "")
}

func (h *Hub) SubscribeDriver(driverID string) *Subscription {
	return h.add(AudienceDriver, driverID)
}

func (h *Hub) add(audience, driverID string) *Subscription {
	ch := make(chan Message, h.bufferSize)
	sub := &Subscription{C: ch, ch: ch, audience: audience, driverID: driverID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	observability.FanoutSubscribers.WithLabelValues(audience).Inc()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	observability.FanoutSubscribers.WithLabelValues(sub.audience).Dec()
}

// Run consumes the bus until ctx is done, then closes every subscription.
// When the bus cuts the hub off, every subscriber is disconnected so clients
// reconnect and re-fetch, and the hub subscribes again.
func (h *Hub) Run(ctx context.Context, bus events.Subscriber) error {
	defer h.stop()

	for {
		err := h.consume(ctx, bus)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		h.logger.Warn("event stream interrupted, disconnecting subscribers")
		h.disconnectAll()
	}
}

// consume returns nil when ctx is done or either bus channel closes.
func (h *Hub) consume(ctx context.Context, bus events.Subscriber) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobEvents, err := bus.SubscribeJobs(ctx)
	if err != nil {
		return err
	}
	presenceEvents, err := bus.SubscribePresence(ctx)
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
			h.RouteJob(ctx, evt)
		case evt, ok := <-presenceEvents:
			if !ok {
				return nil
			}
			h.RoutePresence(ctx, evt)
		}
	}
}

func (h *Hub) RouteJob(ctx context.Context, evt events.JobEvent) {
	full := Message{Kind: KindJob, Data: evt}
	h.route(ctx, full, func(sub *Subscription) bool {
		return sub.audience == AudienceDispatcher || evt.Concerns(sub.driverID)
	})
}

func (h *Hub) RoutePresence(ctx context.Context, evt events.PresenceEvent) {
	full := Message{Kind: KindPresence, Data: evt}
	h.route(ctx, full, func(sub *Subscription) bool {
		return sub.audience == AudienceDispatcher || sub.driverID == evt.DriverID
	})
}

// route sends full to subscribers that may see it and the fleet snapshot to
// every other driver. The snapshot is only computed when someone needs it,
// and outside the lock.
func (h *Hub) route(ctx context.Context, full Message, detailed func(*Subscription) bool) {
	var fleet *Message
	if h.needsFleet(detailed) {
		fleet = h.snapshot(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		msg := full
		if !detailed(sub) {
			if fleet == nil {
				continue
			}
			msg = *fleet
		}
		h.sendLocked(sub, msg)
	}
}

func (h *Hub) needsFleet(detailed func(*Subscription) bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !detailed(sub) {
			return true
		}
	}
	return false
}

func (h *Hub) snapshot(ctx context.Context) *Message {
	if h.fleet == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snap, err := h.fleet.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("fleet snapshot failed", slog.Any("error", err))
		return nil
	}
	return &Message{Kind: KindFleet, Data: snap}
}

// sendLocked never blocks. A subscriber whose buffer is full is closed rather
// than skipped, so it cannot carry on past a missing message.
func (h *Hub) sendLocked(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		observability.FanoutEvicted.WithLabelValues(sub.audience).Inc()
		h.logger.Warn("subscriber fell behind, disconnecting",
			slog.String("audience", sub.audience),
			slog.String("driver_id", sub.driverID),
		)
		h.removeLocked(sub)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}

func (h *Hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}

// Subscribers returns the number of connected consumers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
