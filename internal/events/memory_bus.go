package events

import (
	"context"
	"sync"
)

const memoryBufferSize = 256

// MemoryBus delivers events inside one process. A subscriber that falls a
// full buffer behind has its channel closed so it can resubscribe and
// re-fetch authoritative state instead of missing events unnoticed.
type MemoryBus struct {
	mu       sync.Mutex
	jobs     map[chan JobEvent]struct{}
	presence map[chan PresenceEvent]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		jobs:     make(map[chan JobEvent]struct{}),
		presence: make(map[chan PresenceEvent]struct{}),
	}
}

func (b *MemoryBus) PublishJob(_ context.Context, evt JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.jobs {
		select {
		case ch <- evt:
		default:
			delete(b.jobs, ch)
			close(ch)
		}
	}
	return nil
}

func (b *MemoryBus) PublishPresence(_ context.Context, evt PresenceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.presence {
		select {
		case ch <- evt:
		default:
			delete(b.presence, ch)
			close(ch)
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeJobs(ctx context.Context) (<-chan JobEvent, error) {
	ch := make(chan JobEvent, memoryBufferSize)
	b.mu.Lock()
	b.jobs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.jobs[ch]; ok {
			delete(b.jobs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *MemoryBus) SubscribePresence(ctx context.Context) (<-chan PresenceEvent, error) {
	ch := make(chan PresenceEvent, memoryBufferSize)
	b.mu.Lock()
	b.presence[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.presence[ch]; ok {
			delete(b.presence, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}
