package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries events over Redis pub/sub so every API instance sees
// every committed change.
type RedisBus struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{redis: client, logger: logger}
}

func (b *RedisBus) PublishJob(ctx context.Context, evt JobEvent) error {
	return b.publish(ctx, ChannelJobs, evt)
}

func (b *RedisBus) PublishPresence(ctx context.Context, evt PresenceEvent) error {
	return b.publish(ctx, ChannelPresence, evt)
}

func (b *RedisBus) publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", channel, err)
	}
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) SubscribeJobs(ctx context.Context) (<-chan JobEvent, error) {
	out := make(chan JobEvent, memoryBufferSize)
	err := b.subscribe(ctx, ChannelJobs, func(payload string) bool {
		var evt JobEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			b.logger.Warn("dropping undecodable job event", slog.Any("error", err))
			return true
		}
		select {
		case out <- evt:
			return true
		default:
			return false
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *RedisBus) SubscribePresence(ctx context.Context) (<-chan PresenceEvent, error) {
	out := make(chan PresenceEvent, memoryBufferSize)
	err := b.subscribe(ctx, ChannelPresence, func(payload string) bool {
		var evt PresenceEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			b.logger.Warn("dropping undecodable presence event", slog.Any("error", err))
			return true
		}
		select {
		case out <- evt:
			return true
		default:
			return false
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// subscribe runs handle for every message until ctx is done or handle reports
// that the reader fell behind, then calls done.
func (b *RedisBus) subscribe(ctx context.Context, channel string, handle func(string) bool, done func()) error {
	pubsub := b.redis.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		defer done()
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !handle(msg.Payload) {
					b.logger.Warn("subscriber fell behind, closing subscription", slog.String("channel", channel))
					return
				}
			}
		}
	}()
	return nil
}
