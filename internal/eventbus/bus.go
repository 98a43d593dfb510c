package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)
var _ EventBus = NopBus{}

type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, sessionID string, event Event) error {
	event.SessionID = sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.client.Publish(ctx, SessionChannelKey(sessionID), data).Err()
}

// Subscribe returns events for one session until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	pubSub := b.client.Subscribe(ctx, SessionChannelKey(sessionID))
	// 等待订阅确认，保证返回后发布的事件不会丢失
	if _, err := pubSub.Receive(ctx); err != nil {
		pubSub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer func(pubSub *redis.PubSub) {
			if err := pubSub.Close(); err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}(pubSub)

		msgs := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// NopBus 在 Redis 不可用时使用
type NopBus struct{}

func (NopBus) Publish(context.Context, string, Event) error { return nil }

func (NopBus) Subscribe(ctx context.Context, _ string) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
