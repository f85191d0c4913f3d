package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// BusMessage is a relayed frame crossing gateway instances.
type BusMessage struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"roomId"`
	Frame  json.RawMessage `json:"frame"`
}

// Bus fans relayed frames out to other gateway instances. Delivery is
// at-most-once, like the relay itself. Subscribe blocks until ctx is done.
type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
	Subscribe(ctx context.Context, handle func(BusMessage)) error
}

// LocalBus connects hubs living in the same process.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[int]func(BusMessage)
	next int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(BusMessage))}
}

func (b *LocalBus) Publish(_ context.Context, m BusMessage) error {
	b.mu.RLock()
	handlers := make([]func(BusMessage), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handle func(BusMessage)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// RedisBus relays over Redis pub/sub, one channel per room.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisBus(client *redis.Client, prefix string, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) channel(roomID string) string {
	return b.prefix + ":room:" + roomID
}

func (b *RedisBus) Publish(ctx context.Context, m BusMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(m.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel(m.RoomID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(BusMessage)) error {
	pattern := b.channel("*")
	pubsub := b.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.logger.Info("relay bus subscribed", zap.String("pattern", pattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn("dropping malformed bus message",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if m.RoomID == "" {
				m.RoomID = strings.TrimPrefix(msg.Channel, b.prefix+":room:")
			}
			handle(m)
		}
	}
}
