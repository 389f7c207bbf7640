package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
)

// Bus fans job events out to every API instance. Publishers never talk to
// websocket connections directly; each instance forwards what it receives
// to its own hub.
type Bus interface {
	Publish(ctx context.Context, event model.JobEvent) error
	StartForwarder(ctx context.Context, onEvent func(model.JobEvent)) error
	Close() error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

// NewRedisBus publishes on channel through an existing client.
func NewRedisBus(rdb *redis.Client, channel string, log *logger.Logger) (Bus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = "cover-events"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &redisBus{
		log:     log.With("service", "RedisEventBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, event model.JobEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(model.JobEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var event model.JobEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					b.log.Warn("bad job event payload", "error", err)
					continue
				}
				onEvent(event)
			}
		}
	}()

	return nil
}

// Close is a no-op: the redis client is owned by the caller.
func (b *redisBus) Close() error { return nil }

// MemoryBus delivers events to forwarders in the same process. It backs
// single-instance deployments without redis and tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []func(model.JobEvent)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, event model.JobEvent) error {
	b.mu.RLock()
	handlers := append([]func(model.JobEvent){}, b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *MemoryBus) StartForwarder(_ context.Context, onEvent func(model.JobEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, onEvent)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) Close() error { return nil }
