// Package invalidation fans cache invalidations out to every replica over
// Redis pub/sub. Tenant messages evict pooled tenant connections after a
// credential rotation or deactivation; permission messages drop cached
// effective permission sets after an admin mutation.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// DefaultChannel is the pub/sub channel used when none is configured
const DefaultChannel = "shopkeep:invalidate"

// Kind selects which cache a message targets
type Kind string

const (
	KindTenant      Kind = "tenant"
	KindPermissions Kind = "permissions"
)

// Message is one invalidation. An empty UserID on a permissions message means every user of the tenant.
type Message struct {
	Kind     Kind   `json:"kind"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

// Handler applies a message locally
type Handler func(ctx context.Context, msg Message) error

// Publisher emits invalidations
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Bus publishes and consumes invalidation messages on one Redis channel
type Bus struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus creates a bus on channel
func NewBus(client *redis.Client, channel string, logger *observability.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{
		client:   client,
		channel:  channel,
		logger:   logger.WithField("component", "invalidation"),
		handlers: make(map[Kind][]Handler),
	}
}

// Handle registers h for messages of kind
func (b *Bus) Handle(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish sends msg to every subscribed replica, this one included
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.TenantID == "" {
		return errors.New("invalidation message requires a tenant id")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe consumes messages until ctx ends. ready, if non-nil, is closed once
// the subscription is confirmed so callers can publish without racing it.
func (b *Bus) Subscribe(ctx context.Context, ready chan<- struct{}) error {
	defer observability.RecoverPanic(b.logger, "invalidation subscriber")

	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.WithField("channel", b.channel).Info("Invalidation subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, m.Payload)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed invalidation message")
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[msg.Kind]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.WithField("kind", msg.Kind).Debug("No handler for invalidation kind")
		return
	}

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			b.logger.WithError(err).
				WithField("kind", msg.Kind).
				WithField("tenant_id", msg.TenantID).
				Error("Invalidation handler failed")
		}
	}
}

// NewRedisClient builds a client from a redis:// URL and verifies it with a ping
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NopPublisher discards messages; used when Redis is not configured
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(context.Context, Message) error { return nil }
