// Package bus implements the Fan-out Bus: the publish/subscribe transport
// distributing events across service instances. Delivery is at-least-once
// with no cross-channel ordering guarantee; consumers treat events as
// "something changed" signals.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// RedisBus implements realtime.Bus on Redis Pub/Sub. One PubSub connection
// carries every channel subscription; channels are added and removed
// dynamically as local connections come and go.
type RedisBus struct {
	client redis.UniversalClient
	pubsub *redis.PubSub
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]realtime.BusHandler

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus connects the subscriber and starts the dispatch loop.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, logger zerolog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	b := &RedisBus{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		logger:   logger.With().Str("component", "RedisBus").Logger(),
		handlers: make(map[string]realtime.BusHandler),
		done:     make(chan struct{}),
	}

	go b.dispatch(ctx)
	return b, nil
}

// Publish marshals the event and publishes it to the channel. A Redis error
// surfaces to the caller so it can fall back to degraded local-only
// delivery.
func (b *RedisBus) Publish(ctx context.Context, channel string, event *realtime.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers the handler and adds the channel to the PubSub
// connection. Re-subscribing a channel replaces its handler.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler realtime.BusHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()

	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		b.mu.Lock()
		delete(b.handlers, channel)
		b.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	b.logger.Debug().Str("channel", channel).Msg("Subscribed")
	return nil
}

// Unsubscribe removes the channel subscription and its handler.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()

	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	b.logger.Debug().Str("channel", channel).Msg("Unsubscribed")
	return nil
}

// Close stops the dispatch loop and closes the PubSub connection.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}

// Ping reports bus connectivity for the health surface.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// dispatch pumps messages from the PubSub connection into the registered
// handlers. Malformed payloads are logged and dropped: an at-least-once bus
// may hand us garbage, and a poison event must not kill delivery for the
// whole instance.
func (b *RedisBus) dispatch(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			b.mu.RLock()
			handler := b.handlers[msg.Channel]
			b.mu.RUnlock()
			if handler == nil {
				// Unsubscribe raced an in-flight message.
				continue
			}

			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Error().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed bus event")
				continue
			}
			handler(ctx, msg.Channel, event)
		}
	}
}

// decodeEvent unmarshals a raw bus payload. Callers log and drop on error.
func decodeEvent(payload []byte) (*realtime.Event, error) {
	var event realtime.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bus event: %w", err)
	}
	return &event, nil
}
