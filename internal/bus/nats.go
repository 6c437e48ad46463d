package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// NatsBus implements realtime.Bus on core NATS. Each bus channel maps to one
// NATS subject and one subscription. Core NATS is at-most-once per server,
// but the engine's delivery contract is carried by the durable notification
// pipeline; the bus only needs fast best-effort fan-out plus the same
// at-least-once tolerance consumers already have.
type NatsBus struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NatsOptions returns the connection options used for the bus: automatic
// reconnects with logging, matching the behaviour clients expect from a
// flapping broker.
func NatsOptions(logger zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name("realtime-service-bus"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}

// NewNatsBus wraps an established NATS connection.
func NewNatsBus(conn *nats.Conn, logger zerolog.Logger) (*NatsBus, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	return &NatsBus{
		conn:   conn,
		logger: logger.With().Str("component", "NatsBus").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish marshals the event and publishes it on the channel's subject.
func (b *NatsBus) Publish(_ context.Context, channel string, event *realtime.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}
	if err := b.conn.Publish(subjectFor(channel), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a subscription for the channel's subject. Re-subscribing
// a channel replaces its handler.
func (b *NatsBus) Subscribe(ctx context.Context, channel string, handler realtime.BusHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	sub, err := b.conn.Subscribe(subjectFor(channel), func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Str("channel", channel).Msg("Dropping malformed bus event")
			return
		}
		handler(ctx, channel, event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[channel]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[channel] = sub
	b.mu.Unlock()

	b.logger.Debug().Str("channel", channel).Msg("Subscribed")
	return nil
}

// Unsubscribe drops the channel's subscription.
func (b *NatsBus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	b.logger.Debug().Str("channel", channel).Msg("Unsubscribed")
	return nil
}

// Close unsubscribes everything and closes the connection.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	b.conn.Close()
	return nil
}

// Ping reports bus connectivity for the health surface.
func (b *NatsBus) Ping(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", b.conn.Status())
	}
	return nil
}

// subjectFor maps a bus channel name to a valid NATS subject: channel names
// use `:` separators (`user:{id}`), subjects use `.` tokens.
func subjectFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
