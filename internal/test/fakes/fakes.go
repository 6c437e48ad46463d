// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used in the cmd/local entrypoint and in unit and
// integration tests.
package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// --- Connection Registry ---

// Registry is an in-memory realtime.ConnectionRegistry. Errors can be
// injected per method to exercise degraded paths.
type Registry struct {
	mu      sync.Mutex
	records map[string]realtime.ConnectionRecord

	RegisterErr   error
	RefreshErr    error
	DeregisterErr error
	ListErr       error
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]realtime.ConnectionRecord)}
}

func (r *Registry) Register(_ context.Context, record realtime.ConnectionRecord) error {
	if r.RegisterErr != nil {
		return r.RegisterErr
	}
	r.mu.Lock()
	r.records[record.ConnectionID] = record
	r.mu.Unlock()
	return nil
}

func (r *Registry) Refresh(_ context.Context, connectionID string) error {
	if r.RefreshErr != nil {
		return r.RefreshErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[connectionID]
	if !ok {
		return realtime.ErrNotFound
	}
	record.LastHeartbeatAt = time.Now().UTC()
	r.records[connectionID] = record
	return nil
}

func (r *Registry) Deregister(_ context.Context, connectionID string) error {
	if r.DeregisterErr != nil {
		return r.DeregisterErr
	}
	r.mu.Lock()
	delete(r.records, connectionID)
	r.mu.Unlock()
	return nil
}

func (r *Registry) ListConnections(_ context.Context, userID string) ([]realtime.ConnectionRecord, error) {
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var records []realtime.ConnectionRecord
	for _, record := range r.records {
		if record.UserID == userID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (r *Registry) IsAnyConnectionLive(ctx context.Context, userID string) (bool, error) {
	records, err := r.ListConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (r *Registry) Ping(context.Context) error { return nil }

// Expire drops a record silently, simulating a TTL lapse.
func (r *Registry) Expire(connectionID string) {
	r.mu.Lock()
	delete(r.records, connectionID)
	r.mu.Unlock()
}

func (r *Registry) Record(connectionID string) (realtime.ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[connectionID]
	return record, ok
}

// --- Fan-out Bus ---

// PublishedEvent pairs a published event with its channel for assertions.
type PublishedEvent struct {
	Channel string
	Event   *realtime.Event
}

// Bus is an in-memory realtime.Bus delivering published events synchronously
// to local subscribers and recording everything published.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string]realtime.BusHandler
	published []PublishedEvent

	PublishErr   error
	SubscribeErr error
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]realtime.BusHandler)}
}

func (b *Bus) Ping(context.Context) error { return nil }

func (b *Bus) Publish(ctx context.Context, channel string, event *realtime.Event) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.mu.Lock()
	b.published = append(b.published, PublishedEvent{Channel: channel, Event: event})
	handler := b.handlers[channel]
	b.mu.Unlock()
	if handler != nil {
		handler(ctx, channel, event)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channel string, handler realtime.BusHandler) error {
	if b.SubscribeErr != nil {
		return b.SubscribeErr
	}
	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()
	return nil
}

func (b *Bus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()
	return nil
}

func (b *Bus) Close() error { return nil }

func (b *Bus) Published() []PublishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedEvent, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo filters recorded events by channel.
func (b *Bus) PublishedTo(channel string) []*realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var events []*realtime.Event
	for _, p := range b.published {
		if p.Channel == channel {
			events = append(events, p.Event)
		}
	}
	return events
}

func (b *Bus) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel]
	return ok
}

// --- Queue Broker ---

// DelayedSend records one SendWithDelay call.
type DelayedSend struct {
	Queue realtime.QueueRef
	Body  []byte
	Delay time.Duration
}

// Broker is an in-memory realtime.QueueBroker. SendWithDelay records the
// delay instead of honouring it so tests can assert on backoff values.
type Broker struct {
	mu      sync.Mutex
	queues  map[realtime.QueueRef][]realtime.QueuedNotification
	deleted map[string]bool
	sends   []DelayedSend
	nextID  int

	ReceiveErr error
	SendErr    error
}

func NewBroker() *Broker {
	return &Broker{
		queues:  make(map[realtime.QueueRef][]realtime.QueuedNotification),
		deleted: make(map[string]bool),
	}
}

// Seed places a message on a queue and returns its receipt handle.
func (b *Broker) Seed(queue realtime.QueueRef, body []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	handle := fmt.Sprintf("%s/receipt-%d", queue, b.nextID)
	b.queues[queue] = append(b.queues[queue], realtime.QueuedNotification{
		Body:          body,
		ReceiptHandle: handle,
		Source:        queue,
	})
	return handle
}

func (b *Broker) Receive(_ context.Context, queue realtime.QueueRef, maxBatch int) ([]realtime.QueuedNotification, error) {
	if b.ReceiveErr != nil {
		return nil, b.ReceiveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.queues[queue]
	if len(pending) == 0 {
		return nil, nil
	}
	n := maxBatch
	if n > len(pending) {
		n = len(pending)
	}
	batch := pending[:n]
	b.queues[queue] = pending[n:]
	return batch, nil
}

func (b *Broker) Delete(_ context.Context, _ realtime.QueueRef, receiptHandle string) error {
	b.mu.Lock()
	b.deleted[receiptHandle] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) SendWithDelay(_ context.Context, queue realtime.QueueRef, body []byte, delay time.Duration) error {
	if b.SendErr != nil {
		return b.SendErr
	}
	b.mu.Lock()
	b.sends = append(b.sends, DelayedSend{Queue: queue, Body: body, Delay: delay})
	b.mu.Unlock()
	return nil
}

func (b *Broker) Deleted(receiptHandle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted[receiptHandle]
}

func (b *Broker) Sends() []DelayedSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DelayedSend, len(b.sends))
	copy(out, b.sends)
	return out
}

// --- Push Gateway ---

// SentBatch records one SendBatch call.
type SentBatch struct {
	Platform string
	Tokens   []string
	Payload  realtime.PushPayload
}

// Gateway is a realtime.PushGateway whose per-token outcomes are scripted by
// the Results map; unscripted tokens succeed.
type Gateway struct {
	mu      sync.Mutex
	batches []SentBatch

	Results   map[string]realtime.TokenStatus
	BatchSize int
	SendErr   error
}

func NewGateway() *Gateway {
	return &Gateway{Results: make(map[string]realtime.TokenStatus), BatchSize: 500}
}

func (g *Gateway) SendBatch(_ context.Context, platform string, tokens []string, payload realtime.PushPayload) ([]realtime.PerTokenResult, error) {
	if g.SendErr != nil {
		return nil, g.SendErr
	}
	g.mu.Lock()
	g.batches = append(g.batches, SentBatch{Platform: platform, Tokens: tokens, Payload: payload})
	g.mu.Unlock()

	results := make([]realtime.PerTokenResult, 0, len(tokens))
	for _, token := range tokens {
		status, ok := g.Results[token]
		if !ok {
			status = realtime.TokenSuccess
		}
		results = append(results, realtime.PerTokenResult{Token: token, Status: status})
	}
	return results, nil
}

func (g *Gateway) MaxBatchSize() int { return g.BatchSize }

func (g *Gateway) Batches() []SentBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SentBatch, len(g.batches))
	copy(out, g.batches)
	return out
}

// --- Document Store ---

// Store is an in-memory realtime.Store.
type Store struct {
	mu            sync.Mutex
	Participants  map[string][]string // conversationID -> user IDs
	Conversations map[string][]string // userID -> conversation IDs
	Presence      map[string]realtime.PresenceState
	Prefs         map[string]realtime.Preferences
	Tokens        map[string][]realtime.DeviceToken
	delivered     map[string]bool
	records       []realtime.NotificationRecord
	deletedTokens []string

	PrefsErr     error
	TokensErr    error
	DeliveredErr error
}

func NewStore() *Store {
	return &Store{
		Participants:  make(map[string][]string),
		Conversations: make(map[string][]string),
		Presence:      make(map[string]realtime.PresenceState),
		Prefs:         make(map[string]realtime.Preferences),
		Tokens:        make(map[string][]realtime.DeviceToken),
		delivered:     make(map[string]bool),
	}
}

func (s *Store) ConversationParticipants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	participants, ok := s.Participants[conversationID]
	if !ok {
		return nil, realtime.ErrNotFound
	}
	return participants, nil
}

func (s *Store) UserConversations(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conversations[userID], nil
}

func (s *Store) SetPresence(_ context.Context, state realtime.PresenceState) error {
	s.mu.Lock()
	s.Presence[state.UserID] = state
	s.mu.Unlock()
	return nil
}

func (s *Store) UserPreferences(_ context.Context, userID string) (realtime.Preferences, error) {
	if s.PrefsErr != nil {
		return realtime.Preferences{}, s.PrefsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, ok := s.Prefs[userID]
	if !ok {
		return realtime.DefaultPreferences(), nil
	}
	return prefs, nil
}

func (s *Store) DeviceTokens(_ context.Context, userID string) ([]realtime.DeviceToken, error) {
	if s.TokensErr != nil {
		return nil, s.TokensErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tokens[userID], nil
}

func (s *Store) DeleteDeviceToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedTokens = append(s.deletedTokens, token)
	for userID, tokens := range s.Tokens {
		kept := tokens[:0]
		for _, t := range tokens {
			if t.Token != token {
				kept = append(kept, t)
			}
		}
		s.Tokens[userID] = kept
	}
	return nil
}

func (s *Store) PersistNotificationRecord(_ context.Context, record realtime.NotificationRecord) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

func (s *Store) IsNotificationDelivered(_ context.Context, eventID, userID string) (bool, error) {
	if s.DeliveredErr != nil {
		return false, s.DeliveredErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[eventID+"/"+userID], nil
}

func (s *Store) MarkNotificationDelivered(_ context.Context, eventID, userID string) error {
	s.mu.Lock()
	s.delivered[eventID+"/"+userID] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Records() []realtime.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.NotificationRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) DeletedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deletedTokens))
	copy(out, s.deletedTokens)
	return out
}

// --- Verifier ---

// Verifier resolves credentials from a static map. Unknown credentials fail
// with realtime.ErrInvalidCredential; entries in Disabled fail with
// realtime.ErrAccountDisabled.
type Verifier struct {
	Users    map[string]string // credential -> userID
	Disabled map[string]bool   // credential -> disabled
}

func NewVerifier() *Verifier {
	return &Verifier{Users: make(map[string]string), Disabled: make(map[string]bool)}
}

func (v *Verifier) Verify(_ context.Context, credential string) (string, error) {
	if v.Disabled[credential] {
		return "", realtime.ErrAccountDisabled
	}
	userID, ok := v.Users[credential]
	if !ok {
		return "", realtime.ErrInvalidCredential
	}
	return userID, nil
}
