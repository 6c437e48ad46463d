package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by registry and store lookups for entries that do
// not exist (or whose TTL already expired).
var ErrNotFound = errors.New("not found")

// ConnectionRegistry is the shared, TTL-based store mapping a user to their
// live connection records across all instances. Entry expiry without refresh
// is equivalent to an implicit Deregister.
type ConnectionRegistry interface {
	// Register stores the record under the registry TTL.
	Register(ctx context.Context, record ConnectionRecord) error

	// Refresh re-arms the TTL for a live record. Returns ErrNotFound when
	// the record has already expired or was deregistered.
	Refresh(ctx context.Context, connectionID string) error

	// Deregister removes the record. Removing an unknown record is not an
	// error.
	Deregister(ctx context.Context, connectionID string) error

	// ListConnections returns every live record for the user.
	ListConnections(ctx context.Context, userID string) ([]ConnectionRecord, error)

	// IsAnyConnectionLive reports whether the user has at least one live
	// record anywhere.
	IsAnyConnectionLive(ctx context.Context, userID string) (bool, error)
}

// BusHandler consumes one event delivered on a subscribed channel. Delivery
// is at-least-once: handlers must tolerate duplicate invocations.
type BusHandler func(ctx context.Context, channel string, event *Event)

// Bus is the publish/subscribe transport distributing events across
// instances. Ordering within a channel is best-effort only; consumers treat
// events as "something changed" signals rather than a strict sequence.
type Bus interface {
	Publish(ctx context.Context, channel string, event *Event) error
	Subscribe(ctx context.Context, channel string, handler BusHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// QueueRef identifies one queue at the durable broker (for SQS, the queue
// URL).
type QueueRef string

// QueuedNotification is one received-but-not-yet-deleted broker message. The
// body is raw: decoding and validation belong to the pipeline so that
// malformed payloads can still be dead-lettered by receipt handle.
type QueuedNotification struct {
	Body          []byte
	ReceiptHandle string
	Source        QueueRef
}

// QueueBroker is the durable queue collaborator (modeled on SQS semantics:
// visibility timeout, receipt handles, delayed sends).
type QueueBroker interface {
	Receive(ctx context.Context, queue QueueRef, maxBatch int) ([]QueuedNotification, error)
	Delete(ctx context.Context, queue QueueRef, receiptHandle string) error
	SendWithDelay(ctx context.Context, queue QueueRef, body []byte, delay time.Duration) error
}

// PushGateway is the pure outbound transport to the push provider. It owns
// no retry policy and rejects batches larger than MaxBatchSize; chunking is
// the caller's job.
type PushGateway interface {
	SendBatch(ctx context.Context, platform string, tokens []string, payload PushPayload) ([]PerTokenResult, error)
	MaxBatchSize() int
}

// Store is the document-store collaborator. Conversation/message business
// rules live outside this service; the methods here are the narrow surface
// the engine needs.
type Store interface {
	// ConversationParticipants returns the member user IDs of a
	// conversation, or ErrNotFound.
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)

	// UserConversations returns the IDs of every conversation the user
	// participates in.
	UserConversations(ctx context.Context, userID string) ([]string, error)

	// SetPresence persists the user's presence state.
	SetPresence(ctx context.Context, state PresenceState) error

	// UserPreferences returns the user's notification preferences,
	// falling back to DefaultPreferences when none are stored.
	UserPreferences(ctx context.Context, userID string) (Preferences, error)

	// DeviceTokens returns the user's registered push tokens.
	DeviceTokens(ctx context.Context, userID string) ([]DeviceToken, error)

	// DeleteDeviceToken removes a token the provider reported as
	// permanently invalid.
	DeleteDeviceToken(ctx context.Context, token string) error

	// PersistNotificationRecord writes a history entry for read tracking.
	PersistNotificationRecord(ctx context.Context, record NotificationRecord) error

	// IsNotificationDelivered reports whether eventID was already
	// delivered to userID (the pipeline's idempotency check).
	IsNotificationDelivered(ctx context.Context, eventID, userID string) (bool, error)

	// MarkNotificationDelivered records terminal delivery for the
	// eventID/userID pair.
	MarkNotificationDelivered(ctx context.Context, eventID, userID string) error
}

// Auth failure modes, each mapped to a distinct WebSocket close code by the
// session handler.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAccountDisabled   = errors.New("account disabled")
	ErrIdentityMismatch  = errors.New("identity mismatch")
)

// Verifier validates a client credential and resolves the authenticated user.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}
