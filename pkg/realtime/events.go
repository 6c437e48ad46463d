// Package realtime contains the public domain models, events, and service
// contracts for the realtime service. It defines the contract for interacting
// with the presence and fan-out engine.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates the payload shape of an Event.
type EventKind string

const (
	KindNewMessage      EventKind = "new_message"
	KindTyping          EventKind = "typing"
	KindMessageRead     EventKind = "message_read"
	KindMessageReaction EventKind = "message_reaction"
	KindStatusChange    EventKind = "user_status_change"
	KindHeartbeat       EventKind = "heartbeat"
	KindHeartbeatAck    EventKind = "heartbeat_ack"
	KindError           EventKind = "error"
)

// conversationScoped reports whether events of this kind are published on a
// conversation channel (and therefore require a ConversationID).
func (k EventKind) conversationScoped() bool {
	switch k {
	case KindNewMessage, KindTyping, KindMessageRead, KindMessageReaction:
		return true
	}
	return false
}

// Event is the immutable envelope carried on the Fan-out Bus and delivered to
// clients as WebSocket JSON. EventID doubles as the delivery dedup key.
// OriginInstanceID lets the publishing instance suppress echo for connections
// it already delivered to synchronously at publish time.
type Event struct {
	EventID          string          `json:"eventId"`
	Kind             EventKind       `json:"event"`
	ConversationID   string          `json:"conversationId,omitempty"`
	UserID           string          `json:"userId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OriginInstanceID string          `json:"originInstanceId,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// ErrInvalidEvent is wrapped by every Event validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the envelope's structural invariants. Payload contents are
// kind-specific and validated at the consumption point.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing eventId", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindNewMessage, KindTyping, KindMessageRead, KindMessageReaction,
		KindStatusChange, KindHeartbeat, KindHeartbeatAck, KindError:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidEvent)
	}
	if e.Kind.conversationScoped() && e.ConversationID == "" {
		return fmt.Errorf("%w: %s requires conversationId", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// UnmarshalPayload decodes the kind-specific payload into dst.
func (e *Event) UnmarshalPayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// MessageReadPayload is the payload shape for KindMessageRead events.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// MessageReactionPayload is the payload shape for KindMessageReaction events.
type MessageReactionPayload struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// StatusChangePayload is the payload shape for KindStatusChange events.
type StatusChangePayload struct {
	Status PresenceStatus `json:"status"`
}

// ErrorPayload is the payload shape for KindError events sent back to a
// client whose inbound event failed validation. The connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserChannel returns the bus channel carrying user-directed events.
func UserChannel(userID string) string { return "user:" + userID }

// ConversationChannel returns the bus channel for conversation-scoped events.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}
