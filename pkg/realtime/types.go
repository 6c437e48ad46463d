package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionRecord describes one live client connection. It is owned
// exclusively by the session handler that created it; the registry stores it
// under a rolling TTL refreshed on each heartbeat. A user may hold any number
// of concurrent records across any instances.
type ConnectionRecord struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          string    `json:"userId"`
	InstanceID      string    `json:"instanceId"`
	EstablishedAt   time.Time `json:"establishedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Channels        []string  `json:"subscribedChannels,omitempty"`
}

// PresenceStatus is a user's derived presence state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the four presence states.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceState is the persisted presence view of one user. Transitions only
// happen through the Presence Manager; offline is only reachable after the
// grace period expires with zero live connections.
type PresenceState struct {
	UserID              string         `json:"userId"`
	Status              PresenceStatus `json:"status"`
	LastActiveAt        time.Time      `json:"lastActiveAt"`
	PendingOfflineSince *time.Time     `json:"pendingOfflineSince,omitempty"`
}

// DeviceToken is a push registration for one of a user's devices.
type DeviceToken struct {
	UserID          string    `json:"userId"`
	Token           string    `json:"token"`
	Platform        string    `json:"platform"` // e.g. "ios", "android"
	RegisteredAt    time.Time `json:"registeredAt"`
	LastValidatedAt time.Time `json:"lastValidatedAt,omitempty"`
}

// Recipient is one addressee of a NotificationEnvelope together with the
// delivery channels requested for them. Only "push" is acted on by this
// service; other values pass through untouched.
type Recipient struct {
	UserID   string   `json:"userId"`
	Channels []string `json:"channels,omitempty"`
}

// NotificationEnvelope is the durable queue item produced by the business
// layer when a message, invitation, or request is created. EventID is the
// idempotency key: a recipient already marked delivered for this EventID is
// never pushed again.
type NotificationEnvelope struct {
	EventID         string          `json:"eventId"`
	EventType       string          `json:"eventType"`
	Recipients      []Recipient     `json:"recipients"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	AttemptCount    int             `json:"attemptCount"`
	FirstEnqueuedAt time.Time       `json:"firstEnqueuedAt"`
}

// Notification event types understood by the pipeline.
const (
	NotifyNewMessage      = "new_message"
	NotifyGroupInvitation = "group_invitation"
	NotifyFriendRequest   = "friend_request"
)

// Validate checks the envelope's structural invariants. A failure here is
// permanent: the envelope can never become valid and must be dead-lettered.
func (n *NotificationEnvelope) Validate() error {
	if n.EventID == "" {
		return fmt.Errorf("notification envelope: missing eventId")
	}
	if n.EventType == "" {
		return fmt.Errorf("notification envelope: missing eventType")
	}
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification envelope: no recipients")
	}
	for i, r := range n.Recipients {
		if r.UserID == "" {
			return fmt.Errorf("notification envelope: recipient %d missing userId", i)
		}
	}
	return nil
}

// Preferences are a user's notification preferences from the preference
// store. The zero value is not useful; DefaultPreferences is the documented
// fallback when no preference document exists.
type Preferences struct {
	PushEnabled                bool   `json:"pushEnabled"`
	MessageNotifications       bool   `json:"messageNotifications"`
	GroupNotifications         bool   `json:"groupNotifications"`
	FriendRequestNotifications bool   `json:"friendRequestNotifications"`
	SystemNotifications        bool   `json:"systemNotifications"`
	DoNotDisturbStart          string `json:"dndStart,omitempty"` // "22:00"
	DoNotDisturbEnd            string `json:"dndEnd,omitempty"`   // "07:30"
}

// DefaultPreferences is applied when a user has no stored preferences (and
// when the preference store errs; notifications default to allowed).
func DefaultPreferences() Preferences {
	return Preferences{
		PushEnabled:                true,
		MessageNotifications:       true,
		GroupNotifications:         true,
		FriendRequestNotifications: true,
		SystemNotifications:        true,
	}
}

// Allows reports whether these preferences permit a push for the given
// notification event type at the given local time.
func (p Preferences) Allows(eventType string, now time.Time) bool {
	if !p.PushEnabled {
		return false
	}
	switch eventType {
	case NotifyNewMessage:
		if !p.MessageNotifications {
			return false
		}
	case NotifyGroupInvitation:
		if !p.GroupNotifications {
			return false
		}
	case NotifyFriendRequest:
		if !p.FriendRequestNotifications {
			return false
		}
	default:
		if !p.SystemNotifications {
			return false
		}
	}
	return !p.inDoNotDisturb(now)
}

func (p Preferences) inDoNotDisturb(now time.Time) bool {
	if p.DoNotDisturbStart == "" || p.DoNotDisturbEnd == "" {
		return false
	}
	start, err1 := time.Parse("15:04", p.DoNotDisturbStart)
	end, err2 := time.Parse("15:04", p.DoNotDisturbEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window crosses midnight, e.g. 22:00-07:30.
	return minutes >= startMin || minutes < endMin
}

// NotificationRecord is the persisted history entry written for every
// recipient the pipeline delivers (or deliberately skips with zero tokens).
type NotificationRecord struct {
	NotificationID string          `json:"notificationId"`
	UserID         string          `json:"userId"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Data           json.RawMessage `json:"data,omitempty"`
	IsRead         bool            `json:"isRead"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TokenStatus classifies the outcome of one push token delivery.
type TokenStatus string

const (
	TokenSuccess          TokenStatus = "success"
	TokenTransientFailure TokenStatus = "transient_failure"
	TokenInvalid          TokenStatus = "invalid_token"
)

// PerTokenResult is the Push Gateway's report for a single token.
type PerTokenResult struct {
	Token  string
	Status TokenStatus
	Err    error
}

// PushPayload is the provider-agnostic notification content handed to the
// Push Gateway.
type PushPayload struct {
	Title string
	Body  string
	Data  map[string]string
}
