package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(kind EventKind) *Event {
	return &Event{
		EventID:        "evt-1",
		Kind:           kind,
		ConversationID: "conv-a",
		UserID:         "user-1",
		Timestamp:      time.Now().UTC(),
	}
}

func TestEventValidate(t *testing.T) {
	t.Run("valid conversation event", func(t *testing.T) {
		assert.NoError(t, validEvent(KindTyping).Validate())
	})

	t.Run("missing eventId", func(t *testing.T) {
		event := validEvent(KindTyping)
		event.EventID = ""
		assert.ErrorIs(t, event.Validate(), ErrInvalidEvent)
	})

	t.Run("unknown kind", func(t *testing.T) {
		event := validEvent("launch_missiles")
		assert.ErrorIs(t, event.Validate(), ErrInvalidEvent)
	})

	t.Run("missing userId", func(t *testing.T) {
		event := validEvent(KindTyping)
		event.UserID = ""
		assert.ErrorIs(t, event.Validate(), ErrInvalidEvent)
	})

	t.Run("conversation kinds require conversationId", func(t *testing.T) {
		for _, kind := range []EventKind{KindNewMessage, KindTyping, KindMessageRead, KindMessageReaction} {
			event := validEvent(kind)
			event.ConversationID = ""
			assert.ErrorIs(t, event.Validate(), ErrInvalidEvent, string(kind))
		}
	})

	t.Run("status change needs no conversation", func(t *testing.T) {
		event := validEvent(KindStatusChange)
		event.ConversationID = ""
		assert.NoError(t, event.Validate())
	})
}

func TestEventUnmarshalPayload(t *testing.T) {
	event := validEvent(KindMessageRead)
	event.Payload = json.RawMessage(`{"messageId":"msg-1"}`)

	var payload MessageReadPayload
	require.NoError(t, event.UnmarshalPayload(&payload))
	assert.Equal(t, "msg-1", payload.MessageID)

	event.Payload = nil
	assert.ErrorIs(t, event.UnmarshalPayload(&payload), ErrInvalidEvent)

	event.Payload = json.RawMessage(`{broken`)
	assert.ErrorIs(t, event.UnmarshalPayload(&payload), ErrInvalidEvent)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "user:user-1", UserChannel("user-1"))
	assert.Equal(t, "conversation:conv-a", ConversationChannel("conv-a"))
}
