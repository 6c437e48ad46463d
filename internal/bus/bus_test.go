package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "user.user-1", subjectFor("user:user-1"))
	assert.Equal(t, "conversation.conv-a", subjectFor("conversation:conv-a"))
	assert.Equal(t, "plain", subjectFor("plain"))
}

func TestDecodeEvent(t *testing.T) {
	sent := &realtime.Event{
		EventID:   "evt-1",
		Kind:      realtime.KindTyping,
		UserID:    "user-1",
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	payload, err := json.Marshal(sent)
	require.NoError(t, err)

	event, err := decodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, sent.EventID, event.EventID)
	assert.Equal(t, sent.Kind, event.Kind)
	assert.Equal(t, sent.UserID, event.UserID)
}

func TestDecodeEvent_MalformedPayloadIsRejected(t *testing.T) {
	for _, payload := range [][]byte{
		[]byte("{not json"),
		[]byte(""),
		[]byte(`"a bare string"`),
	} {
		event, err := decodeEvent(payload)
		assert.Error(t, err, "payload %q must not decode", payload)
		assert.Nil(t, event)
	}
}

func TestNewRedisBus_RequiresClient(t *testing.T) {
	_, err := NewRedisBus(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewNatsBus_RequiresConnection(t *testing.T) {
	_, err := NewNatsBus(nil, zerolog.Nop())
	assert.Error(t, err)
}
