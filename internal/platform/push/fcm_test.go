package push

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// stubMessaging scripts one multicast response.
type stubMessaging struct {
	lastMessage *messaging.MulticastMessage
	response    *messaging.BatchResponse
	err         error
}

func (s *stubMessaging) SendEachForMulticast(_ context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	s.lastMessage = message
	return s.response, s.err
}

func testPayload() realtime.PushPayload {
	return realtime.PushPayload{
		Title: "Ada",
		Body:  "hello there",
		Data:  map[string]string{"eventId": "evt-1"},
	}
}

func TestSendBatch_MapsPerTokenResults(t *testing.T) {
	stub := &stubMessaging{
		response: &messaging.BatchResponse{
			SuccessCount: 1,
			FailureCount: 1,
			Responses: []*messaging.SendResponse{
				{Success: true, MessageID: "m1"},
				{Success: false, Error: errors.New("unavailable")},
			},
		},
	}
	gateway, err := NewFCMGateway(stub, zerolog.Nop())
	require.NoError(t, err)

	results, err := gateway.SendBatch(context.Background(), "ios", []string{"tok-a", "tok-b"}, testPayload())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "tok-a", results[0].Token)
	assert.Equal(t, realtime.TokenSuccess, results[0].Status)

	assert.Equal(t, "tok-b", results[1].Token)
	// Errors the SDK cannot classify as permanent stay retryable.
	assert.Equal(t, realtime.TokenTransientFailure, results[1].Status)
	assert.Error(t, results[1].Err)

	require.NotNil(t, stub.lastMessage)
	assert.Equal(t, "Ada", stub.lastMessage.Notification.Title)
	assert.Equal(t, map[string]string{"eventId": "evt-1"}, stub.lastMessage.Data)
}

func TestSendBatch_AndroidGetsHighPriority(t *testing.T) {
	stub := &stubMessaging{
		response: &messaging.BatchResponse{
			Responses: []*messaging.SendResponse{{Success: true}},
		},
	}
	gateway, err := NewFCMGateway(stub, zerolog.Nop())
	require.NoError(t, err)

	_, err = gateway.SendBatch(context.Background(), "android", []string{"tok-a"}, testPayload())
	require.NoError(t, err)
	require.NotNil(t, stub.lastMessage.Android)
	assert.Equal(t, "high", stub.lastMessage.Android.Priority)
}

func TestSendBatch_RejectsOversizedBatch(t *testing.T) {
	gateway, err := NewFCMGateway(&stubMessaging{}, zerolog.Nop())
	require.NoError(t, err)

	tokens := make([]string, fcmBatchLimit+1)
	for i := range tokens {
		tokens[i] = "tok"
	}
	_, err = gateway.SendBatch(context.Background(), "ios", tokens, testPayload())
	assert.Error(t, err)
}

func TestSendBatch_EmptyTokensIsNoop(t *testing.T) {
	stub := &stubMessaging{}
	gateway, err := NewFCMGateway(stub, zerolog.Nop())
	require.NoError(t, err)

	results, err := gateway.SendBatch(context.Background(), "ios", nil, testPayload())
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Nil(t, stub.lastMessage, "no request should reach the provider")
}

func TestSendBatch_TransportFailureSurfaces(t *testing.T) {
	stub := &stubMessaging{err: errors.New("deadline exceeded")}
	gateway, err := NewFCMGateway(stub, zerolog.Nop())
	require.NoError(t, err)

	_, err = gateway.SendBatch(context.Background(), "ios", []string{"tok-a"}, testPayload())
	assert.Error(t, err)
}
