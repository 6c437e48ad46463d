package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// --- Mocks ---

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	var out *sqs.ReceiveMessageOutput
	if v, ok := args.Get(0).(*sqs.ReceiveMessageOutput); ok {
		out = v
	}
	return out, args.Error(1)
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	return &sqs.DeleteMessageOutput{}, args.Error(1)
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	return &sqs.SendMessageOutput{}, args.Error(1)
}

const testQueue = realtime.QueueRef("https://sqs.test/notifications")

func newBroker(t *testing.T) (*SQSBroker, *mockSQS) {
	t.Helper()
	client := new(mockSQS)
	broker, err := NewSQSBroker(client, 5*time.Second, 30*time.Second, zerolog.Nop())
	require.NoError(t, err)
	return broker, client
}

func TestReceive_MapsMessages(t *testing.T) {
	broker, client := newBroker(t)
	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return aws.ToString(in.QueueUrl) == string(testQueue) &&
			in.MaxNumberOfMessages == 10 &&
			in.WaitTimeSeconds == 5 &&
			in.VisibilityTimeout == 30
	})).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{Body: aws.String(`{"eventId":"evt-1"}`), ReceiptHandle: aws.String("rh-1")},
			{Body: aws.String(`{"eventId":"evt-2"}`), ReceiptHandle: aws.String("rh-2")},
		},
	}, nil)

	got, err := broker.Receive(context.Background(), testQueue, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"eventId":"evt-1"}`, string(got[0].Body))
	assert.Equal(t, "rh-1", got[0].ReceiptHandle)
	assert.Equal(t, testQueue, got[0].Source)
}

func TestReceive_BatchSizeClampedToTen(t *testing.T) {
	broker, client := newBroker(t)
	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return in.MaxNumberOfMessages == 10
	})).Return(&sqs.ReceiveMessageOutput{}, nil)

	_, err := broker.Receive(context.Background(), testQueue, 50)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestDelete_UsesReceiptHandle(t *testing.T) {
	broker, client := newBroker(t)
	client.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-1"
	})).Return(nil, nil)

	require.NoError(t, broker.Delete(context.Background(), testQueue, "rh-1"))
	client.AssertExpectations(t)
}

func TestSendWithDelay_ClampsToSQSMaximum(t *testing.T) {
	broker, client := newBroker(t)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return in.DelaySeconds == 900
	})).Return(nil, nil)

	err := broker.SendWithDelay(context.Background(), testQueue, []byte("{}"), time.Hour)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestSendWithDelay_PassesDelayThrough(t *testing.T) {
	broker, client := newBroker(t)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return in.DelaySeconds == 120 && aws.ToString(in.MessageBody) == `{"a":1}`
	})).Return(nil, nil)

	err := broker.SendWithDelay(context.Background(), testQueue, []byte(`{"a":1}`), 2*time.Minute)
	require.NoError(t, err)
	client.AssertExpectations(t)
}
