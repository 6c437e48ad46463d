// Package queue implements the durable QueueBroker on Amazon SQS.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// maxDelay is the SQS DelaySeconds ceiling (15 minutes). Longer backoff
// requests are clamped.
const maxDelay = 900 * time.Second

// sqsAPI defines the interface we need from the SQS client.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSBroker implements realtime.QueueBroker on SQS. Visibility timeout and
// redrive policy are queue attributes owned by infrastructure config; the
// broker only moves messages.
type SQSBroker struct {
	client            sqsAPI
	waitTime          time.Duration
	visibilityTimeout time.Duration
	logger            zerolog.Logger
}

// NewSQSBroker is the constructor for the SQSBroker. waitTime controls long
// polling on Receive; visibilityTimeout overrides the queue default when
// positive.
func NewSQSBroker(client sqsAPI, waitTime, visibilityTimeout time.Duration, logger zerolog.Logger) (*SQSBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client cannot be nil")
	}
	return &SQSBroker{
		client:            client,
		waitTime:          waitTime,
		visibilityTimeout: visibilityTimeout,
		logger:            logger.With().Str("component", "SQSBroker").Logger(),
	}, nil
}

// Receive long-polls the queue for up to maxBatch messages. Bodies come back
// raw; decoding belongs to the pipeline so poison messages keep their
// receipt handles.
func (b *SQSBroker) Receive(ctx context.Context, queue realtime.QueueRef, maxBatch int) ([]realtime.QueuedNotification, error) {
	if maxBatch <= 0 || maxBatch > 10 {
		// SQS allows at most 10 messages per receive.
		maxBatch = 10
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(string(queue)),
		MaxNumberOfMessages: int32(maxBatch),
		WaitTimeSeconds:     int32(b.waitTime / time.Second),
	}
	if b.visibilityTimeout > 0 {
		input.VisibilityTimeout = int32(b.visibilityTimeout / time.Second)
	}

	out, err := b.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	notifications := make([]realtime.QueuedNotification, 0, len(out.Messages))
	for _, msg := range out.Messages {
		notifications = append(notifications, realtime.QueuedNotification{
			Body:          []byte(aws.ToString(msg.Body)),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			Source:        queue,
		})
	}
	return notifications, nil
}

// Delete removes a message by receipt handle.
func (b *SQSBroker) Delete(ctx context.Context, queue realtime.QueueRef, receiptHandle string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(string(queue)),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", queue, err)
	}
	return nil
}

// SendWithDelay enqueues a message with the requested delay, clamped to the
// SQS maximum of 900 seconds.
func (b *SQSBroker) SendWithDelay(ctx context.Context, queue realtime.QueueRef, body []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		b.logger.Debug().Dur("requested", delay).Msg("Clamping delay to SQS maximum")
		delay = maxDelay
	}

	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(string(queue)),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", queue, err)
	}
	return nil
}
