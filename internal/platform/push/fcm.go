// Package push implements the Push Gateway on Firebase Cloud Messaging.
package push

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// fcmBatchLimit is FCM's multicast ceiling per request.
const fcmBatchLimit = 500

// messagingClient defines the interface we need from the FCM SDK.
type messagingClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMGateway implements realtime.PushGateway. It is a pure transport: it
// reports per-token outcomes and owns no retry policy, token storage, or
// preference logic.
type FCMGateway struct {
	client messagingClient
	logger zerolog.Logger
}

// NewFCMGateway is the constructor for the FCMGateway.
func NewFCMGateway(client messagingClient, logger zerolog.Logger) (*FCMGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("fcm messaging client cannot be nil")
	}
	return &FCMGateway{
		client: client,
		logger: logger.With().Str("component", "FCMGateway").Logger(),
	}, nil
}

// MaxBatchSize reports the provider's multicast limit.
func (g *FCMGateway) MaxBatchSize() int { return fcmBatchLimit }

// SendBatch delivers one payload to up to MaxBatchSize tokens and classifies
// each token's outcome. A transport-level failure of the whole request is
// returned as an error (every token is implicitly transient).
func (g *FCMGateway) SendBatch(ctx context.Context, platform string, tokens []string, payload realtime.PushPayload) ([]realtime.PerTokenResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > fcmBatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds the FCM limit of %d", len(tokens), fcmBatchLimit)
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data: payload.Data,
	}
	if platform == "android" {
		message.Android = &messaging.AndroidConfig{Priority: "high"}
	}

	response, err := g.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("fcm multicast failed: %w", err)
	}

	results := make([]realtime.PerTokenResult, 0, len(tokens))
	for i, send := range response.Responses {
		result := realtime.PerTokenResult{Token: tokens[i], Status: realtime.TokenSuccess}
		if !send.Success {
			result.Status = classify(send.Error)
			result.Err = send.Error
		}
		results = append(results, result)
	}

	g.logger.Debug().
		Int("success", response.SuccessCount).
		Int("failure", response.FailureCount).
		Str("platform", platform).
		Msg("FCM multicast completed")
	return results, nil
}

// classify maps an FCM send error to a token status. Unregistered and
// malformed tokens are permanently invalid and must be deleted; everything
// else is treated as transient and retried.
func classify(err error) realtime.TokenStatus {
	switch {
	case messaging.IsUnregistered(err):
		return realtime.TokenInvalid
	case errorutils.IsInvalidArgument(err):
		return realtime.TokenInvalid
	case messaging.IsSenderIDMismatch(err):
		return realtime.TokenInvalid
	default:
		// Unavailable, internal, quota exceeded: worth retrying.
		return realtime.TokenTransientFailure
	}
}
