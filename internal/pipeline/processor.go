package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// maxBodyLength caps the notification body; longer message content is
// truncated with an ellipsis.
const maxBodyLength = 100

// Outcome is the terminal classification of one processing attempt.
type Outcome int

const (
	// OutcomeDelivered means every recipient reached a terminal state; the
	// queue message must be deleted.
	OutcomeDelivered Outcome = iota
	// OutcomeRetry means at least one recipient failed transiently; the
	// envelope must be re-queued with backoff.
	OutcomeRetry
)

// Processor applies the per-recipient delivery rules for one decoded
// envelope. It owns no queue mechanics: the consumer decides what the
// Outcome means for the underlying message.
type Processor struct {
	registry realtime.ConnectionRegistry
	store    realtime.Store
	gateway  realtime.PushGateway
	// guaranteed event types are pushed even when the recipient is online.
	guaranteed map[string]bool
	logger     zerolog.Logger
}

// NewProcessor creates a pipeline processor. guaranteedTypes lists the event
// types that bypass the presence skip.
func NewProcessor(
	deps realtime.ServiceDependencies,
	guaranteedTypes []string,
	logger zerolog.Logger,
) (*Processor, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("registry, store and gateway cannot be nil")
	}
	guaranteed := make(map[string]bool, len(guaranteedTypes))
	for _, eventType := range guaranteedTypes {
		guaranteed[eventType] = true
	}
	return &Processor{
		registry:   deps.Registry,
		store:      deps.Store,
		gateway:    deps.Gateway,
		guaranteed: guaranteed,
		logger:     logger.With().Str("component", "PipelineProcessor").Logger(),
	}, nil
}

// Process walks every recipient of the envelope. Recipients that were
// already delivered (idempotency), are online (unless the type is
// guaranteed), opted out, or have zero device tokens reach a terminal state
// without a push. Only transient failures make the whole envelope eligible
// for retry; terminal recipients are marked delivered so a retry never
// touches them again.
func (p *Processor) Process(ctx context.Context, envelope *realtime.NotificationEnvelope) Outcome {
	outcome := OutcomeDelivered
	for _, recipient := range envelope.Recipients {
		if !p.processRecipient(ctx, envelope, recipient) {
			outcome = OutcomeRetry
		}
	}
	return outcome
}

// processRecipient returns false when delivery failed transiently and must
// be retried.
func (p *Processor) processRecipient(ctx context.Context, envelope *realtime.NotificationEnvelope, recipient realtime.Recipient) bool {
	procLogger := p.logger.With().
		Str("event", envelope.EventID).
		Str("type", envelope.EventType).
		Str("recipient", recipient.UserID).
		Logger()

	if len(recipient.Channels) > 0 && !slices.Contains(recipient.Channels, "push") {
		// Other delivery channels are not this service's concern.
		return true
	}

	delivered, err := p.store.IsNotificationDelivered(ctx, envelope.EventID, recipient.UserID)
	if err != nil {
		procLogger.Warn().Err(err).Msg("Delivery check failed, retrying recipient")
		return false
	}
	if delivered {
		procLogger.Debug().Msg("Recipient already delivered, skipping")
		return true
	}

	// Online recipients see the event over their WebSocket; pushing too
	// would double-notify. Guaranteed types (invitations, requests) push
	// regardless.
	if !p.guaranteed[envelope.EventType] {
		online, err := p.registry.IsAnyConnectionLive(ctx, recipient.UserID)
		if err != nil {
			procLogger.Warn().Err(err).Msg("Presence check failed, pushing anyway")
		} else if online {
			procLogger.Debug().Msg("Recipient is online, skipping push")
			return p.finishRecipient(ctx, envelope, recipient, procLogger)
		}
	}

	prefs, err := p.store.UserPreferences(ctx, recipient.UserID)
	if err != nil {
		// Preference reads default to allow: a broken preference store must
		// not silently drop notifications.
		procLogger.Warn().Err(err).Msg("Preference lookup failed, applying defaults")
		prefs = realtime.DefaultPreferences()
	}
	if !prefs.Allows(envelope.EventType, time.Now()) {
		procLogger.Debug().Msg("Recipient preferences block this notification")
		return p.finishRecipient(ctx, envelope, recipient, procLogger)
	}

	tokens, err := p.store.DeviceTokens(ctx, recipient.UserID)
	if err != nil {
		procLogger.Warn().Err(err).Msg("Token lookup failed, retrying recipient")
		return false
	}
	if len(tokens) == 0 {
		// No devices to reach: terminal, but the history record is still
		// written so the user sees the notification in-app.
		procLogger.Debug().Msg("Recipient has no device tokens")
		return p.finishRecipient(ctx, envelope, recipient, procLogger)
	}

	payload := buildPushPayload(envelope)
	anySuccess, anyTransient := p.sendToTokens(ctx, tokens, payload, procLogger)

	if anySuccess || !anyTransient {
		return p.finishRecipient(ctx, envelope, recipient, procLogger)
	}
	procLogger.Info().Msg("All token deliveries failed transiently, recipient will be retried")
	return false
}

// sendToTokens groups the recipient's tokens by platform, chunks them to the
// gateway's batch limit, and reconciles per-token results. Invalid tokens
// are deleted from the store immediately.
func (p *Processor) sendToTokens(ctx context.Context, tokens []realtime.DeviceToken, payload realtime.PushPayload, logger zerolog.Logger) (anySuccess, anyTransient bool) {
	byPlatform := make(map[string][]string)
	for _, token := range tokens {
		byPlatform[token.Platform] = append(byPlatform[token.Platform], token.Token)
	}

	limit := p.gateway.MaxBatchSize()
	for platform, platformTokens := range byPlatform {
		for start := 0; start < len(platformTokens); start += limit {
			end := min(start+limit, len(platformTokens))
			batch := platformTokens[start:end]

			results, err := p.gateway.SendBatch(ctx, platform, batch, payload)
			if err != nil {
				logger.Warn().Err(err).Str("platform", platform).Msg("Push batch failed")
				anyTransient = true
				continue
			}
			for _, result := range results {
				switch result.Status {
				case realtime.TokenSuccess:
					anySuccess = true
				case realtime.TokenInvalid:
					logger.Info().Msg("Deleting permanently invalid device token")
					if err := p.store.DeleteDeviceToken(ctx, result.Token); err != nil {
						logger.Warn().Err(err).Msg("Failed to delete invalid token")
					}
				case realtime.TokenTransientFailure:
					anyTransient = true
				}
			}
		}
	}
	return anySuccess, anyTransient
}

// finishRecipient marks the recipient terminally delivered and persists the
// in-app history record. A failed delivery mark forces a retry: marking is
// what makes the pipeline idempotent, so it must stick.
func (p *Processor) finishRecipient(ctx context.Context, envelope *realtime.NotificationEnvelope, recipient realtime.Recipient, logger zerolog.Logger) bool {
	payload := buildPushPayload(envelope)
	record := realtime.NotificationRecord{
		NotificationID: uuid.NewString(),
		UserID:         recipient.UserID,
		Type:           envelope.EventType,
		Title:          payload.Title,
		Body:           payload.Body,
		Data:           envelope.Payload,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.PersistNotificationRecord(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist notification record")
	}

	if err := p.store.MarkNotificationDelivered(ctx, envelope.EventID, recipient.UserID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark delivery, recipient will be retried")
		return false
	}
	return true
}

// envelopeContent is the subset of the business payload the pipeline renders
// into push text.
type envelopeContent struct {
	SenderName     string `json:"senderName"`
	GroupName      string `json:"groupName"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// buildPushPayload renders provider-agnostic push content for the envelope's
// event type.
func buildPushPayload(envelope *realtime.NotificationEnvelope) realtime.PushPayload {
	var content envelopeContent
	_ = json.Unmarshal(envelope.Payload, &content)

	payload := realtime.PushPayload{
		Data: map[string]string{
			"eventId":   envelope.EventID,
			"eventType": envelope.EventType,
		},
	}
	if content.ConversationID != "" {
		payload.Data["conversationId"] = content.ConversationID
	}

	switch envelope.EventType {
	case realtime.NotifyNewMessage:
		payload.Title = content.SenderName
		if payload.Title == "" {
			payload.Title = "New message"
		}
		payload.Body = truncate(content.Content, maxBodyLength)
	case realtime.NotifyGroupInvitation:
		payload.Title = "Group invitation"
		payload.Body = fmt.Sprintf("%s invited you to %s", content.SenderName, content.GroupName)
	case realtime.NotifyFriendRequest:
		payload.Title = "Friend request"
		payload.Body = fmt.Sprintf("%s sent you a friend request", content.SenderName)
	default:
		payload.Title = "Notification"
		payload.Body = truncate(content.Content, maxBodyLength)
	}
	return payload
}

// truncate shortens s to limit runes, appending an ellipsis when cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
