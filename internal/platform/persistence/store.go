// Package persistence implements the document-store collaborator on Google
// Cloud Firestore.
package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	tokensCollection        = "device_tokens"
	preferencesCollection   = "notification_preferences"
	notificationsCollection = "notifications"
	deliveriesCollection    = "notification_deliveries"
)

// conversationDoc is the subset of a conversation document this service
// reads.
type conversationDoc struct {
	Participants []string `firestore:"participants"`
}

// tokenDoc mirrors one device token document.
type tokenDoc struct {
	UserID          string    `firestore:"userId"`
	Token           string    `firestore:"token"`
	Platform        string    `firestore:"platform"`
	RegisteredAt    time.Time `firestore:"registeredAt"`
	LastValidatedAt time.Time `firestore:"lastValidatedAt"`
}

// preferencesDoc mirrors a notification preferences document.
type preferencesDoc struct {
	PushEnabled                bool   `firestore:"pushEnabled"`
	MessageNotifications       bool   `firestore:"messageNotifications"`
	GroupNotifications         bool   `firestore:"groupNotifications"`
	FriendRequestNotifications bool   `firestore:"friendRequestNotifications"`
	SystemNotifications        bool   `firestore:"systemNotifications"`
	DoNotDisturbStart          string `firestore:"dndStart"`
	DoNotDisturbEnd            string `firestore:"dndEnd"`
}

// FirestoreStore implements the realtime.Store interface using Google Cloud
// Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreStore{
		client: client,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// ConversationParticipants reads the member list of one conversation.
func (s *FirestoreStore) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	snap, err := s.client.Collection(conversationsCollection).Doc(conversationID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, realtime.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}

	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", conversationID, err)
	}
	return doc.Participants, nil
}

// UserConversations lists every conversation the user participates in.
func (s *FirestoreStore) UserConversations(ctx context.Context, userID string) ([]string, error) {
	query := s.client.Collection(conversationsCollection).
		Where("participants", "array-contains", userID)

	var ids []string
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations for %s: %w", userID, err)
		}
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// SetPresence merges the presence fields into the user document, leaving the
// rest of the profile untouched.
func (s *FirestoreStore) SetPresence(ctx context.Context, state realtime.PresenceState) error {
	update := map[string]any{
		"status":       string(state.Status),
		"lastActiveAt": state.LastActiveAt,
	}
	if state.PendingOfflineSince != nil {
		update["pendingOfflineSince"] = *state.PendingOfflineSince
	} else {
		update["pendingOfflineSince"] = firestore.Delete
	}

	_, err := s.client.Collection(usersCollection).Doc(state.UserID).Set(ctx, update, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to persist presence for %s: %w", state.UserID, err)
	}
	return nil
}

// UserPreferences reads the user's notification preferences, falling back to
// the documented defaults when no document exists.
func (s *FirestoreStore) UserPreferences(ctx context.Context, userID string) (realtime.Preferences, error) {
	snap, err := s.client.Collection(preferencesCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return realtime.DefaultPreferences(), nil
	}
	if err != nil {
		return realtime.Preferences{}, fmt.Errorf("failed to read preferences for %s: %w", userID, err)
	}

	var doc preferencesDoc
	if err := snap.DataTo(&doc); err != nil {
		return realtime.Preferences{}, fmt.Errorf("failed to unmarshal preferences for %s: %w", userID, err)
	}
	return realtime.Preferences{
		PushEnabled:                doc.PushEnabled,
		MessageNotifications:       doc.MessageNotifications,
		GroupNotifications:         doc.GroupNotifications,
		FriendRequestNotifications: doc.FriendRequestNotifications,
		SystemNotifications:        doc.SystemNotifications,
		DoNotDisturbStart:          doc.DoNotDisturbStart,
		DoNotDisturbEnd:            doc.DoNotDisturbEnd,
	}, nil
}

// DeviceTokens lists the user's registered push tokens.
func (s *FirestoreStore) DeviceTokens(ctx context.Context, userID string) ([]realtime.DeviceToken, error) {
	query := s.client.Collection(tokensCollection).Where("userId", "==", userID)

	var tokens []realtime.DeviceToken
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list device tokens for %s: %w", userID, err)
		}

		var doc tokenDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to unmarshal device token, skipping")
			continue
		}
		tokens = append(tokens, realtime.DeviceToken{
			UserID:          doc.UserID,
			Token:           doc.Token,
			Platform:        doc.Platform,
			RegisteredAt:    doc.RegisteredAt,
			LastValidatedAt: doc.LastValidatedAt,
		})
	}
	return tokens, nil
}

// DeleteDeviceToken removes every document carrying the invalid token, for
// any user. The provider has declared the token dead; keeping it only buys
// more failures.
func (s *FirestoreStore) DeleteDeviceToken(ctx context.Context, token string) error {
	query := s.client.Collection(tokensCollection).Where("token", "==", token)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to find device token: %w", err)
	}

	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error
	for _, snap := range snaps {
		if _, err := bulkWriter.Delete(snap.Ref); err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to enqueue token deletion")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return fmt.Errorf("failed to enqueue token deletion: %w", firstErr)
	}
	return nil
}

// PersistNotificationRecord writes one in-app history entry.
func (s *FirestoreStore) PersistNotificationRecord(ctx context.Context, record realtime.NotificationRecord) error {
	doc := map[string]any{
		"userId":    record.UserID,
		"type":      record.Type,
		"title":     record.Title,
		"body":      record.Body,
		"isRead":    record.IsRead,
		"createdAt": record.CreatedAt,
	}
	if len(record.Data) > 0 {
		doc["data"] = string(record.Data)
	}

	_, err := s.client.Collection(notificationsCollection).Doc(record.NotificationID).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to persist notification record: %w", err)
	}
	return nil
}

// IsNotificationDelivered checks the idempotency marker for one
// event/recipient pair.
func (s *FirestoreStore) IsNotificationDelivered(ctx context.Context, eventID, userID string) (bool, error) {
	_, err := s.client.Collection(deliveriesCollection).Doc(deliveryKey(eventID, userID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check delivery marker: %w", err)
	}
	return true, nil
}

// MarkNotificationDelivered writes the idempotency marker.
func (s *FirestoreStore) MarkNotificationDelivered(ctx context.Context, eventID, userID string) error {
	_, err := s.client.Collection(deliveriesCollection).Doc(deliveryKey(eventID, userID)).Set(ctx, map[string]any{
		"eventId":     eventID,
		"userId":      userID,
		"deliveredAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark delivery: %w", err)
	}
	return nil
}

func deliveryKey(eventID, userID string) string { return eventID + "_" + userID }
