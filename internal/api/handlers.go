/*
File: internal/api/handlers.go
Description: Defines the HTTP handlers for the realtime service API:
health, instance status, presence control, and the REST entry points for
conversation events (typing, read receipts).
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Pinger reports backend connectivity for the health surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broadcaster fans an event out on a bus channel. The session server
// implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, event *realtime.Event, excludeConnectionID string) error
}

// PresenceControl is the slice of the presence manager the API needs.
type PresenceControl interface {
	SetExplicitStatus(ctx context.Context, userID string, status realtime.PresenceStatus) error
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	broadcaster Broadcaster
	presence    PresenceControl
	store       realtime.Store
	local       *registry.LocalTable
	registry    Pinger
	bus         Pinger
	instanceID  string
	startedAt   time.Time
	logger      zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(
	broadcaster Broadcaster,
	presenceControl PresenceControl,
	store realtime.Store,
	local *registry.LocalTable,
	registryPing, busPing Pinger,
	instanceID string,
	logger zerolog.Logger,
) *API {
	return &API{
		broadcaster: broadcaster,
		presence:    presenceControl,
		store:       store,
		local:       local,
		registry:    registryPing,
		bus:         busPing,
		instanceID:  instanceID,
		startedAt:   time.Now().UTC(),
		logger:      logger.With().Str("component", "API").Logger(),
	}
}

// HealthHandler reports liveness of the instance and its backends. Degraded
// backends return 503 so the load balancer can rotate the instance out.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status     string `json:"status"`
		InstanceID string `json:"instanceId"`
		Registry   string `json:"registry"`
		Bus        string `json:"bus"`
	}

	report := health{Status: "ok", InstanceID: a.instanceID, Registry: "ok", Bus: "ok"}
	status := http.StatusOK

	if err := a.registry.Ping(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("Health check: registry unreachable")
		report.Registry = "unreachable"
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if err := a.bus.Ping(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("Health check: bus unreachable")
		report.Bus = "unreachable"
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// StatusHandler reports this instance's connection statistics.
func (a *API) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	users, connections := a.local.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId":       a.instanceID,
		"startedAt":        a.startedAt,
		"localUsers":       users,
		"localConnections": connections,
	})
}

// PresenceStatusHandler applies an explicit away/busy/online status for the
// authenticated user.
func (a *API) PresenceStatusHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	var body struct {
		Status realtime.PresenceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.presence.SetExplicitStatus(r.Context(), authedUserID, body.Status)
	switch {
	case errors.Is(err, presence.ErrNotConnected):
		writeJSONError(w, http.StatusConflict, "user has no live connection")
	case errors.Is(err, realtime.ErrInvalidEvent):
		writeJSONError(w, http.StatusBadRequest, "status must be online, away, or busy")
	case err != nil:
		a.logger.Error().Err(err).Msg("Failed to set explicit status")
		writeJSONError(w, http.StatusInternalServerError, "failed to set status")
	default:
		writeJSON(w, http.StatusNoContent, nil)
	}
}

// TypingHandler broadcasts a typing indicator on behalf of the authenticated
// user. This is the REST fallback for clients without an open socket write
// path.
func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request) {
	a.forwardConversationEvent(w, r, realtime.KindTyping, nil)
}

// ReadHandler broadcasts a read receipt for one message in a conversation.
func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	var body realtime.MessageReadPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MessageID == "" {
		writeJSONError(w, http.StatusBadRequest, "messageId is required")
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.forwardConversationEvent(w, r, realtime.KindMessageRead, payload)
}

// forwardConversationEvent authorizes membership and broadcasts the event on
// the conversation channel.
func (a *API) forwardConversationEvent(w http.ResponseWriter, r *http.Request, kind realtime.EventKind, payload json.RawMessage) {
	authedUserID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	conversationID := r.PathValue("conversationID")
	participants, err := a.store.ConversationParticipants(r.Context(), conversationID)
	if errors.Is(err, realtime.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("conversation", conversationID).Msg("Failed to load participants")
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !slices.Contains(participants, authedUserID) {
		writeJSONError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}

	event := &realtime.Event{
		EventID:        uuid.NewString(),
		Kind:           kind,
		ConversationID: conversationID,
		UserID:         authedUserID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
	if err := a.broadcaster.Broadcast(r.Context(), realtime.ConversationChannel(conversationID), event, ""); err != nil {
		// Local delivery already happened; report degraded acceptance.
		a.logger.Warn().Err(err).Msg("Broadcast degraded to local delivery")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"eventId": event.EventID})
}
