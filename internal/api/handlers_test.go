package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// --- Mocks ---

type recordingBroadcaster struct {
	channel string
	event   *realtime.Event
	err     error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, channel string, event *realtime.Event, _ string) error {
	b.channel = channel
	b.event = event
	return b.err
}

type stubPresence struct {
	userID string
	status realtime.PresenceStatus
	err    error
}

func (p *stubPresence) SetExplicitStatus(_ context.Context, userID string, status realtime.PresenceStatus) error {
	p.userID = userID
	p.status = status
	return p.err
}

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

type apiFixture struct {
	api         *API
	broadcaster *recordingBroadcaster
	presence    *stubPresence
	store       *fakes.Store
	local       *registry.LocalTable
	registry    *stubPinger
	bus         *stubPinger
	mux         *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	fx := &apiFixture{
		broadcaster: &recordingBroadcaster{},
		presence:    &stubPresence{},
		store:       fakes.NewStore(),
		local:       registry.NewLocalTable(),
		registry:    &stubPinger{},
		bus:         &stubPinger{},
	}
	fx.api = NewAPI(fx.broadcaster, fx.presence, fx.store, fx.local,
		fx.registry, fx.bus, "instance-1", zerolog.Nop())

	authed := auth.NoopAuth("user-1")
	fx.mux = http.NewServeMux()
	fx.mux.Handle("GET /healthz", http.HandlerFunc(fx.api.HealthHandler))
	fx.mux.Handle("GET /api/status", authed(http.HandlerFunc(fx.api.StatusHandler)))
	fx.mux.Handle("POST /api/presence/status", authed(http.HandlerFunc(fx.api.PresenceStatusHandler)))
	fx.mux.Handle("POST /api/conversations/{conversationID}/typing", authed(http.HandlerFunc(fx.api.TypingHandler)))
	fx.mux.Handle("POST /api/conversations/{conversationID}/read", authed(http.HandlerFunc(fx.api.ReadHandler)))
	return fx
}

func (fx *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	t.Run("all backends healthy", func(t *testing.T) {
		fx := newAPIFixture(t)
		rec := fx.do(http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "instance-1", body["instanceId"])
	})

	t.Run("registry down reports degraded", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.registry.err = assert.AnError
		rec := fx.do(http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "unreachable", body["registry"])
		assert.Equal(t, "ok", body["bus"])
	})
}

func TestStatusHandler(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "instance-1", body["instanceId"])
	assert.Equal(t, float64(0), body["localConnections"])
}

func TestPresenceStatusHandler(t *testing.T) {
	t.Run("valid status applied", func(t *testing.T) {
		fx := newAPIFixture(t)
		rec := fx.do(http.MethodPost, "/api/presence/status", `{"status":"away"}`)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-1", fx.presence.userID)
		assert.Equal(t, realtime.StatusAway, fx.presence.status)
	})

	t.Run("disconnected user conflicts", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.presence.err = presence.ErrNotConnected
		rec := fx.do(http.MethodPost, "/api/presence/status", `{"status":"away"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("offline is not settable", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.presence.err = realtime.ErrInvalidEvent
		rec := fx.do(http.MethodPost, "/api/presence/status", `{"status":"offline"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTypingHandler(t *testing.T) {
	t.Run("participant broadcasts typing", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.store.Participants["conv-a"] = []string{"user-1", "user-2"}

		rec := fx.do(http.MethodPost, "/api/conversations/conv-a/typing", "")

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.NotNil(t, fx.broadcaster.event)
		assert.Equal(t, realtime.ConversationChannel("conv-a"), fx.broadcaster.channel)
		assert.Equal(t, realtime.KindTyping, fx.broadcaster.event.Kind)
		assert.Equal(t, "user-1", fx.broadcaster.event.UserID)
	})

	t.Run("non-participant forbidden", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.store.Participants["conv-a"] = []string{"user-2"}

		rec := fx.do(http.MethodPost, "/api/conversations/conv-a/typing", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Nil(t, fx.broadcaster.event)
	})

	t.Run("unknown conversation not found", func(t *testing.T) {
		fx := newAPIFixture(t)
		rec := fx.do(http.MethodPost, "/api/conversations/missing/typing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bus outage still accepted", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.store.Participants["conv-a"] = []string{"user-1"}
		fx.broadcaster.err = assert.AnError

		rec := fx.do(http.MethodPost, "/api/conversations/conv-a/typing", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestReadHandler(t *testing.T) {
	t.Run("broadcasts read receipt", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.store.Participants["conv-a"] = []string{"user-1"}

		rec := fx.do(http.MethodPost, "/api/conversations/conv-a/read", `{"messageId":"msg-9"}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.NotNil(t, fx.broadcaster.event)
		assert.Equal(t, realtime.KindMessageRead, fx.broadcaster.event.Kind)

		var payload realtime.MessageReadPayload
		require.NoError(t, fx.broadcaster.event.UnmarshalPayload(&payload))
		assert.Equal(t, "msg-9", payload.MessageID)
	})

	t.Run("missing messageId rejected", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.store.Participants["conv-a"] = []string{"user-1"}

		rec := fx.do(http.MethodPost, "/api/conversations/conv-a/read", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
