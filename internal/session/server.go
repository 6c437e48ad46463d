// Package session runs the WebSocket surface: it owns every live client
// connection on this instance, the per-connection state machine, and the
// local half of event fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Application close codes sent when the post-upgrade handshake fails.
const (
	CloseInvalidCredential = 4001
	CloseAccountDisabled   = 4002
	CloseIdentityMismatch  = 4003
)

// Server manages all active WebSocket connections for one instance. It runs
// its own dedicated HTTP server, mirrors every connection in the shared
// registry, and bridges the Fan-out Bus to local delivery.
type Server struct {
	server   *http.Server
	upgrader websocket.Upgrader

	verifier realtime.Verifier
	registry realtime.ConnectionRegistry
	bus      realtime.Bus
	store    realtime.Store
	presence *presence.Manager
	local    *registry.LocalTable

	instanceID string
	heartbeat  time.Duration
	logger     zerolog.Logger
}

// NewServer creates and wires up the WebSocket server. heartbeat is the
// expected client heartbeat interval; the read deadline is twice that.
func NewServer(
	port string,
	instanceID string,
	heartbeat time.Duration,
	deps realtime.ServiceDependencies,
	presenceManager *presence.Manager,
	local *registry.LocalTable,
	logger zerolog.Logger,
) (*Server, error) {
	if deps.Verifier == nil || deps.Registry == nil || deps.Bus == nil || deps.Store == nil {
		return nil, fmt.Errorf("verifier, registry, bus and store cannot be nil")
	}
	if presenceManager == nil || local == nil {
		return nil, fmt.Errorf("presence manager and local table cannot be nil")
	}
	if heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", heartbeat)
	}

	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a real origin check
				return true
			},
		},
		verifier:   deps.Verifier,
		registry:   deps.Registry,
		bus:        deps.Bus,
		store:      deps.Store,
		presence:   presenceManager,
		local:      local,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		logger:     logger.With().Str("component", "SessionServer").Str("instance", instanceID).Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{userID}", http.HandlerFunc(s.connectHandler))
	s.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return s, nil
}

// Start runs the HTTP server for WebSocket connections.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("WebSocket server starting...")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Live connections observe the
// listener close and run their normal deregister path.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down WebSocket service...")
	// TODO: send a going-away close frame to each live connection before
	// shutting the listener down.
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	s.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// connectHandler upgrades the HTTP request and drives the connection state
// machine: connecting -> authenticating -> active -> closing -> closed.
// Authentication happens after the upgrade so failures can be reported with
// an application close code instead of a bare HTTP status.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	claimedUserID := r.PathValue("userID")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	credential := r.URL.Query().Get("token")
	authedUserID, err := s.verifier.Verify(r.Context(), credential)
	if err != nil {
		s.rejectConnection(ws, err)
		return
	}
	if authedUserID != claimedUserID {
		s.rejectConnection(ws, realtime.ErrIdentityMismatch)
		return
	}

	conn := newConnection(s, ws, authedUserID)
	conn.run(r.Context())
}

// rejectConnection sends the close code matching the auth failure and drops
// the socket.
func (s *Server) rejectConnection(ws *websocket.Conn, cause error) {
	code := CloseInvalidCredential
	switch {
	case errors.Is(cause, realtime.ErrAccountDisabled):
		code = CloseAccountDisabled
	case errors.Is(cause, realtime.ErrIdentityMismatch):
		code = CloseIdentityMismatch
	}

	s.logger.Warn().Err(cause).Int("close_code", code).Msg("Rejecting WebSocket connection")
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, cause.Error()), deadline)
	_ = ws.Close()
}

// Broadcast publishes an event to its bus channel after stamping the origin
// instance, and delivers it synchronously to local subscribers first. If the
// bus is unreachable the error is returned but local delivery has already
// happened: the instance degrades to same-instance fan-out instead of going
// dark.
func (s *Server) Broadcast(ctx context.Context, channel string, event *realtime.Event, excludeConnectionID string) error {
	event.OriginInstanceID = s.instanceID
	s.deliverLocal(channel, event, excludeConnectionID)

	if err := s.bus.Publish(ctx, channel, event); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).
			Msg("Bus publish failed, event delivered to local connections only")
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}
	return nil
}

// HandleBusEvent is the BusHandler for every channel this instance subscribes
// to. Events that originated here were already delivered synchronously at
// publish time and are skipped; per-connection dedup in the sink absorbs
// at-least-once duplicates from the bus itself.
func (s *Server) HandleBusEvent(_ context.Context, channel string, event *realtime.Event) {
	if event.OriginInstanceID == s.instanceID {
		return
	}
	s.deliverLocal(channel, event, "")
}

func (s *Server) deliverLocal(channel string, event *realtime.Event, excludeConnectionID string) {
	for _, sink := range s.local.Channel(channel) {
		if conn, ok := sink.(*connection); ok && conn.id == excludeConnectionID {
			continue
		}
		sink.Deliver(event)
	}
}

// attach joins a connection to a bus channel, subscribing the instance when
// it is the first local participant.
func (s *Server) attach(ctx context.Context, connectionID, channel string) error {
	if first := s.local.Attach(connectionID, channel); first {
		if err := s.bus.Subscribe(ctx, channel, s.HandleBusEvent); err != nil {
			s.local.Detach(connectionID, channel)
			return fmt.Errorf("failed to subscribe instance to %s: %w", channel, err)
		}
	}
	return nil
}

// detach removes a connection from a channel, unsubscribing the instance when
// no local participant remains.
func (s *Server) detach(ctx context.Context, connectionID, channel string) {
	if last := s.local.Detach(connectionID, channel); last {
		if err := s.bus.Unsubscribe(ctx, channel); err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to unsubscribe instance")
		}
	}
}
