package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	// sendBufferSize bounds the per-connection outbound queue. A client that
	// cannot drain it is dropped rather than allowed to stall fan-out.
	sendBufferSize = 64

	// dedupWindow is how many recently delivered event IDs each connection
	// remembers to absorb at-least-once bus duplicates.
	dedupWindow = 512

	writeTimeout = 10 * time.Second
)

// connection is one live WebSocket session. It implements registry.Sink so
// the local table can hand it bus events, and it owns its ConnectionRecord in
// the shared registry for its whole lifetime.
type connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	server *Server
	logger zerolog.Logger

	send     chan *realtime.Event
	channels []string

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(s *Server, ws *websocket.Conn, userID string) *connection {
	id := uuid.NewString()
	return &connection{
		id:     id,
		userID: userID,
		ws:     ws,
		server: s,
		logger: s.logger.With().Str("user", userID).Str("conn", id).Logger(),
		send:   make(chan *realtime.Event, sendBufferSize),
		seen:   make(map[string]struct{}, dedupWindow),
		done:   make(chan struct{}),
	}
}

// UserID implements registry.Sink.
func (c *connection) UserID() string { return c.userID }

// Deliver implements registry.Sink. Duplicate event IDs are dropped; a full
// send buffer closes the connection (slow consumer).
func (c *connection) Deliver(event *realtime.Event) {
	if c.isDuplicate(event.EventID) {
		return
	}
	select {
	case c.send <- event:
	case <-c.done:
	default:
		c.logger.Warn().Msg("Send buffer full, dropping slow connection")
		c.close()
	}
}

// run is the active phase of the session: register, subscribe, then pump the
// read loop until the client goes away. Cleanup is unconditional so a crash
// in any stage still deregisters the connection.
func (c *connection) run(ctx context.Context) {
	defer c.teardown()

	record := realtime.ConnectionRecord{
		ConnectionID:    c.id,
		UserID:          c.userID,
		InstanceID:      c.server.instanceID,
		EstablishedAt:   time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}
	if err := c.server.registry.Register(ctx, record); err != nil {
		// Degraded mode: same-instance delivery still works without the
		// shared registry, so the session proceeds.
		c.logger.Error().Err(err).Msg("Failed to register connection, continuing in local-only mode")
	}
	c.server.presence.HandleConnect(ctx, c.userID)

	c.server.local.Add(c.id, c)
	c.subscribeChannels(ctx)

	c.logger.Info().Msg("User connected via WebSocket.")
	go c.writeLoop()
	c.readLoop(ctx)
}

// subscribeChannels joins the user channel plus every conversation channel
// the user participates in.
func (c *connection) subscribeChannels(ctx context.Context) {
	channels := []string{realtime.UserChannel(c.userID)}
	conversations, err := c.server.store.UserConversations(ctx, c.userID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list conversations, subscribing to user channel only")
	}
	for _, conversationID := range conversations {
		channels = append(channels, realtime.ConversationChannel(conversationID))
	}

	for _, channel := range channels {
		if err := c.server.attach(ctx, c.id, channel); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to join channel")
			continue
		}
		c.channels = append(c.channels, channel)
	}
}

// teardown runs the closing -> closed transition exactly once.
func (c *connection) teardown() {
	c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, channel := range c.channels {
		c.server.detach(ctx, c.id, channel)
	}
	c.server.local.Remove(c.id)

	if err := c.server.registry.Deregister(ctx, c.id); err != nil {
		c.logger.Error().Err(err).Msg("Failed to deregister connection")
	}
	c.server.presence.HandleDisconnect(ctx, c.userID)
	c.logger.Info().Msg("User disconnected.")
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readLoop consumes client events until the socket errors or closes. The
// read deadline is twice the heartbeat interval: a client that misses two
// heartbeats is treated as gone.
func (c *connection) readLoop(ctx context.Context) {
	deadline := 2 * c.server.heartbeat
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Read loop ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		var event realtime.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			c.sendError("malformed_event", "event is not valid JSON")
			continue
		}
		c.handleInbound(ctx, &event)
	}
}

// writeLoop serializes all socket writes: fan-out deliveries and protocol
// pings share one writer goroutine, as gorilla requires.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.server.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleInbound validates and routes one client event. Validation failures
// answer with an error event and keep the connection open.
func (c *connection) handleInbound(ctx context.Context, event *realtime.Event) {
	if event.Kind == realtime.KindHeartbeat {
		c.handleHeartbeat(ctx)
		return
	}

	// The sender's identity always comes from the authenticated session, not
	// from the event body.
	event.UserID = c.userID
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := event.Validate(); err != nil {
		c.sendError("invalid_event", err.Error())
		return
	}

	switch event.Kind {
	case realtime.KindTyping, realtime.KindMessageRead, realtime.KindMessageReaction:
		c.forwardConversationEvent(ctx, event)
	case realtime.KindStatusChange:
		c.applyExplicitStatus(ctx, event)
	default:
		// new_message enters through the business API, not the socket.
		c.sendError("unsupported_event", "event kind cannot be sent on this connection")
	}
}

// applyExplicitStatus handles a client-requested away/busy/online change.
func (c *connection) applyExplicitStatus(ctx context.Context, event *realtime.Event) {
	var payload realtime.StatusChangePayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		c.sendError("invalid_event", "status payload is malformed")
		return
	}
	if err := c.server.presence.SetExplicitStatus(ctx, c.userID, payload.Status); err != nil {
		c.sendError("invalid_status", err.Error())
	}
}

func (c *connection) handleHeartbeat(ctx context.Context) {
	err := c.server.registry.Refresh(ctx, c.id)
	if errors.Is(err, realtime.ErrNotFound) {
		// The record TTL lapsed (long GC pause, registry flap). Re-register
		// so presence converges back to online.
		record := realtime.ConnectionRecord{
			ConnectionID:    c.id,
			UserID:          c.userID,
			InstanceID:      c.server.instanceID,
			EstablishedAt:   time.Now().UTC(),
			LastHeartbeatAt: time.Now().UTC(),
		}
		if regErr := c.server.registry.Register(ctx, record); regErr != nil {
			c.logger.Warn().Err(regErr).Msg("Failed to re-register expired connection")
		}
	} else if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to refresh connection record")
	}

	c.server.presence.Touch(ctx, c.userID)

	ack := &realtime.Event{
		EventID:   uuid.NewString(),
		Kind:      realtime.KindHeartbeatAck,
		UserID:    c.userID,
		Timestamp: time.Now().UTC(),
	}
	select {
	case c.send <- ack:
	case <-c.done:
	default:
	}
}

// forwardConversationEvent authorizes membership and broadcasts on the
// conversation channel, excluding the sending connection from local delivery.
func (c *connection) forwardConversationEvent(ctx context.Context, event *realtime.Event) {
	participants, err := c.server.store.ConversationParticipants(ctx, event.ConversationID)
	if errors.Is(err, realtime.ErrNotFound) {
		c.sendError("unknown_conversation", "conversation does not exist")
		return
	}
	if err != nil {
		c.sendError("internal_error", "could not verify conversation membership")
		return
	}
	if !slices.Contains(participants, c.userID) {
		c.sendError("not_a_participant", "sender is not a member of this conversation")
		return
	}

	channel := realtime.ConversationChannel(event.ConversationID)
	if err := c.server.Broadcast(ctx, channel, event, c.id); err != nil {
		c.logger.Debug().Err(err).Msg("Broadcast degraded to local delivery")
	}
}

// sendError delivers an error event to this client only.
func (c *connection) sendError(code, message string) {
	payload, err := json.Marshal(realtime.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	event := &realtime.Event{
		EventID:   uuid.NewString(),
		Kind:      realtime.KindError,
		UserID:    c.userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case c.send <- event:
	case <-c.done:
	default:
	}
}

// isDuplicate records the event ID and reports whether it was already
// delivered on this connection. The window is bounded FIFO.
func (c *connection) isDuplicate(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[eventID]; ok {
		return true
	}
	c.seen[eventID] = struct{}{}
	c.seenOrder = append(c.seenOrder, eventID)
	if len(c.seenOrder) > dedupWindow {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	return false
}
