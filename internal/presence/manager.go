// Package presence derives online/offline/away state from registry changes
// and heartbeats, absorbing connection flaps with a grace period before a
// user is declared offline.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// ErrNotConnected is returned when an explicit status change is requested
// for a user with zero live connections. The implicit online/offline machine
// always wins: a disconnected user must never appear "away".
var ErrNotConnected = errors.New("user has no live connection")

// Manager owns every presence transition. Session handlers report connects
// and disconnects; a sweep loop re-checks watched users so a registry TTL
// expiry behaves exactly like an explicit disconnect.
type Manager struct {
	registry realtime.ConnectionRegistry
	bus      realtime.Bus
	store    realtime.Store
	grace    time.Duration
	sweep    time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	statuses map[string]realtime.PresenceStatus
	timers   map[string]*time.Timer
	pending  map[string]time.Time
}

// NewManager creates a presence manager. grace is the offline grace period;
// sweep is how often watched users are re-checked for TTL expiry (typically
// the heartbeat interval).
func NewManager(
	registry realtime.ConnectionRegistry,
	bus realtime.Bus,
	store realtime.Store,
	grace, sweep time.Duration,
	logger zerolog.Logger,
) (*Manager, error) {
	if registry == nil || bus == nil || store == nil {
		return nil, fmt.Errorf("registry, bus and store cannot be nil")
	}
	if grace <= 0 {
		return nil, fmt.Errorf("grace period must be positive, got %s", grace)
	}
	return &Manager{
		registry: registry,
		bus:      bus,
		store:    store,
		grace:    grace,
		sweep:    sweep,
		logger:   logger.With().Str("component", "PresenceManager").Logger(),
		statuses: make(map[string]realtime.PresenceStatus),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]time.Time),
	}, nil
}

// Run drives the sweep loop until ctx is cancelled. Watched users whose last
// registry record silently expired get a grace timer exactly as if their
// handler had deregistered them.
func (m *Manager) Run(ctx context.Context) {
	if m.sweep <= 0 {
		<-ctx.Done()
		m.cancelAllTimers()
		return
	}

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.cancelAllTimers()
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// HandleConnect is called when a user's connection registers. A pending
// grace timer is cancelled; a previously-offline (or unknown) user flips to
// online immediately; there is no grace period on the way up.
func (m *Manager) HandleConnect(ctx context.Context, userID string) {
	m.mu.Lock()
	if timer, ok := m.timers[userID]; ok {
		timer.Stop()
		delete(m.timers, userID)
		delete(m.pending, userID)
	}
	prev, watched := m.statuses[userID]
	cameOnline := !watched || prev == realtime.StatusOffline
	if cameOnline {
		m.statuses[userID] = realtime.StatusOnline
	}
	m.mu.Unlock()

	if !cameOnline {
		// Reconnect inside the grace window: status is unchanged and no
		// event is published (flap absorption).
		return
	}
	m.transition(ctx, userID, realtime.StatusOnline)
}

// HandleDisconnect is called after a connection deregisters (or its record
// is found expired). If the user has no live connection anywhere, the grace
// timer starts; an already-running timer is left alone.
func (m *Manager) HandleDisconnect(ctx context.Context, userID string) {
	live, err := m.registry.IsAnyConnectionLive(ctx, userID)
	if err != nil {
		// Degraded mode: without the registry we cannot distinguish a flap
		// from a real offline, so leave presence untouched.
		m.logger.Warn().Err(err).Str("user", userID).Msg("Registry unavailable, deferring offline evaluation")
		return
	}
	if live {
		return
	}
	m.startGrace(userID)
}

// Touch refreshes the user's lastActiveAt on heartbeat.
func (m *Manager) Touch(ctx context.Context, userID string) {
	m.mu.Lock()
	status, ok := m.statuses[userID]
	m.mu.Unlock()
	if !ok {
		status = realtime.StatusOnline
	}

	state := realtime.PresenceState{
		UserID:       userID,
		Status:       status,
		LastActiveAt: time.Now().UTC(),
	}
	if err := m.store.SetPresence(ctx, state); err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Msg("Failed to persist heartbeat activity")
	}
}

// SetExplicitStatus applies a client-requested away/busy/online status. It
// bypasses the grace-period logic but is refused while the user has zero
// live connections, and any later implicit transition overrides it.
func (m *Manager) SetExplicitStatus(ctx context.Context, userID string, status realtime.PresenceStatus) error {
	if !status.Valid() || status == realtime.StatusOffline {
		return fmt.Errorf("%w: %q", realtime.ErrInvalidEvent, status)
	}

	live, err := m.registry.IsAnyConnectionLive(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check live connections: %w", err)
	}
	if !live {
		return ErrNotConnected
	}

	m.mu.Lock()
	m.statuses[userID] = status
	m.mu.Unlock()

	m.transition(ctx, userID, status)
	return nil
}

// Status returns the manager's current view of a user. Unknown users are
// offline.
func (m *Manager) Status(userID string) realtime.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[userID]; ok {
		return status
	}
	return realtime.StatusOffline
}

// startGrace arms the offline grace timer for a user, unless one is already
// running.
func (m *Manager) startGrace(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.timers[userID]; running {
		return
	}
	m.pending[userID] = time.Now().UTC()
	m.timers[userID] = time.AfterFunc(m.grace, func() {
		m.graceExpired(userID)
	})
	m.logger.Debug().Str("user", userID).Dur("grace", m.grace).Msg("Offline grace timer started")
}

// graceExpired fires once per armed timer. The user flips offline only if
// they still have zero live connections at expiry time, and the offline
// StatusChange is published exactly once per transition.
func (m *Manager) graceExpired(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	delete(m.timers, userID)
	pendingSince := m.pending[userID]
	delete(m.pending, userID)
	m.mu.Unlock()

	live, err := m.registry.IsAnyConnectionLive(ctx, userID)
	if err != nil {
		m.logger.Error().Err(err).Str("user", userID).Msg("Registry unavailable at grace expiry, re-arming timer")
		m.startGrace(userID)
		return
	}
	if live {
		// Reconnected during the grace window after all.
		return
	}

	m.mu.Lock()
	alreadyOffline := m.statuses[userID] == realtime.StatusOffline
	delete(m.statuses, userID)
	m.mu.Unlock()
	if alreadyOffline {
		return
	}

	m.logger.Info().Str("user", userID).Time("pending_since", pendingSince).Msg("Grace period expired, user is offline")
	m.transition(ctx, userID, realtime.StatusOffline)
}

// transition persists the new state and broadcasts the StatusChange on the
// user's channel and on every conversation channel they participate in.
func (m *Manager) transition(ctx context.Context, userID string, status realtime.PresenceStatus) {
	state := realtime.PresenceState{
		UserID:       userID,
		Status:       status,
		LastActiveAt: time.Now().UTC(),
	}
	if err := m.store.SetPresence(ctx, state); err != nil {
		m.logger.Error().Err(err).Str("user", userID).Str("status", string(status)).
			Msg("Failed to persist presence state")
	}

	payload, err := json.Marshal(realtime.StatusChangePayload{Status: status})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to marshal status payload")
		return
	}
	event := &realtime.Event{
		EventID:   uuid.NewString(),
		Kind:      realtime.KindStatusChange,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if err := m.bus.Publish(ctx, realtime.UserChannel(userID), event); err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Msg("Failed to publish status change to user channel")
	}

	conversations, err := m.store.UserConversations(ctx, userID)
	if err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Msg("Failed to list conversations for status broadcast")
		return
	}
	for _, conversationID := range conversations {
		if err := m.bus.Publish(ctx, realtime.ConversationChannel(conversationID), event); err != nil {
			m.logger.Warn().Err(err).Str("conversation", conversationID).
				Msg("Failed to publish status change to conversation channel")
		}
	}
}

// sweepOnce re-checks every watched (non-offline) user against the registry.
func (m *Manager) sweepOnce(ctx context.Context) {
	m.mu.Lock()
	watched := make([]string, 0, len(m.statuses))
	for userID := range m.statuses {
		if _, pending := m.timers[userID]; !pending {
			watched = append(watched, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range watched {
		live, err := m.registry.IsAnyConnectionLive(ctx, userID)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Registry unavailable during presence sweep")
			return
		}
		if !live {
			m.startGrace(userID)
		}
	}
}

func (m *Manager) cancelAllTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, timer := range m.timers {
		timer.Stop()
		delete(m.timers, userID)
		delete(m.pending, userID)
	}
}
