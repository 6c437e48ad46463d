package registry

import (
	"sync"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Sink receives events delivered to one local connection.
type Sink interface {
	Deliver(event *realtime.Event)
	UserID() string
}

// LocalTable is the per-instance, in-memory connection table. It serves two
// purposes: it is the delivery target for bus events addressed to local
// connections, and it is the degraded-mode fallback when the shared registry
// is unreachable (same-instance delivery keeps working; cross-instance
// delivery stops).
//
// All access is guarded by one RWMutex so concurrent session handlers never
// race on the channel index.
type LocalTable struct {
	mu sync.RWMutex
	// conns indexes sinks by connection ID.
	conns map[string]Sink
	// byUser indexes connection IDs by user ID.
	byUser map[string]map[string]struct{}
	// byChannel indexes connection IDs by subscribed bus channel.
	byChannel map[string]map[string]struct{}
}

// NewLocalTable creates an empty table.
func NewLocalTable() *LocalTable {
	return &LocalTable{
		conns:     make(map[string]Sink),
		byUser:    make(map[string]map[string]struct{}),
		byChannel: make(map[string]map[string]struct{}),
	}
}

// Add registers a local connection sink.
func (t *LocalTable) Add(connectionID string, sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connectionID] = sink
	user := sink.UserID()
	if t.byUser[user] == nil {
		t.byUser[user] = make(map[string]struct{})
	}
	t.byUser[user][connectionID] = struct{}{}
}

// Remove drops a connection and all its channel index entries.
func (t *LocalTable) Remove(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sink, ok := t.conns[connectionID]
	if !ok {
		return
	}
	delete(t.conns, connectionID)

	user := sink.UserID()
	if set := t.byUser[user]; set != nil {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(t.byUser, user)
		}
	}
	for channel, set := range t.byChannel {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(t.byChannel, channel)
		}
	}
}

// Attach records that a connection participates in a bus channel. Returns
// true when this is the first local connection on the channel (the caller
// should subscribe the instance).
func (t *LocalTable) Attach(connectionID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := t.byChannel[channel] == nil
	if first {
		t.byChannel[channel] = make(map[string]struct{})
	}
	t.byChannel[channel][connectionID] = struct{}{}
	return first
}

// Detach removes a connection from a channel. Returns true when the channel
// has no local connections left (the caller should unsubscribe the instance).
func (t *LocalTable) Detach(connectionID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byChannel[channel]
	if set == nil {
		return false
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(t.byChannel, channel)
		return true
	}
	return false
}

// Channel returns the sinks attached to a channel.
func (t *LocalTable) Channel(channel string) []Sink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sinks := make([]Sink, 0, len(t.byChannel[channel]))
	for id := range t.byChannel[channel] {
		if sink, ok := t.conns[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// User returns the sinks for one user's local connections.
func (t *LocalTable) User(userID string) []Sink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sinks := make([]Sink, 0, len(t.byUser[userID]))
	for id := range t.byUser[userID] {
		if sink, ok := t.conns[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// Counts returns (distinct local users, total local connections) for the
// health surface.
func (t *LocalTable) Counts() (users int, connections int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser), len(t.conns)
}
