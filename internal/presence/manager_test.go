package presence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

func newTestManager(t *testing.T, grace time.Duration) (*Manager, *fakes.Registry, *fakes.Bus, *fakes.Store) {
	t.Helper()
	registry := fakes.NewRegistry()
	bus := fakes.NewBus()
	store := fakes.NewStore()
	manager, err := NewManager(registry, bus, store, grace, 0, zerolog.Nop())
	require.NoError(t, err)
	return manager, registry, bus, store
}

func statusEvents(t *testing.T, bus *fakes.Bus, channel string) []realtime.PresenceStatus {
	t.Helper()
	var statuses []realtime.PresenceStatus
	for _, event := range bus.PublishedTo(channel) {
		require.Equal(t, realtime.KindStatusChange, event.Kind)
		var payload realtime.StatusChangePayload
		require.NoError(t, event.UnmarshalPayload(&payload))
		statuses = append(statuses, payload.Status)
	}
	return statuses
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, fakes.NewBus(), fakes.NewStore(), time.Second, 0, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewManager(fakes.NewRegistry(), fakes.NewBus(), fakes.NewStore(), 0, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestHandleConnect_FirstConnectionGoesOnline(t *testing.T) {
	manager, _, bus, store := newTestManager(t, time.Minute)
	ctx := context.Background()
	store.Conversations["user-1"] = []string{"conv-a", "conv-b"}

	manager.HandleConnect(ctx, "user-1")

	assert.Equal(t, realtime.StatusOnline, manager.Status("user-1"))
	assert.Equal(t, realtime.StatusOnline, store.Presence["user-1"].Status)
	assert.Equal(t,
		[]realtime.PresenceStatus{realtime.StatusOnline},
		statusEvents(t, bus, realtime.UserChannel("user-1")))
	assert.Len(t, bus.PublishedTo(realtime.ConversationChannel("conv-a")), 1)
	assert.Len(t, bus.PublishedTo(realtime.ConversationChannel("conv-b")), 1)
}

func TestHandleConnect_SecondConnectionIsSilent(t *testing.T) {
	manager, registry, bus, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c1", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")
	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c2", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")

	assert.Len(t, bus.PublishedTo(realtime.UserChannel("user-1")), 1)
}

func TestDisconnect_OfflineAfterGrace(t *testing.T) {
	manager, _, bus, store := newTestManager(t, 30*time.Millisecond)
	ctx := context.Background()

	manager.HandleConnect(ctx, "user-1")
	manager.HandleDisconnect(ctx, "user-1")

	require.Eventually(t, func() bool {
		return manager.Status("user-1") == realtime.StatusOffline
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t,
		[]realtime.PresenceStatus{realtime.StatusOnline, realtime.StatusOffline},
		statusEvents(t, bus, realtime.UserChannel("user-1")))
	assert.Equal(t, realtime.StatusOffline, store.Presence["user-1"].Status)
}

func TestDisconnect_ReconnectWithinGraceSuppressesOffline(t *testing.T) {
	manager, registry, bus, _ := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()

	manager.HandleConnect(ctx, "user-1")
	manager.HandleDisconnect(ctx, "user-1")
	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c2", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")

	time.Sleep(120 * time.Millisecond)

	// The flap must be invisible: only the initial online event was published.
	assert.Equal(t,
		[]realtime.PresenceStatus{realtime.StatusOnline},
		statusEvents(t, bus, realtime.UserChannel("user-1")))
	assert.Equal(t, realtime.StatusOnline, manager.Status("user-1"))
}

func TestDisconnect_OtherLiveConnectionPreventsTimer(t *testing.T) {
	manager, registry, bus, _ := newTestManager(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c1", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")
	// Second device still connected when the first drops.
	manager.HandleDisconnect(ctx, "user-1")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, realtime.StatusOnline, manager.Status("user-1"))
	assert.Len(t, bus.PublishedTo(realtime.UserChannel("user-1")), 1)
}

func TestGraceExpiry_RecheckFindsLiveConnection(t *testing.T) {
	manager, registry, bus, _ := newTestManager(t, 20*time.Millisecond)
	ctx := context.Background()

	manager.HandleConnect(ctx, "user-1")
	manager.HandleDisconnect(ctx, "user-1")
	// The user reconnects via another instance: the registry shows a live
	// record, but this instance never saw a HandleConnect.
	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c9", UserID: "user-1"}))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, realtime.StatusOnline, manager.Status("user-1"))
	assert.Equal(t,
		[]realtime.PresenceStatus{realtime.StatusOnline},
		statusEvents(t, bus, realtime.UserChannel("user-1")))
}

func TestSetExplicitStatus(t *testing.T) {
	manager, registry, bus, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	err := manager.SetExplicitStatus(ctx, "user-1", realtime.StatusAway)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c1", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")

	require.NoError(t, manager.SetExplicitStatus(ctx, "user-1", realtime.StatusAway))
	assert.Equal(t, realtime.StatusAway, manager.Status("user-1"))
	assert.Equal(t,
		[]realtime.PresenceStatus{realtime.StatusOnline, realtime.StatusAway},
		statusEvents(t, bus, realtime.UserChannel("user-1")))

	err = manager.SetExplicitStatus(ctx, "user-1", realtime.StatusOffline)
	assert.ErrorIs(t, err, realtime.ErrInvalidEvent)
}

func TestSweep_ExpiredRegistryRecordTriggersGrace(t *testing.T) {
	registry := fakes.NewRegistry()
	bus := fakes.NewBus()
	store := fakes.NewStore()
	manager, err := NewManager(registry, bus, store, 20*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	require.NoError(t, registry.Register(ctx, realtime.ConnectionRecord{ConnectionID: "c1", UserID: "user-1"}))
	manager.HandleConnect(ctx, "user-1")

	// The record silently lapses without a Deregister call.
	registry.Expire("c1")

	require.Eventually(t, func() bool {
		return manager.Status("user-1") == realtime.StatusOffline
	}, time.Second, 5*time.Millisecond)
}

func TestTouch_PersistsActivity(t *testing.T) {
	manager, _, _, store := newTestManager(t, time.Minute)
	ctx := context.Background()

	manager.HandleConnect(ctx, "user-1")
	before := time.Now().UTC()
	manager.Touch(ctx, "user-1")

	state := store.Presence["user-1"]
	assert.Equal(t, realtime.StatusOnline, state.Status)
	assert.False(t, state.LastActiveAt.Before(before.Add(-time.Second)))
}
