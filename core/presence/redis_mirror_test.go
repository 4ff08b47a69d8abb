package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/coedit/core/events"
)

func setupMirror(t *testing.T) (*RedisMirror, *Tracker, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tracker, _, clock := newTestTracker(t)
	mirror := NewRedisMirror(rdb, tracker, MirrorConfig{
		Prefix: "test",
		TTL:    time.Minute,
		Clock:  clock.Now,
	})
	return mirror, tracker, s, clock
}

func TestRedisMirror_SyncAndRoster(t *testing.T) {
	mirror, tracker, s, _ := setupMirror(t)
	ctx := context.Background()

	for _, id := range []string{"u2", "u1"} {
		_, err := tracker.RegisterPresence(id, "s-"+id, "c-"+id, nil)
		require.NoError(t, err)
		require.NoError(t, tracker.JoinDocument(id, "d1"))
	}
	require.NoError(t, tracker.SetTyping("u1", "d1", true))
	require.NoError(t, mirror.Sync(ctx, "d1"))

	docs, err := mirror.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, docs)

	roster, err := mirror.Roster(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "u1", roster[0].UserID)
	assert.Equal(t, StatusTyping, roster[0].Status)
	assert.Equal(t, "u2", roster[1].UserID)
	assert.True(t, s.Exists("test:room:d1"))
	assert.True(t, s.Exists("test:views:d1"))

	require.NoError(t, tracker.LeaveDocument("u1", "d1"))
	require.NoError(t, tracker.LeaveDocument("u2", "d1"))
	require.NoError(t, mirror.Sync(ctx, "d1"))

	docs, err = mirror.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.False(t, s.Exists("test:room:d1"))
}

func TestRedisMirror_RosterSkipsExpiredEntries(t *testing.T) {
	mirror, tracker, _, clock := setupMirror(t)
	ctx := context.Background()

	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))
	require.NoError(t, mirror.Sync(ctx, "d1"))

	clock.Advance(2 * time.Minute)
	roster, err := mirror.Roster(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestRedisMirror_FollowsBusEvents(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := events.NewBus(events.DefaultBusConfig())
	bus.Start()
	t.Cleanup(bus.Close)

	cfg := DefaultConfig()
	cfg.Emitter = bus
	tracker := NewTracker(cfg)
	mirror := NewRedisMirror(rdb, tracker, MirrorConfig{Prefix: "bus"})
	require.NoError(t, mirror.Attach(bus))

	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		roster, err := mirror.Roster(ctx, "d1")
		return err == nil && len(roster) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tracker.UnregisterPresence("c1"))
	assert.Eventually(t, func() bool {
		docs, err := mirror.Documents(ctx)
		return err == nil && len(docs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRedisMirror_FailuresAreSwallowed(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	tracker, _, _ := newTestTracker(t)
	mirror := NewRedisMirror(rdb, tracker, MirrorConfig{OpTimeout: 200 * time.Millisecond})

	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))

	assert.Error(t, mirror.Sync(context.Background(), "d1"))
	assert.NoError(t, mirror.OnEvent(events.NewEvent(events.TopicPresenceJoined, "d1", "u1", nil)))
}
