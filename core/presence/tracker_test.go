package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureEmitter) Publish(event *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Topic)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
	fail   bool
}

func (r *recordingCloser) CloseConnection(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, connectionID)
	if r.fail {
		return errors.New("socket already gone")
	}
	return nil
}

func newTestTracker(t *testing.T, mutate ...func(*Config)) (*Tracker, *captureEmitter, *fakeClock) {
	t.Helper()
	emitter := &captureEmitter{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Emitter = emitter
	cfg.Clock = clock.Now
	for _, m := range mutate {
		m(&cfg)
	}
	return NewTracker(cfg), emitter, clock
}

func TestRegisterPresence_ReusesUser(t *testing.T) {
	tracker, emitter, _ := newTestTracker(t)

	first, err := tracker.RegisterPresence("u1", "s1", "c1", map[string]string{"client": "web"})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, first.Status)
	assert.Equal(t, []string{"c1"}, first.Connections)

	second, err := tracker.RegisterPresence("u1", "s2", "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, second.Connections)
	assert.Equal(t, "s2", second.SessionID)
	assert.Equal(t, "web", second.Metadata["client"])
	assert.Equal(t, first.Color, second.Color)

	again, err := tracker.RegisterPresence("u1", "", "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, again.Connections)
	assert.Equal(t, []string{"u1"}, tracker.ActiveUsers())
	assert.Len(t, emitter.topics(), 3)

	_, err = tracker.RegisterPresence("u2", "s", "c1", nil)
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
	_, err = tracker.RegisterPresence("", "s", "c9", nil)
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestUnregisterPresence_LastConnectionRemovesUser(t *testing.T) {
	tracker, emitter, _ := newTestTracker(t)

	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	_, err = tracker.RegisterPresence("u1", "s1", "c2", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))

	require.NoError(t, tracker.UnregisterPresence("c1"))
	assert.Equal(t, []string{"u1"}, tracker.ActiveUsers())
	assert.Equal(t, []string{"d1"}, tracker.ActiveDocuments())

	require.NoError(t, tracker.UnregisterPresence("c2"))
	assert.Empty(t, tracker.ActiveUsers())
	assert.Empty(t, tracker.ActiveDocuments())
	assert.Contains(t, emitter.topics(), events.TopicPresenceRemoved)

	err = tracker.UnregisterPresence("c2")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestJoinDocument_RequiresRegistration(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	err := tracker.JoinDocument("ghost", "d1")
	assert.ErrorIs(t, err, coreerrors.ErrNotRegistered)
	err = tracker.LeaveDocument("ghost", "d1")
	assert.ErrorIs(t, err, coreerrors.ErrNotRegistered)
	err = tracker.SetTyping("ghost", "d1", true)
	assert.ErrorIs(t, err, coreerrors.ErrNotRegistered)
	err = tracker.UpdateStatus("ghost", StatusAway)
	assert.ErrorIs(t, err, coreerrors.ErrNotRegistered)
	assert.Empty(t, tracker.ActiveDocuments())
}

func TestSetTyping_ShowsInRoster(t *testing.T) {
	tracker, emitter, _ := newTestTracker(t)

	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))
	require.NoError(t, tracker.SetTyping("u1", "d1", true))

	dp, err := tracker.GetDocumentPresence("d1")
	require.NoError(t, err)
	require.Len(t, dp.Users, 1)
	assert.Equal(t, StatusTyping, dp.Users[0].Status)
	assert.Equal(t, DocumentMetrics{TotalUsers: 1, ActiveUsers: 1, TypingUsers: 1, PeakConcurrency: 1}, dp.Metrics)
	assert.Contains(t, emitter.topics(), events.TopicPresenceTyping)

	require.NoError(t, tracker.SetTyping("u1", "d1", false))
	p, err := tracker.GetUserPresence("u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
}

func TestStatusTransitions(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))

	require.NoError(t, tracker.UpdateStatus("u1", StatusAway))
	require.NoError(t, tracker.SetTyping("u1", "d1", false))
	p, err := tracker.GetUserPresence("u1")
	require.NoError(t, err)
	assert.Equal(t, StatusAway, p.Status)

	dp, err := tracker.GetDocumentPresence("d1")
	require.NoError(t, err)
	assert.Equal(t, 0, dp.Metrics.ActiveUsers)

	err = tracker.UpdateStatus("u1", Status("sleeping"))
	assert.ErrorIs(t, err, coreerrors.ErrValidation)

	require.NoError(t, tracker.UpdateStatus("u1", StatusOffline))
	_, err = tracker.GetUserPresence("u1")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
	assert.Empty(t, tracker.ActiveDocuments())

	err = tracker.UnregisterPresence("c1")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func hasActivity(log []Activity, kind ActivityKind, detail string) bool {
	for _, a := range log {
		if a.Kind == kind && a.Detail == detail {
			return true
		}
	}
	return false
}

func TestUpdateStatus_RecordedInDocumentActivity(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("u1", "d1"))
	require.NoError(t, tracker.JoinDocument("u1", "d2"))

	require.NoError(t, tracker.UpdateStatus("u1", StatusAway))

	for _, doc := range []string{"d1", "d2"} {
		dp, err := tracker.GetDocumentPresence(doc)
		require.NoError(t, err)
		assert.True(t, hasActivity(dp.Activity, ActivityStatus, string(StatusAway)), doc)
	}
	p, err := tracker.GetUserPresence("u1")
	require.NoError(t, err)
	assert.True(t, hasActivity(p.Activity, ActivityStatus, string(StatusAway)))
}

func TestLeaveDocument_EndsTyping(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.SetTyping("u1", "d1", true))

	require.NoError(t, tracker.LeaveDocument("u1", "d1"))
	p, err := tracker.GetUserPresence("u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, p.Status)
}

func TestProjections(t *testing.T) {
	tracker, emitter, _ := newTestTracker(t)
	_, err := tracker.RegisterPresence("u1", "s1", "c1", map[string]string{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, tracker.UpdateCursor("u1", "d1", 4, &Selection{Start: 2, End: 6}))
	require.NoError(t, tracker.UpdateViewport("u1", "d1", Viewport{StartLine: 10, EndLine: 40}))

	view, err := tracker.View("u1")
	require.NoError(t, err)
	assert.Equal(t, "d1", view.CurrentDocument)
	require.NotNil(t, view.CursorPosition)
	assert.Equal(t, 4, *view.CursorPosition)
	assert.Equal(t, &Selection{Start: 2, End: 6}, view.Selection)
	assert.Equal(t, &Viewport{StartLine: 10, EndLine: 40}, view.Viewport)
	assert.Equal(t, "Ada", view.Metadata["name"])
	assert.Equal(t, []string{"d1"}, tracker.ActiveDocuments())
	assert.Contains(t, emitter.topics(), events.TopicPresenceCursor)
	assert.Contains(t, emitter.topics(), events.TopicPresenceViewport)

	assert.ErrorIs(t, tracker.UpdateCursor("u1", "d1", -1, nil), coreerrors.ErrValidation)
	assert.ErrorIs(t, tracker.UpdateCursor("u1", "d1", 1, &Selection{Start: 5, End: 2}), coreerrors.ErrValidation)
	assert.ErrorIs(t, tracker.UpdateViewport("u1", "d1", Viewport{StartLine: 5, EndLine: 1}), coreerrors.ErrValidation)

	require.NoError(t, tracker.LeaveDocument("u1", "d1"))
	view, err = tracker.View("u1")
	require.NoError(t, err)
	assert.Empty(t, view.CurrentDocument)
	assert.Nil(t, view.CursorPosition)
	assert.Empty(t, tracker.ActiveDocuments())
}

func TestActivityRingsAreBounded(t *testing.T) {
	tracker, _, _ := newTestTracker(t, func(cfg *Config) {
		cfg.UserActivityLimit = 5
		cfg.DocumentActivityLimit = 3
	})
	_, err := tracker.RegisterPresence("u1", "s1", "c1", nil)
	require.NoError(t, err)

	for i := range 10 {
		require.NoError(t, tracker.UpdateCursor("u1", "d1", i, nil))
	}

	p, err := tracker.GetUserPresence("u1")
	require.NoError(t, err)
	require.Len(t, p.Activity, 5)
	assert.Equal(t, "5", p.Activity[0].Detail)
	assert.Equal(t, "9", p.Activity[4].Detail)

	dp, err := tracker.GetDocumentPresence("d1")
	require.NoError(t, err)
	require.Len(t, dp.Activity, 3)
	assert.Equal(t, "7", dp.Activity[0].Detail)
}

func TestPeakConcurrency(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := tracker.RegisterPresence(id, "s-"+id, "c-"+id, nil)
		require.NoError(t, err)
		require.NoError(t, tracker.JoinDocument(id, "d1"))
	}
	require.NoError(t, tracker.LeaveDocument("u3", "d1"))
	require.NoError(t, tracker.LeaveDocument("u3", "d1"))

	dp, err := tracker.GetDocumentPresence("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, dp.Metrics.TotalUsers)
	assert.Equal(t, 3, dp.Metrics.PeakConcurrency)
	assert.Equal(t, "u1", dp.Users[0].UserID)
	assert.Equal(t, "u2", dp.Users[1].UserID)
}

func TestSweep_ExpiresIdleUsers(t *testing.T) {
	closer := &recordingCloser{fail: true}
	tracker, emitter, clock := newTestTracker(t, func(cfg *Config) {
		cfg.Closer = closer
	})

	_, err := tracker.RegisterPresence("idle", "s1", "c1", nil)
	require.NoError(t, err)
	_, err = tracker.RegisterPresence("idle", "s1", "c2", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("idle", "d1"))

	clock.Advance(3 * time.Minute)
	_, err = tracker.RegisterPresence("busy", "s2", "c3", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.JoinDocument("busy", "d2"))

	clock.Advance(3 * time.Minute)
	expired := tracker.Sweep(context.Background())

	assert.Equal(t, []string{"idle"}, expired)
	assert.Equal(t, []string{"busy"}, tracker.ActiveUsers())
	assert.Equal(t, []string{"d2"}, tracker.ActiveDocuments())
	assert.Equal(t, []string{"c1", "c2"}, closer.closed)
	assert.Contains(t, emitter.topics(), events.TopicPresenceExpired)
	assert.ErrorIs(t, tracker.UnregisterPresence("c1"), coreerrors.ErrNotFound)

	clock.Advance(time.Minute)
	assert.Empty(t, tracker.Sweep(context.Background()))
}

func TestStartStop(t *testing.T) {
	tracker, _, _ := newTestTracker(t, func(cfg *Config) {
		cfg.CleanupInterval = 10 * time.Millisecond
	})
	tracker.Start()
	tracker.Stop()
}

func TestColorFor(t *testing.T) {
	color := ColorFor("u1", DefaultPalette)
	assert.Contains(t, DefaultPalette, color)
	assert.Equal(t, color, ColorFor("u1", DefaultPalette))
	assert.Equal(t, "#fff", ColorFor("anyone", []string{"#fff"}))
	assert.Empty(t, ColorFor("u1", nil))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Away ")
	require.NoError(t, err)
	assert.Equal(t, StatusAway, s)

	_, err = ParseStatus("gone")
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.All())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.All())
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}
