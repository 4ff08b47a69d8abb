package conflict

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
	"github.com/adalundhe/coedit/core/ot"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureEmitter) Publish(event *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	cfg := DefaultConfig()
	cfg.AutoResolve = false
	cfg.Emitter = emitter
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine, emitter
}

func change(id, author string, revision int, offset time.Duration, ops ...ot.Operation) ot.Change {
	return ot.Change{
		ID:         id,
		Operations: ops,
		Revision:   revision,
		AuthorID:   author,
		Timestamp:  baseTime.Add(offset),
	}
}

func overlappingInserts() []ot.Change {
	return []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(5), ot.Insert("foo")),
		change("b", "bob", 0, 200*time.Millisecond, ot.Retain(3), ot.Insert("bar")),
	}
}

func TestDetectConflicts_ConcurrentEdit(t *testing.T) {
	engine, emitter := newTestEngine(t)

	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, found, 1)

	c := found[0]
	assert.Equal(t, TypeConcurrentEdit, c.Type)
	assert.Equal(t, PriorityMedium, c.Priority)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Authors())
	assert.Equal(t, "d1", c.Metadata.DocumentID)
	assert.Equal(t, ot.Range{Start: 3, End: 8}, c.Metadata.AffectedRange)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.Resolved)
	assert.Equal(t, 1, emitter.count(events.TopicConflictDetected))
	assert.Equal(t, int64(1), engine.Metrics().Detected)
}

func TestDetectConflicts_DeleteModify(t *testing.T) {
	engine, _ := newTestEngine(t)

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 2, 0, ot.Retain(2), ot.Delete(3)),
		change("b", "bob", 2, 0, ot.Retain(3), ot.Insert("x")),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, TypeDeleteModify, found[0].Type)
	assert.Equal(t, PriorityHigh, found[0].Priority)
	assert.Equal(t, 2, found[0].Metadata.BaseRevision)
}

func TestDetectConflicts_PriorityBumpAndMembership(t *testing.T) {
	engine, _ := newTestEngine(t)

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(1), ot.Insert("aaaa")),
		change("b", "bob", 0, 0, ot.Retain(2), ot.Insert("bbbb")),
		change("c", "carol", 0, 0, ot.Retain(3), ot.Insert("cc")),
		change("d", "dave", 0, 0, ot.Retain(40), ot.Insert("far away")),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Len(t, found[0].Changes, 3)
	assert.Equal(t, PriorityHigh, found[0].Priority)
	assert.NotContains(t, found[0].Authors(), "dave")
}

func TestDetectConflicts_NoConflict(t *testing.T) {
	engine, _ := newTestEngine(t)

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(1), ot.Insert("x")),
		change("b", "bob", 0, 0, ot.Retain(10), ot.Insert("y")),
		change("c", "carol", 1, 0, ot.Retain(1), ot.Insert("z")),
	})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectConflicts_DuplicateSuppressed(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, engine.ListConflicts("d1", false), 1)
}

func TestDetectConflicts_GrowingGroupFoldsIntoOpenConflict(t *testing.T) {
	engine, emitter := newTestEngine(t)

	first, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, first, 1)

	grown := append(overlappingInserts(),
		change("c", "carol", 0, 400*time.Millisecond, ot.Retain(4), ot.Delete(2)))
	found, err := engine.DetectConflicts("d1", grown)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first[0].ID, found[0].ID)

	open := engine.ListConflicts("d1", false)
	require.Len(t, open, 1)
	c := open[0]
	assert.Len(t, c.Changes, 3)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, c.Authors())
	assert.Equal(t, TypeDeleteModify, c.Type)
	assert.Equal(t, PriorityCritical, c.Priority)
	assert.Equal(t, ot.Range{Start: 3, End: 8}, c.Metadata.AffectedRange)

	assert.Equal(t, int64(1), engine.Metrics().Detected)
	assert.Equal(t, 2, emitter.count(events.TopicConflictDetected))

	again, err := engine.DetectConflicts("d1", grown)
	require.NoError(t, err)
	assert.Empty(t, again)
	again, err = engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, engine.ListConflicts("d1", false), 1)
}

func TestDetectConflicts_ResolvedConflictIsNotGrown(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, first, 1)
	_, err = engine.ResolveConflict(context.Background(), first[0].ID, StrategyLastWriterWins)
	require.NoError(t, err)

	found, err := engine.DetectConflicts("d1", append(overlappingInserts(),
		change("c", "carol", 0, 0, ot.Retain(4), ot.Insert("z"))))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotEqual(t, first[0].ID, found[0].ID)
	assert.Equal(t, int64(2), engine.Metrics().Detected)
}

func TestDetectConflicts_Validation(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.DetectConflicts("d1", []ot.Change{{Operations: []ot.Operation{{Type: ot.OpInsert}}}})
	assert.ErrorIs(t, err, coreerrors.ErrValidation)

	_, err = engine.DetectConflicts("", overlappingInserts())
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
}

type staticSnapshots map[string]string

func (s staticSnapshots) Snapshot(documentID string, _ int) (string, error) {
	content, ok := s[documentID]
	if !ok {
		return "", coreerrors.New(coreerrors.KindNotFound, "test", "missing")
	}
	return content, nil
}

type failingRule struct{ panics bool }

func (r failingRule) Name() string { return "failing" }

func (r failingRule) Detect([]ot.Change, string) ([]*Conflict, error) {
	if r.panics {
		panic("rule exploded")
	}
	return nil, errors.New("rule failed")
}

func TestDetectConflicts_RulesAreIsolated(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) {
		cfg.Snapshots = staticSnapshots{"d1": "hello world"}
	})
	engine.RegisterRule(failingRule{})
	engine.RegisterRule(failingRule{panics: true})
	engine.RegisterRule(WordBoundaryRule{})

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(1), ot.Delete(1)),
		change("b", "bob", 0, 0, ot.Retain(3), ot.Insert("p")),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, TypeSemantic, found[0].Type)
	assert.Equal(t, "word_boundary", found[0].Metadata.Rule)
	assert.Equal(t, ot.Range{Start: 0, End: 5}, found[0].Metadata.AffectedRange)
	assert.Equal(t, PriorityHigh, found[0].Priority)

	rctx, err := engine.ResolutionContext(found[0].ID)
	require.NoError(t, err)
	require.Len(t, rctx.Findings, 1)
	assert.Equal(t, StrategySemanticMerge, rctx.Hints[0].Strategy)
}

func TestResolveConflict_OperationalTransform(t *testing.T) {
	engine, emitter := newTestEngine(t)
	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, found, 1)
	id := found[0].ID

	res, err := engine.ResolveConflict(context.Background(), id, StrategyOperationalTransform)
	require.NoError(t, err)
	assert.False(t, res.AlreadyResolved)
	require.Len(t, res.Result, 2)
	assert.Equal(t, []ot.Operation{ot.Retain(8), ot.Insert("foo")}, res.Result[0].Operations)
	assert.Equal(t, []ot.Operation{ot.Retain(3), ot.Insert("bar")}, res.Result[1].Operations)
	require.NotNil(t, res.Composed)
	assert.Equal(t, ot.SystemAuthor, res.Composed.AuthorID)
	assert.Equal(t, []ot.Operation{ot.Retain(3), ot.Insert("bar"), ot.Retain(2), ot.Insert("foo")}, res.Composed.Operations)

	doc := "0123456789"
	viaA, err := ot.Apply(doc, overlappingInserts()[0].Operations)
	require.NoError(t, err)
	viaA, err = ot.Apply(viaA, res.Result[1].Operations)
	require.NoError(t, err)
	composed, err := ot.Apply(doc, res.Composed.Operations)
	require.NoError(t, err)
	assert.Equal(t, viaA, composed)

	again, err := engine.ResolveConflict(context.Background(), id, StrategyLastWriterWins)
	require.NoError(t, err)
	assert.True(t, again.AlreadyResolved)
	assert.Equal(t, StrategyOperationalTransform, again.Strategy)
	assert.Equal(t, res.Result, again.Result)

	metrics := engine.Metrics()
	assert.Equal(t, int64(1), metrics.Resolved)
	assert.Equal(t, int64(1), metrics.ByStrategy[StrategyOperationalTransform])
	assert.Equal(t, 0, metrics.Active)
	assert.Equal(t, 1, emitter.count(events.TopicConflictResolved))

	stored, err := engine.GetConflict(id)
	require.NoError(t, err)
	assert.True(t, stored.Resolved)
	require.Len(t, stored.Attempts, 1)
	assert.True(t, stored.Attempts[0].Success)
}

// emitterFunc lets a test react to events synchronously on the publishing
// goroutine.
type emitterFunc func(*events.Event)

func (f emitterFunc) Publish(event *events.Event) { f(event) }

func TestResolveConflict_PublishesAfterReleasingDocument(t *testing.T) {
	var engine *Engine
	reentered := make(chan int, 1)
	engine, _ = newTestEngine(t, func(cfg *Config) {
		cfg.Emitter = emitterFunc(func(event *events.Event) {
			if event.Topic != events.TopicConflictResolved {
				return
			}
			found, err := engine.DetectConflicts(event.DocumentID, []ot.Change{
				change("x", "xena", 1, 0, ot.Retain(1), ot.Insert("x")),
				change("y", "yuri", 1, 0, ot.Retain(1), ot.Insert("y")),
			})
			if err == nil {
				reentered <- len(found)
			}
		})
	})

	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	require.Len(t, found, 1)

	done := make(chan error, 1)
	go func() {
		_, err := engine.ResolveConflict(context.Background(), found[0].ID, StrategyLastWriterWins)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resolution blocked on a subscriber calling back into the engine")
	}
	assert.Equal(t, 1, <-reentered)
	assert.Len(t, engine.ListConflicts("d1", false), 1)
}

func TestResolveConflict_Errors(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterStrategy(StrategyFunc("broken", func(context.Context, *Conflict, *ResolutionContext) (*Resolution, error) {
		return nil, errors.New("cannot resolve")
	}))

	_, err := engine.ResolveConflict(context.Background(), "missing", StrategyMerge)
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)

	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	id := found[0].ID

	_, err = engine.ResolveConflict(context.Background(), id, "nope")
	assert.ErrorIs(t, err, coreerrors.ErrUnknownStrategy)

	_, err = engine.ResolveConflict(context.Background(), id, "broken")
	assert.ErrorIs(t, err, coreerrors.ErrStrategyExecutionFailure)

	stored, err := engine.GetConflict(id)
	require.NoError(t, err)
	assert.False(t, stored.Resolved)
	require.Len(t, stored.Attempts, 1)
	assert.False(t, stored.Attempts[0].Success)
	assert.Equal(t, "cannot resolve", stored.Attempts[0].Error)
	assert.Equal(t, int64(1), engine.Metrics().StrategyFailures)

	_, err = engine.ResolveConflict(context.Background(), id, StrategyMerge)
	require.NoError(t, err)
}

func TestResolveConflict_OperationalTransformNeedsTwoChanges(t *testing.T) {
	engine, _ := newTestEngine(t)
	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(1), ot.Insert("aaaa")),
		change("b", "bob", 0, 0, ot.Retain(2), ot.Insert("bbbb")),
		change("c", "carol", 0, 0, ot.Retain(3), ot.Insert("cc")),
	})
	require.NoError(t, err)

	_, err = engine.ResolveConflict(context.Background(), found[0].ID, StrategyOperationalTransform)
	assert.ErrorIs(t, err, coreerrors.ErrStrategyExecutionFailure)
}

func TestStrategies_Winners(t *testing.T) {
	c := &Conflict{Changes: []ot.Change{
		change("early", "alice", 0, 0, ot.Insert("a")),
		change("late", "bob", 0, time.Second, ot.Insert("b")),
		change("middle", "carol", 0, 500*time.Millisecond, ot.Insert("c")),
	}}
	ctx := context.Background()

	lww, err := LastWriterWins{}.Resolve(ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, "late", lww.Result[0].ID)
	assert.Len(t, lww.Discarded, 2)

	fww, err := FirstWriterWins{}.Resolve(ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, "early", fww.Result[0].ID)

	prio, err := PriorityBased{}.Resolve(ctx, c, &ResolutionContext{Priorities: map[string]int{"alice": 10}})
	require.NoError(t, err)
	assert.Equal(t, "early", prio.Result[0].ID)

	prio, err = PriorityBased{}.Resolve(ctx, c, &ResolutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "late", prio.Result[0].ID)

	merged, err := Merge{}.Resolve(ctx, c, nil)
	require.NoError(t, err)
	require.Len(t, merged.Result, 1)
	assert.Equal(t, ot.SystemAuthor, merged.Result[0].AuthorID)
	assert.Len(t, merged.Result[0].Operations, 3)

	_, err = Merge{}.Resolve(ctx, &Conflict{}, nil)
	assert.Error(t, err)
}

func TestRankHints(t *testing.T) {
	near := overlappingInserts()
	far := []ot.Change{
		change("a", "alice", 0, 0, ot.Insert("x")),
		change("b", "bob", 0, 5*time.Second, ot.Insert("y")),
	}

	tests := []struct {
		name       string
		conflict   *Conflict
		priorities map[string]int
		want       []string
	}{
		{"close in time", &Conflict{Type: TypeConcurrentEdit, Changes: near}, nil, []string{StrategyOperationalTransform}},
		{"far apart", &Conflict{Type: TypeConcurrentEdit, Changes: far}, nil, []string{StrategyLastWriterWins}},
		{"priorities differ", &Conflict{Type: TypeConcurrentEdit, Changes: far}, map[string]int{"bob": 2}, []string{StrategyPriorityBased, StrategyLastWriterWins}},
		{"priorities equal", &Conflict{Type: TypeConcurrentEdit, Changes: near}, map[string]int{"alice": 1, "bob": 1}, []string{StrategyOperationalTransform}},
		{"delete modify", &Conflict{Type: TypeDeleteModify, Changes: near}, map[string]int{"alice": 3}, []string{StrategyPriorityBased, StrategyManual}},
		{"semantic", &Conflict{Type: TypeSemantic, Changes: far}, nil, []string{StrategySemanticMerge}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hints := RankHints(tt.conflict, tt.priorities)
			got := make([]string, 0, len(hints))
			for _, h := range hints {
				got = append(got, h.Strategy)
			}
			assert.Equal(t, tt.want, got)
			for i := 1; i < len(hints); i++ {
				assert.GreaterOrEqual(t, hints[i-1].Confidence, hints[i].Confidence)
			}
		})
	}
}

func TestAutoResolve_Scheduled(t *testing.T) {
	engine, emitter := newTestEngine(t, func(cfg *Config) {
		cfg.AutoResolve = true
		cfg.AutoResolveDelay = 0
	})

	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	id := found[0].ID

	assert.Eventually(t, func() bool {
		c, err := engine.GetConflict(id)
		return err == nil && c.Resolved
	}, time.Second, 5*time.Millisecond)

	c, err := engine.GetConflict(id)
	require.NoError(t, err)
	assert.Equal(t, StrategyOperationalTransform, c.Strategy)
	assert.True(t, c.Attempts[0].Auto)
	assert.Equal(t, int64(1), engine.Metrics().AutoResolved)
	assert.Eventually(t, func() bool { return emitter.count(events.TopicConflictResolved) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAutoResolve_FallsBackToDefault(t *testing.T) {
	engine, _ := newTestEngine(t)

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(2), ot.Delete(3)),
		change("b", "bob", 0, time.Second, ot.Retain(3), ot.Insert("x")),
	})
	require.NoError(t, err)
	id := found[0].ID

	assert.True(t, engine.AutoResolve(context.Background(), id))
	c, err := engine.GetConflict(id)
	require.NoError(t, err)
	assert.Equal(t, StrategyLastWriterWins, c.Strategy)
	assert.Equal(t, "b", c.Resolution.Result[0].ID)
}

func TestAutoResolve_ExhaustionReportsFailure(t *testing.T) {
	engine, emitter := newTestEngine(t, func(cfg *Config) {
		cfg.DefaultStrategy = "broken"
	})
	engine.RegisterStrategy(StrategyFunc("broken", func(context.Context, *Conflict, *ResolutionContext) (*Resolution, error) {
		return nil, errors.New("still broken")
	}))

	found, err := engine.DetectConflicts("d1", []ot.Change{
		change("a", "alice", 0, 0, ot.Retain(2), ot.Delete(3)),
		change("b", "bob", 0, 0, ot.Retain(3), ot.Insert("x")),
	})
	require.NoError(t, err)
	id := found[0].ID

	assert.False(t, engine.AutoResolve(context.Background(), id))
	assert.Equal(t, int64(1), engine.Metrics().AutoResolveFailures)
	assert.Equal(t, 1, emitter.count(events.TopicAutoResolveFailed))

	c, err := engine.GetConflict(id)
	require.NoError(t, err)
	assert.False(t, c.Resolved)
	require.Len(t, c.Attempts, 1)
	assert.Equal(t, "broken", c.Attempts[0].Strategy)
}

func TestStop_CancelsPendingAutoResolve(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) {
		cfg.AutoResolve = true
		cfg.AutoResolveDelay = time.Hour
	})

	found, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	engine.Stop()

	c, err := engine.GetConflict(found[0].ID)
	require.NoError(t, err)
	assert.False(t, c.Resolved)
}

func TestListConflictsAndArchive(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) { cfg.ArchiveSize = 1 })

	first, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	second, err := engine.DetectConflicts("d1", []ot.Change{
		change("c", "carol", 1, 0, ot.Retain(1), ot.Insert("x")),
		change("d", "dave", 1, 0, ot.Retain(1), ot.Insert("y")),
	})
	require.NoError(t, err)
	_, err = engine.DetectConflicts("d2", []ot.Change{
		change("e", "erin", 0, 0, ot.Insert("x")),
		change("f", "frank", 0, 0, ot.Insert("y")),
	})
	require.NoError(t, err)

	assert.Len(t, engine.ListConflicts("d1", false), 2)

	_, err = engine.ResolveConflict(context.Background(), first[0].ID, StrategyMerge)
	require.NoError(t, err)
	assert.Len(t, engine.ListConflicts("d1", false), 1)
	assert.Len(t, engine.ListConflicts("d1", true), 2)

	summary, err := engine.Summary(first[0].ID)
	require.NoError(t, err)
	assert.True(t, summary.Resolved)
	assert.Equal(t, 2, summary.ChangeCount)
	assert.Equal(t, 1, summary.AttemptCount)

	_, err = engine.ResolveConflict(context.Background(), second[0].ID, StrategyMerge)
	require.NoError(t, err)

	_, err = engine.GetConflict(first[0].ID)
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
	again, err := engine.DetectConflicts("d1", overlappingInserts())
	require.NoError(t, err)
	assert.Len(t, again, 1)

	assert.Equal(t, 1, engine.ForgetDocument("d2"))
	assert.Empty(t, engine.ListConflicts("d2", false))
}

func TestMetrics_ResolutionTimes(t *testing.T) {
	m := newMetrics(10)
	for i := 1; i <= 20; i++ {
		m.recordResolved(StrategyMerge, time.Duration(i)*time.Second, i%2 == 0)
	}
	snap := m.snapshot(3)

	assert.Equal(t, int64(20), snap.Resolved)
	assert.Equal(t, int64(10), snap.AutoResolved)
	assert.Equal(t, 3, snap.Active)
	assert.InDelta(t, 10.5, snap.AverageResolutionTime.Seconds(), 0.001)
	assert.InDelta(t, 20, snap.P95ResolutionTime.Seconds(), 0.001)
	assert.Greater(t, snap.StdDevResolutionTime, time.Duration(0))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFor(TypeStructural, 5))
	assert.Equal(t, PriorityHigh, PriorityFor(TypeSemantic, 2))
	assert.Equal(t, PriorityMedium, PriorityFor(TypeOrdering, 3))
	assert.Equal(t, "HIGH", PriorityHigh.String())

	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("critical")))
	assert.Equal(t, PriorityCritical, p)
}
