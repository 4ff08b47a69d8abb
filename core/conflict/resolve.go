package conflict

import (
	"context"
	"fmt"
	"slices"
	"time"

	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/ot"
)

const (
	confidencePriority  = 0.8
	confidenceOT        = 0.9
	confidenceLastWrite = 0.6
	confidenceManual    = 0.7
	confidenceSemantic  = 0.8

	// closeInTime is the timestamp spread below which edits count as
	// simultaneous.
	closeInTime = time.Second
)

// AutoResolveFailure accompanies events.TopicAutoResolveFailed.
type AutoResolveFailure struct {
	ConflictID string   `json:"conflictId"`
	DocumentID string   `json:"documentId"`
	Tried      []string `json:"tried"`
	LastError  string   `json:"lastError,omitempty"`
}

// =============================================================================
// Resolution context
// =============================================================================

// ResolutionContext computes the overlap analysis, rule findings and ranked
// hints for a conflict.
func (e *Engine) ResolutionContext(id string) (*ResolutionContext, error) {
	c, err := e.GetConflict(id)
	if err != nil {
		return nil, err
	}
	return e.buildContext(c), nil
}

func (e *Engine) buildContext(c *Conflict) *ResolutionContext {
	priorities := e.prioritySnapshot()
	return &ResolutionContext{
		Overlaps:   pairwiseOverlaps(c.Changes),
		Findings:   e.findings(c),
		Hints:      RankHints(c, priorities),
		Priorities: priorities,
	}
}

func pairwiseOverlaps(changes []ot.Change) []Overlap {
	ranges := make([]ot.Range, len(changes))
	for i, c := range changes {
		ranges[i] = ot.AffectedRange(c.Operations)
	}

	overlaps := make([]Overlap, 0)
	for i := range changes {
		for j := i + 1; j < len(changes); j++ {
			if ranges[i].Overlaps(ranges[j]) {
				overlaps = append(overlaps, Overlap{
					ChangeA: changes[i].ID,
					ChangeB: changes[j].ID,
					RangeA:  ranges[i],
					RangeB:  ranges[j],
				})
			}
		}
	}
	return overlaps
}

func (e *Engine) findings(c *Conflict) []Finding {
	rules := e.ruleSet()
	if len(rules) == 0 {
		return []Finding{}
	}

	snapshot := e.snapshotAt(c.Metadata.DocumentID, c.Metadata.BaseRevision)
	found := runRules(e.logger, rules, c.Metadata.DocumentID, c.Changes, snapshot)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			Rule:        f.Metadata.Rule,
			Type:        f.Type,
			Description: f.Metadata.Description,
		})
	}
	return out
}

// RankHints proposes strategies for c, most confident first.
func RankHints(c *Conflict, priorities map[string]int) []Hint {
	hints := make([]Hint, 0, 2)

	if authorsDiffer(c.Authors(), priorities) {
		hints = append(hints, Hint{
			Strategy:   StrategyPriorityBased,
			Confidence: confidencePriority,
			Reason:     "authors have different configured priorities",
		})
	}

	timeHint := Hint{
		Strategy:   StrategyLastWriterWins,
		Confidence: confidenceLastWrite,
		Reason:     "edits are far apart in time",
	}
	if timestampSpread(c.Changes) < closeInTime {
		timeHint = Hint{
			Strategy:   StrategyOperationalTransform,
			Confidence: confidenceOT,
			Reason:     "edits are close in time",
		}
	}

	switch c.Type {
	case TypeDeleteModify:
		timeHint = Hint{
			Strategy:   StrategyManual,
			Confidence: confidenceManual,
			Reason:     "content was deleted while being modified",
		}
	case TypeSemantic:
		timeHint = Hint{
			Strategy:   StrategySemanticMerge,
			Confidence: confidenceSemantic,
			Reason:     "a semantic rule flagged the edits",
		}
	}
	hints = append(hints, timeHint)

	slices.SortStableFunc(hints, func(a, b Hint) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})
	return hints
}

func authorsDiffer(authors []string, priorities map[string]int) bool {
	if len(authors) < 2 || len(priorities) == 0 {
		return false
	}
	first := priorities[authors[0]]
	for _, a := range authors[1:] {
		if priorities[a] != first {
			return true
		}
	}
	return false
}

func timestampSpread(changes []ot.Change) time.Duration {
	if len(changes) == 0 {
		return 0
	}
	earliest, latest := changes[0].Timestamp, changes[0].Timestamp
	for _, c := range changes[1:] {
		if c.Timestamp.Before(earliest) {
			earliest = c.Timestamp
		}
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}
	return latest.Sub(earliest)
}

// =============================================================================
// Resolution
// =============================================================================

// ResolveConflict runs the named strategy. Resolving an already resolved
// conflict returns the stored resolution with AlreadyResolved set.
func (e *Engine) ResolveConflict(ctx context.Context, id, strategy string) (*Resolution, error) {
	return e.resolve(ctx, id, strategy, false)
}

func (e *Engine) resolve(ctx context.Context, id, name string, auto bool) (*Resolution, error) {
	const op = "conflict.ResolveConflict"

	e.mu.RLock()
	c, ok := e.lookupLocked(id)
	e.mu.RUnlock()
	if !ok {
		return nil, coreerrors.Newf(coreerrors.KindNotFound, op, "conflict %q not found", id)
	}

	unlock := e.locks.Lock(c.Metadata.DocumentID)
	res, resolved, err := e.resolveLocked(ctx, c, name, auto)
	unlock()
	if err != nil {
		return nil, err
	}

	if resolved != nil {
		e.emitter.Publish(events.NewEvent(events.TopicConflictResolved, resolved.Metadata.DocumentID, "", *resolved))
	}
	return res, nil
}

// resolveLocked runs with the document lock held. The returned summary is
// non-nil only when this call resolved the conflict.
func (e *Engine) resolveLocked(ctx context.Context, c *Conflict, name string, auto bool) (*Resolution, *Summary, error) {
	const op = "conflict.ResolveConflict"
	id := c.ID

	if c.Resolved {
		res := c.Resolution.clone()
		res.AlreadyResolved = true
		return res, nil, nil
	}

	strategy, ok := e.strategy(name)
	if !ok {
		return nil, nil, coreerrors.Newf(coreerrors.KindUnknownStrategy, op, "strategy %q is not registered", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.KindStrategyExecutionFailure, op, err)
	}

	rctx := e.buildContext(c)
	started := e.now()
	res, err := execute(ctx, strategy, c.Clone(), rctx)
	finished := e.now()

	attempt := Attempt{
		Timestamp: finished,
		Strategy:  name,
		Auto:      auto,
		Duration:  finished.Sub(started),
	}

	if err != nil {
		attempt.Error = err.Error()
		e.mu.Lock()
		c.Attempts = append(c.Attempts, attempt)
		e.mu.Unlock()

		e.metrics.recordStrategyFailure()
		e.logger.Warn("conflict resolution failed",
			"conflict_id", id,
			"strategy", name,
			"auto", auto,
			"error", err)
		return nil, nil, coreerrors.Wrap(coreerrors.KindStrategyExecutionFailure, op, err)
	}

	res.Strategy = name
	res.ResolvedAt = finished
	res.AlreadyResolved = false
	attempt.Success = true
	attempt.Result = res.clone()

	e.mu.Lock()
	c.Attempts = append(c.Attempts, attempt)
	c.Resolved = true
	c.Strategy = name
	c.Resolution = res.clone()
	e.archiveLocked(c)
	summary := Summarize(c)
	deferred := e.deferred
	e.mu.Unlock()

	if deferred != nil && !auto {
		deferred.Cancel(id)
	}

	e.metrics.recordResolved(name, finished.Sub(c.Metadata.DetectedAt), auto)
	e.logger.Info("conflict resolved",
		"conflict_id", id,
		"document_id", c.Metadata.DocumentID,
		"strategy", name,
		"auto", auto)
	return res, &summary, nil
}

// execute runs strategy, converting panics and nil results into errors.
func execute(ctx context.Context, strategy Strategy, c *Conflict, rctx *ResolutionContext) (res *Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("strategy %s panicked: %v", strategy.Name(), r)
		}
	}()

	res, err = strategy.Resolve(ctx, c, rctx)
	if err == nil && res == nil {
		err = fmt.Errorf("strategy %s returned no resolution", strategy.Name())
	}
	return res, err
}

// =============================================================================
// Auto resolution
// =============================================================================

func (e *Engine) scheduleAutoResolve(id string) {
	if !e.cfg.AutoResolve {
		return
	}

	e.mu.RLock()
	deferred := e.deferred
	e.mu.RUnlock()
	if deferred == nil {
		return
	}

	err := deferred.Schedule(id, e.cfg.AutoResolveDelay, func(ctx context.Context) {
		e.AutoResolve(ctx, id)
	})
	if err != nil {
		e.logger.Debug("auto resolution not scheduled", "conflict_id", id, "error", err)
	}
}

// AutoResolve tries the ranked hints in order, skipping manual and
// unregistered strategies, then the default strategy. It reports whether the
// conflict ended up resolved.
func (e *Engine) AutoResolve(ctx context.Context, id string) bool {
	c, err := e.GetConflict(id)
	if err != nil {
		return false
	}
	if c.Resolved {
		return true
	}

	e.mu.RLock()
	fallback := e.defaultStrategy
	e.mu.RUnlock()

	candidates := make([]string, 0, e.cfg.MaxAutoResolveAttempts+1)
	for _, hint := range e.buildContext(c).Hints {
		if len(candidates) >= e.cfg.MaxAutoResolveAttempts {
			break
		}
		if hint.Strategy == StrategyManual || slices.Contains(candidates, hint.Strategy) {
			continue
		}
		if _, ok := e.strategy(hint.Strategy); !ok {
			continue
		}
		candidates = append(candidates, hint.Strategy)
	}
	if !slices.Contains(candidates, fallback) {
		candidates = append(candidates, fallback)
	}

	tried := make([]string, 0, len(candidates))
	var lastErr error
	for _, name := range candidates {
		if ctx.Err() != nil {
			return false
		}
		tried = append(tried, name)
		if _, err := e.resolve(ctx, id, name, true); err != nil {
			lastErr = err
			continue
		}
		return true
	}

	e.metrics.recordAutoFailure()
	failure := AutoResolveFailure{
		ConflictID: id,
		DocumentID: c.Metadata.DocumentID,
		Tried:      tried,
	}
	if lastErr != nil {
		failure.LastError = lastErr.Error()
	}
	e.logger.Warn("auto resolution exhausted",
		"conflict_id", id,
		"document_id", c.Metadata.DocumentID,
		"tried", tried)
	e.emitter.Publish(events.NewEvent(events.TopicAutoResolveFailed, c.Metadata.DocumentID, "", failure))
	return false
}
