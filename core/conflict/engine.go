package conflict

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/coedit/core/concurrency"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/ot"
)

// Config configures an Engine.
type Config struct {
	// AutoResolve schedules a deferred resolution for every new conflict.
	AutoResolve bool
	// AutoResolveDelay is how long a new conflict waits before auto resolution.
	AutoResolveDelay time.Duration
	// MaxAutoResolveAttempts bounds the hinted strategies tried per conflict.
	MaxAutoResolveAttempts int
	// DefaultStrategy is tried when the hinted strategies are exhausted.
	DefaultStrategy string
	// UserPriorities feeds priority_based ranking; unset users have 0.
	UserPriorities map[string]int
	// ArchiveSize bounds how many resolved conflicts stay retrievable.
	ArchiveSize int
	// MetricSamples bounds the resolution time window used for percentiles.
	MetricSamples int
	// Snapshots supplies document content to semantic rules. Optional.
	Snapshots SnapshotSource
	Emitter   events.Emitter
	Logger    *slog.Logger
	Clock     func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoResolve:            true,
		AutoResolveDelay:       100 * time.Millisecond,
		MaxAutoResolveAttempts: 3,
		DefaultStrategy:        StrategyLastWriterWins,
		ArchiveSize:            1024,
		MetricSamples:          1000,
		Emitter:                events.NopEmitter{},
		Logger:                 slog.Default(),
		Clock:                  time.Now,
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.AutoResolveDelay < 0 {
		cfg.AutoResolveDelay = 0
	}
	if cfg.MaxAutoResolveAttempts <= 0 {
		cfg.MaxAutoResolveAttempts = defaults.MaxAutoResolveAttempts
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = defaults.DefaultStrategy
	}
	if cfg.ArchiveSize <= 0 {
		cfg.ArchiveSize = defaults.ArchiveSize
	}
	if cfg.MetricSamples <= 0 {
		cfg.MetricSamples = defaults.MetricSamples
	}
	if cfg.Emitter == nil {
		cfg.Emitter = defaults.Emitter
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	return cfg
}

// Engine registers conflicts and resolves them. Detection and resolution for
// one document are serialized; reads take the registry lock only.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	emitter   events.Emitter
	now       func() time.Time
	snapshots SnapshotSource
	metrics   *metrics

	locks *concurrency.KeyedMutex

	mu              sync.RWMutex
	active          map[string]*Conflict
	byDocument      map[string][]string
	seen            map[string]string
	archive         *lru.Cache[string, *Conflict]
	strategies      map[string]Strategy
	rules           []Rule
	priorities      map[string]int
	defaultStrategy string
	deferred        *concurrency.Deferred
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg = normalizeConfig(cfg)

	e := &Engine{
		cfg:             cfg,
		logger:          cfg.Logger,
		emitter:         cfg.Emitter,
		now:             cfg.Clock,
		snapshots:       cfg.Snapshots,
		metrics:         newMetrics(cfg.MetricSamples),
		locks:           concurrency.NewKeyedMutex(),
		active:          make(map[string]*Conflict),
		byDocument:      make(map[string][]string),
		seen:            make(map[string]string),
		strategies:      make(map[string]Strategy),
		priorities:      maps.Clone(cfg.UserPriorities),
		defaultStrategy: cfg.DefaultStrategy,
	}
	if e.priorities == nil {
		e.priorities = make(map[string]int)
	}

	archive, err := lru.NewWithEvict[string, *Conflict](cfg.ArchiveSize, e.onArchiveEvict)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindUnknown, "conflict.NewEngine", err)
	}
	e.archive = archive

	for _, s := range BuiltinStrategies() {
		e.strategies[s.Name()] = s
	}
	return e, nil
}

// =============================================================================
// Lifecycle and registration
// =============================================================================

// Start enables deferred auto resolution.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deferred == nil {
		e.deferred = concurrency.NewDeferred(e.logger)
	}
}

// Stop cancels pending auto resolutions and waits for running ones.
func (e *Engine) Stop() {
	e.mu.Lock()
	deferred := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	if deferred != nil {
		deferred.Close()
	}
}

// RegisterStrategy adds or replaces a strategy under its name.
func (e *Engine) RegisterStrategy(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.Name()] = s
}

// RegisterRule appends a semantic rule.
func (e *Engine) RegisterRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Strategies returns the registered strategy names, sorted.
func (e *Engine) Strategies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.strategies))
}

// SetUserPriorities replaces the per-user priorities.
func (e *Engine) SetUserPriorities(priorities map[string]int) {
	clone := maps.Clone(priorities)
	if clone == nil {
		clone = make(map[string]int)
	}
	e.mu.Lock()
	e.priorities = clone
	e.mu.Unlock()
}

// SetDefaultStrategy replaces the auto resolution fallback.
func (e *Engine) SetDefaultStrategy(name string) {
	if name == "" {
		return
	}
	e.mu.Lock()
	e.defaultStrategy = name
	e.mu.Unlock()
}

func (e *Engine) strategy(name string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

func (e *Engine) ruleSet() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.rules)
}

func (e *Engine) prioritySnapshot() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.priorities)
}

// =============================================================================
// Detection
// =============================================================================

// DetectConflicts groups changes by base revision and registers a conflict
// for every group whose affected ranges overlap, plus whatever the semantic
// rules report. A change set that was already registered is not reported
// again. A group that adds changes to an open conflict grows that conflict
// instead of registering a second one. New and grown conflicts are returned.
func (e *Engine) DetectConflicts(documentID string, changes []ot.Change) ([]*Conflict, error) {
	const op = "conflict.DetectConflicts"
	if documentID == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, op, "document id is required")
	}

	normalized := cloneChanges(changes)
	for i := range normalized {
		if err := normalized[i].Validate(); err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindValidation, op, fmt.Errorf("change %d: %w", i, err))
		}
		normalized[i].Normalize()
	}

	rules := e.ruleSet()
	var candidates []*Conflict
	for _, group := range groupByRevision(normalized) {
		if len(group) < 2 {
			continue
		}
		revision := group[0].Revision

		if c := detectOverlap(group); c != nil {
			c.Metadata.BaseRevision = revision
			candidates = append(candidates, c)
		}
		if len(rules) == 0 {
			continue
		}
		snapshot := e.snapshotAt(documentID, revision)
		for _, c := range runRules(e.logger, rules, documentID, group, snapshot) {
			c.Metadata.BaseRevision = revision
			candidates = append(candidates, c)
		}
	}

	added, grown := e.register(documentID, candidates)
	for _, c := range added {
		e.metrics.recordDetected(c.Type)
		e.logger.Info("conflict detected",
			"conflict_id", c.ID,
			"document_id", documentID,
			"type", c.Type,
			"priority", c.Priority.String(),
			"changes", len(c.Changes))
		e.emitter.Publish(events.NewEvent(events.TopicConflictDetected, documentID, "", Summarize(c)))
		e.scheduleAutoResolve(c.ID)
	}
	for _, c := range grown {
		e.logger.Info("conflict grown",
			"conflict_id", c.ID,
			"document_id", documentID,
			"type", c.Type,
			"priority", c.Priority.String(),
			"changes", len(c.Changes))
		e.emitter.Publish(events.NewEvent(events.TopicConflictDetected, documentID, "", Summarize(c)))
		e.scheduleAutoResolve(c.ID)
	}
	return append(added, grown...), nil
}

// groupByRevision buckets changes by base revision, ordered by revision.
func groupByRevision(changes []ot.Change) [][]ot.Change {
	buckets := make(map[int][]ot.Change)
	for _, c := range changes {
		buckets[c.Revision] = append(buckets[c.Revision], c)
	}
	revisions := slices.Sorted(maps.Keys(buckets))

	groups := make([][]ot.Change, 0, len(revisions))
	for _, rev := range revisions {
		groups = append(groups, buckets[rev])
	}
	return groups
}

// detectOverlap builds one conflict from the members of group that overlap
// at least one other member.
func detectOverlap(group []ot.Change) *Conflict {
	ranges := make([]ot.Range, len(group))
	for i, c := range group {
		ranges[i] = ot.AffectedRange(c.Operations)
	}

	involved := make([]bool, len(group))
	for i := range group {
		for j := i + 1; j < len(group); j++ {
			if ranges[i].Overlaps(ranges[j]) {
				involved[i], involved[j] = true, true
			}
		}
	}

	var members []ot.Change
	var affected ot.Range
	for i, in := range involved {
		if in {
			members = append(members, group[i])
			affected = affected.Union(ranges[i])
		}
	}
	if len(members) < 2 {
		return nil
	}

	t := TypeConcurrentEdit
	if mixesDeleteAndInsert(members) {
		t = TypeDeleteModify
	}
	return &Conflict{
		Type:     t,
		Changes:  members,
		Priority: PriorityFor(t, len(members)),
		Metadata: Metadata{AffectedRange: affected},
	}
}

func mixesDeleteAndInsert(changes []ot.Change) bool {
	var deletes, inserts bool
	for _, c := range changes {
		deletes = deletes || c.HasType(ot.OpDelete)
		inserts = inserts || c.HasType(ot.OpInsert)
	}
	return deletes && inserts
}

func (e *Engine) snapshotAt(documentID string, revision int) string {
	if e.snapshots == nil {
		return ""
	}
	content, err := e.snapshots.Snapshot(documentID, revision)
	if err != nil {
		e.logger.Debug("snapshot unavailable for conflict rules",
			"document_id", documentID,
			"revision", revision,
			"error", err)
		return ""
	}
	return content
}

// register stores candidates that are not duplicates and returns copies of
// the new conflicts. A candidate sharing changes with an open conflict of the
// same base revision and rule is folded into it; those come back as grown.
func (e *Engine) register(documentID string, candidates []*Conflict) (added, grown []*Conflict) {
	if len(candidates) == 0 {
		return nil, nil
	}

	unlock := e.locks.Lock(documentID)
	defer unlock()

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range candidates {
		c.Metadata.DocumentID = documentID
		key := c.changeSetKey()
		if _, dup := e.seen[key]; dup {
			continue
		}

		if open := e.openOverlappingLocked(c); open != nil {
			if e.foldLocked(open, c) {
				grown = append(grown, open.Clone())
			}
			continue
		}

		c.ID = uuid.NewString()
		c.Metadata.DetectedAt = now
		c.Priority = max(c.Priority, PriorityFor(c.Type, len(c.Changes)))
		if c.Metadata.AffectedRange.Empty() {
			c.Metadata.AffectedRange = unionRange(c.Changes)
		}
		c.Attempts = []Attempt{}

		e.seen[key] = c.ID
		e.active[c.ID] = c
		e.byDocument[documentID] = append(e.byDocument[documentID], c.ID)
		added = append(added, c.Clone())
	}
	return added, grown
}

// openOverlappingLocked finds the unresolved conflict that candidate grows:
// same document, base revision and rule, with at least one change in common.
func (e *Engine) openOverlappingLocked(candidate *Conflict) *Conflict {
	ids := make(map[string]struct{}, len(candidate.Changes))
	for _, ch := range candidate.Changes {
		ids[ch.ID] = struct{}{}
	}

	for _, id := range e.byDocument[candidate.Metadata.DocumentID] {
		c, ok := e.active[id]
		if !ok || c.Resolved ||
			c.Metadata.BaseRevision != candidate.Metadata.BaseRevision ||
			c.Metadata.Rule != candidate.Metadata.Rule {
			continue
		}
		for _, ch := range c.Changes {
			if _, shared := ids[ch.ID]; shared {
				return c
			}
		}
	}
	return nil
}

// foldLocked adds the changes of candidate that open lacks and recomputes
// its type, priority and range. It reports whether open changed.
func (e *Engine) foldLocked(open, candidate *Conflict) bool {
	known := make(map[string]struct{}, len(open.Changes))
	for _, ch := range open.Changes {
		known[ch.ID] = struct{}{}
	}
	var extra []ot.Change
	for _, ch := range candidate.Changes {
		if _, ok := known[ch.ID]; !ok {
			extra = append(extra, ch)
		}
	}
	if len(extra) == 0 {
		return false
	}

	delete(e.seen, open.changeSetKey())

	open.Changes = append(open.Changes, extra...)
	if open.Metadata.Rule == "" {
		open.Type = TypeConcurrentEdit
		if mixesDeleteAndInsert(open.Changes) {
			open.Type = TypeDeleteModify
		}
	} else {
		open.Type = candidate.Type
		open.Metadata.Description = candidate.Metadata.Description
	}
	open.Priority = max(open.Priority, candidate.Priority, PriorityFor(open.Type, len(open.Changes)))
	open.Metadata.AffectedRange = open.Metadata.AffectedRange.
		Union(candidate.Metadata.AffectedRange).
		Union(unionRange(extra))

	e.seen[open.changeSetKey()] = open.ID
	return true
}

func unionRange(changes []ot.Change) ot.Range {
	var r ot.Range
	for _, c := range changes {
		r = r.Union(ot.AffectedRange(c.Operations))
	}
	return r
}

// =============================================================================
// Reads
// =============================================================================

// GetConflict returns a copy of an active or archived conflict.
func (e *Engine) GetConflict(id string) (*Conflict, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.lookupLocked(id)
	if !ok {
		return nil, coreerrors.Newf(coreerrors.KindNotFound, "conflict.GetConflict", "conflict %q not found", id)
	}
	return c.Clone(), nil
}

func (e *Engine) lookupLocked(id string) (*Conflict, bool) {
	if c, ok := e.active[id]; ok {
		return c, true
	}
	return e.archive.Peek(id)
}

// ListConflicts returns copies of a document's conflicts ordered by
// detection time. Resolved conflicts are included on request while they
// remain archived.
func (e *Engine) ListConflicts(documentID string, includeResolved bool) []*Conflict {
	e.mu.RLock()
	out := make([]*Conflict, 0, len(e.byDocument[documentID]))
	for _, id := range e.byDocument[documentID] {
		out = append(out, e.active[id].Clone())
	}
	if includeResolved {
		for _, c := range e.archive.Values() {
			if c.Metadata.DocumentID == documentID {
				out = append(out, c.Clone())
			}
		}
	}
	e.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *Conflict) int {
		if c := a.Metadata.DetectedAt.Compare(b.Metadata.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Summary returns the wire shape of a conflict.
func (e *Engine) Summary(id string) (Summary, error) {
	c, err := e.GetConflict(id)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(c), nil
}

// Metrics returns a snapshot of detection and resolution counters.
func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	active := len(e.active)
	e.mu.RUnlock()
	return e.metrics.snapshot(active)
}

// ForgetDocument drops every unresolved conflict of a document and cancels
// its pending auto resolutions.
func (e *Engine) ForgetDocument(documentID string) int {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	e.mu.Lock()
	ids := e.byDocument[documentID]
	delete(e.byDocument, documentID)
	for _, id := range ids {
		if c, ok := e.active[id]; ok {
			delete(e.seen, c.changeSetKey())
			delete(e.active, id)
		}
	}
	deferred := e.deferred
	e.mu.Unlock()

	if deferred != nil {
		for _, id := range ids {
			deferred.Cancel(id)
		}
	}
	return len(ids)
}

// =============================================================================
// Archive
// =============================================================================

// archiveLocked moves a resolved conflict out of the active index.
func (e *Engine) archiveLocked(c *Conflict) {
	delete(e.active, c.ID)
	ids := e.byDocument[c.Metadata.DocumentID]
	if i := slices.Index(ids, c.ID); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
	}
	if len(ids) == 0 {
		delete(e.byDocument, c.Metadata.DocumentID)
	} else {
		e.byDocument[c.Metadata.DocumentID] = ids
	}
	e.archive.Add(c.ID, c)
}

// onArchiveEvict runs inside archive.Add, which is only called with mu held.
func (e *Engine) onArchiveEvict(_ string, c *Conflict) {
	key := c.changeSetKey()
	if e.seen[key] == c.ID {
		delete(e.seen, key)
	}
}
