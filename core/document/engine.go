package document

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/coedit/core/concurrency"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// MaxHistory bounds retained history per document. Older entries are
	// folded into the base snapshot.
	MaxHistory int
	// IdleTimeout is how long a document without participants survives.
	IdleTimeout time.Duration
	// CleanupInterval is the janitor period between Start and Stop.
	CleanupInterval time.Duration
	// CacheMaxCost bounds the historical content cache, in bytes.
	CacheMaxCost int64
	Emitter      events.Emitter
	Logger       *slog.Logger
	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxHistory:      1000,
		IdleTimeout:     30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		CacheMaxCost:    defaultCacheMaxCost,
		Emitter:         events.NopEmitter{},
		Logger:          slog.Default(),
		Clock:           time.Now,
	}
}

func normalizeEngineConfig(cfg EngineConfig) EngineConfig {
	defaults := DefaultEngineConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaults.MaxHistory
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.CacheMaxCost <= 0 {
		cfg.CacheMaxCost = defaults.CacheMaxCost
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

// Engine is the document store. Mutations of one document are serialized by
// a per-document lock; the registry lock only guards the id index.
type Engine struct {
	cfg     EngineConfig
	logger  *slog.Logger
	emitter events.Emitter
	now     func() time.Time

	locks *concurrency.KeyedMutex
	cache *revisionCache

	mu   sync.RWMutex
	docs map[string]*document

	instances atomic.Uint64
	applied   atomic.Int64
	failed    atomic.Int64
	rebased   atomic.Int64

	janitor *concurrency.Janitor
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg = normalizeEngineConfig(cfg)

	cache, err := newRevisionCache(cfg.CacheMaxCost)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindUnknown, "document.NewEngine", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		emitter: cfg.Emitter,
		now:     cfg.Clock,
		locks:   concurrency.NewKeyedMutex(),
		cache:   cache,
		docs:    make(map[string]*document),
	}
	e.janitor = concurrency.NewJanitor("document-cleanup", cfg.CleanupInterval, func(context.Context) {
		e.Cleanup()
	}, cfg.Logger)
	return e, nil
}

// Start begins periodic cleanup of idle documents.
func (e *Engine) Start() {
	e.janitor.Start()
}

// Stop halts periodic cleanup.
func (e *Engine) Stop() {
	e.janitor.Stop()
}

// Close stops the engine and releases the content cache.
func (e *Engine) Close() {
	e.Stop()
	e.cache.close()
}

// =============================================================================
// Lifecycle
// =============================================================================

// CreateDocument registers a new document at revision 0 owned by ownerID.
func (e *Engine) CreateDocument(id, initialContent, ownerID string) (*State, error) {
	const op = "document.CreateDocument"
	if id == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, op, "document id is required")
	}
	if ownerID == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, op, "owner id is required")
	}

	unlock := e.locks.Lock(id)
	now := e.now()
	doc := &document{
		id:           id,
		instance:     e.instances.Add(1),
		ownerID:      ownerID,
		content:      initialContent,
		baseContent:  initialContent,
		participants: map[string]Permissions{ownerID: PermReadWrite},
		cursors:      map[string]Cursor{ownerID: {}},
		createdAt:    now,
		lastActivity: now,
	}

	e.mu.Lock()
	if _, exists := e.docs[id]; exists {
		e.mu.Unlock()
		unlock()
		return nil, coreerrors.Newf(coreerrors.KindDuplicateDocument, op, "document %q already exists", id)
	}
	e.docs[id] = doc
	e.mu.Unlock()

	state := doc.state()
	unlock()

	e.logger.Debug("document created", "document_id", id, "owner_id", ownerID)
	e.emitter.Publish(events.NewEvent(events.TopicDocumentCreated, id, ownerID, state))
	return state, nil
}

// JoinDocument registers userID with perms, replacing earlier permissions.
func (e *Engine) JoinDocument(id, userID string, perms Permissions) error {
	const op = "document.JoinDocument"
	if userID == "" {
		return coreerrors.New(coreerrors.KindValidation, op, "user id is required")
	}

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return err
	}
	doc.participants[userID] = perms
	if _, ok := doc.cursors[userID]; !ok {
		doc.cursors[userID] = Cursor{}
	}
	doc.lastActivity = e.now()
	unlock()

	e.emitter.Publish(events.NewEvent(events.TopicParticipantJoined, id, userID, ParticipantPayload{
		DocumentID:  id,
		UserID:      userID,
		Permissions: perms,
	}))
	return nil
}

// LeaveDocument removes userID and its cursor.
func (e *Engine) LeaveDocument(id, userID string) error {
	const op = "document.LeaveDocument"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return err
	}
	perms, ok := doc.participants[userID]
	if !ok {
		unlock()
		return coreerrors.Newf(coreerrors.KindNotFound, op, "user %q is not a participant of %q", userID, id)
	}
	delete(doc.participants, userID)
	delete(doc.cursors, userID)
	doc.lastActivity = e.now()
	unlock()

	e.emitter.Publish(events.NewEvent(events.TopicParticipantLeft, id, userID, ParticipantPayload{
		DocumentID:  id,
		UserID:      userID,
		Permissions: perms,
	}))
	return nil
}

// UpdateCursor stores userID's caret and selection.
func (e *Engine) UpdateCursor(id, userID string, position, selectionStart, selectionEnd int) error {
	const op = "document.UpdateCursor"
	if position < 0 || selectionStart < 0 || selectionEnd < 0 {
		return coreerrors.New(coreerrors.KindValidation, op, "cursor positions must not be negative")
	}

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return err
	}
	if _, ok := doc.participants[userID]; !ok {
		unlock()
		return coreerrors.Newf(coreerrors.KindNotFound, op, "user %q is not a participant of %q", userID, id)
	}
	cursor := Cursor{Position: position, SelectionStart: selectionStart, SelectionEnd: selectionEnd}
	doc.cursors[userID] = cursor
	doc.lastActivity = e.now()
	unlock()

	e.emitter.Publish(events.NewEvent(events.TopicCursorUpdated, id, userID, CursorPayload{
		DocumentID: id,
		UserID:     userID,
		Cursor:     cursor,
	}))
	return nil
}

// Cleanup removes documents that have no participants and have been idle
// longer than the configured timeout. It returns the removed ids.
func (e *Engine) Cleanup() []string {
	cutoff := e.now().Add(-e.cfg.IdleTimeout)
	removed := make([]string, 0)

	for _, id := range e.Documents() {
		unlock := e.locks.Lock(id)
		e.mu.Lock()
		doc, ok := e.docs[id]
		if ok && len(doc.participants) == 0 && doc.lastActivity.Before(cutoff) {
			delete(e.docs, id)
			removed = append(removed, id)
		}
		e.mu.Unlock()
		unlock()
	}

	for _, id := range removed {
		e.logger.Info("idle document removed", "document_id", id)
		e.emitter.Publish(events.NewEvent(events.TopicDocumentRemoved, id, "", nil))
	}
	return removed
}

// =============================================================================
// Registry
// =============================================================================

// Documents returns the ids of all live documents, sorted.
func (e *Engine) Documents() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (e *Engine) Stats() Stats {
	stats := Stats{
		ChangesApplied: e.applied.Load(),
		ChangesFailed:  e.failed.Load(),
		Transformed:    e.rebased.Load(),
	}
	stats.CacheHits, stats.CacheMisses = e.cache.stats()

	for _, id := range e.Documents() {
		unlock := e.locks.Lock(id)
		e.mu.RLock()
		doc, ok := e.docs[id]
		e.mu.RUnlock()
		if ok {
			stats.Documents++
			stats.Participants += len(doc.participants)
		}
		unlock()
	}
	return stats
}

// Participants returns the sorted participant ids of a document.
func (e *Engine) Participants(id string) ([]string, error) {
	doc, unlock, err := e.acquire("document.Participants", id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return doc.participantIDs(), nil
}

// acquire takes the document's lock and returns it with the unlock func.
func (e *Engine) acquire(op, id string) (*document, func(), error) {
	unlock := e.locks.Lock(id)

	e.mu.RLock()
	doc, ok := e.docs[id]
	e.mu.RUnlock()

	if !ok {
		unlock()
		return nil, nil, coreerrors.Newf(coreerrors.KindNotFound, op, "document %q not found", id)
	}
	return doc, unlock, nil
}
