package presence

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/adalundhe/coedit/core/concurrency"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
)

// DefaultPalette is the color set users are hashed into.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
	"#008080", "#9a6324", "#800000", "#000075",
}

// ConnectionCloser closes transport connections of expired users.
type ConnectionCloser interface {
	CloseConnection(ctx context.Context, connectionID string) error
}

// Config configures a Tracker.
type Config struct {
	// PresenceTimeout is the inactivity after which a user expires.
	PresenceTimeout time.Duration
	// CleanupInterval is the sweep period between Start and Stop.
	CleanupInterval time.Duration
	// UserActivityLimit and DocumentActivityLimit size the activity rings.
	UserActivityLimit     int
	DocumentActivityLimit int
	Palette               []string
	// Closer is optional.
	Closer  ConnectionCloser
	Emitter events.Emitter
	Logger  *slog.Logger
	Clock   func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PresenceTimeout:       5 * time.Minute,
		CleanupInterval:       time.Minute,
		UserActivityLimit:     50,
		DocumentActivityLimit: 100,
		Palette:               DefaultPalette,
		Emitter:               events.NopEmitter{},
		Logger:                slog.Default(),
		Clock:                 time.Now,
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = defaults.PresenceTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.UserActivityLimit <= 0 {
		cfg.UserActivityLimit = defaults.UserActivityLimit
	}
	if cfg.DocumentActivityLimit <= 0 {
		cfg.DocumentActivityLimit = defaults.DocumentActivityLimit
	}
	if len(cfg.Palette) == 0 {
		cfg.Palette = defaults.Palette
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

// Tracker records who is connected and what they are doing in each
// document. It never touches document content.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	emitter events.Emitter
	now     func() time.Time
	janitor *concurrency.Janitor

	mu          sync.RWMutex
	users       map[string]*user
	connections map[string]string
	documents   map[string]*roster
}

func NewTracker(cfg Config) *Tracker {
	cfg = normalizeConfig(cfg)
	t := &Tracker{
		cfg:         cfg,
		logger:      cfg.Logger,
		emitter:     cfg.Emitter,
		now:         cfg.Clock,
		users:       make(map[string]*user),
		connections: make(map[string]string),
		documents:   make(map[string]*roster),
	}
	t.janitor = concurrency.NewJanitor("presence-sweep", cfg.CleanupInterval, func(ctx context.Context) {
		t.Sweep(ctx)
	}, cfg.Logger)
	return t
}

// Start begins periodic expiration sweeps.
func (t *Tracker) Start() {
	t.janitor.Start()
}

// Stop halts the sweeps.
func (t *Tracker) Stop() {
	t.janitor.Stop()
}

// Color returns the palette entry for userID.
func (t *Tracker) Color(userID string) string {
	return ColorFor(userID, t.cfg.Palette)
}

// ColorFor hashes userID into palette.
func ColorFor(userID string, palette []string) string {
	if len(palette) == 0 {
		return ""
	}
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}

// =============================================================================
// Connections
// =============================================================================

// RegisterPresence attaches connectionID to userID, creating the user record
// on first use. Repeating a registration is harmless.
func (t *Tracker) RegisterPresence(userID, sessionID, connectionID string, metadata map[string]string) (*UserPresence, error) {
	const op = "presence.RegisterPresence"
	if userID == "" || connectionID == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, op, "user id and connection id are required")
	}

	t.mu.Lock()
	if owner, ok := t.connections[connectionID]; ok && owner != userID {
		t.mu.Unlock()
		return nil, coreerrors.Newf(coreerrors.KindValidation, op, "connection %q belongs to another user", connectionID)
	}

	now := t.now()
	u, ok := t.users[userID]
	if !ok {
		u = &user{
			id:          userID,
			status:      StatusOnline,
			activity:    NewRing[Activity](t.cfg.UserActivityLimit),
			connections: make(map[string]struct{}),
			documents:   make(map[string]struct{}),
			color:       t.Color(userID),
			metadata:    make(map[string]string),
		}
		t.users[userID] = u
	}
	if sessionID != "" {
		u.sessionID = sessionID
	}
	maps.Copy(u.metadata, metadata)
	u.connections[connectionID] = struct{}{}
	t.connections[connectionID] = userID
	t.touchLocked(u, "", ActivityConnected, connectionID, now)

	snapshot := u.snapshot()
	payload := u.payload()
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("presence registered", "user_id", userID, "connection_id", connectionID)
	}
	t.emitter.Publish(events.NewEvent(events.TopicPresenceRegistered, "", userID, payload))
	return snapshot, nil
}

// UnregisterPresence detaches connectionID. The user's last connection
// removes them from every roster and deletes the record.
func (t *Tracker) UnregisterPresence(connectionID string) error {
	const op = "presence.UnregisterPresence"

	t.mu.Lock()
	userID, ok := t.connections[connectionID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.Newf(coreerrors.KindNotFound, op, "connection %q is not registered", connectionID)
	}
	delete(t.connections, connectionID)

	u := t.users[userID]
	delete(u.connections, connectionID)
	if len(u.connections) > 0 {
		t.touchLocked(u, "", ActivityDisconnected, connectionID, t.now())
		t.mu.Unlock()
		return nil
	}

	payload := u.payload()
	t.removeUserLocked(u)
	t.mu.Unlock()

	t.logger.Debug("presence unregistered", "user_id", userID)
	t.emitter.Publish(events.NewEvent(events.TopicPresenceRemoved, "", userID, payload))
	return nil
}

// removeUserLocked deletes u from every roster, pruning empty ones, and from
// the registry. Connection ids are left for the caller.
func (t *Tracker) removeUserLocked(u *user) {
	for docID := range u.documents {
		if r, ok := t.documents[docID]; ok {
			delete(r.users, u.id)
			if len(r.users) == 0 {
				delete(t.documents, docID)
			}
		}
	}
	for connID := range u.connections {
		delete(t.connections, connID)
	}
	delete(t.users, u.id)
}

// =============================================================================
// Rosters
// =============================================================================

// JoinDocument adds userID to the document roster and makes it the user's
// current document.
func (t *Tracker) JoinDocument(userID, documentID string) error {
	const op = "presence.JoinDocument"
	if documentID == "" {
		return coreerrors.New(coreerrors.KindValidation, op, "document id is required")
	}

	t.mu.Lock()
	u, err := t.userLocked(op, userID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.joinLocked(u, documentID)
	u.current = documentID
	t.touchLocked(u, documentID, ActivityJoined, "", t.now())
	payload := u.payload()
	t.mu.Unlock()

	t.emitter.Publish(events.NewEvent(events.TopicPresenceJoined, documentID, userID, payload))
	return nil
}

// LeaveDocument removes userID from the roster. Leaving the current document
// ends typing. Leaving a document the user is not in does nothing.
func (t *Tracker) LeaveDocument(userID, documentID string) error {
	const op = "presence.LeaveDocument"

	t.mu.Lock()
	u, err := t.userLocked(op, userID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if _, in := u.documents[documentID]; !in {
		t.mu.Unlock()
		return nil
	}

	t.touchLocked(u, documentID, ActivityLeft, "", t.now())
	delete(u.documents, documentID)
	if r, ok := t.documents[documentID]; ok {
		delete(r.users, userID)
		if len(r.users) == 0 {
			delete(t.documents, documentID)
		}
	}
	if u.current == documentID {
		u.current = ""
		u.cursor, u.selection, u.viewport = nil, nil, nil
		if u.status == StatusTyping {
			u.status = StatusOnline
		}
	}
	payload := u.payload()
	payload.Documents = append(payload.Documents, documentID)
	t.mu.Unlock()

	t.emitter.Publish(events.NewEvent(events.TopicPresenceLeft, documentID, userID, payload))
	return nil
}

func (t *Tracker) joinLocked(u *user, documentID string) *roster {
	r, ok := t.documents[documentID]
	if !ok {
		r = &roster{
			id:       documentID,
			users:    make(map[string]struct{}),
			activity: NewRing[Activity](t.cfg.DocumentActivityLimit),
		}
		t.documents[documentID] = r
	}
	r.users[u.id] = struct{}{}
	r.peak = max(r.peak, len(r.users))
	u.documents[documentID] = struct{}{}
	return r
}

// =============================================================================
// Projections
// =============================================================================

// UpdateCursor records the user's cursor and selection in documentID,
// joining the roster if needed.
func (t *Tracker) UpdateCursor(userID, documentID string, position int, selection *Selection) error {
	const op = "presence.UpdateCursor"
	if position < 0 {
		return coreerrors.Newf(coreerrors.KindValidation, op, "negative cursor position %d", position)
	}
	if selection != nil && selection.End < selection.Start {
		return coreerrors.Newf(coreerrors.KindValidation, op, "selection end %d precedes start %d", selection.End, selection.Start)
	}

	return t.mutate(op, userID, documentID, events.TopicPresenceCursor, func(u *user) (ActivityKind, string) {
		pos := position
		u.cursor = &pos
		u.selection = nil
		if selection != nil {
			sel := *selection
			u.selection = &sel
		}
		return ActivityCursor, fmt.Sprintf("%d", position)
	})
}

// UpdateViewport records the visible range of documentID.
func (t *Tracker) UpdateViewport(userID, documentID string, viewport Viewport) error {
	const op = "presence.UpdateViewport"
	if viewport.StartLine < 0 || viewport.EndLine < viewport.StartLine {
		return coreerrors.Newf(coreerrors.KindValidation, op, "invalid viewport %d-%d", viewport.StartLine, viewport.EndLine)
	}

	return t.mutate(op, userID, documentID, events.TopicPresenceViewport, func(u *user) (ActivityKind, string) {
		vp := viewport
		u.viewport = &vp
		return ActivityViewport, fmt.Sprintf("%d-%d", viewport.StartLine, viewport.EndLine)
	})
}

// SetTyping switches the user between online and typing.
func (t *Tracker) SetTyping(userID, documentID string, typing bool) error {
	const op = "presence.SetTyping"

	return t.mutate(op, userID, documentID, events.TopicPresenceTyping, func(u *user) (ActivityKind, string) {
		switch {
		case typing:
			u.status = StatusTyping
		case u.status == StatusTyping:
			u.status = StatusOnline
		}
		return ActivityTyping, fmt.Sprintf("%t", typing)
	})
}

// mutate applies fn to a registered user inside documentID and publishes
// topic.
func (t *Tracker) mutate(op, userID, documentID, topic string, fn func(u *user) (ActivityKind, string)) error {
	if documentID == "" {
		return coreerrors.New(coreerrors.KindValidation, op, "document id is required")
	}

	t.mu.Lock()
	u, err := t.userLocked(op, userID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.joinLocked(u, documentID)
	u.current = documentID
	kind, detail := fn(u)
	t.touchLocked(u, documentID, kind, detail, t.now())
	payload := u.payload()
	t.mu.Unlock()

	t.emitter.Publish(events.NewEvent(topic, documentID, userID, payload))
	return nil
}

// UpdateStatus sets an explicit status and records it in the user's log and
// the log of every document the user is in. Going offline removes the user.
func (t *Tracker) UpdateStatus(userID string, status Status) error {
	const op = "presence.UpdateStatus"
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	t.mu.Lock()
	u, err := t.userLocked(op, userID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	u.status = status
	now := t.now()
	t.touchLocked(u, "", ActivityStatus, string(status), now)
	for docID := range u.documents {
		if r, ok := t.documents[docID]; ok {
			r.activity.Push(Activity{
				Kind:       ActivityStatus,
				UserID:     u.id,
				DocumentID: docID,
				Detail:     string(status),
				Timestamp:  now,
			})
		}
	}
	payload := u.payload()
	if status == StatusOffline {
		t.removeUserLocked(u)
	}
	t.mu.Unlock()

	t.emitter.Publish(events.NewEvent(events.TopicPresenceStatus, "", userID, payload))
	return nil
}

func (t *Tracker) userLocked(op, userID string) (*user, error) {
	u, ok := t.users[userID]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.KindNotRegistered, op, "user %q is not registered", userID)
	}
	return u, nil
}

// touchLocked refreshes lastActivity and appends to the user log and, when
// documentID is set, the document log.
func (t *Tracker) touchLocked(u *user, documentID string, kind ActivityKind, detail string, now time.Time) {
	u.lastActivity = now
	entry := Activity{
		Kind:       kind,
		UserID:     u.id,
		DocumentID: documentID,
		Detail:     detail,
		Timestamp:  now,
	}
	u.activity.Push(entry)
	if r, ok := t.documents[documentID]; ok {
		r.activity.Push(entry)
	}
}

// =============================================================================
// Expiration
// =============================================================================

type expiredUser struct {
	payload     Payload
	connections []string
}

// Sweep removes users idle for longer than PresenceTimeout, closes their
// connections and prunes empty rosters. It returns the expired user ids.
func (t *Tracker) Sweep(ctx context.Context) []string {
	cutoff := t.now().Add(-t.cfg.PresenceTimeout)

	t.mu.Lock()
	var expired []expiredUser
	for _, id := range slices.Sorted(maps.Keys(t.users)) {
		u := t.users[id]
		if !u.lastActivity.Before(cutoff) {
			continue
		}
		expired = append(expired, expiredUser{
			payload:     u.payload(),
			connections: slices.Sorted(maps.Keys(u.connections)),
		})
		t.removeUserLocked(u)
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		userID := e.payload.View.UserID
		ids = append(ids, userID)
		t.closeConnections(ctx, userID, e.connections)
		t.emitter.Publish(events.NewEvent(events.TopicPresenceExpired, "", userID, e.payload))
	}
	if len(ids) > 0 {
		t.logger.Info("presence expired", "users", len(ids))
	}
	return ids
}

func (t *Tracker) closeConnections(ctx context.Context, userID string, connections []string) {
	if t.cfg.Closer == nil {
		return
	}
	for _, connID := range connections {
		if err := t.cfg.Closer.CloseConnection(ctx, connID); err != nil {
			t.logger.Warn("closing expired connection failed",
				"user_id", userID,
				"connection_id", connID,
				"error", err)
		}
	}
}

// =============================================================================
// Reads
// =============================================================================

// GetUserPresence returns a snapshot of userID's record.
func (t *Tracker) GetUserPresence(userID string) (*UserPresence, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[userID]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.KindNotFound, "presence.GetUserPresence", "user %q is not present", userID)
	}
	return u.snapshot(), nil
}

// View returns the wire shape of userID's presence.
func (t *Tracker) View(userID string) (UserPresenceView, error) {
	p, err := t.GetUserPresence(userID)
	if err != nil {
		return UserPresenceView{}, err
	}
	return p.View(), nil
}

// GetDocumentPresence returns a snapshot of a document roster.
func (t *Tracker) GetDocumentPresence(documentID string) (*DocumentPresence, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.documents[documentID]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.KindNotFound, "presence.GetDocumentPresence", "document %q has no roster", documentID)
	}

	dp := &DocumentPresence{
		DocumentID: documentID,
		Users:      make([]UserPresence, 0, len(r.users)),
		Activity:   r.activity.All(),
	}
	for _, id := range slices.Sorted(maps.Keys(r.users)) {
		u := t.users[id]
		dp.Users = append(dp.Users, *u.snapshot())
		if u.status.Active() {
			dp.Metrics.ActiveUsers++
		}
		if u.status == StatusTyping {
			dp.Metrics.TypingUsers++
		}
	}
	dp.Metrics.TotalUsers = len(dp.Users)
	dp.Metrics.PeakConcurrency = r.peak
	return dp, nil
}

// ActiveUsers returns the ids of every registered user, sorted.
func (t *Tracker) ActiveUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.users))
}

// ActiveDocuments returns the ids of every non-empty roster, sorted.
func (t *Tracker) ActiveDocuments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.documents))
}

// Views returns the wire shapes of a document's users.
func (t *Tracker) Views(documentID string) ([]UserPresenceView, error) {
	dp, err := t.GetDocumentPresence(documentID)
	if err != nil {
		return nil, err
	}
	views := make([]UserPresenceView, 0, len(dp.Users))
	for i := range dp.Users {
		views = append(views, dp.Users[i].View())
	}
	return views, nil
}
