package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
)

// MirrorConfig configures a RedisMirror.
type MirrorConfig struct {
	// Prefix namespaces every key.
	Prefix string
	// TTL is the logical lifetime of a mirrored roster entry.
	TTL time.Duration
	// OpTimeout bounds each Redis round trip made from an event.
	OpTimeout time.Duration
	Logger    *slog.Logger
	Clock     func() time.Time
}

func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		Prefix:    "coedit:presence",
		TTL:       5 * time.Minute,
		OpTimeout: 2 * time.Second,
		Logger:    slog.Default(),
		Clock:     time.Now,
	}
}

func normalizeMirrorConfig(cfg MirrorConfig) MirrorConfig {
	defaults := DefaultMirrorConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	return cfg
}

// RedisMirror copies document rosters into Redis so other gateway nodes can
// read them. Per document it keeps a ZSET of user ids scored by expiry (unix
// seconds) and a HASH of user id to view JSON; a SET tracks mirrored
// documents. Mirror failures are logged and never reach the tracker.
type RedisMirror struct {
	rdb     redis.UniversalClient
	tracker *Tracker
	cfg     MirrorConfig
	logger  *slog.Logger
}

func NewRedisMirror(rdb redis.UniversalClient, tracker *Tracker, cfg MirrorConfig) *RedisMirror {
	cfg = normalizeMirrorConfig(cfg)
	return &RedisMirror{
		rdb:     rdb,
		tracker: tracker,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

func (m *RedisMirror) rosterKey(documentID string) string {
	return m.cfg.Prefix + ":room:" + documentID
}

func (m *RedisMirror) viewsKey(documentID string) string {
	return m.cfg.Prefix + ":views:" + documentID
}

func (m *RedisMirror) documentsKey() string {
	return m.cfg.Prefix + ":documents"
}

// =============================================================================
// Subscriber
// =============================================================================

func (m *RedisMirror) ID() string { return "presence-redis-mirror" }

func (m *RedisMirror) Patterns() []string { return []string{"presence.**"} }

func (m *RedisMirror) OnEvent(event *events.Event) error {
	documents := make([]string, 0, 2)
	if event.DocumentID != "" {
		documents = append(documents, event.DocumentID)
	}
	if p, ok := event.Payload.(Payload); ok {
		for _, d := range p.Documents {
			if d != event.DocumentID {
				documents = append(documents, d)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	defer cancel()

	for _, documentID := range documents {
		if err := m.Sync(ctx, documentID); err != nil {
			m.logger.Warn("presence mirror sync failed",
				"document_id", documentID,
				"topic", event.Topic,
				"error", err)
		}
	}
	return nil
}

// Attach subscribes the mirror to bus.
func (m *RedisMirror) Attach(bus *events.Bus) error {
	return bus.Subscribe(m)
}

// =============================================================================
// Write side
// =============================================================================

// Sync replaces the mirrored roster of documentID with the tracker's
// current one, removing it when the roster no longer exists.
func (m *RedisMirror) Sync(ctx context.Context, documentID string) error {
	views, err := m.tracker.Views(documentID)
	if errors.Is(err, coreerrors.ErrNotFound) {
		return m.remove(ctx, documentID)
	}
	if err != nil {
		return err
	}

	expireAt := m.cfg.Clock().Add(m.cfg.TTL)
	rosterKey, viewsKey := m.rosterKey(documentID), m.viewsKey(documentID)

	tx := m.rdb.TxPipeline()
	tx.Del(ctx, rosterKey, viewsKey)
	for _, view := range views {
		data, err := json.Marshal(view)
		if err != nil {
			return err
		}
		tx.ZAdd(ctx, rosterKey, redis.Z{Score: float64(expireAt.Unix()), Member: view.UserID})
		tx.HSet(ctx, viewsKey, view.UserID, data)
	}
	tx.Expire(ctx, rosterKey, m.cfg.TTL)
	tx.Expire(ctx, viewsKey, m.cfg.TTL)
	tx.SAdd(ctx, m.documentsKey(), documentID)
	_, err = tx.Exec(ctx)
	return err
}

func (m *RedisMirror) remove(ctx context.Context, documentID string) error {
	tx := m.rdb.TxPipeline()
	tx.Del(ctx, m.rosterKey(documentID), m.viewsKey(documentID))
	tx.SRem(ctx, m.documentsKey(), documentID)
	_, err := tx.Exec(ctx)
	return err
}

// =============================================================================
// Read side
// =============================================================================

// Documents returns the mirrored document ids.
func (m *RedisMirror) Documents(ctx context.Context) ([]string, error) {
	return m.rdb.SMembers(ctx, m.documentsKey()).Result()
}

// Roster returns the unexpired views mirrored for documentID, ordered by
// user id.
func (m *RedisMirror) Roster(ctx context.Context, documentID string) ([]UserPresenceView, error) {
	now := m.cfg.Clock().Unix()
	alive, err := m.rdb.ZRangeByScore(ctx, m.rosterKey(documentID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return []UserPresenceView{}, nil
	}

	raw, err := m.rdb.HMGet(ctx, m.viewsKey(documentID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	views := make([]UserPresenceView, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var view UserPresenceView
		if err := json.Unmarshal([]byte(s), &view); err != nil {
			m.logger.Warn("discarding malformed mirrored view",
				"document_id", documentID,
				"user_id", alive[i],
				"error", err)
			continue
		}
		views = append(views, view)
	}
	return views, nil
}
