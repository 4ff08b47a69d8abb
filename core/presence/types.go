package presence

import (
	"maps"
	"slices"
	"strings"
	"time"

	coreerrors "github.com/adalundhe/coedit/core/errors"
)

// =============================================================================
// Status
// =============================================================================

type Status string

const (
	StatusOnline  Status = "online"
	StatusTyping  Status = "typing"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusTyping, StatusIdle, StatusAway, StatusOffline:
		return st, nil
	}
	return "", coreerrors.Newf(coreerrors.KindValidation, "presence.ParseStatus", "unknown status %q", s)
}

// Active reports whether the status counts towards active users.
func (s Status) Active() bool {
	return s == StatusOnline || s == StatusTyping
}

// =============================================================================
// Projections
// =============================================================================

// Selection is a rune range inside a document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Viewport is the visible line range of a document.
type Viewport struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

type ActivityKind string

const (
	ActivityConnected    ActivityKind = "connected"
	ActivityDisconnected ActivityKind = "disconnected"
	ActivityJoined       ActivityKind = "joined"
	ActivityLeft         ActivityKind = "left"
	ActivityCursor       ActivityKind = "cursor"
	ActivityViewport     ActivityKind = "viewport"
	ActivityTyping       ActivityKind = "typing"
	ActivityStatus       ActivityKind = "status"
)

// Activity is one entry of a user or document activity log.
type Activity struct {
	Kind       ActivityKind `json:"kind"`
	UserID     string       `json:"userId"`
	DocumentID string       `json:"documentId,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// UserPresence is a snapshot of a user's presence record.
type UserPresence struct {
	UserID          string            `json:"userId"`
	SessionID       string            `json:"sessionId"`
	Status          Status            `json:"status"`
	LastActivity    time.Time         `json:"lastActivity"`
	CurrentDocument string            `json:"currentDocument,omitempty"`
	CursorPosition  *int              `json:"cursorPosition,omitempty"`
	Selection       *Selection        `json:"selection,omitempty"`
	Viewport        *Viewport         `json:"viewport,omitempty"`
	Activity        []Activity        `json:"activity"`
	Connections     []string          `json:"connections"`
	Documents       []string          `json:"documents"`
	Color           string            `json:"color"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DocumentMetrics summarises a roster.
type DocumentMetrics struct {
	TotalUsers      int `json:"totalUsers"`
	ActiveUsers     int `json:"activeUsers"`
	TypingUsers     int `json:"typingUsers"`
	PeakConcurrency int `json:"peakConcurrency"`
}

// DocumentPresence is a snapshot of a document roster. Users are ordered by id.
type DocumentPresence struct {
	DocumentID string          `json:"documentId"`
	Users      []UserPresence  `json:"users"`
	Activity   []Activity      `json:"activity"`
	Metrics    DocumentMetrics `json:"metrics"`
}

// UserPresenceView is the wire shape sent to other participants.
type UserPresenceView struct {
	UserID          string            `json:"userId"`
	SessionID       string            `json:"sessionId"`
	Status          Status            `json:"status"`
	LastActivity    time.Time         `json:"lastActivity"`
	CurrentDocument string            `json:"currentDocument,omitempty"`
	CursorPosition  *int              `json:"cursorPosition,omitempty"`
	Selection       *Selection        `json:"selection,omitempty"`
	Viewport        *Viewport         `json:"viewport,omitempty"`
	Color           string            `json:"color"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// View projects p onto its wire shape.
func (p *UserPresence) View() UserPresenceView {
	return UserPresenceView{
		UserID:          p.UserID,
		SessionID:       p.SessionID,
		Status:          p.Status,
		LastActivity:    p.LastActivity,
		CurrentDocument: p.CurrentDocument,
		CursorPosition:  p.CursorPosition,
		Selection:       p.Selection,
		Viewport:        p.Viewport,
		Color:           p.Color,
		Metadata:        p.Metadata,
	}
}

// Payload accompanies every presence event. Documents lists the rosters the
// event touched.
type Payload struct {
	View      UserPresenceView `json:"view"`
	Documents []string         `json:"documents"`
}

// =============================================================================
// Internal records
// =============================================================================

type user struct {
	id           string
	sessionID    string
	status       Status
	lastActivity time.Time
	current      string
	cursor       *int
	selection    *Selection
	viewport     *Viewport
	activity     *Ring[Activity]
	connections  map[string]struct{}
	documents    map[string]struct{}
	color        string
	metadata     map[string]string
}

func (u *user) snapshot() *UserPresence {
	p := &UserPresence{
		UserID:          u.id,
		SessionID:       u.sessionID,
		Status:          u.status,
		LastActivity:    u.lastActivity,
		CurrentDocument: u.current,
		Activity:        u.activity.All(),
		Connections:     slices.Sorted(maps.Keys(u.connections)),
		Documents:       slices.Sorted(maps.Keys(u.documents)),
		Color:           u.color,
		Metadata:        maps.Clone(u.metadata),
	}
	if u.cursor != nil {
		pos := *u.cursor
		p.CursorPosition = &pos
	}
	if u.selection != nil {
		sel := *u.selection
		p.Selection = &sel
	}
	if u.viewport != nil {
		vp := *u.viewport
		p.Viewport = &vp
	}
	return p
}

func (u *user) payload() Payload {
	return Payload{
		View:      u.snapshot().View(),
		Documents: slices.Sorted(maps.Keys(u.documents)),
	}
}

type roster struct {
	id       string
	users    map[string]struct{}
	activity *Ring[Activity]
	peak     int
}
