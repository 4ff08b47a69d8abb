// Package document owns collaborative document state: content, revision,
// bounded history, participants and cursors. Concurrent edits are rebased
// onto the current revision with operational transform before they apply.
package document

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/ot"
)

// =============================================================================
// Permissions
// =============================================================================

// Permissions is a bit set of participant capabilities.
type Permissions uint8

const (
	PermRead Permissions = 1 << iota
	PermWrite

	PermNone      Permissions = 0
	PermReadWrite             = PermRead | PermWrite
)

var permissionNames = []struct {
	perm Permissions
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
}

// ParsePermissions builds a set from names such as "read" and "write".
func ParsePermissions(names ...string) (Permissions, error) {
	var p Permissions
	for _, name := range names {
		perm, ok := lookupPermission(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return PermNone, coreerrors.Newf(coreerrors.KindValidation, "document.ParsePermissions", "unknown permission %q", name)
		}
		p |= perm
	}
	return p, nil
}

func lookupPermission(name string) (Permissions, bool) {
	for _, entry := range permissionNames {
		if entry.name == name {
			return entry.perm, true
		}
	}
	return PermNone, false
}

func (p Permissions) Has(want Permissions) bool {
	return p&want == want
}

func (p Permissions) Strings() []string {
	out := make([]string, 0, len(permissionNames))
	for _, entry := range permissionNames {
		if p.Has(entry.perm) {
			out = append(out, entry.name)
		}
	}
	return out
}

func (p Permissions) String() string {
	return strings.Join(p.Strings(), ",")
}

func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Strings())
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParsePermissions(names...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// =============================================================================
// Views and payloads
// =============================================================================

// Cursor is a participant's caret and selection, in runes.
type Cursor struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`
}

func (c Cursor) shift(ops []ot.Operation) Cursor {
	return Cursor{
		Position:       ot.TransformIndex(c.Position, ops),
		SelectionStart: ot.TransformIndex(c.SelectionStart, ops),
		SelectionEnd:   ot.TransformIndex(c.SelectionEnd, ops),
	}
}

// State is a read-only copy of a document.
type State struct {
	DocumentID   string                 `json:"documentId"`
	Content      string                 `json:"content"`
	Revision     int                    `json:"revision"`
	BaseRevision int                    `json:"baseRevision"`
	OwnerID      string                 `json:"ownerId"`
	Participants map[string]Permissions `json:"participants"`
	Cursors      map[string]Cursor      `json:"cursors"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastActivity time.Time              `json:"lastActivity"`
}

// ApplyResult is returned by a successful ApplyChange.
type ApplyResult struct {
	Content  string    `json:"content"`
	Revision int       `json:"revision"`
	Change   ot.Change `json:"change"`
}

// ChangeAppliedPayload accompanies events.TopicChangeApplied. Change is the
// change as applied (rebased onto BaseRevision's successor); Original is what
// the author submitted.
type ChangeAppliedPayload struct {
	DocumentID   string    `json:"documentId"`
	Change       ot.Change `json:"change"`
	Original     ot.Change `json:"original"`
	BaseRevision int       `json:"baseRevision"`
	NewRevision  int       `json:"newRevision"`
	NewContent   string    `json:"newContent"`
}

// CursorPayload accompanies events.TopicCursorUpdated.
type CursorPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Cursor     Cursor `json:"cursor"`
}

// ParticipantPayload accompanies participant join and leave events.
type ParticipantPayload struct {
	DocumentID  string      `json:"documentId"`
	UserID      string      `json:"userId"`
	Permissions Permissions `json:"permissions"`
}

// Stats summarizes engine activity.
type Stats struct {
	Documents      int   `json:"documents"`
	Participants   int   `json:"participants"`
	ChangesApplied int64 `json:"changesApplied"`
	ChangesFailed  int64 `json:"changesFailed"`
	Transformed    int64 `json:"transformed"`
	CacheHits      int64 `json:"cacheHits"`
	CacheMisses    int64 `json:"cacheMisses"`
}

// =============================================================================
// document
// =============================================================================

// document is guarded by the engine's per-document lock.
type document struct {
	id       string
	instance uint64
	ownerID  string

	content  string
	revision int

	// history[i] produced revision baseRevision+i+1
	baseRevision int
	baseContent  string
	history      []ot.Change

	participants map[string]Permissions
	cursors      map[string]Cursor

	createdAt    time.Time
	lastActivity time.Time
}

func (d *document) state() *State {
	participants := make(map[string]Permissions, len(d.participants))
	for user, perms := range d.participants {
		participants[user] = perms
	}
	cursors := make(map[string]Cursor, len(d.cursors))
	for user, c := range d.cursors {
		cursors[user] = c
	}
	return &State{
		DocumentID:   d.id,
		Content:      d.content,
		Revision:     d.revision,
		BaseRevision: d.baseRevision,
		OwnerID:      d.ownerID,
		Participants: participants,
		Cursors:      cursors,
		CreatedAt:    d.createdAt,
		LastActivity: d.lastActivity,
	}
}

func (d *document) permissions(userID string) Permissions {
	return d.participants[userID]
}

// historyEntry returns the change that produced revision rev+1.
func (d *document) historyEntry(rev int) ot.Change {
	return d.history[rev-d.baseRevision]
}

func (d *document) participantIDs() []string {
	ids := make([]string, 0, len(d.participants))
	for id := range d.participants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
