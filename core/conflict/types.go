// Package conflict detects overlapping concurrent changes, classifies them
// and runs pluggable resolution strategies over them. Resolutions are
// advisory: they describe an outcome but never rewrite document content.
package conflict

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/adalundhe/coedit/core/ot"
)

// =============================================================================
// Type and Priority
// =============================================================================

type Type string

const (
	TypeConcurrentEdit Type = "concurrent_edit"
	TypeDeleteModify   Type = "delete_modify"
	TypeMoveModify     Type = "move_modify"
	TypeSemantic       Type = "semantic"
	TypeOrdering       Type = "ordering"
	TypeStructural     Type = "structural"
)

// basePriority is the priority a conflict type starts from.
func (t Type) basePriority() Priority {
	switch t {
	case TypeStructural:
		return PriorityCritical
	case TypeDeleteModify, TypeSemantic:
		return PriorityHigh
	case TypeConcurrentEdit:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	for prio, name := range priorityNames {
		if strings.EqualFold(name, string(text)) {
			*p = prio
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", string(text))
}

// bump raises p one level, capped at critical.
func (p Priority) bump() Priority {
	return min(p+1, PriorityCritical)
}

// PriorityFor derives a conflict's priority from its type and the number of
// changes involved.
func PriorityFor(t Type, changeCount int) Priority {
	p := t.basePriority()
	if changeCount > 2 {
		p = p.bump()
	}
	return p
}

// =============================================================================
// Conflict
// =============================================================================

type Metadata struct {
	DocumentID    string    `json:"documentId"`
	AffectedRange ot.Range  `json:"affectedRange"`
	DetectedAt    time.Time `json:"detectedAt"`
	BaseRevision  int       `json:"baseRevision"`
	Rule          string    `json:"rule,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// Attempt records one strategy execution.
type Attempt struct {
	Timestamp time.Time     `json:"timestamp"`
	Strategy  string        `json:"strategy"`
	Result    *Resolution   `json:"result,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Auto      bool          `json:"auto"`
	Duration  time.Duration `json:"duration"`
}

// Resolution is a strategy's outcome. Result lists the changes the strategy
// keeps, Discarded those it drops.
type Resolution struct {
	Strategy        string      `json:"strategy"`
	Result          []ot.Change `json:"result"`
	Discarded       []ot.Change `json:"discarded,omitempty"`
	Composed        *ot.Change  `json:"composed,omitempty"`
	Note            string      `json:"note,omitempty"`
	ResolvedAt      time.Time   `json:"resolvedAt"`
	AlreadyResolved bool        `json:"alreadyResolved"`
}

func (r *Resolution) clone() *Resolution {
	if r == nil {
		return nil
	}
	out := *r
	out.Result = cloneChanges(r.Result)
	out.Discarded = cloneChanges(r.Discarded)
	if r.Composed != nil {
		composed := r.Composed.Clone()
		out.Composed = &composed
	}
	return &out
}

type Conflict struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	Changes    []ot.Change `json:"changes"`
	Priority   Priority    `json:"priority"`
	Resolved   bool        `json:"resolved"`
	Strategy   string      `json:"strategy,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Attempts   []Attempt   `json:"attempts"`
	Metadata   Metadata    `json:"metadata"`
}

// Clone returns a deep copy.
func (c *Conflict) Clone() *Conflict {
	out := *c
	out.Changes = cloneChanges(c.Changes)
	out.Resolution = c.Resolution.clone()
	out.Attempts = make([]Attempt, len(c.Attempts))
	for i, a := range c.Attempts {
		a.Result = a.Result.clone()
		out.Attempts[i] = a
	}
	return &out
}

// Authors returns the distinct author ids in change order.
func (c *Conflict) Authors() []string {
	seen := make(map[string]bool, len(c.Changes))
	authors := make([]string, 0, len(c.Changes))
	for _, change := range c.Changes {
		if !seen[change.AuthorID] {
			seen[change.AuthorID] = true
			authors = append(authors, change.AuthorID)
		}
	}
	return authors
}

// changeSetKey identifies a conflict by type and the ids of its changes.
func (c *Conflict) changeSetKey() string {
	ids := make([]string, 0, len(c.Changes))
	for _, change := range c.Changes {
		ids = append(ids, change.ID)
	}
	slices.Sort(ids)
	return c.Metadata.DocumentID + "|" + string(c.Type) + "|" + strings.Join(ids, ",")
}

// Summary is the wire shape of a conflict.
type Summary struct {
	ID           string   `json:"id"`
	Type         Type     `json:"type"`
	Priority     Priority `json:"priority"`
	Resolved     bool     `json:"resolved"`
	Strategy     string   `json:"strategy,omitempty"`
	ChangeCount  int      `json:"changeCount"`
	Authors      []string `json:"authors"`
	Metadata     Metadata `json:"metadata"`
	AttemptCount int      `json:"attemptCount"`
}

// Summarize projects c onto its wire shape.
func Summarize(c *Conflict) Summary {
	return Summary{
		ID:           c.ID,
		Type:         c.Type,
		Priority:     c.Priority,
		Resolved:     c.Resolved,
		Strategy:     c.Strategy,
		ChangeCount:  len(c.Changes),
		Authors:      c.Authors(),
		Metadata:     c.Metadata,
		AttemptCount: len(c.Attempts),
	}
}

// =============================================================================
// Resolution context
// =============================================================================

// Overlap is a pairwise intersection between two changes' affected ranges.
type Overlap struct {
	ChangeA string   `json:"changeA"`
	ChangeB string   `json:"changeB"`
	RangeA  ot.Range `json:"rangeA"`
	RangeB  ot.Range `json:"rangeB"`
}

// Finding is a semantic observation a rule made about a conflict's changes.
type Finding struct {
	Rule        string `json:"rule"`
	Type        Type   `json:"type"`
	Description string `json:"description"`
}

// Hint proposes a strategy with a confidence in [0,1].
type Hint struct {
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ResolutionContext is recomputed for every resolution attempt.
type ResolutionContext struct {
	Overlaps   []Overlap      `json:"overlaps"`
	Findings   []Finding      `json:"findings"`
	Hints      []Hint         `json:"hints"`
	Priorities map[string]int `json:"-"`
}

// Priority returns the configured priority of author, zero when unset.
func (rc *ResolutionContext) Priority(author string) int {
	if rc == nil {
		return 0
	}
	return rc.Priorities[author]
}

func cloneChanges(changes []ot.Change) []ot.Change {
	if changes == nil {
		return nil
	}
	out := make([]ot.Change, len(changes))
	for i := range changes {
		out[i] = changes[i].Clone()
	}
	return out
}
