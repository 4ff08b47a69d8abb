package ot

import (
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/adalundhe/coedit/core/errors"
)

// SystemAuthor authors changes synthesized by the engines themselves.
const SystemAuthor = "system"

// Change is a sequence of operations authored against a base revision.
type Change struct {
	ID         string      `json:"id" yaml:"id"`
	Operations []Operation `json:"operations" yaml:"operations"`
	Revision   int         `json:"revision" yaml:"revision"`
	AuthorID   string      `json:"authorId" yaml:"authorId"`
	Timestamp  time.Time   `json:"timestamp" yaml:"timestamp"`
}

// NewChange builds a change with a fresh id and the current time.
func NewChange(revision int, authorID string, ops ...Operation) Change {
	return Change{
		ID:         uuid.NewString(),
		Operations: ops,
		Revision:   revision,
		AuthorID:   authorID,
		Timestamp:  time.Now(),
	}
}

// Validate checks structural invariants. It does not check bounds against a
// document; Apply does that.
func (c *Change) Validate() error {
	if c.Revision < 0 {
		return coreerrors.Newf(coreerrors.KindValidation, "ot.Change.Validate", "negative revision %d", c.Revision)
	}
	return ValidateOps(c.Operations)
}

// Normalize fills in a missing id and timestamp.
func (c *Change) Normalize() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
}

func (c *Change) Clone() Change {
	return Change{
		ID:         c.ID,
		Operations: cloneOps(c.Operations),
		Revision:   c.Revision,
		AuthorID:   c.AuthorID,
		Timestamp:  c.Timestamp,
	}
}

// HasType reports whether any operation of the change has type t.
func (c *Change) HasType(t OpType) bool {
	for _, op := range c.Operations {
		if op.Type == t {
			return true
		}
	}
	return false
}

// IsNoop reports whether the change only retains.
func (c *Change) IsNoop() bool {
	return !c.HasType(OpInsert) && !c.HasType(OpDelete)
}
