// Package ot implements the retain/insert/delete operation model and the
// operational transform primitives (apply, transform, compose) built on it.
package ot

import (
	"fmt"
	"unicode/utf8"

	coreerrors "github.com/adalundhe/coedit/core/errors"
)

type OpType int

const (
	OpRetain OpType = iota
	OpInsert
	OpDelete
)

var opTypeNames = map[OpType]string{
	OpRetain: "retain",
	OpInsert: "insert",
	OpDelete: "delete",
}

func (o OpType) String() string {
	if name, ok := opTypeNames[o]; ok {
		return name
	}
	return "unknown"
}

func (o OpType) MarshalText() ([]byte, error) {
	if _, ok := opTypeNames[o]; !ok {
		return nil, fmt.Errorf("unknown op type %d", int(o))
	}
	return []byte(o.String()), nil
}

func (o *OpType) UnmarshalText(text []byte) error {
	parsed, err := ParseOpType(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func ParseOpType(s string) (OpType, error) {
	for t, name := range opTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, coreerrors.Newf(coreerrors.KindValidation, "ot.ParseOpType", "unknown operation type %q", s)
}

// Operation is one step of a change. Length counts runes; Text is set only
// for inserts.
type Operation struct {
	Type   OpType `json:"type" yaml:"type"`
	Length int    `json:"length" yaml:"length"`
	Text   string `json:"text,omitempty" yaml:"text,omitempty"`
}

func Retain(n int) Operation {
	return Operation{Type: OpRetain, Length: n}
}

func Insert(text string) Operation {
	return Operation{Type: OpInsert, Length: utf8.RuneCountInString(text), Text: text}
}

func Delete(n int) Operation {
	return Operation{Type: OpDelete, Length: n}
}

// Consumes reports how many runes of the base document the operation reads.
func (o Operation) Consumes() int {
	if o.Type == OpInsert {
		return 0
	}
	return o.Length
}

// Validate checks the structural invariants of a single operation.
func (o Operation) Validate() error {
	if o.Length < 0 {
		return coreerrors.Newf(coreerrors.KindValidation, "ot.Validate", "negative length %d", o.Length)
	}

	switch o.Type {
	case OpInsert:
		return o.validateInsert()
	case OpRetain, OpDelete:
		if o.Text != "" {
			return coreerrors.Newf(coreerrors.KindValidation, "ot.Validate", "%s must not carry text", o.Type)
		}
		return nil
	default:
		return coreerrors.Newf(coreerrors.KindValidation, "ot.Validate", "unknown operation type %d", int(o.Type))
	}
}

func (o Operation) validateInsert() error {
	if o.Text == "" {
		return coreerrors.New(coreerrors.KindValidation, "ot.Validate", "insert requires text")
	}
	if n := utf8.RuneCountInString(o.Text); n != o.Length {
		return coreerrors.Newf(coreerrors.KindValidation, "ot.Validate", "insert length %d does not match text length %d", o.Length, n)
	}
	return nil
}

func (o Operation) String() string {
	if o.Type == OpInsert {
		return fmt.Sprintf("insert(%q)", o.Text)
	}
	return fmt.Sprintf("%s(%d)", o.Type, o.Length)
}

// ValidateOps validates every operation in ops.
func ValidateOps(ops []Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// BaseLength is the number of base-document runes ops read.
func BaseLength(ops []Operation) int {
	n := 0
	for _, op := range ops {
		n += op.Consumes()
	}
	return n
}

func cloneOps(ops []Operation) []Operation {
	if ops == nil {
		return nil
	}
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out
}
