package ot

import "fmt"

// Range is a half-open rune interval [Start, End) of the base document.
type Range struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) Len() int {
	return max(r.End-r.Start, 0)
}

// Overlaps reports whether r and other share at least one position.
func (r Range) Overlaps(other Range) bool {
	return max(r.Start, other.Start) < min(r.End, other.End)
}

// Union returns the smallest range covering both r and other.
func (r Range) Union(other Range) Range {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// AffectedRange returns the span of base positions touched by ops. Retains
// advance the position; inserts and deletes mark [pos, pos+length) and
// advance it. A change that only retains yields an empty range.
func AffectedRange(ops []Operation) Range {
	pos := 0
	first, last := -1, -1
	for _, op := range ops {
		switch op.Type {
		case OpRetain:
			pos += op.Length
		case OpInsert, OpDelete:
			if first < 0 {
				first = pos
			}
			last = pos + op.Length
			pos += op.Length
		}
	}
	if first < 0 {
		return Range{}
	}
	return Range{Start: first, End: last}
}
