package ot

// Side breaks ties when both sequences insert at the same position.
type Side int

const (
	// SideLeft places the transformed sequence's insert first.
	SideLeft Side = iota
	// SideRight places the other sequence's insert first.
	SideRight
)

var sideNames = map[Side]string{
	SideLeft:  "left",
	SideRight: "right",
}

func (s Side) String() string {
	if name, ok := sideNames[s]; ok {
		return name
	}
	return "unknown"
}

// Transform rewrites a so that it applies after b, where a and b were both
// authored against the same document. For concurrent a and b:
//
//	Apply(Apply(d, b), Transform(a, b, SideLeft)) == Apply(Apply(d, a), Transform(b, a, SideRight))
func Transform(a, b []Operation, side Side) ([]Operation, error) {
	if err := ValidateOps(a); err != nil {
		return nil, err
	}
	if err := ValidateOps(b); err != nil {
		return nil, err
	}

	ca, cb := newCursor(a), newCursor(b)
	var out builder

	for ca.hasNext() || cb.hasNext() {
		if ca.hasNext() && ca.peekType() == OpInsert && insertsFirst(cb, side) {
			out.insert(ca.take(-1).Text)
			continue
		}
		if cb.hasNext() && cb.peekType() == OpInsert {
			out.retain(cb.take(-1).Length)
			continue
		}
		if !ca.hasNext() {
			break
		}
		if !cb.hasNext() {
			out.add(ca.take(-1))
			continue
		}

		n := min(ca.peekLength(), cb.peekLength())
		transformConsuming(&out, ca.take(n), cb.take(n))
	}

	return out.result(), nil
}

func insertsFirst(other *cursor, side Side) bool {
	if !other.hasNext() || other.peekType() != OpInsert {
		return true
	}
	return side == SideLeft
}

// transformConsuming handles two base-consuming heads of equal length.
func transformConsuming(out *builder, opA, opB Operation) {
	switch {
	case opA.Type == OpRetain && opB.Type == OpRetain:
		out.retain(opA.Length)
	case opA.Type == OpDelete && opB.Type == OpRetain:
		out.delete(opA.Length)
	case opA.Type == OpDelete && opB.Type == OpDelete:
		// both removed the same runes
	case opA.Type == OpRetain && opB.Type == OpDelete:
		// b already removed what a retained
	}
}

// TransformChange returns a copy of a rewritten to apply after b.
func TransformChange(a, b Change, side Side) (Change, error) {
	ops, err := Transform(a.Operations, b.Operations, side)
	if err != nil {
		return Change{}, err
	}
	result := a.Clone()
	result.Operations = ops
	return result, nil
}
