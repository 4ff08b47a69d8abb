package ot

// Compose merges x followed by y into one equivalent sequence:
//
//	Apply(d, Compose(x, y)) == Apply(Apply(d, x), y)
func Compose(x, y []Operation) ([]Operation, error) {
	if err := ValidateOps(x); err != nil {
		return nil, err
	}
	if err := ValidateOps(y); err != nil {
		return nil, err
	}

	cx, cy := newCursor(x), newCursor(y)
	var out builder

	for cx.hasNext() || cy.hasNext() {
		if cx.hasNext() && cx.peekType() == OpDelete {
			out.delete(cx.take(-1).Length)
			continue
		}
		if cy.hasNext() && cy.peekType() == OpInsert {
			out.insert(cy.take(-1).Text)
			continue
		}
		if !cx.hasNext() {
			out.add(cy.take(-1))
			continue
		}
		if !cy.hasNext() {
			out.add(cx.take(-1))
			continue
		}

		n := min(cx.peekLength(), cy.peekLength())
		composePair(&out, cx.take(n), cy.take(n))
	}

	return out.result(), nil
}

func composePair(out *builder, opX, opY Operation) {
	switch {
	case opX.Type == OpRetain && opY.Type == OpRetain:
		out.retain(opX.Length)
	case opX.Type == OpRetain && opY.Type == OpDelete:
		out.delete(opY.Length)
	case opX.Type == OpInsert && opY.Type == OpRetain:
		out.insert(opX.Text)
	case opX.Type == OpInsert && opY.Type == OpDelete:
		// y removes what x inserted
	}
}

// ComposeChanges merges two sequential changes. The result keeps x's base
// revision and is attributed to author.
func ComposeChanges(x, y Change, author string) (Change, error) {
	ops, err := Compose(x.Operations, y.Operations)
	if err != nil {
		return Change{}, err
	}
	composed := NewChange(x.Revision, author, ops...)
	if y.Timestamp.After(x.Timestamp) {
		composed.Timestamp = y.Timestamp
	} else if !x.Timestamp.IsZero() {
		composed.Timestamp = x.Timestamp
	}
	return composed, nil
}
