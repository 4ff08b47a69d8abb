package ot

import "unicode/utf8"

// builder accumulates operations, coalescing adjacent operations of the same
// type. An insert directly after a delete is placed before it so equivalent
// sequences share one canonical form.
type builder struct {
	ops []Operation
}

func (b *builder) add(op Operation) {
	switch op.Type {
	case OpRetain:
		b.retain(op.Length)
	case OpInsert:
		b.insert(op.Text)
	case OpDelete:
		b.delete(op.Length)
	}
}

func (b *builder) retain(n int) {
	if n <= 0 {
		return
	}
	if last := b.last(); last != nil && last.Type == OpRetain {
		last.Length += n
		return
	}
	b.ops = append(b.ops, Retain(n))
}

func (b *builder) insert(text string) {
	if text == "" {
		return
	}

	last := b.last()
	if last == nil {
		b.ops = append(b.ops, Insert(text))
		return
	}

	switch last.Type {
	case OpInsert:
		last.Text += text
		last.Length += utf8.RuneCountInString(text)
	case OpDelete:
		b.insertBeforeTrailingDelete(text)
	default:
		b.ops = append(b.ops, Insert(text))
	}
}

func (b *builder) insertBeforeTrailingDelete(text string) {
	n := len(b.ops)
	if n >= 2 && b.ops[n-2].Type == OpInsert {
		b.ops[n-2].Text += text
		b.ops[n-2].Length += utf8.RuneCountInString(text)
		return
	}
	del := b.ops[n-1]
	b.ops[n-1] = Insert(text)
	b.ops = append(b.ops, del)
}

func (b *builder) delete(n int) {
	if n <= 0 {
		return
	}
	if last := b.last(); last != nil && last.Type == OpDelete {
		last.Length += n
		return
	}
	b.ops = append(b.ops, Delete(n))
}

func (b *builder) last() *Operation {
	if len(b.ops) == 0 {
		return nil
	}
	return &b.ops[len(b.ops)-1]
}

func (b *builder) result() []Operation {
	if b.ops == nil {
		return []Operation{}
	}
	return b.ops
}

// Normalize returns ops in canonical form: zero-length operations dropped,
// neighbours of the same type merged and trailing retains trimmed.
func Normalize(ops []Operation) []Operation {
	var b builder
	for _, op := range ops {
		b.add(op)
	}
	out := b.result()
	for len(out) > 0 && out[len(out)-1].Type == OpRetain {
		out = out[:len(out)-1]
	}
	return out
}

// cursor walks an operation sequence, allowing the head operation to be
// consumed in pieces.
type cursor struct {
	ops    []Operation
	index  int
	offset int
}

func newCursor(ops []Operation) *cursor {
	filtered := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Length > 0 {
			filtered = append(filtered, op)
		}
	}
	return &cursor{ops: filtered}
}

func (c *cursor) hasNext() bool {
	return c.index < len(c.ops)
}

func (c *cursor) peekType() OpType {
	return c.ops[c.index].Type
}

func (c *cursor) peekLength() int {
	return c.ops[c.index].Length - c.offset
}

// take consumes up to n runes of the head operation; n < 0 takes all of it.
func (c *cursor) take(n int) Operation {
	op := c.ops[c.index]
	remaining := op.Length - c.offset
	if n < 0 || n > remaining {
		n = remaining
	}

	var piece Operation
	switch op.Type {
	case OpInsert:
		runes := []rune(op.Text)
		piece = Insert(string(runes[c.offset : c.offset+n]))
	case OpRetain:
		piece = Retain(n)
	case OpDelete:
		piece = Delete(n)
	}

	c.offset += n
	if c.offset >= op.Length {
		c.index++
		c.offset = 0
	}
	return piece
}
