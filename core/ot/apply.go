package ot

import (
	coreerrors "github.com/adalundhe/coedit/core/errors"
)

// Apply replays ops against content. Runes past the last consuming operation
// are retained implicitly. Content is never partially modified: on error the
// returned string is empty and the input is untouched.
func Apply(content string, ops []Operation) (string, error) {
	if err := ValidateOps(ops); err != nil {
		return "", err
	}

	src := []rune(content)
	out := make([]rune, 0, len(src)+insertedLength(ops))
	pos := 0

	for i, op := range ops {
		switch op.Type {
		case OpRetain:
			if err := checkBounds(i, op, pos, len(src)); err != nil {
				return "", err
			}
			out = append(out, src[pos:pos+op.Length]...)
			pos += op.Length
		case OpInsert:
			out = append(out, []rune(op.Text)...)
		case OpDelete:
			if err := checkBounds(i, op, pos, len(src)); err != nil {
				return "", err
			}
			pos += op.Length
		}
	}

	out = append(out, src[pos:]...)
	return string(out), nil
}

func checkBounds(index int, op Operation, pos, size int) error {
	if pos+op.Length <= size {
		return nil
	}
	return coreerrors.Newf(coreerrors.KindOutOfBounds, "ot.Apply",
		"operation %d %s consumes %d runes at %d but only %d remain", index, op.Type, op.Length, pos, size-pos)
}

func insertedLength(ops []Operation) int {
	n := 0
	for _, op := range ops {
		if op.Type == OpInsert {
			n += op.Length
		}
	}
	return n
}

// TransformIndex maps a position in the base document to the equivalent
// position after ops are applied. Inserts exactly at index leave it in place.
func TransformIndex(index int, ops []Operation) int {
	if index <= 0 {
		return 0
	}

	pos := 0
	shifted := index
	for _, op := range ops {
		if pos >= index {
			break
		}
		switch op.Type {
		case OpRetain:
			pos += op.Length
		case OpInsert:
			shifted += op.Length
		case OpDelete:
			shifted -= min(op.Length, index-pos)
			pos += op.Length
		}
	}
	return max(shifted, 0)
}
