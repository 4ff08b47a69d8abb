package ot

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/adalundhe/coedit/core/errors"
)

func TestOperation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"retain", Retain(3), false},
		{"insert", Insert("héllo"), false},
		{"delete", Delete(1), false},
		{"zero retain", Retain(0), false},
		{"negative length", Operation{Type: OpDelete, Length: -1}, true},
		{"insert without text", Operation{Type: OpInsert, Length: 2}, true},
		{"insert length mismatch", Operation{Type: OpInsert, Length: 2, Text: "abc"}, true},
		{"retain with text", Operation{Type: OpRetain, Length: 1, Text: "x"}, true},
		{"unknown type", Operation{Type: OpType(9), Length: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, coreerrors.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInsert_CountsRunes(t *testing.T) {
	op := Insert("日本語")
	assert.Equal(t, 3, op.Length)
}

func TestOperation_JSON(t *testing.T) {
	data, err := json.Marshal(Insert("foo"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"insert","length":3,"text":"foo"}`, string(data))

	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","length":4}`), &op))
	assert.Equal(t, Delete(4), op)

	err = json.Unmarshal([]byte(`{"type":"move","length":4}`), &op)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ops     []Operation
		want    string
	}{
		{"insert in middle", "Hello, world!", []Operation{Retain(7), Insert("beautiful ")}, "Hello, beautiful world!"},
		{"delete prefix", "Hello, world!", []Operation{Delete(7)}, "world!"},
		{"replace", "abc", []Operation{Retain(1), Delete(1), Insert("X")}, "aXc"},
		{"empty ops", "abc", nil, "abc"},
		{"insert into empty", "", []Operation{Insert("new")}, "new"},
		{"multibyte", "héllo", []Operation{Retain(1), Delete(1), Insert("e")}, "hello"},
		{"exact consumption", "abc", []Operation{Retain(2), Delete(1)}, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.ops)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApply_OutOfBounds(t *testing.T) {
	_, err := Apply("abc", []Operation{Retain(2), Delete(5)})
	assert.ErrorIs(t, err, coreerrors.ErrOutOfBounds)

	_, err = Apply("", []Operation{Retain(1)})
	assert.ErrorIs(t, err, coreerrors.ErrOutOfBounds)
}

func TestApply_InvalidOperation(t *testing.T) {
	_, err := Apply("abc", []Operation{{Type: OpInsert, Length: 1}})
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestTransform_ConcurrentInsertAndDelete(t *testing.T) {
	doc := "Hello, world!"
	a := []Operation{Retain(7), Insert("beautiful ")}
	b := []Operation{Retain(3), Delete(2)}

	aPrime, err := Transform(a, b, SideLeft)
	require.NoError(t, err)
	bPrime, err := Transform(b, a, SideRight)
	require.NoError(t, err)

	left := mustApply(t, mustApply(t, doc, b), aPrime)
	right := mustApply(t, mustApply(t, doc, a), bPrime)
	assert.Equal(t, "Hel, beautiful world!", left)
	assert.Equal(t, left, right)
}

func TestTransform_InsertTieBreak(t *testing.T) {
	a := []Operation{Retain(1), Insert("A")}
	b := []Operation{Retain(1), Insert("B")}

	aLeft, err := Transform(a, b, SideLeft)
	require.NoError(t, err)
	assert.Equal(t, []Operation{Retain(1), Insert("A")}, aLeft)

	aRight, err := Transform(a, b, SideRight)
	require.NoError(t, err)
	assert.Equal(t, []Operation{Retain(2), Insert("A")}, aRight)

	bRight, err := Transform(b, a, SideRight)
	require.NoError(t, err)

	doc := "xy"
	assert.Equal(t, "xABy", mustApply(t, mustApply(t, doc, b), aLeft))
	assert.Equal(t, "xABy", mustApply(t, mustApply(t, doc, a), bRight))
}

func TestTransform_OverlappingDeletes(t *testing.T) {
	doc := "abcdefgh"
	a := []Operation{Retain(1), Delete(4)}
	b := []Operation{Retain(3), Delete(4)}

	aPrime, err := Transform(a, b, SideLeft)
	require.NoError(t, err)
	bPrime, err := Transform(b, a, SideRight)
	require.NoError(t, err)

	assert.Equal(t, []Operation{Retain(1), Delete(2)}, aPrime)
	assert.Equal(t, []Operation{Retain(1), Delete(2)}, bPrime)
	assert.Equal(t, "ah", mustApply(t, mustApply(t, doc, b), aPrime))
	assert.Equal(t, "ah", mustApply(t, mustApply(t, doc, a), bPrime))
}

func TestTransform_InvalidInput(t *testing.T) {
	_, err := Transform([]Operation{{Type: OpInsert}}, nil, SideLeft)
	assert.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestTransform_Convergence(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	for i := 0; i < 500; i++ {
		doc := randomText(rng, rng.IntN(20))
		a := randomOps(rng, doc)
		b := randomOps(rng, doc)

		aPrime, err := Transform(a, b, SideLeft)
		require.NoError(t, err)
		bPrime, err := Transform(b, a, SideRight)
		require.NoError(t, err)

		left := mustApply(t, mustApply(t, doc, b), aPrime)
		right := mustApply(t, mustApply(t, doc, a), bPrime)
		require.Equal(t, left, right, "doc=%q a=%v b=%v", doc, a, b)
	}
}

func TestCompose_Equivalence(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		doc := randomText(rng, rng.IntN(20))
		x := randomOps(rng, doc)
		mid := mustApply(t, doc, x)
		y := randomOps(rng, mid)

		composed, err := Compose(x, y)
		require.NoError(t, err)
		require.Equal(t, mustApply(t, mid, y), mustApply(t, doc, composed), "doc=%q x=%v y=%v", doc, x, y)
	}
}

func TestCompose_Coalesces(t *testing.T) {
	composed, err := Compose(
		[]Operation{Retain(2), Insert("ab")},
		[]Operation{Retain(4), Insert("cd")},
	)
	require.NoError(t, err)
	assert.Equal(t, []Operation{Retain(2), Insert("abcd")}, composed)
}

func TestCompose_InsertThenDelete(t *testing.T) {
	composed, err := Compose(
		[]Operation{Insert("abc")},
		[]Operation{Delete(3)},
	)
	require.NoError(t, err)
	assert.Empty(t, composed)
}

func TestComposeChanges(t *testing.T) {
	x := NewChange(4, "alice", Retain(1), Insert("a"))
	y := NewChange(5, "bob", Retain(2), Insert("b"))

	composed, err := ComposeChanges(x, y, SystemAuthor)
	require.NoError(t, err)
	assert.Equal(t, 4, composed.Revision)
	assert.Equal(t, SystemAuthor, composed.AuthorID)
	assert.NotEmpty(t, composed.ID)
	assert.Equal(t, []Operation{Retain(1), Insert("ab")}, composed.Operations)
}

func TestNormalize(t *testing.T) {
	ops := Normalize([]Operation{Retain(1), Retain(0), Retain(2), Delete(1), Insert("x"), Retain(5)})
	assert.Equal(t, []Operation{Retain(3), Insert("x"), Delete(1)}, ops)
}

func TestAffectedRange(t *testing.T) {
	tests := []struct {
		name string
		ops  []Operation
		want Range
	}{
		{"insert", []Operation{Retain(7), Insert("beautiful ")}, Range{Start: 7, End: 17}},
		{"delete", []Operation{Retain(3), Delete(2)}, Range{Start: 3, End: 5}},
		{"mixed", []Operation{Retain(1), Delete(2), Retain(3), Insert("xy")}, Range{Start: 1, End: 8}},
		{"retain only", []Operation{Retain(4)}, Range{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AffectedRange(tt.ops))
		})
	}
}

func TestRange_Overlaps(t *testing.T) {
	assert.True(t, Range{Start: 0, End: 5}.Overlaps(Range{Start: 4, End: 8}))
	assert.False(t, Range{Start: 0, End: 5}.Overlaps(Range{Start: 5, End: 8}))
	assert.False(t, Range{}.Overlaps(Range{Start: 0, End: 3}))
	assert.Equal(t, Range{Start: 1, End: 9}, Range{Start: 1, End: 4}.Union(Range{Start: 6, End: 9}))
	assert.Equal(t, Range{Start: 6, End: 9}, Range{}.Union(Range{Start: 6, End: 9}))
}

func TestTransformIndex(t *testing.T) {
	tests := []struct {
		name  string
		index int
		ops   []Operation
		want  int
	}{
		{"insert before", 5, []Operation{Retain(2), Insert("abc")}, 8},
		{"insert at index", 5, []Operation{Retain(5), Insert("abc")}, 5},
		{"insert after", 5, []Operation{Retain(6), Insert("abc")}, 5},
		{"delete before", 5, []Operation{Retain(1), Delete(2)}, 3},
		{"delete spanning", 5, []Operation{Retain(3), Delete(4)}, 3},
		{"delete after", 5, []Operation{Retain(5), Delete(4)}, 5},
		{"zero", 0, []Operation{Insert("abc")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformIndex(tt.index, tt.ops))
		})
	}
}

func TestChange_Validate(t *testing.T) {
	change := NewChange(-1, "alice", Insert("x"))
	assert.ErrorIs(t, change.Validate(), coreerrors.ErrValidation)

	change = NewChange(0, "alice", Insert("x"))
	assert.NoError(t, change.Validate())
	assert.False(t, change.IsNoop())

	noop := NewChange(0, "alice", Retain(3))
	assert.True(t, noop.IsNoop())
}

func TestChange_NormalizeAndClone(t *testing.T) {
	change := Change{Operations: []Operation{Insert("x")}}
	change.Normalize()
	assert.NotEmpty(t, change.ID)
	assert.False(t, change.Timestamp.IsZero())

	clone := change.Clone()
	clone.Operations[0] = Delete(1)
	assert.Equal(t, OpInsert, change.Operations[0].Type)
}

func mustApply(t *testing.T, content string, ops []Operation) string {
	t.Helper()
	out, err := Apply(content, ops)
	require.NoError(t, err, "content=%q ops=%v", content, ops)
	return out
}

const alphabet = "abcdefgé日"

func randomText(rng *rand.Rand, n int) string {
	letters := []rune(alphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = letters[rng.IntN(len(letters))]
	}
	return string(out)
}

func randomOps(rng *rand.Rand, doc string) []Operation {
	remaining := len([]rune(doc))
	var ops []Operation
	for steps := rng.IntN(5) + 1; steps > 0; steps-- {
		switch rng.IntN(3) {
		case 0:
			if remaining > 0 {
				n := rng.IntN(remaining) + 1
				ops = append(ops, Retain(n))
				remaining -= n
			}
		case 1:
			ops = append(ops, Insert(randomText(rng, rng.IntN(3)+1)))
		case 2:
			if remaining > 0 {
				n := rng.IntN(remaining) + 1
				ops = append(ops, Delete(n))
				remaining -= n
			}
		}
	}
	return ops
}
