package conflict

import (
	"context"
	"fmt"
	"slices"

	"github.com/adalundhe/coedit/core/ot"
)

const (
	StrategyOperationalTransform = "operational_transform"
	StrategyLastWriterWins       = "last_writer_wins"
	StrategyFirstWriterWins      = "first_writer_wins"
	StrategyPriorityBased        = "priority_based"
	StrategyMerge                = "merge"
	StrategyManual               = "manual"
	StrategySemanticMerge        = "semantic_merge"
)

// Strategy turns a conflict into a Resolution. Implementations receive a
// copy of the conflict and must not retain it.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, conflict *Conflict, rctx *ResolutionContext) (*Resolution, error)
}

// BuiltinStrategies returns the strategies every engine registers.
func BuiltinStrategies() []Strategy {
	return []Strategy{
		OperationalTransform{},
		LastWriterWins{},
		FirstWriterWins{},
		PriorityBased{},
		Merge{},
	}
}

// =============================================================================
// operational_transform
// =============================================================================

// OperationalTransform rebases two concurrent changes onto each other. Result
// holds A' = T(A,B,left) and B' = T(B,A,right); Composed is B followed by A'.
type OperationalTransform struct{}

func (OperationalTransform) Name() string { return StrategyOperationalTransform }

func (OperationalTransform) Resolve(_ context.Context, c *Conflict, _ *ResolutionContext) (*Resolution, error) {
	if len(c.Changes) != 2 {
		return nil, fmt.Errorf("operational_transform requires exactly 2 changes, got %d", len(c.Changes))
	}
	a, b := c.Changes[0], c.Changes[1]

	aPrime, err := ot.TransformChange(a, b, ot.SideLeft)
	if err != nil {
		return nil, fmt.Errorf("transform %s against %s: %w", a.ID, b.ID, err)
	}
	bPrime, err := ot.TransformChange(b, a, ot.SideRight)
	if err != nil {
		return nil, fmt.Errorf("transform %s against %s: %w", b.ID, a.ID, err)
	}
	composed, err := ot.ComposeChanges(b, aPrime, ot.SystemAuthor)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	return &Resolution{
		Strategy: StrategyOperationalTransform,
		Result:   []ot.Change{aPrime, bPrime},
		Composed: &composed,
	}, nil
}

// =============================================================================
// last_writer_wins / first_writer_wins
// =============================================================================

type LastWriterWins struct{}

func (LastWriterWins) Name() string { return StrategyLastWriterWins }

func (LastWriterWins) Resolve(_ context.Context, c *Conflict, _ *ResolutionContext) (*Resolution, error) {
	return pickWinner(StrategyLastWriterWins, c, func(a, b ot.Change) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

type FirstWriterWins struct{}

func (FirstWriterWins) Name() string { return StrategyFirstWriterWins }

func (FirstWriterWins) Resolve(_ context.Context, c *Conflict, _ *ResolutionContext) (*Resolution, error) {
	return pickWinner(StrategyFirstWriterWins, c, func(a, b ot.Change) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// =============================================================================
// priority_based
// =============================================================================

// PriorityBased keeps the change of the author with the highest configured
// priority. Ties go to the later change.
type PriorityBased struct{}

func (PriorityBased) Name() string { return StrategyPriorityBased }

func (PriorityBased) Resolve(_ context.Context, c *Conflict, rctx *ResolutionContext) (*Resolution, error) {
	return pickWinner(StrategyPriorityBased, c, func(a, b ot.Change) int {
		if diff := rctx.Priority(b.AuthorID) - rctx.Priority(a.AuthorID); diff != 0 {
			return diff
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
}

// pickWinner sorts a copy of the changes with cmp and keeps the first.
func pickWinner(name string, c *Conflict, cmp func(a, b ot.Change) int) (*Resolution, error) {
	if len(c.Changes) == 0 {
		return nil, fmt.Errorf("%s: conflict has no changes", name)
	}
	ordered := cloneChanges(c.Changes)
	slices.SortStableFunc(ordered, cmp)

	return &Resolution{
		Strategy:  name,
		Result:    ordered[:1],
		Discarded: ordered[1:],
		Note:      fmt.Sprintf("kept %s by %s", ordered[0].ID, ordered[0].AuthorID),
	}, nil
}

// =============================================================================
// merge
// =============================================================================

// Merge concatenates every operation of every change into one change
// authored by the system user. It suits non-overlapping augmentations only.
type Merge struct{}

func (Merge) Name() string { return StrategyMerge }

func (Merge) Resolve(_ context.Context, c *Conflict, _ *ResolutionContext) (*Resolution, error) {
	if len(c.Changes) == 0 {
		return nil, fmt.Errorf("merge: conflict has no changes")
	}

	var ops []ot.Operation
	for _, change := range c.Changes {
		ops = append(ops, change.Operations...)
	}
	merged := ot.NewChange(c.Changes[0].Revision, ot.SystemAuthor, ops...)

	return &Resolution{
		Strategy: StrategyMerge,
		Result:   []ot.Change{merged},
		Composed: &merged,
	}, nil
}

// =============================================================================
// StrategyFunc
// =============================================================================

type funcStrategy struct {
	name string
	fn   func(ctx context.Context, c *Conflict, rctx *ResolutionContext) (*Resolution, error)
}

// StrategyFunc adapts fn into a Strategy named name.
func StrategyFunc(name string, fn func(ctx context.Context, c *Conflict, rctx *ResolutionContext) (*Resolution, error)) Strategy {
	return &funcStrategy{name: name, fn: fn}
}

func (s *funcStrategy) Name() string { return s.name }

func (s *funcStrategy) Resolve(ctx context.Context, c *Conflict, rctx *ResolutionContext) (*Resolution, error) {
	return s.fn(ctx, c, rctx)
}
