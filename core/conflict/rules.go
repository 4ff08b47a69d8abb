package conflict

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/adalundhe/coedit/core/ot"
)

// Rule is a pluggable semantic detector. It receives changes sharing a base
// revision and the document content at that revision.
type Rule interface {
	Name() string
	Detect(changes []ot.Change, snapshot string) ([]*Conflict, error)
}

// SnapshotSource supplies document content at a revision.
type SnapshotSource interface {
	Snapshot(documentID string, revision int) (string, error)
}

// runRule executes rule, converting panics into errors.
func runRule(rule Rule, changes []ot.Change, snapshot string) (found []*Conflict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Name(), r)
		}
	}()
	return rule.Detect(cloneChanges(changes), snapshot)
}

// runRules runs every rule and returns what they found. Failing rules are
// logged and skipped.
func runRules(logger *slog.Logger, rules []Rule, documentID string, changes []ot.Change, snapshot string) []*Conflict {
	var found []*Conflict
	for _, rule := range rules {
		conflicts, err := runRule(rule, changes, snapshot)
		if err != nil {
			logger.Warn("conflict rule failed",
				"rule", rule.Name(),
				"document_id", documentID,
				"error", err)
			continue
		}
		for _, c := range conflicts {
			if c == nil {
				continue
			}
			if c.Metadata.Rule == "" {
				c.Metadata.Rule = rule.Name()
			}
			found = append(found, c)
		}
	}
	return found
}

// =============================================================================
// WordBoundaryRule
// =============================================================================

// WordBoundaryRule reports changes by different authors that start inside
// the same word of the snapshot, whether or not their ranges overlap.
type WordBoundaryRule struct{}

func (WordBoundaryRule) Name() string { return "word_boundary" }

func (WordBoundaryRule) Detect(changes []ot.Change, snapshot string) ([]*Conflict, error) {
	if len(changes) < 2 || snapshot == "" {
		return nil, nil
	}
	runes := []rune(snapshot)

	words := make(map[ot.Range][]ot.Change)
	var order []ot.Range
	for _, change := range changes {
		r := ot.AffectedRange(change.Operations)
		if r.Empty() {
			continue
		}
		word, ok := enclosingWord(runes, r.Start)
		if !ok {
			continue
		}
		if _, seen := words[word]; !seen {
			order = append(order, word)
		}
		words[word] = append(words[word], change)
	}

	var found []*Conflict
	for _, word := range order {
		group := words[word]
		if len(group) < 2 || distinctAuthors(group) < 2 {
			continue
		}
		found = append(found, &Conflict{
			Type:    TypeSemantic,
			Changes: group,
			Metadata: Metadata{
				AffectedRange: word,
				Description:   fmt.Sprintf("concurrent edits inside word %q", string(runes[word.Start:word.End])),
			},
		})
	}
	return found, nil
}

// enclosingWord returns the word containing or ending at pos.
func enclosingWord(runes []rune, pos int) (ot.Range, bool) {
	if pos > len(runes) {
		return ot.Range{}, false
	}
	start := pos
	if start == len(runes) || !isWordRune(runes[start]) {
		if start == 0 || !isWordRune(runes[start-1]) {
			return ot.Range{}, false
		}
	}
	for start > 0 && isWordRune(runes[start-1]) {
		start--
	}
	end := pos
	for end < len(runes) && isWordRune(runes[end]) {
		end++
	}
	return ot.Range{Start: start, End: end}, end > start
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func distinctAuthors(changes []ot.Change) int {
	seen := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		seen[strings.ToLower(c.AuthorID)] = struct{}{}
	}
	return len(seen)
}
