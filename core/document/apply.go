package document

import (
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/ot"
)

// ApplyChange rebases change onto the current revision, applies it and
// records it in history. The document is untouched when any step fails.
//
// A change authored against an older revision is transformed against every
// history entry since, taking the right side so text that is already applied
// keeps its position on insert ties.
func (e *Engine) ApplyChange(id string, change ot.Change, userID string) (*ApplyResult, error) {
	const op = "document.ApplyChange"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return nil, err
	}

	result, payload, err := e.applyLocked(doc, change, userID)
	unlock()

	if err != nil {
		e.failed.Add(1)
		e.logger.Debug("change rejected",
			"document_id", id,
			"user_id", userID,
			"base_revision", change.Revision,
			"error", err)
		return nil, err
	}

	e.applied.Add(1)
	e.emitter.Publish(events.NewEvent(events.TopicChangeApplied, id, userID, payload))
	return result, nil
}

func (e *Engine) applyLocked(doc *document, change ot.Change, userID string) (*ApplyResult, *ChangeAppliedPayload, error) {
	const op = "document.ApplyChange"

	if !doc.permissions(userID).Has(PermWrite) {
		return nil, nil, coreerrors.Newf(coreerrors.KindPermissionDenied, op, "user %q may not write to %q", userID, doc.id)
	}
	if err := change.Validate(); err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.KindValidation, op, err)
	}

	original := change.Clone()
	original.Normalize()
	// History attributes the change to the caller the permission check ran
	// against, whatever the client claimed.
	original.AuthorID = userID

	ops, err := e.rebase(doc, original)
	if err != nil {
		return nil, nil, err
	}

	content, err := ot.Apply(doc.content, ops)
	if err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.KindOutOfBounds, op, err)
	}

	applied := original.Clone()
	applied.Operations = ops
	applied.Revision = doc.revision

	doc.history = append(doc.history, applied)
	doc.revision++
	doc.content = content
	doc.lastActivity = e.now()
	e.shiftCursors(doc, userID, ops)
	e.pruneHistory(doc)

	result := &ApplyResult{
		Content:  content,
		Revision: doc.revision,
		Change:   applied.Clone(),
	}
	payload := &ChangeAppliedPayload{
		DocumentID:   doc.id,
		Change:       applied.Clone(),
		Original:     original,
		BaseRevision: original.Revision,
		NewRevision:  doc.revision,
		NewContent:   content,
	}
	return result, payload, nil
}

// rebase transforms change against history[change.Revision, revision).
func (e *Engine) rebase(doc *document, change ot.Change) ([]ot.Operation, error) {
	const op = "document.ApplyChange"

	switch {
	case change.Revision > doc.revision:
		return nil, coreerrors.Newf(coreerrors.KindRevisionConflict, op,
			"change based on revision %d but %q is at %d", change.Revision, doc.id, doc.revision)
	case change.Revision < doc.baseRevision:
		return nil, coreerrors.Newf(coreerrors.KindRevisionConflict, op,
			"revision %d of %q is no longer retained (oldest %d)", change.Revision, doc.id, doc.baseRevision)
	}

	ops := change.Operations
	for rev := change.Revision; rev < doc.revision; rev++ {
		prior := doc.historyEntry(rev)
		transformed, err := ot.Transform(ops, prior.Operations, ot.SideRight)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindValidation, op, err)
		}
		ops = transformed
	}
	if change.Revision < doc.revision {
		e.rebased.Add(1)
	}
	return ops, nil
}

// shiftCursors moves other participants' cursors through ops. The author
// reports its own cursor.
func (e *Engine) shiftCursors(doc *document, authorID string, ops []ot.Operation) {
	for user, cursor := range doc.cursors {
		if user == authorID {
			continue
		}
		doc.cursors[user] = cursor.shift(ops)
	}
}

// pruneHistory folds the oldest entries into the base snapshot once history
// exceeds MaxHistory.
func (e *Engine) pruneHistory(doc *document) {
	excess := len(doc.history) - e.cfg.MaxHistory
	if excess <= 0 {
		return
	}

	base := doc.baseContent
	for _, change := range doc.history[:excess] {
		next, err := ot.Apply(base, change.Operations)
		if err != nil {
			// history applied once already; a failure here means corrupted state
			e.logger.Error("history fold failed", "document_id", doc.id, "revision", change.Revision, "error", err)
			return
		}
		base = next
	}

	doc.baseContent = base
	doc.baseRevision += excess
	doc.history = append(doc.history[:0:0], doc.history[excess:]...)
}
