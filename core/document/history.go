package document

import (
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/ot"
)

// GetState returns a copy of the document. userID needs read permission.
func (e *Engine) GetState(id, userID string) (*State, error) {
	const op = "document.GetState"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireRead(op, doc, userID); err != nil {
		return nil, err
	}
	return doc.state(), nil
}

// GetHistory returns copies of the changes that produced revisions
// start+1 through end. end <= 0 means the current revision.
func (e *Engine) GetHistory(id, userID string, start, end int) ([]ot.Change, error) {
	const op = "document.GetHistory"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireRead(op, doc, userID); err != nil {
		return nil, err
	}

	if end <= 0 || end > doc.revision {
		end = doc.revision
	}
	if start < 0 || start > end {
		return nil, coreerrors.Newf(coreerrors.KindOutOfBounds, op, "invalid history range [%d,%d) at revision %d", start, end, doc.revision)
	}
	if start < doc.baseRevision {
		return nil, coreerrors.Newf(coreerrors.KindRevisionConflict, op, "revision %d of %q is no longer retained (oldest %d)", start, id, doc.baseRevision)
	}

	out := make([]ot.Change, 0, end-start)
	for rev := start; rev < end; rev++ {
		entry := doc.historyEntry(rev)
		out = append(out, entry.Clone())
	}
	return out, nil
}

// ContentAt reconstructs the content as of revision. userID needs read
// permission.
func (e *Engine) ContentAt(id, userID string, revision int) (string, error) {
	const op = "document.ContentAt"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := requireRead(op, doc, userID); err != nil {
		return "", err
	}
	return e.contentAtLocked(op, doc, revision)
}

// Snapshot returns the content at revision without a permission check; a
// negative revision means the current one. It backs internal readers such as
// conflict rules.
func (e *Engine) Snapshot(id string, revision int) (string, error) {
	const op = "document.Snapshot"

	doc, unlock, err := e.acquire(op, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	if revision < 0 {
		return doc.content, nil
	}
	return e.contentAtLocked(op, doc, revision)
}

func (e *Engine) contentAtLocked(op string, doc *document, revision int) (string, error) {
	switch {
	case revision > doc.revision:
		return "", coreerrors.Newf(coreerrors.KindOutOfBounds, op, "revision %d is ahead of %q at %d", revision, doc.id, doc.revision)
	case revision < doc.baseRevision:
		return "", coreerrors.Newf(coreerrors.KindRevisionConflict, op, "revision %d of %q is no longer retained (oldest %d)", revision, doc.id, doc.baseRevision)
	case revision == doc.revision:
		return doc.content, nil
	case revision == doc.baseRevision:
		return doc.baseContent, nil
	}

	if content, ok := e.cache.get(doc.instance, revision); ok {
		return content, nil
	}

	content := doc.baseContent
	for rev := doc.baseRevision; rev < revision; rev++ {
		next, err := ot.Apply(content, doc.historyEntry(rev).Operations)
		if err != nil {
			return "", coreerrors.Wrap(coreerrors.KindOutOfBounds, op, err)
		}
		content = next
	}

	e.cache.set(doc.instance, revision, content)
	return content, nil
}

func requireRead(op string, doc *document, userID string) error {
	if doc.permissions(userID).Has(PermRead) {
		return nil
	}
	return coreerrors.Newf(coreerrors.KindPermissionDenied, op, "user %q may not read %q", userID, doc.id)
}
