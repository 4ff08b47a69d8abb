package conflict

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/coedit/core/document"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/ot"
)

const defaultMonitorWindow = 64

// Monitor feeds applied changes into detection. It remembers the last
// submitted changes per document and, when a change arrives whose base
// revision matches earlier ones, runs DetectConflicts over that group.
type Monitor struct {
	engine *Engine
	logger *slog.Logger
	window int

	mu     sync.Mutex
	recent map[string]*lru.Cache[string, ot.Change]
}

func NewMonitor(engine *Engine, window int, logger *slog.Logger) *Monitor {
	if window <= 0 {
		window = defaultMonitorWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		engine: engine,
		logger: logger,
		window: window,
		recent: make(map[string]*lru.Cache[string, ot.Change]),
	}
}

func (m *Monitor) ID() string { return "conflict-monitor" }

func (m *Monitor) Patterns() []string {
	return []string{events.TopicChangeApplied, events.TopicDocumentRemoved}
}

func (m *Monitor) OnEvent(event *events.Event) error {
	switch event.Topic {
	case events.TopicDocumentRemoved:
		m.forget(event.DocumentID)
		return nil
	case events.TopicChangeApplied:
		payload, ok := event.Payload.(*document.ChangeAppliedPayload)
		if !ok {
			return nil
		}
		return m.observe(payload)
	}
	return nil
}

func (m *Monitor) observe(p *document.ChangeAppliedPayload) error {
	group, err := m.record(p.DocumentID, p.Original)
	if err != nil || len(group) < 2 {
		return err
	}

	found, err := m.engine.DetectConflicts(p.DocumentID, group)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		m.logger.Debug("monitor registered conflicts",
			"document_id", p.DocumentID,
			"base_revision", p.BaseRevision,
			"conflicts", len(found))
	}
	return nil
}

// record stores change and returns every remembered change sharing its base
// revision, in arrival order.
func (m *Monitor) record(documentID string, change ot.Change) ([]ot.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.recent[documentID]
	if !ok {
		var err error
		window, err = lru.New[string, ot.Change](m.window)
		if err != nil {
			return nil, err
		}
		m.recent[documentID] = window
	}
	window.Add(change.ID, change)

	var group []ot.Change
	for _, c := range window.Values() {
		if c.Revision == change.Revision {
			group = append(group, c)
		}
	}
	return group, nil
}

func (m *Monitor) forget(documentID string) {
	m.mu.Lock()
	delete(m.recent, documentID)
	m.mu.Unlock()

	m.engine.ForgetDocument(documentID)
}

// Attach subscribes the monitor to bus.
func (m *Monitor) Attach(bus *events.Bus) error {
	return bus.Subscribe(m)
}
