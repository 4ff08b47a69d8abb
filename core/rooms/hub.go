// Package rooms groups transport sinks by document and fans engine events
// out to them.
package rooms

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/presence"
)

// Sink receives the events of the rooms it joined. Send must not block; it
// reports false when the event was dropped.
type Sink interface {
	ID() string
	Send(event *events.Event) bool
}

// Hub is an events.Subscriber that delivers every event carrying a document
// id to the sinks in that document's room. Presence events without a
// document id go to every room their payload lists.
type Hub struct {
	logger  *slog.Logger
	dropped atomic.Int64

	mu    sync.RWMutex
	rooms map[string]map[string]Sink
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[string]Sink),
	}
}

// Join adds sink to the room of documentID, replacing a sink with the same id.
func (h *Hub) Join(documentID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[string]Sink)
		h.rooms[documentID] = room
	}
	room[sink.ID()] = sink
}

// Leave removes a sink; empty rooms are dropped.
func (h *Hub) Leave(documentID, sinkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		return
	}
	delete(room, sinkID)
	if len(room) == 0 {
		delete(h.rooms, documentID)
	}
}

// Rooms returns the documents with at least one sink, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.rooms))
}

// Members returns the sink ids in a room, sorted.
func (h *Hub) Members(documentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.rooms[documentID]))
}

// Dropped counts events a sink refused.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// =============================================================================
// Subscriber
// =============================================================================

func (h *Hub) ID() string { return "rooms-hub" }

func (h *Hub) Patterns() []string { return nil }

func (h *Hub) OnEvent(event *events.Event) error {
	for _, documentID := range targets(event) {
		h.broadcast(documentID, event)
	}
	return nil
}

func targets(event *events.Event) []string {
	if event.DocumentID != "" {
		return []string{event.DocumentID}
	}
	if p, ok := event.Payload.(presence.Payload); ok {
		return p.Documents
	}
	return nil
}

func (h *Hub) broadcast(documentID string, event *events.Event) {
	h.mu.RLock()
	sinks := slices.Collect(maps.Values(h.rooms[documentID]))
	h.mu.RUnlock()

	for _, sink := range sinks {
		if sink.Send(event) {
			continue
		}
		h.dropped.Add(1)
		h.logger.Warn("room sink dropped event",
			"document_id", documentID,
			"sink_id", sink.ID(),
			"topic", event.Topic)
	}
}

// Attach subscribes the hub to bus.
func (h *Hub) Attach(bus *events.Bus) error {
	return bus.Subscribe(h)
}

// =============================================================================
// ChanSink
// =============================================================================

// ChanSink is a Sink backed by a buffered channel.
type ChanSink struct {
	id string
	ch chan *events.Event

	mu     sync.Mutex
	closed bool
}

func NewChanSink(id string, buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{id: id, ch: make(chan *events.Event, buffer)}
}

func (s *ChanSink) ID() string { return s.id }

func (s *ChanSink) Send(event *events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Events is closed by Close.
func (s *ChanSink) Events() <-chan *events.Event {
	return s.ch
}

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
