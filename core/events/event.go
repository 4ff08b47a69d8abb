// Package events carries engine notifications to interested subscribers.
// Topics are dot separated and subscriptions match them with glob patterns,
// e.g. "document.*" or "presence.**".
package events

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Topics
// =============================================================================

const (
	TopicChangeApplied      = "document.change_applied"
	TopicCursorUpdated      = "document.cursor_updated"
	TopicDocumentCreated    = "document.created"
	TopicDocumentRemoved    = "document.removed"
	TopicParticipantJoined  = "document.participant_joined"
	TopicParticipantLeft    = "document.participant_left"
	TopicConflictDetected   = "conflict.detected"
	TopicConflictResolved   = "conflict.resolved"
	TopicAutoResolveFailed  = "conflict.auto_resolution_failed"
	TopicPresenceRegistered = "presence.registered"
	TopicPresenceRemoved    = "presence.unregistered"
	TopicPresenceJoined     = "presence.joined"
	TopicPresenceLeft       = "presence.left"
	TopicPresenceCursor     = "presence.cursor"
	TopicPresenceViewport   = "presence.viewport"
	TopicPresenceTyping     = "presence.typing"
	TopicPresenceStatus     = "presence.status"
	TopicPresenceExpired    = "presence.expired"
)

// =============================================================================
// Event
// =============================================================================

// Event is a single notification. Payload holds the topic specific body
// defined by the publishing package.
type Event struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	DocumentID string    `json:"documentId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with a fresh id and the current time.
func NewEvent(topic, documentID, userID string, payload any) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		DocumentID: documentID,
		UserID:     userID,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
}

// Emitter is what engines publish through.
type Emitter interface {
	Publish(event *Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Publish(*Event) {}

// =============================================================================
// Subscriber
// =============================================================================

// Subscriber receives events whose topic matches one of its patterns.
type Subscriber interface {
	// ID returns the unique subscriber identifier.
	ID() string

	// Patterns returns the topic globs this subscriber is interested in.
	// An empty slice subscribes to every topic.
	Patterns() []string

	// OnEvent is called from the dispatch goroutine.
	OnEvent(event *Event) error
}

type funcSubscriber struct {
	id       string
	patterns []string
	fn       func(*Event) error
}

// SubscriberFunc adapts fn into a Subscriber.
func SubscriberFunc(id string, patterns []string, fn func(*Event) error) Subscriber {
	return &funcSubscriber{id: id, patterns: patterns, fn: fn}
}

func (s *funcSubscriber) ID() string                 { return s.id }
func (s *funcSubscriber) Patterns() []string         { return s.patterns }
func (s *funcSubscriber) OnEvent(event *Event) error { return s.fn(event) }
