package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// BusConfig configures a Bus.
type BusConfig struct {
	// BufferSize bounds the number of undelivered events.
	BufferSize int
	// Logger receives drop and subscriber failure reports.
	Logger *slog.Logger
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize: 1024,
		Logger:     slog.Default(),
	}
}

func normalizeBusConfig(cfg BusConfig) BusConfig {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

type subscription struct {
	sub   Subscriber
	globs []glob.Glob
}

func (s *subscription) matches(topic string) bool {
	if len(s.globs) == 0 {
		return true
	}
	for _, g := range s.globs {
		if g.Match(topic) {
			return true
		}
	}
	return false
}

// Bus delivers events asynchronously from a bounded buffer. When the buffer
// is full new events are dropped and counted.
type Bus struct {
	logger *slog.Logger

	// subs is ordered by registration
	subs []*subscription

	buffer chan *Event

	mu         sync.RWMutex
	dispatchMu sync.Mutex
	started    bool
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus. Call Start to begin delivery.
func NewBus(cfg BusConfig) *Bus {
	cfg = normalizeBusConfig(cfg)
	return &Bus{
		logger: cfg.Logger,
		buffer: make(chan *Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Publish enqueues event without blocking.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.buffer <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event buffer full, dropping event",
			"topic", event.Topic,
			"document_id", event.DocumentID)
	}
}

// Subscribe registers sub for the topics matched by its patterns.
func (b *Bus) Subscribe(sub Subscriber) error {
	globs, err := compilePatterns(sub.Patterns())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("subscribe %s: bus closed", sub.ID())
	}
	b.subs = append(b.subs, &subscription{sub: sub, globs: globs})
	return nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Unsubscribe removes every subscription registered under subscriberID.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sub.ID() != subscriberID {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
}

// Start starts the dispatch goroutine. It is a no-op after the first call.
func (b *Bus) Start() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed || b.started {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.dispatch()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		default:
			return
		}
	}
}

func (b *Bus) deliver(event *Event) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(event.Topic) {
			targets = append(targets, s.sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.notify(sub, event)
	}
}

func (b *Bus) notify(sub Subscriber, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"subscriber", sub.ID(),
				"topic", event.Topic,
				"panic", r)
		}
	}()

	if err := sub.OnEvent(event); err != nil {
		b.logger.Warn("event subscriber failed",
			"subscriber", sub.ID(),
			"topic", event.Topic,
			"error", err)
	}
}

// Stats reports how many events were accepted and dropped.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close stops accepting events, delivers what is buffered and waits for the
// dispatch goroutine to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.dispatchMu.Lock()
	started := b.started
	b.dispatchMu.Unlock()

	close(b.done)
	if !started {
		return
	}
	b.wg.Wait()
}
