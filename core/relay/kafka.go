// Package relay ships applied changes to Kafka for an external durability
// layer. Delivery is asynchronous and best effort: a bounded queue absorbs
// broker hiccups and a full queue drops records.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/adalundhe/coedit/core/document"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/ot"
)

// ErrRelayClosed is returned by Enqueue after Close.
var ErrRelayClosed = errors.New("relay closed")

// EventTypeChangeApplied tags every record the relay produces.
const EventTypeChangeApplied = "CHANGE_APPLIED"

// ChangeRecord is the Kafka message value. The message key is the document id
// so one partition sees a document's changes in order.
type ChangeRecord struct {
	EventType    string         `json:"eventType"`
	DocumentID   string         `json:"documentId"`
	ChangeID     string         `json:"changeId"`
	AuthorID     string         `json:"authorId"`
	BaseRevision int            `json:"baseRevision"`
	Revision     int            `json:"revision"`
	Operations   []ot.Operation `json:"operations"`
	AppliedAt    time.Time      `json:"appliedAt"`
}

// RecordFrom builds the record for an applied change. Operations are the
// rebased ones that produced Revision.
func RecordFrom(p *document.ChangeAppliedPayload) ChangeRecord {
	return ChangeRecord{
		EventType:    EventTypeChangeApplied,
		DocumentID:   p.DocumentID,
		ChangeID:     p.Change.ID,
		AuthorID:     p.Change.AuthorID,
		BaseRevision: p.BaseRevision,
		Revision:     p.NewRevision,
		Operations:   p.Change.Operations,
		AppliedAt:    p.Change.Timestamp,
	}
}

// Config configures a KafkaRelay.
type Config struct {
	Topic     string
	QueueSize int
	Workers   int
	Retry     *coreerrors.RetryPolicy
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Topic:     "coedit.changes",
		QueueSize: 1024,
		Workers:   2,
		Retry:     coreerrors.DefaultRetryPolicy(),
		Logger:    slog.Default(),
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	return cfg
}

// Stats counts relay outcomes.
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Retried int64 `json:"retried"`
}

// KafkaRelay subscribes to applied changes and produces them to Kafka with a
// SyncProducer from a pool of workers.
type KafkaRelay struct {
	producer sarama.SyncProducer
	cfg      Config
	logger   *slog.Logger
	queue    chan ChangeRecord
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	retried atomic.Int64
}

func NewKafkaRelay(producer sarama.SyncProducer, cfg Config) *KafkaRelay {
	cfg = normalizeConfig(cfg)
	return &KafkaRelay{
		producer: producer,
		cfg:      cfg,
		logger:   cfg.Logger,
		queue:    make(chan ChangeRecord, cfg.QueueSize),
	}
}

// Start launches the workers. It is a no-op after the first call.
func (r *KafkaRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i := range r.cfg.Workers {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Close stops accepting records and waits for the queue to drain. The
// producer stays open; its owner closes it.
func (r *KafkaRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

// Enqueue queues a record without blocking. A full queue drops it.
func (r *KafkaRelay) Enqueue(record ChangeRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRelayClosed
	}

	select {
	case r.queue <- record:
		return nil
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, dropping change",
			"document_id", record.DocumentID,
			"change_id", record.ChangeID,
			"revision", record.Revision)
		return nil
	}
}

func (r *KafkaRelay) Stats() Stats {
	return Stats{
		Sent:    r.sent.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
		Retried: r.retried.Load(),
	}
}

// =============================================================================
// Subscriber
// =============================================================================

func (r *KafkaRelay) ID() string { return "kafka-relay" }

func (r *KafkaRelay) Patterns() []string {
	return []string{events.TopicChangeApplied}
}

func (r *KafkaRelay) OnEvent(event *events.Event) error {
	p, ok := event.Payload.(*document.ChangeAppliedPayload)
	if !ok {
		return nil
	}
	return r.Enqueue(RecordFrom(p))
}

// Attach subscribes the relay to bus.
func (r *KafkaRelay) Attach(bus *events.Bus) error {
	return bus.Subscribe(r)
}

// =============================================================================
// Workers
// =============================================================================

func (r *KafkaRelay) worker(id int) {
	defer r.wg.Done()
	for record := range r.queue {
		r.sendWithRetry(id, record)
	}
}

func (r *KafkaRelay) sendWithRetry(workerID int, record ChangeRecord) {
	policy := r.cfg.Retry
	for attempt := 0; ; attempt++ {
		err := r.sendOnce(record)
		if err == nil {
			r.sent.Add(1)
			return
		}

		if attempt >= policy.MaxAttempts {
			r.failed.Add(1)
			r.logger.Error("relay send failed, dropping change",
				"worker", workerID,
				"document_id", record.DocumentID,
				"change_id", record.ChangeID,
				"revision", record.Revision,
				"attempts", attempt+1,
				"error", err)
			return
		}

		r.retried.Add(1)
		time.Sleep(coreerrors.CalculateDelay(attempt, policy))
	}
}

func (r *KafkaRelay) sendOnce(record ChangeRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.cfg.Topic,
		Key:   sarama.StringEncoder(record.DocumentID),
		Value: sarama.ByteEncoder(value),
	})
	return err
}
