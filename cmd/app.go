package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/adalundhe/coedit/core/config"
	"github.com/adalundhe/coedit/core/conflict"
	"github.com/adalundhe/coedit/core/document"
	coreerrors "github.com/adalundhe/coedit/core/errors"
	"github.com/adalundhe/coedit/core/events"
	"github.com/adalundhe/coedit/core/httpapi"
	"github.com/adalundhe/coedit/core/presence"
	"github.com/adalundhe/coedit/core/relay"
	"github.com/adalundhe/coedit/core/rooms"
)

// app is the fully wired service. Optional collaborators stay nil when their
// config section is disabled.
type app struct {
	logger *slog.Logger

	bus       *events.Bus
	documents *document.Engine
	conflicts *conflict.Engine
	monitor   *conflict.Monitor
	presence  *presence.Tracker
	hub       *rooms.Hub
	server    *httpapi.Server

	rdb      redis.UniversalClient
	mirror   *presence.RedisMirror
	producer sarama.SyncProducer
	relay    *relay.KafkaRelay
}

// appDeps lets callers supply external clients instead of dialing them from
// config.
type appDeps struct {
	Redis    redis.UniversalClient
	Producer sarama.SyncProducer
}

func newApp(cfg *config.Config, logger *slog.Logger, deps appDeps) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.bus = events.NewBus(events.BusConfig{
		BufferSize: cfg.Events.BufferSize,
		Logger:     logger.With("component", "events"),
	})

	a.documents, err = document.NewEngine(document.EngineConfig{
		MaxHistory:      cfg.Document.MaxHistory,
		IdleTimeout:     cfg.Document.IdleTimeout,
		CleanupInterval: cfg.Document.CleanupInterval,
		CacheMaxCost:    cfg.Document.CacheMaxCost,
		Emitter:         a.bus,
		Logger:          logger.With("component", "document"),
	})
	if err != nil {
		return nil, fmt.Errorf("document engine: %w", err)
	}

	a.conflicts, err = conflict.NewEngine(conflict.Config{
		AutoResolve:            cfg.Conflict.AutoResolve,
		AutoResolveDelay:       cfg.Conflict.AutoResolveDelay,
		MaxAutoResolveAttempts: cfg.Conflict.MaxAutoResolveAttempts,
		DefaultStrategy:        cfg.Conflict.DefaultStrategy,
		UserPriorities:         cfg.Conflict.UserPriorities,
		ArchiveSize:            cfg.Conflict.ArchiveSize,
		Snapshots:              a.documents,
		Emitter:                a.bus,
		Logger:                 logger.With("component", "conflict"),
	})
	if err != nil {
		return nil, fmt.Errorf("conflict engine: %w", err)
	}
	if cfg.Conflict.WordBoundaryRule {
		a.conflicts.RegisterRule(conflict.WordBoundaryRule{})
	}
	a.monitor = conflict.NewMonitor(a.conflicts, cfg.Conflict.MonitorWindow, logger.With("component", "conflict-monitor"))

	a.presence = presence.NewTracker(presence.Config{
		PresenceTimeout:       cfg.Presence.Timeout,
		CleanupInterval:       cfg.Presence.CleanupInterval,
		UserActivityLimit:     cfg.Presence.UserActivityLimit,
		DocumentActivityLimit: cfg.Presence.DocumentActivityLimit,
		Emitter:               a.bus,
		Logger:                logger.With("component", "presence"),
	})
	a.hub = rooms.NewHub(logger.With("component", "rooms"))

	if cfg.Redis.Enabled {
		a.rdb = deps.Redis
		if a.rdb == nil {
			a.rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		a.mirror = presence.NewRedisMirror(a.rdb, a.presence, presence.MirrorConfig{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL,
			Logger: logger.With("component", "presence-mirror"),
		})
	}

	if cfg.Kafka.Enabled {
		a.producer = deps.Producer
		if a.producer == nil {
			a.producer, err = newSyncProducer(cfg.Kafka)
			if err != nil {
				return nil, err
			}
		}
		retry := coreerrors.DefaultRetryPolicy()
		retry.MaxAttempts = cfg.Kafka.MaxRetries
		a.relay = relay.NewKafkaRelay(a.producer, relay.Config{
			Topic:     cfg.Kafka.Topic,
			QueueSize: cfg.Kafka.QueueSize,
			Workers:   cfg.Kafka.Workers,
			Retry:     retry,
			Logger:    logger.With("component", "relay"),
		})
	}

	if cfg.HTTP.Enabled {
		a.server = httpapi.NewServer(httpapi.Config{
			Addr:         cfg.HTTP.Addr,
			StreamBuffer: cfg.HTTP.StreamBuffer,
			Logger:       logger.With("component", "http"),
		}, httpapi.Deps{
			Documents: a.documents,
			Conflicts: a.conflicts,
			Presence:  a.presence,
			Hub:       a.hub,
			Bus:       a.bus,
			Relay:     a.relay,
		})
	}
	return a, nil
}

func newSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	kafkaCfg.ClientID = "coedit"
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// start subscribes every collaborator to the bus and starts the background
// workers.
func (a *app) start(ctx context.Context) error {
	if a.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	subscribers := []interface{ Attach(*events.Bus) error }{a.monitor, a.hub}
	if a.mirror != nil {
		subscribers = append(subscribers, a.mirror)
	}
	if a.relay != nil {
		a.relay.Start()
		subscribers = append(subscribers, a.relay)
	}
	for _, s := range subscribers {
		if err := s.Attach(a.bus); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	a.bus.Start()
	a.documents.Start()
	a.conflicts.Start()
	a.presence.Start()
	return nil
}

// applyConfig pushes the hot-reloadable settings into the running engines.
func (a *app) applyConfig(cfg *config.Config) {
	a.conflicts.SetUserPriorities(cfg.Conflict.UserPriorities)
	a.conflicts.SetDefaultStrategy(cfg.Conflict.DefaultStrategy)
}

// close stops producers of events before their consumers.
func (a *app) close() {
	if a.presence != nil {
		a.presence.Stop()
	}
	if a.conflicts != nil {
		a.conflicts.Stop()
	}
	if a.documents != nil {
		a.documents.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", "error", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("close redis client", "error", err)
		}
	}
}
