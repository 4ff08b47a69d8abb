package concurrency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor invokes a sweep function on a fixed interval between Start and
// Stop. A Janitor can be restarted after it has been stopped.
type Janitor struct {
	name     string
	interval time.Duration
	sweep    func(ctx context.Context)
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewJanitor(name string, interval time.Duration, sweep func(ctx context.Context), logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		name:     name,
		interval: interval,
		sweep:    sweep,
		logger:   logger,
	}
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.stoppedCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	go j.run(ctx, j.stopCh, j.stoppedCh)
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	stopCh, stoppedCh, cancel := j.stopCh, j.stoppedCh, j.cancel
	j.mu.Unlock()

	cancel()
	close(stopCh)
	<-stoppedCh
}

func (j *Janitor) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) run(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.runSweep(ctx)
		}
	}
}

func (j *Janitor) runSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("janitor sweep panicked", "janitor", j.name, "panic", r)
		}
	}()
	j.sweep(ctx)
}

// TriggerNow runs one sweep on the calling goroutine.
func (j *Janitor) TriggerNow(ctx context.Context) {
	j.runSweep(ctx)
}
