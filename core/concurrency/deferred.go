package concurrency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrDeferredClosed = errors.New("deferred scheduler is closed")

type deferredTask struct {
	timer *time.Timer
	token uint64
}

// Deferred runs keyed tasks after a delay. Scheduling a key that is already
// pending replaces it. Close cancels everything still pending, cancels the
// context handed to running tasks and waits for them.
type Deferred struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*deferredTask
	next   uint64
	closed bool
	wg     sync.WaitGroup
}

func NewDeferred(logger *slog.Logger) *Deferred {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Deferred{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*deferredTask),
	}
}

// Schedule runs fn after delay unless the key is cancelled first.
func (d *Deferred) Schedule(key string, delay time.Duration, fn func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeferredClosed
	}

	d.cancelLocked(key)

	d.next++
	token := d.next
	d.wg.Add(1)
	task := &deferredTask{token: token}
	task.timer = time.AfterFunc(max(delay, 0), func() {
		d.run(key, token, fn)
	})
	d.tasks[key] = task
	return nil
}

func (d *Deferred) run(key string, token uint64, fn func(ctx context.Context)) {
	defer d.wg.Done()

	// A timer whose Stop lost the race still fires after its task was
	// cancelled or replaced; only the current token may run.
	d.mu.Lock()
	task, ok := d.tasks[key]
	if !ok || task.token != token {
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deferred task panicked", "key", key, "panic", r)
		}
	}()
	fn(d.ctx)
}

// Cancel drops a pending task. It reports whether one was pending.
func (d *Deferred) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked(key)
}

func (d *Deferred) cancelLocked(key string) bool {
	task, ok := d.tasks[key]
	if !ok {
		return false
	}
	delete(d.tasks, key)
	if task.timer.Stop() {
		d.wg.Done()
		return true
	}
	return false
}

// Pending returns the number of tasks waiting for their delay.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Close cancels pending tasks and waits for running ones.
func (d *Deferred) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key := range d.tasks {
		d.cancelLocked(key)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
