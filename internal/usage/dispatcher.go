package usage

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher hands a record to the recorder without waiting for it.
type Dispatcher interface {
	Dispatch(rec Record)
	Close(ctx context.Context) error
}

// DetachedDispatcher records each call on its own goroutine.
type DetachedDispatcher struct {
	recorder *Recorder
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

func NewDetachedDispatcher(recorder *Recorder) *DetachedDispatcher {
	return &DetachedDispatcher{recorder: recorder}
}

func (d *DetachedDispatcher) Dispatch(rec Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.recorder.Failed(rec, ErrDispatcherClosed)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.recorder.Record(context.Background(), rec)
	}()
}

// Close stops accepting records and waits for in-flight recordings or for
// ctx to end.
func (d *DetachedDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	return waitOrDone(ctx, &d.wg)
}

// QueuedDispatcher buffers records in a bounded channel drained by a fixed
// pool of workers. A full queue drops the record rather than block.
type QueuedDispatcher struct {
	recorder *Recorder
	queue    chan Record
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

func NewQueuedDispatcher(recorder *Recorder, bufferSize, workers int, logger *slog.Logger) *QueuedDispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &QueuedDispatcher{
		recorder: recorder,
		queue:    make(chan Record, bufferSize),
		logger:   logger,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}

	return d
}

func (d *QueuedDispatcher) work() {
	defer d.wg.Done()
	for rec := range d.queue {
		d.recorder.Record(context.Background(), rec)
	}
}

func (d *QueuedDispatcher) Dispatch(rec Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.recorder.Failed(rec, ErrDispatcherClosed)
		return
	}

	select {
	case d.queue <- rec:
	default:
		d.recorder.Failed(rec, ErrQueueFull)
	}
}

// Pending is the number of queued records not yet picked up.
func (d *QueuedDispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting records and drains the queue, giving up when ctx ends.
func (d *QueuedDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	if err := waitOrDone(ctx, &d.wg); err != nil {
		d.logger.Warn("usage queue not drained before shutdown", "pending", len(d.queue))
		return err
	}
	return nil
}

func waitOrDone(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
