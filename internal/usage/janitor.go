package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expirer deletes rows whose expiry marker has passed.
type Expirer interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically removes expired usage events and hourly rollups.
type Janitor struct {
	mu       sync.Mutex
	store    Expirer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	done     chan struct{}
	running  bool
	now      func() time.Time
}

func NewJanitor(store Expirer, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		store:    store,
		interval: interval,
		timeout:  time.Minute,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs one sweep immediately and then one per interval.
func (j *Janitor) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})
	j.done = make(chan struct{})
	stop, done := j.stopChan, j.done
	j.mu.Unlock()

	j.logger.Info("starting usage janitor", "interval", j.interval)

	go func() {
		defer close(done)

		j.Sweep()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	done := j.done
	j.mu.Unlock()

	<-done
	j.logger.Info("usage janitor stopped")
}

// Sweep deletes everything that expired before now.
func (j *Janitor) Sweep() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	deleted, err := j.store.DeleteExpired(ctx, j.now().UTC())
	if err != nil {
		j.logger.Warn("usage janitor sweep failed", "error", err, "deleted", deleted)
		return deleted
	}
	if deleted > 0 {
		j.logger.Info("expired usage rows deleted", "deleted", deleted)
	}
	return deleted
}
