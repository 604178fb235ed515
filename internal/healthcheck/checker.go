// Package healthcheck probes the authorizer's dependencies in the background
// so /health never blocks on a slow store.
package healthcheck

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Performs periodic checks on registered dependencies
type Checker struct {
	mu          sync.RWMutex
	probes      map[string]Probe
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	stopChan    chan struct{}
	running     bool
	now         func() time.Time
	logger      *slog.Logger
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Per-probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
}

func NewChecker(cfg Config, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Checker{
		probes:      make(map[string]Probe),
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		stopChan:    make(chan struct{}),
		now:         time.Now,
		logger:      logger,
	}
}

// Register adds a named probe. Registered dependencies start healthy.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.probes[name] = probe
	c.status[name] = &Status{
		Name:      name,
		IsHealthy: true,
		LastCheck: c.now(),
	}
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting health checks", "probes", len(c.probes), "interval", c.interval)

	c.CheckNow()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckNow()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		c.logger.Info("health checker stopped")
	}
}

// CheckNow runs every probe concurrently and waits for all of them.
func (c *Checker) CheckNow() {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			c.check(name, probe)
		}(name, probe)
	}
	wg.Wait()
}

func (c *Checker) check(name string, probe Probe) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := probe(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

// Records a successful check
func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = c.now()
	status.LastSuccess = status.LastCheck
	status.LastError = ""
	status.FailureCount = 0

	if !status.IsHealthy {
		c.logger.Info("dependency recovered", "dependency", name)
		status.IsHealthy = true
	}
}

// Records a failed check
func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = c.now()
	status.LastFailure = status.LastCheck
	status.LastError = err.Error()
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("dependency unhealthy", "dependency", name, "failures", status.FailureCount, "error", err)
		status.IsHealthy = false
	}
}

// Returns a copy of every dependency's status, ordered by name
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.status))
	for _, s := range c.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, s := range c.status {
		if s.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.status):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
