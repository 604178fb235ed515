// Package circuitbreaker stops calling a failing destination for a cool-down
// period instead of letting every caller wait on it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the destination while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	halfOpenOK   int
	openedAt     time.Time
	lastChange   time.Time
	now          func() time.Time
	onTransition func(from, to State)

	maxFailures      int
	coolDown         time.Duration
	halfOpenRequired int
}

type Config struct {
	MaxFailures      int           // consecutive failures before opening, default 5
	CoolDown         time.Duration // time spent open before a trial call, default 30s
	HalfOpenRequired int           // trial successes needed to close, default 1
	// OnTransition, if set, is called with the lock held on every state change.
	OnTransition func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenRequired <= 0 {
		cfg.HalfOpenRequired = 1
	}

	return &Breaker{
		state:            StateClosed,
		now:              time.Now,
		onTransition:     cfg.OnTransition,
		maxFailures:      cfg.MaxFailures,
		coolDown:         cfg.CoolDown,
		halfOpenRequired: cfg.HalfOpenRequired,
		lastChange:       time.Now(),
	}
}

// Execute runs fn unless the breaker is open. A context cancelled by the
// caller is not counted against the destination.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// caller went away
	default:
		b.recordFailure()
	}

	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.coolDown {
		return ErrOpen
	}

	b.transition(StateHalfOpen)
	b.halfOpenOK = 0
	return nil
}

func (b *Breaker) recordFailure() {
	b.failures++

	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.halfOpenRequired {
			b.failures = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastChange = b.now()
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.halfOpenOK = 0
	b.transition(StateClosed)
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	State      State     `json:"state"`
	Failures   int       `json:"failures"`
	LastChange time.Time `json:"last_change"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:      b.state,
		Failures:   b.failures,
		LastChange: b.lastChange,
	}
}
