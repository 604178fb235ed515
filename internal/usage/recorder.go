// Package usage records authorized calls: the per-credential counter, the
// detailed event log and the hourly rollup.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/metrics"
	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is reported when a record is dropped because the queue is full.
var ErrQueueFull = errors.New("usage queue full")

// ErrDispatcherClosed is reported when a record arrives after shutdown began.
var ErrDispatcherClosed = errors.New("usage dispatcher closed")

var errPanic = errors.New("usage write panicked")

// Record describes one authorized call.
type Record struct {
	CredentialID    uuid.UUID
	CredentialLabel string
	AccountEmail    string
	Timestamp       time.Time
}

// CredentialWriter bumps the per-credential counter.
type CredentialWriter interface {
	IncrementUsage(ctx context.Context, id uuid.UUID, at time.Time) error
}

// EventWriter stores events and hourly rollups.
type EventWriter interface {
	InsertEvent(ctx context.Context, event *models.UsageEvent) error
	UpsertHourly(ctx context.Context, accountEmail string, hour time.Time, credentialID uuid.UUID, now, expiresAt time.Time) error
}

type RecorderConfig struct {
	Environment  string
	EventTTL     time.Duration
	AggregateTTL time.Duration
}

// Recorder issues the three usage writes concurrently. Partial failures are
// not rolled back.
type Recorder struct {
	credentials  CredentialWriter
	events       EventWriter
	metrics      metrics.Sink
	environment  string
	eventTTL     time.Duration
	aggregateTTL time.Duration
	logger       *slog.Logger
}

func NewRecorder(credentials CredentialWriter, events EventWriter, sink metrics.Sink, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 90 * 24 * time.Hour
	}
	if cfg.AggregateTTL <= 0 {
		cfg.AggregateTTL = 90 * 24 * time.Hour
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		credentials:  credentials,
		events:       events,
		metrics:      sink,
		environment:  cfg.Environment,
		eventTTL:     cfg.EventTTL,
		aggregateTTL: cfg.AggregateTTL,
		logger:       logger,
	}
}

// Record performs the writes and reports whether all of them succeeded. It
// never panics and never returns an error; failures are logged and counted.
func (r *Recorder) Record(ctx context.Context, rec Record) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("usage recording panicked",
				"credential_id", rec.CredentialID,
				"panic", p,
			)
			r.metrics.UsageTracked(context.Background(), r.environment, false, "Panic")
			ok = false
		}
	}()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	now := rec.Timestamp.UTC()

	// Not errgroup.WithContext: one failed write must not cancel the others.
	var g errgroup.Group

	g.Go(guard(func() error {
		if err := r.credentials.IncrementUsage(ctx, rec.CredentialID, now); err != nil {
			return fmt.Errorf("increment credential usage: %w", err)
		}
		return nil
	}))

	g.Go(guard(func() error {
		event := &models.UsageEvent{
			Bucket:          Bucket(rec.AccountEmail, now),
			EventKey:        EventKey(now),
			AccountEmail:    rec.AccountEmail,
			CredentialID:    rec.CredentialID,
			CredentialLabel: rec.CredentialLabel,
			Timestamp:       now,
			ExpiresAt:       now.Add(r.eventTTL),
		}
		if err := r.events.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		return nil
	}))

	g.Go(guard(func() error {
		hour := now.Truncate(time.Hour)
		if err := r.events.UpsertHourly(ctx, rec.AccountEmail, hour, rec.CredentialID, now, hour.Add(r.aggregateTTL)); err != nil {
			return fmt.Errorf("upsert hourly aggregate: %w", err)
		}
		return nil
	}))

	if err := g.Wait(); err != nil {
		r.Failed(rec, err)
		return false
	}

	r.metrics.UsageTracked(ctx, r.environment, true, "")
	return true
}

// Failed logs and counts a record that could not be tracked.
func (r *Recorder) Failed(rec Record, err error) {
	r.logger.Warn("usage tracking failed",
		"account", rec.AccountEmail,
		"credential_id", rec.CredentialID,
		"error_type", ErrorType(err),
		"error", err,
	)
	r.metrics.UsageTracked(context.Background(), r.environment, false, ErrorType(err))
}

// guard turns a panic inside a write goroutine into an error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", errPanic, p)
			}
		}()
		return fn()
	}
}

// ErrorType buckets a tracking error for the failure metric.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, repository.ErrConditionFailed):
		return "ConditionalCheckFailed"
	case errors.Is(err, errPanic):
		return "Panic"
	case errors.Is(err, ErrQueueFull):
		return "QueueFull"
	case errors.Is(err, ErrDispatcherClosed):
		return "DispatcherClosed"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "StoreError"
	}
}
