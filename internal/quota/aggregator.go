// Package quota enforces the per-account request quota shared by all of an
// account's credentials over a rolling window.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/google/uuid"
)

// ErrQuotaExceeded is returned when the in-flight request would take the
// account past its limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrCredentialInactive is returned when the store no longer holds the
// resolved credential as usable, e.g. it was revoked after being cached.
var ErrCredentialInactive = errors.New("credential no longer active")

// CredentialReader is the slice of the credential store the aggregator needs.
type CredentialReader interface {
	ListActiveByAccount(ctx context.Context, accountEmail string) ([]models.Credential, error)
	ResetUsage(ctx context.Context, id uuid.UUID, resetDate time.Time) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)
}

// Checker decides whether one more request fits in the account's quota.
type Checker interface {
	Check(ctx context.Context, cred *models.Credential) (*Result, error)
}

// Result is the account's quota position for one request.
type Result struct {
	TotalUsage     int64 // before this request
	ProjectedTotal int64 // including this request
	Remaining      int64
	Limit          int64
	ResetDate      time.Time
	// WindowReset is set when this request started a new window.
	WindowReset bool
}

// Percentage of the limit consumed including this request.
func (r *Result) Percentage() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.ProjectedTotal) / float64(r.Limit) * 100
}

// Option configures an Aggregator or AtomicAggregator.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Aggregator sums usage across every active credential of an account and
// applies the rolling window reset. Reads go through the account index and
// writes are independent per row, so concurrent requests for one account can
// overshoot the limit and overlapping resets can interleave.
type Aggregator struct {
	store  CredentialReader
	limit  int64
	window time.Duration
	options
}

func NewAggregator(store CredentialReader, limit int64, window time.Duration, opts ...Option) *Aggregator {
	return &Aggregator{
		store:   store,
		limit:   limit,
		window:  window,
		options: buildOptions(opts),
	}
}

func (a *Aggregator) Check(ctx context.Context, cred *models.Credential) (*Result, error) {
	now := a.now().UTC()

	creds, err := a.accountCredentials(ctx, cred, now)
	if err != nil {
		return nil, err
	}

	result := &Result{Limit: a.limit}

	resetDate := windowEnd(creds)
	if resetDate == nil || resetDate.Before(now) {
		next := now.Add(a.window)
		for i := range creds {
			if err := a.store.ResetUsage(ctx, creds[i].ID, next); err != nil {
				return nil, fmt.Errorf("failed to reset usage for credential %s: %w", creds[i].ID, err)
			}
			creds[i].UsageCount = 0
			creds[i].UsageResetDate = &next
		}

		a.logger.Info("usage window reset",
			"account", cred.AccountEmail,
			"credentials", len(creds),
			"reset_date", next,
		)
		result.ResetDate = next
		result.WindowReset = true
	} else {
		result.ResetDate = *resetDate
	}

	for _, c := range creds {
		result.TotalUsage += c.UsageCount
	}

	return settle(result)
}

// accountCredentials lists the account's active credentials. The index may
// lag a freshly issued credential, so a resolved one missing from the list is
// read back by id and included only while it is still usable.
func (a *Aggregator) accountCredentials(ctx context.Context, cred *models.Credential, now time.Time) ([]models.Credential, error) {
	creds, err := a.store.ListActiveByAccount(ctx, cred.AccountEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list account credentials: %w", err)
	}

	for _, c := range creds {
		if c.ID == cred.ID {
			return creds, nil
		}
	}

	current, err := confirmUsable(ctx, a.store, cred.ID, now)
	if err != nil {
		return nil, err
	}
	return append(creds, *current), nil
}

// confirmUsable reads the credential row itself, bypassing any cached
// identity the resolver may have served.
func confirmUsable(ctx context.Context, store CredentialReader, id uuid.UUID, now time.Time) (*models.Credential, error) {
	current, err := store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %s: %w", id, err)
	}
	if current == nil || !current.Usable(now) {
		return nil, ErrCredentialInactive
	}
	return current, nil
}

// windowEnd returns the reset date of the first credential that has one.
// Credentials of one account are expected to share a window.
func windowEnd(creds []models.Credential) *time.Time {
	for _, c := range creds {
		if c.UsageResetDate != nil {
			return c.UsageResetDate
		}
	}
	return nil
}

// settle fills the projected fields and applies the limit.
func settle(r *Result) (*Result, error) {
	r.ProjectedTotal = r.TotalUsage + 1
	r.Remaining = r.Limit - r.ProjectedTotal

	if r.TotalUsage >= r.Limit || r.ProjectedTotal > r.Limit {
		r.Remaining = 0
		return r, ErrQuotaExceeded
	}

	return r, nil
}
