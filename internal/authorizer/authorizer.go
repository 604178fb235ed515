// Package authorizer renders per-request allow/deny decisions for API
// credentials and hands usage bookkeeping off to the background.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/metrics"
	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
	"github.com/aman-churiwal/quota-authorizer/internal/usage"
)

// ErrUnauthorized is the only failure callers see. The wrapped cause is for
// logs and metrics.
var ErrUnauthorized = errors.New("unauthorized")

var (
	errMissingCredential  = fmt.Errorf("%w: missing credential", ErrUnauthorized)
	errUnknownCredential  = fmt.Errorf("%w: unknown credential", ErrUnauthorized)
	errInactiveCredential = fmt.Errorf("%w: inactive credential", ErrUnauthorized)
)

// Observer is told about every request that passed the quota check.
type Observer interface {
	Observe(accountEmail string, res *quota.Result) (int, bool)
}

// Dispatcher takes a usage record off the request path.
type Dispatcher interface {
	Dispatch(rec usage.Record)
}

type Config struct {
	Timeout time.Duration
}

type Authorizer struct {
	resolver   *Resolver
	quota      quota.Checker
	observer   Observer
	dispatcher Dispatcher
	metrics    metrics.Sink
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func New(resolver *Resolver, checker quota.Checker, observer Observer, dispatcher Dispatcher, sink metrics.Sink, cfg Config, logger *slog.Logger) *Authorizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Authorizer{
		resolver:   resolver,
		quota:      checker,
		observer:   observer,
		dispatcher: dispatcher,
		metrics:    sink,
		timeout:    cfg.Timeout,
		now:        time.Now,
		logger:     logger,
	}
}

// Authorize always returns a decision. On deny the error wraps
// ErrUnauthorized together with the internal cause.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (*Decision, error) {
	start := a.now()

	cred, res, err := a.evaluate(ctx, req)
	if err != nil {
		reason := DenyReason(err)
		a.metrics.Decision(ctx, EffectDeny, reason, a.now().Sub(start))

		attrs := []any{"reason", reason, "error", err}
		if cred != nil {
			attrs = append(attrs, "account", cred.AccountEmail, "credential_id", cred.ID)
		}
		a.logger.Info("authorization denied", attrs...)

		if !errors.Is(err, ErrUnauthorized) {
			err = fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return Deny(), err
	}

	if a.observer != nil {
		a.observer.Observe(cred.AccountEmail, res)
	}

	if a.dispatcher != nil {
		a.dispatcher.Dispatch(usage.Record{
			CredentialID:    cred.ID,
			CredentialLabel: cred.Label,
			AccountEmail:    cred.AccountEmail,
			Timestamp:       a.now(),
		})
	}

	a.metrics.Decision(ctx, EffectAllow, "ok", a.now().Sub(start))
	a.logger.Debug("authorization allowed",
		"account", cred.AccountEmail,
		"credential_id", cred.ID,
		"usage", res.ProjectedTotal,
		"remaining", res.Remaining,
	)

	return Allow(req, cred, res), nil
}

// evaluate runs the synchronous part under the decision deadline.
func (a *Authorizer) evaluate(ctx context.Context, req Request) (*models.Credential, *quota.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cred, err := a.resolver.Resolve(ctx, req.Credential())
	if err != nil {
		return nil, nil, err
	}

	res, err := a.quota.Check(ctx, cred)
	if err != nil {
		return cred, res, err
	}

	if err := ctx.Err(); err != nil {
		return cred, res, err
	}

	return cred, res, nil
}

// DenyReason classifies a deny for logs and metrics only.
func DenyReason(err error) string {
	switch {
	case errors.Is(err, errMissingCredential):
		return "missing_credential"
	case errors.Is(err, errUnknownCredential):
		return "invalid_credential"
	case errors.Is(err, errInactiveCredential), errors.Is(err, quota.ErrCredentialInactive):
		return "inactive_credential"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
