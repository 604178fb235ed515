package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/redis/go-redis/v9"
)

// errNotSeeded means the account has no counter yet.
var errNotSeeded = errors.New("account counter not seeded")

// AccountCounter keeps one usage counter per account in a Redis hash and
// checks and increments it in a single script, so concurrent requests cannot
// both take the last unit of quota.
type AccountCounter struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewAccountCounter(client redis.Cmdable) *AccountCounter {
	return &AccountCounter{
		client:    client,
		keyPrefix: "quota:account:",
	}
}

// WithKeyPrefix returns a copy of the counter using prefix for its keys.
func (c *AccountCounter) WithKeyPrefix(prefix string) *AccountCounter {
	return &AccountCounter{client: c.client, keyPrefix: prefix}
}

func (c *AccountCounter) key(accountEmail string) string {
	return c.keyPrefix + accountEmail
}

// CounterResult is what a reservation observed.
type CounterResult struct {
	Allowed       bool
	Before        int64
	ResetAt       time.Time
	WindowStarted bool
}

// KEYS[1] = account hash key
// ARGV[1] = limit
// ARGV[2] = now (unix seconds)
// ARGV[3] = window (seconds)
//
// Returns {status, used_before, reset_at, window_started}
//
//	status  1 = reserved
//	status  0 = quota exceeded
//	status -1 = not seeded
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

if redis.call("EXISTS", key) == 0 then
    return {-1, 0, 0, 0}
end

local started = 0
local reset_at = tonumber(redis.call("HGET", key, "reset_at") or "0")
if now >= reset_at then
    reset_at = now + window
    redis.call("HSET", key, "used", "0", "reset_at", tostring(reset_at))
    started = 1
end

local used = tonumber(redis.call("HGET", key, "used") or "0")
if used >= limit or used + 1 > limit then
    return {0, used, reset_at, started}
end

redis.call("HINCRBY", key, "used", 1)
return {1, used, reset_at, started}
`)

// KEYS[1] = account hash key
// ARGV[1] = used
// ARGV[2] = reset_at (unix seconds)
var seedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "used", ARGV[1], "reset_at", ARGV[2])
return 1
`)

// Reserve takes one unit of quota for the account if any is left.
func (c *AccountCounter) Reserve(ctx context.Context, accountEmail string, limit int64, now time.Time, window time.Duration) (CounterResult, error) {
	vals, err := reserveScript.Run(ctx, c.client,
		[]string{c.key(accountEmail)},
		limit, now.Unix(), int64(window.Seconds()),
	).Int64Slice()
	if err != nil {
		return CounterResult{}, fmt.Errorf("quota counter reserve: %w", err)
	}
	if len(vals) != 4 {
		return CounterResult{}, fmt.Errorf("quota counter reserve: unexpected reply %v", vals)
	}

	res := CounterResult{
		Before:        vals[1],
		ResetAt:       time.Unix(vals[2], 0).UTC(),
		WindowStarted: vals[3] == 1,
	}

	switch vals[0] {
	case 1:
		res.Allowed = true
		return res, nil
	case 0:
		return res, nil
	case -1:
		return CounterResult{}, errNotSeeded
	default:
		return CounterResult{}, fmt.Errorf("quota counter reserve: unexpected status %d", vals[0])
	}
}

// Seed creates the account counter unless one exists already.
func (c *AccountCounter) Seed(ctx context.Context, accountEmail string, used int64, resetAt time.Time) error {
	if err := seedScript.Run(ctx, c.client, []string{c.key(accountEmail)}, used, resetAt.Unix()).Err(); err != nil {
		return fmt.Errorf("quota counter seed: %w", err)
	}
	return nil
}

// Usage returns the account's current counter value and window end.
func (c *AccountCounter) Usage(ctx context.Context, accountEmail string) (int64, time.Time, error) {
	vals, err := c.client.HMGet(ctx, c.key(accountEmail), "used", "reset_at").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("quota counter usage: %w", err)
	}
	if vals[0] == nil {
		return 0, time.Time{}, nil
	}

	used, _ := strconv.ParseInt(vals[0].(string), 10, 64)
	var resetAt int64
	if vals[1] != nil {
		resetAt, _ = strconv.ParseInt(vals[1].(string), 10, 64)
	}

	return used, time.Unix(resetAt, 0).UTC(), nil
}

// AtomicAggregator enforces the quota on the account counter. Credential
// rows keep their own counts as metadata and are reset whenever the counter
// starts a new window. The credential row is still read by id on every
// request so that a revoked credential is denied even when its identity was
// served from cache.
type AtomicAggregator struct {
	counter *AccountCounter
	store   CredentialReader
	limit   int64
	window  time.Duration
	options
}

func NewAtomicAggregator(counter *AccountCounter, store CredentialReader, limit int64, window time.Duration, opts ...Option) *AtomicAggregator {
	return &AtomicAggregator{
		counter: counter,
		store:   store,
		limit:   limit,
		window:  window,
		options: buildOptions(opts),
	}
}

func (a *AtomicAggregator) Check(ctx context.Context, cred *models.Credential) (*Result, error) {
	now := a.now().UTC()

	if _, err := confirmUsable(ctx, a.store, cred.ID, now); err != nil {
		return nil, err
	}

	res, err := a.counter.Reserve(ctx, cred.AccountEmail, a.limit, now, a.window)
	if errors.Is(err, errNotSeeded) {
		if err := a.seed(ctx, cred, now); err != nil {
			return nil, err
		}
		res, err = a.counter.Reserve(ctx, cred.AccountEmail, a.limit, now, a.window)
	}
	if err != nil {
		return nil, err
	}

	if res.WindowStarted {
		a.resetRows(ctx, cred.AccountEmail, res.ResetAt)
	}

	result := &Result{
		TotalUsage:  res.Before,
		Limit:       a.limit,
		ResetDate:   res.ResetAt,
		WindowReset: res.WindowStarted,
	}
	if !res.Allowed {
		result.ProjectedTotal = res.Before + 1
		return result, ErrQuotaExceeded
	}

	return settle(result)
}

// seed initializes the counter from the credential rows.
func (a *AtomicAggregator) seed(ctx context.Context, cred *models.Credential, now time.Time) error {
	creds, err := a.store.ListActiveByAccount(ctx, cred.AccountEmail)
	if err != nil {
		return fmt.Errorf("failed to list account credentials: %w", err)
	}

	var used int64
	resetAt := now.Add(a.window)
	if end := windowEnd(creds); end != nil && end.After(now) {
		resetAt = *end
		for _, c := range creds {
			used += c.UsageCount
		}
	}

	a.logger.Info("seeding account counter",
		"account", cred.AccountEmail,
		"used", used,
		"reset_date", resetAt,
	)
	return a.counter.Seed(ctx, cred.AccountEmail, used, resetAt)
}

// resetRows brings the credential rows into the counter's new window. A
// failure here leaves stale metadata only, so it is logged.
func (a *AtomicAggregator) resetRows(ctx context.Context, accountEmail string, resetAt time.Time) {
	creds, err := a.store.ListActiveByAccount(ctx, accountEmail)
	if err != nil {
		a.logger.Warn("failed to list credentials for window reset", "account", accountEmail, "error", err)
		return
	}

	for _, c := range creds {
		if err := a.store.ResetUsage(ctx, c.ID, resetAt); err != nil {
			a.logger.Warn("failed to reset credential usage", "credential_id", c.ID, "error", err)
		}
	}
}
