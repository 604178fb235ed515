package authorizer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/logger"
	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/notify"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
	"github.com/aman-churiwal/quota-authorizer/internal/repository"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/aman-churiwal/quota-authorizer/internal/testutil"
	"github.com/aman-churiwal/quota-authorizer/internal/usage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	limit     = 10000
	window    = 30 * 24 * time.Hour
	methodARN = "arn:aws:execute-api:us-east-1:123456789012:abc123/prod/GET/widgets/42"
)

type captureDispatcher struct {
	mu      sync.Mutex
	records []usage.Record
}

func (c *captureDispatcher) Dispatch(rec usage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

type captureBus struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *captureBus) Publish(_ context.Context, e notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

type harness struct {
	db         *storage.Database
	creds      *repository.CredentialRepository
	authorizer *Authorizer
	dispatcher *captureDispatcher
	notifier   *notify.Notifier
	bus        *captureBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)
	bus := &captureBus{}
	notifier := notify.NewNotifier(bus, nil, time.Second, nil, logger.Discard())
	dispatcher := &captureDispatcher{}

	a := New(
		NewResolver(creds, nil, 0, logger.Discard()),
		quota.NewAggregator(creds, limit, window, quota.WithLogger(logger.Discard())),
		notifier,
		dispatcher,
		nil,
		Config{Timeout: 2 * time.Second},
		logger.Discard(),
	)

	return &harness{db: db, creds: creds, authorizer: a, dispatcher: dispatcher, notifier: notifier, bus: bus}
}

func request(secret string) Request {
	headers := map[string]string{}
	if secret != "" {
		headers["X-Api-Key"] = secret
	}
	return Request{MethodARN: methodARN, HTTPMethod: "GET", Path: "/widgets/42", Stage: "prod", Headers: headers}
}

func future() *time.Time {
	return testutil.TimePtr(time.Now().UTC().Add(10 * 24 * time.Hour))
}

func TestAuthorize_AllowUnderQuota(t *testing.T) {
	h := newHarness(t)
	cred := testutil.SeedCredential(t, h.db, testutil.CredentialSpec{
		Secret: "secret-1", Account: "a@example.com", Label: "ci", UsageCount: 41, ResetDate: future(),
	})
	testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Account: "a@example.com", UsageCount: 100, ResetDate: future()})

	decision, err := h.authorizer.Authorize(context.Background(), request("secret-1"))
	require.NoError(t, err)
	require.True(t, decision.Allowed())

	assert.Equal(t, "a@example.com", decision.PrincipalID)
	assert.Equal(t, "arn:aws:execute-api:us-east-1:123456789012:abc123/prod/*", decision.Resource)
	assert.Equal(t, "142", decision.Context["usageCount"])
	assert.Equal(t, "10000", decision.Context["usageLimit"])
	assert.Equal(t, strconv.Itoa(limit-142), decision.Context["remainingCalls"])
	assert.Equal(t, cred.ID.String(), decision.Context["credentialId"])
	assert.Equal(t, "ci", decision.Context["credentialLabel"])
	assert.Equal(t, "a@example.com", decision.Context["accountId"])
	assert.NotEmpty(t, decision.Context["usageResetDate"])

	require.Len(t, h.dispatcher.records, 1)
	assert.Equal(t, cred.ID, h.dispatcher.records[0].CredentialID)
	assert.Equal(t, "ci", h.dispatcher.records[0].CredentialLabel)
}

func TestAuthorize_DenyIsUndifferentiated(t *testing.T) {
	h := newHarness(t)
	testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "revoked", Status: models.CredentialRevoked, ResetDate: future()})
	testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "expired", ResetDate: future(), ExpiresAt: testutil.TimePtr(time.Now().Add(-time.Hour))})
	testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "exhausted", Account: "full@example.com", UsageCount: limit, ResetDate: future()})

	tests := []struct {
		name   string
		secret string
		reason string
	}{
		{name: "missing header", secret: "", reason: "missing_credential"},
		{name: "unknown secret", secret: "never-issued", reason: "invalid_credential"},
		{name: "revoked", secret: "revoked", reason: "invalid_credential"},
		{name: "expired", secret: "expired", reason: "inactive_credential"},
		{name: "quota exhausted", secret: "exhausted", reason: "quota_exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := h.authorizer.Authorize(context.Background(), request(tt.secret))

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, tt.reason, DenyReason(err))
			assert.Equal(t, Deny(), decision)
			assert.Nil(t, decision.Context)
		})
	}

	assert.Empty(t, h.dispatcher.records)
}

func TestAuthorize_LastUnitThenExhausted(t *testing.T) {
	h := newHarness(t)
	cred := testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "k", UsageCount: 9999, ResetDate: future()})

	decision, err := h.authorizer.Authorize(context.Background(), request("k"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, "0", decision.Context["remainingCalls"])
	assert.Equal(t, "10000", decision.Context["usageCount"])

	require.NoError(t, h.creds.IncrementUsage(context.Background(), cred.ID, time.Now()))

	decision, err = h.authorizer.Authorize(context.Background(), request("k"))
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.False(t, decision.Allowed())
}

func TestAuthorize_ElapsedWindowResets(t *testing.T) {
	h := newHarness(t)
	past := testutil.TimePtr(time.Now().UTC().Add(-time.Second))
	cred := testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "k", UsageCount: 5000, ResetDate: past})

	decision, err := h.authorizer.Authorize(context.Background(), request("k"))
	require.NoError(t, err)
	assert.Equal(t, "1", decision.Context["usageCount"])
	assert.Equal(t, "9999", decision.Context["remainingCalls"])

	stored, err := h.creds.FindByID(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.UsageCount)
	require.NotNil(t, stored.UsageResetDate)
	assert.True(t, stored.UsageResetDate.After(time.Now().Add(29*24*time.Hour)))
}

func TestAuthorize_ThresholdNotification(t *testing.T) {
	h := newHarness(t)
	cred := testutil.SeedCredential(t, h.db, testutil.CredentialSpec{Secret: "k", Account: "a@example.com", UsageCount: 4999, ResetDate: future()})

	_, err := h.authorizer.Authorize(context.Background(), request("k"))
	require.NoError(t, err)

	// The recorder is captured, so bump the row as it would.
	require.NoError(t, h.creds.IncrementUsage(context.Background(), cred.ID, time.Now()))
	_, err = h.authorizer.Authorize(context.Background(), request("k"))
	require.NoError(t, err)

	h.notifier.Wait()
	require.Len(t, h.bus.events, 1)
	assert.Equal(t, "usage.threshold.50", h.bus.events[0].EventType)
	assert.Equal(t, "a@example.com", h.bus.events[0].AccountEmail)
}

type outageStore struct{}

func (outageStore) IncrementUsage(context.Context, uuid.UUID, time.Time) error {
	return errors.New("store unavailable")
}
func (outageStore) InsertEvent(context.Context, *models.UsageEvent) error {
	return errors.New("store unavailable")
}
func (outageStore) UpsertHourly(context.Context, string, time.Time, uuid.UUID, time.Time, time.Time) error {
	return errors.New("store unavailable")
}

func TestAuthorize_RecorderOutageKeepsAllow(t *testing.T) {
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "k", UsageCount: 10, ResetDate: future()})

	recorder := usage.NewRecorder(outageStore{}, outageStore{}, nil, usage.RecorderConfig{}, logger.Discard())
	dispatcher := usage.NewDetachedDispatcher(recorder)

	a := New(
		NewResolver(creds, nil, 0, logger.Discard()),
		quota.NewAggregator(creds, limit, window),
		nil,
		dispatcher,
		nil,
		Config{},
		logger.Discard(),
	)

	decision, err := a.Authorize(context.Background(), request("k"))
	require.NoError(t, dispatcher.Close(context.Background()))

	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, "11", decision.Context["usageCount"])
}

func TestAuthorize_RecordsUsageThroughDispatcher(t *testing.T) {
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)
	events := repository.NewUsageRepository(db)
	cred := testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "k", UsageCount: 10, ResetDate: future()})

	recorder := usage.NewRecorder(creds, events, nil, usage.RecorderConfig{}, logger.Discard())
	dispatcher := usage.NewQueuedDispatcher(recorder, 8, 1, logger.Discard())
	a := New(NewResolver(creds, nil, 0, nil), quota.NewAggregator(creds, limit, window), nil, dispatcher, nil, Config{}, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := a.Authorize(context.Background(), request("k"))
		require.NoError(t, err)
	}
	require.NoError(t, dispatcher.Close(context.Background()))

	stored, err := creds.FindByID(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), stored.UsageCount)
}

type slowChecker struct{}

func (slowChecker) Check(ctx context.Context, _ *models.Credential) (*quota.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAuthorize_TimeoutDenies(t *testing.T) {
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "k"})

	a := New(NewResolver(creds, nil, 0, nil), slowChecker{}, nil, nil, nil, Config{Timeout: 20 * time.Millisecond}, logger.Discard())

	decision, err := a.Authorize(context.Background(), request("k"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "timeout", DenyReason(err))
	assert.False(t, decision.Allowed())
}

type brokenFinder struct{}

func (brokenFinder) FindActiveByHash(context.Context, string) (*models.Credential, error) {
	return nil, errors.New("index unavailable")
}

func TestAuthorize_StoreFailureDenies(t *testing.T) {
	a := New(NewResolver(brokenFinder{}, nil, 0, nil), slowChecker{}, nil, nil, nil, Config{}, logger.Discard())

	decision, err := a.Authorize(context.Background(), request("k"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "internal_error", DenyReason(err))
	assert.Equal(t, EffectDeny, decision.Effect)
}

func TestAuthorize_RevokedWhileCachedIsDenied(t *testing.T) {
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)
	cache := newMapCache()
	a := New(
		NewResolver(creds, cache, 5*time.Minute, logger.Discard()),
		quota.NewAggregator(creds, limit, window, quota.WithLogger(logger.Discard())),
		nil, nil, nil,
		Config{Timeout: 2 * time.Second},
		logger.Discard(),
	)

	cred := testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "secret-1", Account: "a@example.com", ResetDate: future()})

	decision, err := a.Authorize(context.Background(), request("secret-1"))
	require.NoError(t, err)
	require.True(t, decision.Allowed())
	require.Len(t, cache.data, 1)

	require.NoError(t, creds.Revoke(context.Background(), cred.ID))

	decision, err = a.Authorize(context.Background(), request("secret-1"))
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, decision.Allowed())
	assert.Equal(t, "inactive_credential", DenyReason(err))
}
