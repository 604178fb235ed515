package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("destination down")

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	b := New(cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3, CoolDown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, now := newTestBreaker(Config{MaxFailures: 1, CoolDown: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State(), "a failed trial reopens")
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TransitionsAndReset(t *testing.T) {
	var seen []string
	b, _ := newTestBreaker(Config{
		MaxFailures: 1,
		OnTransition: func(from, to State) {
			seen = append(seen, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(context.Background(), fail)
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, seen)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestStateText(t *testing.T) {
	out, err := json.Marshal(Snapshot{State: StateHalfOpen})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"state":"half-open"`)

	var s State
	require.NoError(t, s.UnmarshalText([]byte("open")))
	assert.Equal(t, StateOpen, s)
	assert.Error(t, s.UnmarshalText([]byte("sideways")))
	assert.Equal(t, "unknown", State(7).String())
}
