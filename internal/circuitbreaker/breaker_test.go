package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoData = errors.New("no data")

// testBreaker returns a breaker on a clock the test advances.
func testBreaker(threshold int, cooldown time.Duration, opts ...Option) (*Breaker, func(time.Duration)) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts = append(opts, WithClock(func() time.Time { return now }))
	return New(threshold, cooldown, opts...), func(d time.Duration) { now = now.Add(d) }
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure("geolocation", nil)
	b.RecordFailure("geolocation", nil)
	assert.True(t, b.Allow("geolocation"))

	b.RecordFailure("geolocation", errors.New("503"))
	assert.False(t, b.Allow("geolocation"))
	assert.Equal(t, StateOpen, b.State("geolocation"))
	assert.True(t, b.Allow("device"), "circuits are per provider")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, advance := testBreaker(2, time.Minute)
	b.RecordFailure("biometric", nil)
	b.RecordFailure("biometric", nil)

	advance(61 * time.Second)
	require.True(t, b.Allow("biometric"))
	assert.Equal(t, StateHalfOpen, b.State("biometric"))
	assert.False(t, b.Allow("biometric"), "only one probe at a time")

	b.RecordSuccess("biometric")
	assert.Equal(t, StateClosed, b.State("biometric"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, advance := testBreaker(2, time.Minute)
	b.RecordFailure("biometric", nil)
	b.RecordFailure("biometric", nil)
	advance(2 * time.Minute)
	require.True(t, b.Allow("biometric"))

	b.RecordFailure("biometric", nil)
	assert.Equal(t, StateOpen, b.State("biometric"))
	assert.False(t, b.Allow("biometric"), "cool-down restarts from the failed probe")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)
	b.RecordFailure("geolocation", nil)
	b.RecordFailure("geolocation", nil)
	b.RecordSuccess("geolocation")
	b.RecordFailure("geolocation", nil)

	assert.Equal(t, StateClosed, b.State("geolocation"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	assert.ErrorIs(t, b.Execute(ctx, "geolocation", fail), boom)
	assert.ErrorIs(t, b.Execute(ctx, "geolocation", fail), boom)
	assert.ErrorIs(t, b.Execute(ctx, "geolocation", fail), ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_NeutralErrorsDoNotTrip(t *testing.T) {
	b, _ := testBreaker(1, time.Minute, WithNeutralErrors(func(err error) bool { return errors.Is(err, errNoData) }))
	noData := func(context.Context) error { return errNoData }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), "geolocation", noData), errNoData)
	}
	assert.Equal(t, StateClosed, b.State("geolocation"))
}

func TestBreaker_CallerCancelIsNotAFailure(t *testing.T) {
	b, advance := testBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := func(ctx context.Context) error { return ctx.Err() }

	_ = b.Execute(ctx, "geolocation", cancelled)
	assert.Equal(t, StateClosed, b.State("geolocation"))

	// A cancelled probe hands the probe slot to the next caller.
	b.RecordFailure("geolocation", nil)
	advance(time.Minute)
	_ = b.Execute(ctx, "geolocation", cancelled)
	assert.True(t, b.Allow("geolocation"))
	assert.Equal(t, StateHalfOpen, b.State("geolocation"))
}

func TestBreaker_DeadlineIsAFailure(t *testing.T) {
	b, _ := testBreaker(1, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_ = b.Execute(ctx, "biometric", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, StateOpen, b.State("biometric"))
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)
	b.RecordFailure("geolocation", nil)
	b.RecordFailure("biometric", errors.New("502 bad gateway"))
	b.RecordFailure("biometric", errors.New("503 unavailable"))
	b.Allow("biometric")

	snap := b.Snapshot()
	require.Len(t, snap, 2)

	assert.Equal(t, "biometric", snap[0].Key)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, 2, snap[0].Failures)
	assert.Equal(t, int64(1), snap[0].Rejected)
	assert.Equal(t, "503 unavailable", snap[0].LastError)
	require.NotNil(t, snap[0].RetryAt)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), *snap[0].RetryAt)

	assert.Equal(t, "closed", snap[1].State)
	assert.Nil(t, snap[1].RetryAt)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, advance := testBreaker(1, time.Minute)

	type change struct{ from, to State }
	var got []change
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "geolocation", key)
		// Callbacks run outside the lock, so reading state must not deadlock.
		_ = b.State(key)
		got = append(got, change{from, to})
	})

	b.RecordFailure("geolocation", nil)
	advance(time.Minute)
	b.Allow("geolocation")
	b.RecordSuccess("geolocation")

	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
