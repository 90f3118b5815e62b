package emitter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var states []BreakerState
	b := NewBreaker("test", 3, time.Minute, nil, func(s BreakerState) { states = append(states, s) })

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	}
	assert.False(t, b.IsOpen())

	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	assert.True(t, b.IsOpen())
	assert.Equal(t, []BreakerState{BreakerOpen}, states)

	calls := 0
	err := b.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)

	snap := b.Snapshot()
	assert.Equal(t, 3, snap.Failures)
	assert.Equal(t, 3, snap.Threshold)
	assert.Equal(t, time.Minute, snap.Timeout)
	assert.Equal(t, BreakerOpen, snap.State)
	assert.False(t, snap.LastFailureTime.IsZero())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 2, time.Minute, nil, nil)

	_ = b.Execute(func() error { return errBoom })
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errBoom })

	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_PermanentErrorDoesNotTrip(t *testing.T) {
	b := NewBreaker("test", 1, time.Minute, nil, nil)

	err := b.Execute(func() error { return &PermanentError{StatusCode: 422} })
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, 422, perm.StatusCode)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", 1, 50*time.Millisecond, nil, nil)

	_ = b.Execute(func() error { return errBoom })
	require.True(t, b.IsOpen())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.IsOpen())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_Defaults(t *testing.T) {
	snap := NewBreaker("test", 0, 0, nil, nil).Snapshot()
	assert.Equal(t, 5, snap.Threshold)
	assert.Equal(t, 30*time.Second, snap.Timeout)
	assert.Equal(t, BreakerClosed, snap.State)
}
