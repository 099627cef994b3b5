package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	require.NoError(t, b.Allow())

	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State())
	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond})
	b.Failure()
	require.Equal(t, Open, b.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenSingleSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond})
	b.Failure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.Success()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenSingleFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond})
	b.Failure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.Failure()
	assert.Equal(t, Open, b.State())
}

func TestRegistry_PerHandlerIsolation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Minute})
	r.For("a").Failure()
	assert.Equal(t, Open, r.For("a").State())
	assert.Equal(t, Closed, r.For("b").State())
}
