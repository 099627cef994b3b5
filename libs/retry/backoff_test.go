package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	cfg := Config{MaxRetries: 4, Base: time.Second, Cap: 30 * time.Second, Jitter: 0}
	assert.Equal(t, time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(2, cfg))
	assert.Equal(t, 8*time.Second, Backoff(3, cfg))
}

func TestBackoff_CapsAtMax(t *testing.T) {
	cfg := Config{Base: time.Second, Cap: 5 * time.Second, Jitter: 0}
	assert.Equal(t, 5*time.Second, Backoff(10, cfg))
}

func TestBackoff_JitterWithinBound(t *testing.T) {
	cfg := Config{Base: time.Second, Cap: 30 * time.Second, Jitter: time.Second}
	for i := 0; i < 50; i++ {
		d := Backoff(0, cfg)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestSleep_ReturnsFalseOnCancellation(t *testing.T) {
	done := make(chan struct{})
	close(done)
	ok := Sleep(done, 0, Config{Base: time.Minute, Cap: time.Minute})
	assert.False(t, ok)
}

func TestSleep_ReturnsTrueOnElapsed(t *testing.T) {
	done := make(chan struct{})
	ok := Sleep(done, 0, Config{Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0})
	assert.True(t, ok)
}
