package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisChecker_Healthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisChecker(client, 0)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestRedisChecker_Unhealthy(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	checker := NewRedisChecker(client, 0)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestCircuitBreakerChecker(t *testing.T) {
	allClosed := NewCircuitBreakerChecker(func() map[string]string {
		return map[string]string{"http.get": "closed", "json.parse": "closed"}
	})
	assert.Equal(t, StatusHealthy, allClosed.Check(context.Background()).Status)

	oneOpen := NewCircuitBreakerChecker(func() map[string]string {
		return map[string]string{"http.get": "open", "json.parse": "closed"}
	})
	assert.Equal(t, StatusDegraded, oneOpen.Check(context.Background()).Status)

	allOpen := NewCircuitBreakerChecker(func() map[string]string {
		return map[string]string{"http.get": "open"}
	})
	assert.Equal(t, StatusUnhealthy, allOpen.Check(context.Background()).Status)
}

func TestStorageChecker_Thresholds(t *testing.T) {
	checker := NewStorageChecker(func() float64 { return 95.0 }, 80.0, 90.0)
	result := checker.Check(context.Background())
	require.Equal(t, StatusUnhealthy, result.Status)
}
