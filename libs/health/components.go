package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks reachability of the hot state store.
type RedisChecker struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisChecker creates a health checker that pings client.
func NewRedisChecker(client *redis.Client, timeout time.Duration) *RedisChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisChecker{client: client, timeout: timeout}
}

func (c *RedisChecker) Name() string {
	return "state_store"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("redis ping failed: %v", err),
		}
	}

	latency := time.Since(start)
	if latency > 500*time.Millisecond {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("redis ping slow: %s", latency),
			Metadata: map[string]interface{}{
				"latency_ms": latency.Milliseconds(),
			},
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "redis reachable",
		Metadata: map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
	}
}

// RepositoryChecker checks reachability of the definition repository's
// backing SQL database.
type RepositoryChecker struct {
	db      *sql.DB
	timeout time.Duration
}

// NewRepositoryChecker creates a health checker that pings db.
func NewRepositoryChecker(db *sql.DB, timeout time.Duration) *RepositoryChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RepositoryChecker{db: db, timeout: timeout}
}

func (c *RepositoryChecker) Name() string {
	return "repository"
}

func (c *RepositoryChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("repository ping failed: %v", err),
		}
	}

	stats := c.db.Stats()
	if stats.OpenConnections > 0 && stats.InUse == stats.OpenConnections && stats.OpenConnections >= stats.MaxOpenConnections && stats.MaxOpenConnections > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "repository connection pool saturated",
			Metadata: map[string]interface{}{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
			},
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "repository reachable",
		Metadata: map[string]interface{}{
			"open_connections": stats.OpenConnections,
		},
	}
}

// CircuitBreakerChecker reports degraded when any handler's breaker is
// open, and unhealthy when none of the handlers are accepting work.
type CircuitBreakerChecker struct {
	states func() map[string]string // handler -> "closed"|"half_open"|"open"
}

// NewCircuitBreakerChecker creates a health checker sampling the
// current state of every registered breaker via states.
func NewCircuitBreakerChecker(states func() map[string]string) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{states: states}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breakers"
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	states := c.states()
	if len(states) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no handlers registered yet"}
	}

	open := 0
	for _, s := range states {
		if s == "open" {
			open++
		}
	}

	if open == len(states) {
		return CheckResult{
			Status:   StatusUnhealthy,
			Message:  "all handler circuit breakers open",
			Metadata: map[string]interface{}{"open": open, "total": len(states)},
		}
	}
	if open > 0 {
		return CheckResult{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d of %d handler circuit breakers open", open, len(states)),
			Metadata: map[string]interface{}{"open": open, "total": len(states)},
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "all handler circuit breakers closed"}
}

// StorageChecker checks a disk-usage percentage, read from the supplied
// function, against warn and critical thresholds.
type StorageChecker struct {
	getDiskUsagePercent func() float64
	warnThreshold       float64
	criticalThreshold   float64
}

// NewStorageChecker creates a storage health checker
func NewStorageChecker(getDiskUsagePercent func() float64, warnThreshold, criticalThreshold float64) *StorageChecker {
	return &StorageChecker{
		getDiskUsagePercent: getDiskUsagePercent,
		warnThreshold:       warnThreshold,
		criticalThreshold:   criticalThreshold,
	}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	usage := c.getDiskUsagePercent()

	if usage >= c.criticalThreshold {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("critical disk usage: %.1f%%", usage),
			Metadata: map[string]interface{}{
				"disk_usage_percent": usage,
				"critical_threshold": c.criticalThreshold,
			},
		}
	}

	if usage >= c.warnThreshold {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high disk usage: %.1f%%", usage),
			Metadata: map[string]interface{}{
				"disk_usage_percent": usage,
				"warn_threshold":     c.warnThreshold,
			},
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("disk usage: %.1f%%", usage),
		Metadata: map[string]interface{}{
			"disk_usage_percent": usage,
		},
	}
}
