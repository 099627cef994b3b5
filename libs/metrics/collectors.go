package metrics

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RepositoryCollector polls the definition repository's database for
// metrics that only make sense as an aggregate query rather than a
// per-event counter: executions by status, dead-letter depth by
// error category. Queries are cached for refreshInterval to avoid
// hammering the database on every scrape.
type RepositoryCollector struct {
	db     *sql.DB
	logger *zap.Logger

	refreshInterval time.Duration

	executionsByStatusDesc *prometheus.Desc
	dlqDepthByCategoryDesc *prometheus.Desc

	mutex        sync.Mutex
	lastUpdate   time.Time
	cachedValues map[string]float64
}

// NewRepositoryCollector creates a collector backed by db, refreshing
// its cache at most once per refreshInterval.
func NewRepositoryCollector(db *sql.DB, logger *zap.Logger, refreshInterval time.Duration) *RepositoryCollector {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &RepositoryCollector{
		db:              db,
		logger:          logger,
		refreshInterval: refreshInterval,

		executionsByStatusDesc: prometheus.NewDesc(
			Namespace+"_executions_by_status",
			"Execution rows by status, from the definition repository",
			[]string{"status"},
			nil,
		),
		dlqDepthByCategoryDesc: prometheus.NewDesc(
			Namespace+"_dead_letter_depth",
			"Dead-letter entries by error category, from the definition repository",
			[]string{"category"},
			nil,
		),

		cachedValues: make(map[string]float64),
	}
}

// Describe implements prometheus.Collector.
func (c *RepositoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executionsByStatusDesc
	ch <- c.dlqDepthByCategoryDesc
}

// Collect implements prometheus.Collector.
func (c *RepositoryCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if time.Since(c.lastUpdate) > c.refreshInterval {
		c.refresh()
		c.lastUpdate = time.Now()
	}

	c.emitExecutionsByStatus(ch)
	c.emitDLQDepthByCategory(ch)
}

func (c *RepositoryCollector) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.cachedValues = make(map[string]float64)
	c.refreshExecutionsByStatus(ctx)
	c.refreshDLQDepthByCategory(ctx)
}

func (c *RepositoryCollector) refreshExecutionsByStatus(ctx context.Context) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM executions GROUP BY status
	`)
	if err != nil {
		c.logger.Warn("repository collector: query executions by status", zap.Error(err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count float64
		if err := rows.Scan(&status, &count); err != nil {
			c.logger.Error("repository collector: scan execution status row", zap.Error(err))
			continue
		}
		c.cachedValues["execution_status_"+status] = count
	}
}

func (c *RepositoryCollector) refreshDLQDepthByCategory(ctx context.Context) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT error_category, COUNT(*) FROM dead_letter_entries GROUP BY error_category
	`)
	if err != nil {
		c.logger.Warn("repository collector: query dead letter depth", zap.Error(err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count float64
		if err := rows.Scan(&category, &count); err != nil {
			c.logger.Error("repository collector: scan dead letter row", zap.Error(err))
			continue
		}
		c.cachedValues["dlq_category_"+category] = count
	}
}

func (c *RepositoryCollector) emitExecutionsByStatus(ch chan<- prometheus.Metric) {
	for key, value := range c.cachedValues {
		if strings.HasPrefix(key, "execution_status_") {
			status := strings.TrimPrefix(key, "execution_status_")
			ch <- prometheus.MustNewConstMetric(c.executionsByStatusDesc, prometheus.GaugeValue, value, status)
		}
	}
}

func (c *RepositoryCollector) emitDLQDepthByCategory(ch chan<- prometheus.Metric) {
	for key, value := range c.cachedValues {
		if strings.HasPrefix(key, "dlq_category_") {
			category := strings.TrimPrefix(key, "dlq_category_")
			ch <- prometheus.MustNewConstMetric(c.dlqDepthByCategoryDesc, prometheus.GaugeValue, value, category)
		}
	}
}
