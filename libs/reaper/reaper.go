// Package reaper implements the zombie-message recovery service: it
// periodically scans the broker's pending-entry lists for messages
// whose consumer has gone silent, reclaims them under its own
// ownership, and either re-delivers them to the normal consumer group
// or, once a message has been redelivered too many times, routes it
// to the dead-letter store. The reaper never inspects business state —
// it operates purely on broker pending-entry metadata.
package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/metrics"
	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/statestore"
	"github.com/taskgraph/taskgraph/libs/workflow"
)

// Config controls the scan cadence and reclaim thresholds.
type Config struct {
	CheckInterval time.Duration
	MinIdle       time.Duration
	BatchSize     int64
	MaxReclaims   int // reclaims a single message may undergo before it is dead-lettered
}

// DefaultConfig returns the production defaults: check_interval=5s,
// min_idle_ms=25000, batch_size=100, max_reclaims=10.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		MinIdle:       25 * time.Second,
		BatchSize:     100,
		MaxReclaims:   10,
	}
}

// streamTarget pairs a stream with the consumer group that normally
// reads from it, so a reclaimed message gets redelivered to the right
// audience.
type streamTarget struct {
	stream string
	group  string
}

// Reaper is one replica scanning the tasks and completions streams.
// Multiple replicas may run concurrently; reclaim is a broker-side
// compare-and-set on message ownership so they never double-reclaim
// the same entry.
type Reaper struct {
	store        statestore.StateStore
	repo         *repository.Repository
	consumerName string
	cfg          Config
	metrics      *metrics.PrometheusMetrics
	logger       *zap.Logger

	reclaimCounts map[string]int // stream:execution_id:node_id -> reclaims observed this process lifetime
}

// New constructs a Reaper scanning store's tasks and completions
// streams under consumerName.
func New(store statestore.StateStore, repo *repository.Repository, consumerName string, cfg Config, m *metrics.PrometheusMetrics, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewPrometheusMetrics(nil)
	}
	return &Reaper{
		store:         store,
		repo:          repo,
		consumerName:  consumerName,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
		reclaimCounts: make(map[string]int),
	}
}

func (r *Reaper) targets() []streamTarget {
	return []streamTarget{
		{stream: statestore.StreamTasks, group: statestore.GroupWorker},
		{stream: statestore.StreamCompletions, group: statestore.GroupOrchestrator},
	}
}

// Run scans on CheckInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if err := r.Scan(ctx); err != nil {
			r.logger.Warn("reaper: scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan performs one sweep of every tracked stream: steps 1-3 of §4.5.
func (r *Reaper) Scan(ctx context.Context) error {
	r.metrics.ReaperScans.Inc()
	for _, t := range r.targets() {
		if err := r.scanStream(ctx, t); err != nil {
			return fmt.Errorf("reaper: scan %s: %w", t.stream, err)
		}
	}
	return nil
}

func (r *Reaper) scanStream(ctx context.Context, t streamTarget) error {
	reclaimed, err := r.store.StreamReclaim(ctx, t.stream, t.group, r.consumerName, r.cfg.MinIdle, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("stream reclaim: %w", err)
	}
	if len(reclaimed) == 0 {
		return nil
	}

	r.metrics.ReaperReclaims.WithLabelValues(t.stream).Add(float64(len(reclaimed)))

	for _, msg := range reclaimed {
		if err := r.handleReclaimed(ctx, t, msg); err != nil {
			r.logger.Error("reaper: handling reclaimed message failed",
				zap.String("stream", t.stream), zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// handleReclaimed re-delivers a reclaimed message by acking the old
// id and republishing an identical payload under a fresh id, or
// dead-letters it once it has cycled through the reaper too many
// times. retry_count in the payload is left untouched: the reclaim
// itself is invisible to the idempotency fingerprint.
func (r *Reaper) handleReclaimed(ctx context.Context, t streamTarget, msg statestore.StreamMessage) error {
	// Republishing hands the message a fresh broker id every time, so
	// the reclaim count is tracked against the logical task identity
	// (execution_id, node_id) instead of msg.ID.
	key := t.stream + ":" + msg.Fields["execution_id"] + ":" + msg.Fields["node_id"]
	r.reclaimCounts[key]++
	if t.stream == statestore.StreamTasks && r.reclaimCounts[key] > r.cfg.MaxReclaims {
		delete(r.reclaimCounts, key)
		return r.deadLetterPoisoned(ctx, msg)
	}

	if _, err := r.store.StreamPublish(ctx, t.stream, msg.Fields); err != nil {
		return fmt.Errorf("republish: %w", err)
	}
	if err := r.store.StreamAck(ctx, t.stream, t.group, []string{msg.ID}); err != nil {
		return fmt.Errorf("ack reclaimed: %w", err)
	}
	return nil
}

// deadLetterPoisoned routes a task message that has cycled through the
// reaper more than MaxReclaims times, preventing an infinite reclaim
// loop on a permanently stuck consumer.
func (r *Reaper) deadLetterPoisoned(ctx context.Context, msg statestore.StreamMessage) error {
	detail := workflow.ErrorDetail{
		Category:  workflow.CategoryConnection,
		Message:   fmt.Sprintf("message reclaimed more than %d times; consumer never acknowledged it", r.cfg.MaxReclaims),
		Retryable: false,
	}

	entry := workflow.DeadLetterEntry{
		EntryID:     uuid.NewString(),
		ExecutionID: msg.Fields["execution_id"],
		NodeID:      msg.Fields["node_id"],
		Handler:     msg.Fields["handler"],
		ErrorDetail: detail,
		CreatedAt:   time.Now().UTC(),
	}
	if raw, ok := msg.Fields["resolved_config"]; ok {
		entry.ResolvedConfig = json.RawMessage(raw)
	}
	if r.repo != nil {
		if err := r.repo.RecordDeadLetter(ctx, entry); err != nil {
			r.logger.Error("reaper: record dead letter failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}
	if _, err := r.store.StreamPublish(ctx, statestore.StreamDLQ, map[string]string{
		"entry_id":     entry.EntryID,
		"execution_id": entry.ExecutionID,
		"node_id":      entry.NodeID,
		"entry":        string(body),
	}); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	r.metrics.DeadLetterWrites.WithLabelValues(entry.Handler).Inc()
	return r.store.StreamAck(ctx, statestore.StreamTasks, statestore.GroupWorker, []string{msg.ID})
}

// PendingDepth reports the current pending-entry count per tracked
// stream, for health checks and dashboards. It does not reclaim.
func (r *Reaper) PendingDepth(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(r.targets()))
	for _, t := range r.targets() {
		msgs, err := r.store.StreamPendingOlderThan(ctx, t.stream, t.group, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("pending older than: %w", err)
		}
		out[t.stream] = len(msgs)
		r.metrics.ReaperPendingDepth.WithLabelValues(t.stream).Set(float64(len(msgs)))
	}
	return out, nil
}
