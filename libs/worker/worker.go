// Package worker implements the per-task execution pipeline: consume
// a task from the tasks stream, enforce idempotency, run the handler
// under a circuit breaker and a bounded timeout, retry with backoff on
// a retryable failure, and otherwise dead-letter it.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/breaker"
	"github.com/taskgraph/taskgraph/libs/metrics"
	"github.com/taskgraph/taskgraph/libs/protocolversion"
	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/retry"
	"github.com/taskgraph/taskgraph/libs/statestore"
	"github.com/taskgraph/taskgraph/libs/workflow"
)

// Handler is an opaque task handler: it receives the resolved config
// and returns a JSON-serialisable output or an error. Handlers never
// see upstream outputs directly; the orchestrator already resolved
// templates into ResolvedConfig.
type Handler func(ctx context.Context, config json.RawMessage) (json.RawMessage, error)

// ValidationError lets a handler signal bad input without consuming a
// retry: the worker routes it straight to the dead-letter queue.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Registry maps handler names to implementations.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler for name, if registered.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Config holds the tunables named in the external-interfaces section.
type Config struct {
	BatchSize      int64
	BlockDuration  time.Duration
	HandlerTimeout time.Duration
	IdempotencyTTL time.Duration
	RetryConfig    retry.Config
	BreakerConfig  breaker.Config

	// RunningLeaseTTL bounds how long a node may sit in RUNNING before a
	// redelivery of its task is allowed to take over. Must exceed
	// HandlerTimeout plus the reaper's MinIdle, or a still-live attempt
	// gets preempted by its own reclaim.
	RunningLeaseTTL time.Duration
}

// DefaultConfig returns the worker's production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		BlockDuration:   2 * time.Second,
		HandlerTimeout:  60 * time.Second,
		IdempotencyTTL:  time.Hour,
		RetryConfig:     retry.DefaultConfig(),
		BreakerConfig:   breaker.DefaultConfig(),
		RunningLeaseTTL: 2 * time.Minute,
	}
}

// Worker is one replica competing in the g:worker consumer group on
// workflow:tasks.
type Worker struct {
	store        statestore.StateStore
	repo         *repository.Repository
	registry     *Registry
	breakers     *breaker.Registry
	consumerName string
	cfg          Config
	metrics      *metrics.PrometheusMetrics
	logger       *zap.Logger
	versionGate  *protocolversion.Gate
}

// New constructs a Worker reading tasks through store and dispatching
// them to handlers registered on registry.
func New(store statestore.StateStore, repo *repository.Repository, registry *Registry, consumerName string, cfg Config, m *metrics.PrometheusMetrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewPrometheusMetrics(nil)
	}
	gate, err := protocolversion.NewGate(1, workflow.CurrentSchemaVersion)
	if err != nil {
		panic(fmt.Sprintf("worker: invalid schema version window: %v", err))
	}
	return &Worker{
		store:        store,
		repo:         repo,
		registry:     registry,
		breakers:     breaker.NewRegistry(cfg.BreakerConfig),
		consumerName: consumerName,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		versionGate:  gate,
	}
}

// BreakerStates returns a snapshot of every handler's breaker state,
// suitable for a health checker.
func (w *Worker) BreakerStates() map[string]string {
	return w.breakers.States()
}

// Run reads tasks and executes them until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker); err != nil {
		return fmt.Errorf("worker: ensure consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := w.store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, w.consumerName, w.cfg.BatchSize, w.cfg.BlockDuration)
		if err != nil {
			w.logger.Warn("worker: stream consume failed, backing off", zap.Error(err))
			w.metrics.StateStoreOpErrors.WithLabelValues("stream_consume").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			w.handleTask(ctx, msg)
		}
	}
}

func (w *Worker) handleTask(ctx context.Context, msg statestore.StreamMessage) {
	task, err := decodeTask(msg.Fields)
	if err != nil {
		w.logger.Error("worker: malformed task message, leaving unacked", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	switch disposition := w.versionGate.Check(task.SchemaVersion); disposition {
	case protocolversion.Obsolete:
		w.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
		w.logger.Warn("worker: task schema version predates support window, dead-lettering",
			zap.String("execution_id", task.ExecutionID), zap.String("node_id", task.NodeID),
			zap.Int("schema_version", task.SchemaVersion))
		if err := w.deadLetter(ctx, task, workflow.ErrorDetail{
			Category:  workflow.CategoryValidation,
			Message:   fmt.Sprintf("task schema_version %d predates this build's support window", task.SchemaVersion),
			Retryable: false,
		}); err != nil {
			w.logger.Error("worker: dead-lettering obsolete task failed", zap.Error(err))
			return
		}
	case protocolversion.Unacknowledged:
		w.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
		w.logger.Warn("worker: task schema version newer than this build supports, leaving unacked",
			zap.String("execution_id", task.ExecutionID), zap.String("node_id", task.NodeID),
			zap.Int("schema_version", task.SchemaVersion))
		return
	default:
		w.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
		if err := w.process(ctx, task); err != nil {
			w.logger.Error("worker: processing task failed, leaving unacked for reaper",
				zap.String("execution_id", task.ExecutionID),
				zap.String("node_id", task.NodeID),
				zap.Error(err))
			return
		}
	}

	if err := w.store.StreamAck(ctx, statestore.StreamTasks, statestore.GroupWorker, []string{msg.ID}); err != nil {
		w.logger.Warn("worker: ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// process runs the eight-step pipeline from §4.4. Steps that return an
// error leave the caller to decide on acknowledgement; every other
// path acks via the caller once process returns nil.
func (w *Worker) process(ctx context.Context, task workflow.TaskMessage) error {
	execStatus, err := w.store.ExecutionStatusGet(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("execution status get: %w", err)
	}
	if execStatus == workflow.ExecutionCancelled {
		return nil // cancellation gate: ack and skip, no completion published.
	}

	acquired, err := w.acquireRunning(ctx, task)
	if err != nil {
		return fmt.Errorf("acquire running: %w", err)
	}
	if !acquired {
		return nil // a peer holds a live lease, or this node already finished.
	}

	handler, found := w.registry.Lookup(task.Handler)
	if !found {
		return w.deadLetter(ctx, task, workflow.ErrorDetail{
			Category:  workflow.CategoryValidation,
			Message:   fmt.Sprintf("handler %q is not registered", task.Handler),
			Retryable: false,
		})
	}

	cb := w.breakers.For(task.Handler)
	if err := cb.Allow(); err != nil {
		w.metrics.TaskHandlerResults.WithLabelValues(task.Handler, "circuit_open").Inc()
		return w.completeFailed(ctx, task, workflow.ErrorDetail{
			Category:  workflow.CategoryCircuitOpen,
			Message:   "circuit breaker open for handler " + task.Handler,
			Retryable: true,
		})
	}

	output, handlerErr := w.invoke(ctx, task.Handler, handler, task.ResolvedConfig)
	if handlerErr == nil {
		cb.Success()
		w.metrics.CircuitBreakerState.WithLabelValues(task.Handler).Set(metrics.CircuitStateValue(strings.ToLower(string(cb.State()))))
		w.metrics.TaskHandlerResults.WithLabelValues(task.Handler, "completed").Inc()
		return w.completeSuccess(ctx, task, output)
	}

	cb.Failure()
	w.metrics.CircuitBreakerState.WithLabelValues(task.Handler).Set(metrics.CircuitStateValue(strings.ToLower(string(cb.State()))))
	if cb.State() == breaker.Open {
		w.metrics.CircuitBreakerTrips.WithLabelValues(task.Handler).Inc()
	}
	w.metrics.TaskHandlerResults.WithLabelValues(task.Handler, "failed").Inc()

	detail := classify(handlerErr)
	if !detail.Retryable {
		return w.deadLetter(ctx, task, detail)
	}

	w.metrics.TaskRetries.WithLabelValues(task.Handler, string(detail.Category)).Inc()
	if task.RetryCount+1 > w.cfg.RetryConfig.MaxRetries {
		return w.deadLetter(ctx, task, detail)
	}
	return w.scheduleRetry(ctx, task, detail)
}

// acquireRunning transitions a node to RUNNING, either as its first
// dispatch (PENDING -> RUNNING) or by reclaiming a lease the reaper has
// redelivered past: a node already RUNNING whose started_at predates
// RunningLeaseTTL means the worker that set it died before publishing a
// completion, and nothing else will ever finish the node, so this
// redelivery takes the lease instead of acking silently and stranding
// it in RUNNING forever. A task whose retry_count is above the one the
// node records is a retry republished by scheduleRetry after a failed
// attempt; it takes the lease at once and records its retry_count.
func (w *Worker) acquireRunning(ctx context.Context, task workflow.TaskMessage) (bool, error) {
	now := time.Now().UTC()
	ok, err := w.store.StatusCAS(ctx, task.ExecutionID, task.NodeID, workflow.NodePending, workflow.NodeRunning, statestore.ExtraFields{
		"started_at": now,
	})
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	state, err := w.store.StatusGet(ctx, task.ExecutionID, task.NodeID)
	if err != nil {
		return false, err
	}
	if state.Status != workflow.NodeRunning || state.StartedAt == nil {
		return false, nil // terminal, waiting, or already reassigned elsewhere.
	}
	isRetry := task.RetryCount > state.RetryCount
	if !isRetry && time.Since(*state.StartedAt) < w.cfg.RunningLeaseTTL {
		return false, nil // lease still live; a peer is genuinely in flight.
	}

	if !isRetry {
		w.logger.Warn("worker: reclaiming stale running lease",
			zap.String("execution_id", task.ExecutionID),
			zap.String("node_id", task.NodeID),
			zap.Time("started_at", *state.StartedAt))
	}

	return w.store.StatusCAS(ctx, task.ExecutionID, task.NodeID, workflow.NodeRunning, workflow.NodeRunning, statestore.ExtraFields{
		"started_at":  now,
		"retry_count": task.RetryCount,
	})
}

func (w *Worker) invoke(ctx context.Context, handlerName string, handler Handler, config json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := handler(callCtx, config)
		done <- result{output: output, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, fmt.Errorf("handler timed out after %s: %w", w.cfg.HandlerTimeout, callCtx.Err())
	case r := <-done:
		w.metrics.TaskHandlerDuration.WithLabelValues(handlerName).Observe(time.Since(start).Seconds())
		return r.output, r.err
	}
}

// completeSuccess claims the idempotency fingerprint, persists the
// output, and publishes the completion. The fingerprint claim happens
// here — not at task intake — so a reaper-reclaimed redelivery of the
// same retry_count still sees the claim as available and can complete
// the node, instead of a crashed attempt's claim permanently blocking
// the retry_count from ever finishing.
func (w *Worker) completeSuccess(ctx context.Context, task workflow.TaskMessage, output json.RawMessage) error {
	claimed, err := w.store.IdempotencyTryClaim(ctx, fingerprint(task), w.cfg.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency try claim: %w", err)
	}
	if !claimed {
		return nil // a prior completion for this exact attempt already landed.
	}

	if err := w.store.OutputPut(ctx, task.ExecutionID, task.NodeID, output); err != nil {
		return fmt.Errorf("output put: %w", err)
	}

	return w.publishCompletion(ctx, workflow.CompletionMessage{
		ExecutionID:   task.ExecutionID,
		NodeID:        task.NodeID,
		Status:        workflow.NodeCompleted,
		Output:        output,
		SchemaVersion: workflow.CurrentSchemaVersion,
	})
}

func (w *Worker) completeFailed(ctx context.Context, task workflow.TaskMessage, detail workflow.ErrorDetail) error {
	claimed, err := w.store.IdempotencyTryClaim(ctx, fingerprint(task), w.cfg.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency try claim: %w", err)
	}
	if !claimed {
		return nil
	}
	return w.publishCompletion(ctx, workflow.CompletionMessage{
		ExecutionID:   task.ExecutionID,
		NodeID:        task.NodeID,
		Status:        workflow.NodeFailed,
		Error:         &detail,
		SchemaVersion: workflow.CurrentSchemaVersion,
	})
}

// deadLetter records a terminal failure in the dead-letter store and
// publishes a FAILED completion so the orchestrator advances the
// graph (propagating SKIPPED to descendants).
func (w *Worker) deadLetter(ctx context.Context, task workflow.TaskMessage, detail workflow.ErrorDetail) error {
	w.metrics.DeadLetterWrites.WithLabelValues(task.Handler).Inc()

	entry := workflow.DeadLetterEntry{
		EntryID:        uuid.NewString(),
		ExecutionID:    task.ExecutionID,
		NodeID:         task.NodeID,
		Handler:        task.Handler,
		ResolvedConfig: task.ResolvedConfig,
		ErrorDetail:    detail,
		RetryCount:     task.RetryCount,
		CreatedAt:      time.Now().UTC(),
	}

	if w.repo != nil {
		if err := w.repo.RecordDeadLetter(ctx, entry); err != nil {
			w.logger.Error("worker: record dead letter failed", zap.String("execution_id", task.ExecutionID), zap.Error(err))
		}
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}
	if _, err := w.store.StreamPublish(ctx, statestore.StreamDLQ, map[string]string{
		"entry_id":     entry.EntryID,
		"execution_id": entry.ExecutionID,
		"node_id":      entry.NodeID,
		"entry":        string(body),
	}); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	return w.completeFailed(ctx, task, detail)
}

// scheduleRetry sleeps for the backoff delay (cancellable) and
// republishes the task with retry_count incremented.
func (w *Worker) scheduleRetry(ctx context.Context, task workflow.TaskMessage, detail workflow.ErrorDetail) error {
	delay := retry.Backoff(task.RetryCount, w.cfg.RetryConfig)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	next := task
	next.RetryCount = task.RetryCount + 1

	w.logger.Info("worker: retrying task",
		zap.String("execution_id", task.ExecutionID),
		zap.String("node_id", task.NodeID),
		zap.Int("retry_count", next.RetryCount),
		zap.Duration("delay", delay))

	return w.publishTask(ctx, next)
}

func (w *Worker) publishTask(ctx context.Context, task workflow.TaskMessage) error {
	_, err := w.store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id":    task.ExecutionID,
		"node_id":         task.NodeID,
		"handler":         task.Handler,
		"resolved_config": string(task.ResolvedConfig),
		"retry_count":     fmt.Sprintf("%d", task.RetryCount),
		"schema_version":  fmt.Sprintf("%d", task.SchemaVersion),
	})
	return err
}

func (w *Worker) publishCompletion(ctx context.Context, c workflow.CompletionMessage) error {
	fields := map[string]string{
		"execution_id":   c.ExecutionID,
		"node_id":        c.NodeID,
		"status":         string(c.Status),
		"schema_version": fmt.Sprintf("%d", c.SchemaVersion),
	}
	if c.Output != nil {
		fields["output"] = string(c.Output)
	}
	if c.Error != nil {
		body, err := json.Marshal(c.Error)
		if err != nil {
			return fmt.Errorf("marshal error detail: %w", err)
		}
		fields["error"] = string(body)
	}
	_, err := w.store.StreamPublish(ctx, statestore.StreamCompletions, fields)
	return err
}

// fingerprint identifies one logical attempt: the same
// (execution, node, retry_count) triple always yields the same value,
// regardless of which worker or broker message id is involved.
func fingerprint(task workflow.TaskMessage) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", task.ExecutionID, task.NodeID, task.RetryCount)))
	return hex.EncodeToString(h[:])
}

// classify maps a handler error to the taxonomy from §7. A
// *ValidationError is never retried; a timed-out handler is
// retryable; everything else is a generic handler error.
func classify(err error) workflow.ErrorDetail {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return workflow.ErrorDetail{Category: workflow.CategoryValidation, Message: ve.Message, Retryable: false}
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.ErrorDetail{Category: workflow.CategoryTimeout, Message: err.Error(), Retryable: true}
	default:
		return workflow.ErrorDetail{Category: workflow.CategoryHandler, Message: err.Error(), Retryable: true}
	}
}

func decodeTask(fields map[string]string) (workflow.TaskMessage, error) {
	var t workflow.TaskMessage
	t.ExecutionID = fields["execution_id"]
	t.NodeID = fields["node_id"]
	t.Handler = fields["handler"]
	if raw, ok := fields["resolved_config"]; ok {
		t.ResolvedConfig = json.RawMessage(raw)
	}
	if t.ExecutionID == "" || t.NodeID == "" || t.Handler == "" {
		return t, fmt.Errorf("task message missing execution_id, node_id, or handler")
	}
	var rc int
	if _, err := fmt.Sscanf(fields["retry_count"], "%d", &rc); err == nil {
		t.RetryCount = rc
	}
	var sv int
	if _, err := fmt.Sscanf(fields["schema_version"], "%d", &sv); err == nil {
		t.SchemaVersion = sv
	}
	return t, nil
}
