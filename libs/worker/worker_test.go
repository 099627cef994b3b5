package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/breaker"
	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/retry"
	"github.com/taskgraph/taskgraph/libs/statestore"
	"github.com/taskgraph/taskgraph/libs/workflow"
)

func newTestWorker(t *testing.T, registry *Registry) (*Worker, *statestore.FakeStore) {
	t.Helper()
	store := statestore.NewFakeStore()

	cfg := DefaultConfig()
	cfg.RetryConfig = retry.Config{MaxRetries: 0, Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0}
	cfg.BreakerConfig = breaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute}

	w := New(store, nil, registry, "test-worker", cfg, nil, zap.NewNop())
	return w, store
}

// seedPendingNode puts one execution/node pair into the PENDING state
// a worker would observe right after the orchestrator dispatches it.
func seedPendingNode(t *testing.T, ctx context.Context, store *statestore.FakeStore, executionID, nodeID string) {
	t.Helper()
	require.NoError(t, store.ExecutionSeed(ctx, executionID, workflow.Definition{
		WorkflowID: "wf-" + executionID,
		Nodes:      []workflow.Node{{ID: nodeID, Handler: "noop"}},
	}))
	require.NoError(t, store.ExecutionStatusSet(ctx, executionID, workflow.ExecutionRunning))
	ok, err := store.StatusCAS(ctx, executionID, nodeID, workflow.NodeWaiting, workflow.NodePending, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func soleCompletion(t *testing.T, ctx context.Context, store *statestore.FakeStore) map[string]string {
	t.Helper()
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator))
	msgs, err := store.StreamConsume(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Fields
}

func TestWorker_SuccessPath(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return []byte(`{"result":42}`), nil
	})
	w, store := newTestWorker(t, reg)

	seedPendingNode(t, ctx, store, "exec-1", "a")
	task := workflow.TaskMessage{ExecutionID: "exec-1", NodeID: "a", Handler: "echo", SchemaVersion: workflow.CurrentSchemaVersion}
	require.NoError(t, w.process(ctx, task))

	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeCompleted), fields["status"])
	require.JSONEq(t, `{"result":42}`, fields["output"])

	output, err := store.OutputMGet(ctx, "exec-1", []string{"a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"result":42}`, string(output["a"]))
}

func TestWorker_ValidationErrorSkipsRetryAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.Register("bad-config", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, &ValidationError{Message: "missing required field"}
	})

	db, err := repository.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))
	repo := repository.New(db)

	store := statestore.NewFakeStore()
	cfg := DefaultConfig()
	cfg.RetryConfig = retry.Config{MaxRetries: 4, Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0}
	w := New(store, repo, reg, "test-worker", cfg, nil, zap.NewNop())

	seedPendingNode(t, ctx, store, "exec-2", "a")
	task := workflow.TaskMessage{ExecutionID: "exec-2", NodeID: "a", Handler: "bad-config"}
	require.NoError(t, w.process(ctx, task))

	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeFailed), fields["status"])

	var detail workflow.ErrorDetail
	require.NoError(t, json.Unmarshal([]byte(fields["error"]), &detail))
	require.Equal(t, workflow.CategoryValidation, detail.Category)
	require.False(t, detail.Retryable)

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamDLQ, "inspect"))
	dlq, err := store.StreamConsume(ctx, statestore.StreamDLQ, "inspect", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
}

func TestWorker_RetryBudgetExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := 0
	reg.Register("flaky", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errBoom
	})
	w, store := newTestWorker(t, reg) // MaxRetries: 0

	seedPendingNode(t, ctx, store, "exec-3", "a")
	task := workflow.TaskMessage{ExecutionID: "exec-3", NodeID: "a", Handler: "flaky", RetryCount: 0}
	require.NoError(t, w.process(ctx, task))

	require.Equal(t, 1, calls)
	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeFailed), fields["status"])

	var detail workflow.ErrorDetail
	require.NoError(t, json.Unmarshal([]byte(fields["error"]), &detail))
	require.Equal(t, workflow.CategoryHandler, detail.Category)
}

func TestWorker_CircuitOpenSkipsHandlerInvocation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := 0
	reg.Register("flaky", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errBoom
	})
	w, store := newTestWorker(t, reg) // FailureThreshold: 2

	for i, nodeID := range []string{"a", "b"} {
		seedPendingNode(t, ctx, store, "exec-trip", nodeID)
		task := workflow.TaskMessage{ExecutionID: "exec-trip", NodeID: nodeID, Handler: "flaky", RetryCount: 0}
		require.NoError(t, w.process(ctx, task))
		_ = i
	}
	require.Equal(t, 2, calls)
	require.Equal(t, breaker.Open, w.breakers.For("flaky").State())

	// Drain the two completions from the priming failures.
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator))
	_, err := store.StreamConsume(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, "drain", 10, 0)
	require.NoError(t, err)

	seedPendingNode(t, ctx, store, "exec-trip", "c")
	task := workflow.TaskMessage{ExecutionID: "exec-trip", NodeID: "c", Handler: "flaky", RetryCount: 0}
	require.NoError(t, w.process(ctx, task))
	require.Equal(t, 2, calls, "handler must not run while the breaker is open")

	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeFailed), fields["status"])
	var detail workflow.ErrorDetail
	require.NoError(t, json.Unmarshal([]byte(fields["error"]), &detail))
	require.Equal(t, workflow.CategoryCircuitOpen, detail.Category)
}

// TestWorker_IdempotencyClaimedOnlyAfterCompletionPublish: the
// fingerprint claim happens once a result is ready to publish, not at
// task intake, so a second pipeline run for the same (execution, node,
// retry_count) — as a reaper would produce after reclaiming a crashed
// worker's in-flight delivery — is deduplicated instead of silently
// dropped before it can complete.
func TestWorker_IdempotencyClaimedOnlyAfterCompletionPublish(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	w, store := newTestWorker(t, reg)

	task := workflow.TaskMessage{ExecutionID: "exec-idem", NodeID: "a", RetryCount: 0}

	require.NoError(t, w.completeSuccess(ctx, task, []byte(`{"v":1}`)))
	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeCompleted), fields["status"])

	// A second attempt for the identical retry_count must not publish
	// a duplicate completion.
	require.NoError(t, w.completeSuccess(ctx, task, []byte(`{"v":1}`)))
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator))
	msgs, err := store.StreamConsume(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, "c2", 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// TestWorker_ReclaimsStaleRunningLeaseAfterCrash drives handleTask twice
// for the same node: once to put it into RUNNING and simulate a worker
// that dies before publishing a completion, and a second time — after
// the lease has aged past RunningLeaseTTL, the way it would once the
// reaper redelivers the still-unacked message — to prove a replacement
// worker actually invokes the handler instead of acking silently and
// leaving the node stranded in RUNNING.
func TestWorker_ReclaimsStaleRunningLeaseAfterCrash(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := 0
	reg.Register("echo", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		calls++
		return []byte(`{"result":42}`), nil
	})
	w, store := newTestWorker(t, reg)
	w.cfg.RunningLeaseTTL = 10 * time.Millisecond

	seedPendingNode(t, ctx, store, "exec-crash", "a")
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err := store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id":   "exec-crash",
		"node_id":        "a",
		"handler":        "echo",
		"schema_version": fmt.Sprintf("%d", workflow.CurrentSchemaVersion),
	})
	require.NoError(t, err)

	// First worker advances the node to RUNNING but "crashes" before
	// the handler ever runs: simulate that by claiming the lease
	// directly rather than going through process(), which would run
	// the handler to completion.
	ok, err := store.StatusCAS(ctx, "exec-crash", "a", workflow.NodePending, workflow.NodeRunning, statestore.ExtraFields{
		"started_at": time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, calls, "handler must not have run yet")

	// The message was never acked, so it is still claimable; a second
	// worker (the replacement) reads it and must drive it through the
	// full handleTask/process pipeline.
	msgs, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "test-worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	w.handleTask(ctx, msgs[0])

	require.Equal(t, 1, calls, "replacement worker must invoke the handler")
	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeCompleted), fields["status"])
	require.JSONEq(t, `{"result":42}`, fields["output"])

	ns, err := store.StatusGet(ctx, "exec-crash", "a")
	require.NoError(t, err)
	require.Equal(t, workflow.NodeRunning, ns.Status, "completion publish does not itself advance node status")
}

// TestWorker_LiveRunningLeaseIsNotPreempted is the inverse: a node
// genuinely still being worked by a live peer (started_at recent) must
// not be preempted by a concurrent redelivery.
func TestWorker_LiveRunningLeaseIsNotPreempted(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := 0
	reg.Register("echo", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		calls++
		return []byte(`{}`), nil
	})
	w, store := newTestWorker(t, reg)

	seedPendingNode(t, ctx, store, "exec-live", "a")
	ok, err := store.StatusCAS(ctx, "exec-live", "a", workflow.NodePending, workflow.NodeRunning, statestore.ExtraFields{
		"started_at": time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	task := workflow.TaskMessage{ExecutionID: "exec-live", NodeID: "a", Handler: "echo", SchemaVersion: workflow.CurrentSchemaVersion}
	require.NoError(t, w.process(ctx, task))

	require.Equal(t, 0, calls, "handler must not run while a live peer holds the lease")
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator))
	msgs, err := store.StreamConsume(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, "c1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "no completion should be published while the lease is live")
}

func TestWorker_ObsoleteSchemaVersionDeadLetters(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	called := false
	reg.Register("echo", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		called = true
		return []byte(`{}`), nil
	})

	db, err := repository.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))
	repo := repository.New(db)

	store := statestore.NewFakeStore()
	w := New(store, repo, reg, "test-worker", DefaultConfig(), nil, zap.NewNop())

	seedPendingNode(t, ctx, store, "exec-old", "a")
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err = store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id":   "exec-old",
		"node_id":        "a",
		"handler":        "echo",
		"schema_version": "0",
	})
	require.NoError(t, err)

	msgs, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "test-worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	w.handleTask(ctx, msgs[0])

	require.False(t, called, "handler must not run for an obsolete schema version")

	fields := soleCompletion(t, ctx, store)
	require.Equal(t, string(workflow.NodeFailed), fields["status"])

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamDLQ, "inspect"))
	dlq, err := store.StreamConsume(ctx, statestore.StreamDLQ, "inspect", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
}

func TestWorker_FutureSchemaVersionLeftUnacked(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	w, store := newTestWorker(t, reg)

	seedPendingNode(t, ctx, store, "exec-new", "a")
	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err := store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id":   "exec-new",
		"node_id":        "a",
		"handler":        "echo",
		"schema_version": "999",
	})
	require.NoError(t, err)

	msgs, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "test-worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	w.handleTask(ctx, msgs[0])

	ns, err := store.StatusGet(ctx, "exec-new", "a")
	require.NoError(t, err)
	require.Equal(t, workflow.NodePending, ns.Status, "a future schema version must never advance node status")
}

var errBoom = &handlerError{"boom"}

type handlerError struct{ msg string }

func (e *handlerError) Error() string { return e.msg }
