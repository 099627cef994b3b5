// Package statestore is the façade over a key-value broker with
// stream semantics: durable hot state for node status, outputs,
// idempotency marks, distributed locks, and the tasks/completions/dlq
// streams with consumer-group bookkeeping. Implementations must make
// every operation atomic where the interface promises it (CAS status
// transitions, ownership-checked lock release) and cancellable by the
// caller's context.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

// ErrNotFound is returned when a status/output lookup has no entry.
var ErrNotFound = errors.New("statestore: not found")

// StreamMessage is one entry read from a stream, carrying its broker
// message id and field map.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// ExtraFields are additional hash fields applied atomically alongside
// a status transition (output, error, retry_count, timestamps).
type ExtraFields map[string]interface{}

// StateStore is the narrow interface the orchestrator, worker and
// reaper depend on. See spec §4.2 for the full operation contract.
type StateStore interface {
	StatusGet(ctx context.Context, executionID, nodeID string) (workflow.NodeState, error)
	StatusMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]workflow.NodeState, error)
	StatusCAS(ctx context.Context, executionID, nodeID string, expected, next workflow.NodeStatus, extra ExtraFields) (bool, error)

	OutputPut(ctx context.Context, executionID, nodeID string, output json.RawMessage) error
	OutputMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]json.RawMessage, error)

	ExecutionStatusGet(ctx context.Context, executionID string) (workflow.ExecutionStatus, error)
	ExecutionStatusSet(ctx context.Context, executionID string, status workflow.ExecutionStatus) error
	ExecutionStatusCAS(ctx context.Context, executionID string, expected, next workflow.ExecutionStatus) (bool, error)
	ExecutionWorkflowID(ctx context.Context, executionID string) (string, error)
	ExecutionSeed(ctx context.Context, executionID string, def workflow.Definition) error

	IdempotencyTryClaim(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)

	LockAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	LockRelease(ctx context.Context, key, ownerToken string) (bool, error)

	StreamPublish(ctx context.Context, stream string, fields map[string]string) (string, error)
	StreamEnsureGroup(ctx context.Context, stream, group string) error
	StreamConsume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream, group string, ids []string) error
	StreamReclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, count int64) ([]StreamMessage, error)
	StreamPendingOlderThan(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]StreamMessage, error)

	RateWindowIncr(ctx context.Context, key string, window time.Duration, limit int64) (allowed bool, remaining int64, resetAt time.Time, err error)
}

// Key namespace helpers, shared by every implementation so the wire
// layout matches spec §6 regardless of backend.
const (
	StreamTasks       = "workflow:tasks"
	StreamCompletions = "workflow:completions"
	StreamDLQ         = "workflow:dlq"

	GroupOrchestrator = "g:orchestrator"
	GroupWorker       = "g:worker"
)

func statusKey(executionID, nodeID string) string {
	return "status:" + executionID + ":" + nodeID
}

func outputKey(executionID, nodeID string) string {
	return "output:" + executionID + ":" + nodeID
}

func idempotencyKey(fingerprint string) string {
	return "idempotency:" + fingerprint
}

func executionMetaKey(executionID string) string {
	return "meta:execution:" + executionID
}
