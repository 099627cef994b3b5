// Package workflow holds the shared data contracts that cross the
// broker and the state store: DAG definitions, execution and per-node
// state, and the wire messages exchanged on the tasks and completions
// streams. Types here carry no I/O and no behaviour beyond template
// resolution, which is a pure function of a config and a set of
// upstream outputs.
package workflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the overall status of one execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether status is one an execution never leaves.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the per-node execution state machine.
type NodeStatus string

const (
	NodeWaiting   NodeStatus = "WAITING"
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// IsTerminal reports whether status is one a node never leaves.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies a failure for retry and DLQ routing.
type ErrorCategory string

const (
	CategoryValidation  ErrorCategory = "validation"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryConnection  ErrorCategory = "connection"
	CategoryHandler     ErrorCategory = "handler"
	CategoryCircuitOpen ErrorCategory = "circuit_open"
	CategoryUnknown     ErrorCategory = "unknown"
)

// Retryable reports whether the category is ever worth retrying.
// validation failures are never retried; every other category,
// circuit_open included, reports true. The worker does not retry a
// circuit_open failure: it publishes a FAILED completion at once.
func (c ErrorCategory) Retryable() bool {
	return c != CategoryValidation
}

// ErrorDetail is the structured error record carried on a FAILED node,
// a CompletionMessage, and a DeadLetterEntry. Plain JSON so it never
// embeds a language-native exception instance.
type ErrorDetail struct {
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Traceback string        `json:"traceback,omitempty"`
	Retryable bool          `json:"retryable"`
}

// Node is one node of a DAG definition, prior to execution.
type Node struct {
	ID           string          `json:"id"`
	Handler      string          `json:"handler"`
	Config       json.RawMessage `json:"config"`
	Dependencies []string        `json:"dependencies"`
}

// Definition is an immutable DAG definition, identified by
// WorkflowID. Saved once by the definition repository; never updated.
type Definition struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Nodes      []Node    `json:"nodes"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeState is the per-node execution state living in the hot store,
// keyed by (execution_id, node_id).
type NodeState struct {
	Status     NodeStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Execution is one run of a Definition.
type Execution struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CurrentSchemaVersion is the schema_version this build produces and
// the highest version it understands. See libs/protocolversion for
// the compatibility gate applied to incoming messages.
const CurrentSchemaVersion = 1

// TaskMessage is published by the orchestrator on the tasks stream and
// consumed by workers.
type TaskMessage struct {
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	Handler        string          `json:"handler"`
	ResolvedConfig json.RawMessage `json:"resolved_config"`
	RetryCount     int             `json:"retry_count"`
	SchemaVersion  int             `json:"schema_version"`
}

// CompletionMessage is published by a worker on the completions stream
// and consumed by the orchestrator.
type CompletionMessage struct {
	ExecutionID   string          `json:"execution_id"`
	NodeID        string          `json:"node_id"`
	Status        NodeStatus      `json:"status"` // COMPLETED or FAILED
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// DeadLetterEntry is a persisted record of a task that exhausted its
// retry budget or failed validation outright. Created by workers,
// deleted only by explicit operator action.
type DeadLetterEntry struct {
	EntryID        string          `json:"entry_id"`
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	Handler        string          `json:"handler"`
	OriginalConfig json.RawMessage `json:"original_config"`
	ResolvedConfig json.RawMessage `json:"resolved_config"`
	ErrorDetail    ErrorDetail     `json:"error_detail"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
}
