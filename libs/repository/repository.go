package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

// ErrNotFound is returned when a lookup by ID has no matching row.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists is returned by SaveDAG when a definition with the
// same workflow_id has already been saved; definitions are write-once.
var ErrAlreadyExists = errors.New("repository: definition already exists")

// Repository is the cold store for DAG definitions and terminal
// execution history: a Postgres- or SQLite-backed companion to the
// hot, TTL'd state kept in the state store.
type Repository struct {
	db *DB
}

// New wraps an already-opened *DB.
func New(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveDAG persists a Definition. Definitions are immutable once saved:
// a second SaveDAG for the same WorkflowID returns ErrAlreadyExists.
func (r *Repository) SaveDAG(ctx context.Context, def workflow.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("repository: marshal definition: %w", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO workflow_definitions (workflow_id, schema_version, definition, created_at) VALUES (%s, %s, %s, %s)`,
		r.db.placeholder(1), r.db.placeholder(2), r.db.placeholder(3), r.db.placeholder(4))

	_, err = r.db.Conn.ExecContext(ctx, query, def.WorkflowID, workflow.CurrentSchemaVersion, string(body), def.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("repository: save definition: %w", err)
	}
	return nil
}

// LoadDAG returns the Definition previously saved under workflowID.
func (r *Repository) LoadDAG(ctx context.Context, workflowID string) (workflow.Definition, error) {
	query := fmt.Sprintf(`SELECT definition FROM workflow_definitions WHERE workflow_id = %s`, r.db.placeholder(1))

	var body string
	err := r.db.Conn.QueryRowContext(ctx, query, workflowID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Definition{}, ErrNotFound
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("repository: load definition: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return workflow.Definition{}, fmt.Errorf("repository: unmarshal definition: %w", err)
	}
	return def, nil
}

// CreateExecution records a new execution row in PENDING status.
func (r *Repository) CreateExecution(ctx context.Context, exec workflow.Execution) error {
	query := fmt.Sprintf(
		`INSERT INTO executions (execution_id, workflow_id, status, created_at) VALUES (%s, %s, %s, %s)`,
		r.db.placeholder(1), r.db.placeholder(2), r.db.placeholder(3), r.db.placeholder(4))

	_, err := r.db.Conn.ExecContext(ctx, query, exec.ExecutionID, exec.WorkflowID, exec.Status, exec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: create execution: %w", err)
	}
	return nil
}

// RecordTerminal transitions an execution to a terminal status and
// persists each node's final state, so the hot store's TTL'd copy can
// expire without losing history.
func (r *Repository) RecordTerminal(ctx context.Context, executionID string, status workflow.ExecutionStatus, nodeStates map[string]workflow.NodeState) error {
	return WithTransaction(ctx, r.db.Conn, func(tx *sql.Tx) error {
		updateQuery := fmt.Sprintf(`UPDATE executions SET status = %s, finished_at = %s WHERE execution_id = %s`,
			r.db.placeholder(1), r.db.placeholder(2), r.db.placeholder(3))
		if _, err := tx.ExecContext(ctx, updateQuery, status, time.Now().UTC(), executionID); err != nil {
			return fmt.Errorf("update execution status: %w", err)
		}

		for nodeID, ns := range nodeStates {
			var errJSON []byte
			if ns.Error != nil {
				var err error
				errJSON, err = json.Marshal(ns.Error)
				if err != nil {
					return fmt.Errorf("marshal node error for %s: %w", nodeID, err)
				}
			}

			insertQuery := fmt.Sprintf(
				`INSERT INTO execution_node_outputs (execution_id, node_id, status, output, error, retry_count, started_at, finished_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
				r.db.placeholder(1), r.db.placeholder(2), r.db.placeholder(3), r.db.placeholder(4),
				r.db.placeholder(5), r.db.placeholder(6), r.db.placeholder(7), r.db.placeholder(8))

			_, err := tx.ExecContext(ctx, insertQuery,
				executionID, nodeID, ns.Status, nullableJSON(ns.Output), nullableBytes(errJSON),
				ns.RetryCount, nullableTime(ns.StartedAt), nullableTime(ns.FinishedAt))
			if err != nil {
				return fmt.Errorf("insert node output for %s: %w", nodeID, err)
			}
		}

		return nil
	})
}

// RecordDeadLetter persists a dead-letter entry alongside the hot
// store's copy, so it survives independently of stream retention.
func (r *Repository) RecordDeadLetter(ctx context.Context, entry workflow.DeadLetterEntry) error {
	errJSON, err := json.Marshal(entry.ErrorDetail)
	if err != nil {
		return fmt.Errorf("repository: marshal dlq error detail: %w", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO dead_letter_entries (entry_id, execution_id, node_id, error_category, error_message, retry_count, created_at) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		r.db.placeholder(1), r.db.placeholder(2), r.db.placeholder(3), r.db.placeholder(4),
		r.db.placeholder(5), r.db.placeholder(6), r.db.placeholder(7))

	_, err = r.db.Conn.ExecContext(ctx, query,
		entry.EntryID, entry.ExecutionID, entry.NodeID, string(entry.ErrorDetail.Category),
		string(errJSON), entry.RetryCount, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: record dead letter: %w", err)
	}
	return nil
}

// ExecutionSummary reports an execution's terminal status and, where
// the underlying run has finished, its recorded node states.
type ExecutionSummary struct {
	ExecutionID string
	WorkflowID  string
	Status      workflow.ExecutionStatus
	CreatedAt   time.Time
	FinishedAt  *time.Time
	Nodes       []NodeOutputRow
}

// NodeOutputRow is one row of execution_node_outputs.
type NodeOutputRow struct {
	NodeID     string
	Status     workflow.NodeStatus
	RetryCount int
	Error      json.RawMessage
}

// GetExecution returns the recorded execution row and its terminal
// node states, for CLI and API status lookups once the hot store's
// TTL'd copy has expired.
func (r *Repository) GetExecution(ctx context.Context, executionID string) (ExecutionSummary, error) {
	query := fmt.Sprintf(
		`SELECT execution_id, workflow_id, status, created_at, finished_at FROM executions WHERE execution_id = %s`,
		r.db.placeholder(1))

	var summary ExecutionSummary
	var finishedAt sql.NullTime
	err := r.db.Conn.QueryRowContext(ctx, query, executionID).Scan(
		&summary.ExecutionID, &summary.WorkflowID, &summary.Status, &summary.CreatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionSummary{}, ErrNotFound
	}
	if err != nil {
		return ExecutionSummary{}, fmt.Errorf("repository: get execution: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		summary.FinishedAt = &t
	}

	nodesQuery := fmt.Sprintf(
		`SELECT node_id, status, retry_count, error FROM execution_node_outputs WHERE execution_id = %s ORDER BY node_id`,
		r.db.placeholder(1))
	rows, err := r.db.Conn.QueryContext(ctx, nodesQuery, executionID)
	if err != nil {
		return ExecutionSummary{}, fmt.Errorf("repository: list node outputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row NodeOutputRow
		var errJSON sql.NullString
		if err := rows.Scan(&row.NodeID, &row.Status, &row.RetryCount, &errJSON); err != nil {
			return ExecutionSummary{}, fmt.Errorf("repository: scan node output: %w", err)
		}
		if errJSON.Valid {
			row.Error = json.RawMessage(errJSON.String)
		}
		summary.Nodes = append(summary.Nodes, row)
	}
	return summary, rows.Err()
}

// DeadLetterRow is one row of dead_letter_entries, as listed by the
// dlq CLI subcommand.
type DeadLetterRow struct {
	EntryID       string
	ExecutionID   string
	NodeID        string
	ErrorCategory string
	ErrorMessage  string
	RetryCount    int
	CreatedAt     time.Time
}

// ListDeadLetters returns every recorded dead-letter entry, most
// recent first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]DeadLetterRow, error) {
	query := `SELECT entry_id, execution_id, node_id, error_category, error_message, retry_count, created_at
		FROM dead_letter_entries ORDER BY created_at DESC`
	rows, err := r.db.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRow
	for rows.Next() {
		var row DeadLetterRow
		if err := rows.Scan(&row.EntryID, &row.ExecutionID, &row.NodeID, &row.ErrorCategory,
			&row.ErrorMessage, &row.RetryCount, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: scan dead letter: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PurgeDeadLetter removes one dead-letter entry by ID, once an
// operator has triaged and resolved it. Returns ErrNotFound if no
// entry with that ID exists.
func (r *Repository) PurgeDeadLetter(ctx context.Context, entryID string) error {
	query := fmt.Sprintf(`DELETE FROM dead_letter_entries WHERE entry_id = %s`, r.db.placeholder(1))
	res, err := r.db.Conn.ExecContext(ctx, query, entryID)
	if err != nil {
		return fmt.Errorf("repository: purge dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: purge dead letter rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	// lib/pq wraps constraint violations in *pq.Error with code 23505;
	// mattn/go-sqlite3 reports a "UNIQUE constraint failed" message.
	// Checked by substring so repository stays driver-agnostic.
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
