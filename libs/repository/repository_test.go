package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return New(db)
}

func TestRepository_SaveAndLoadDAG(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	def := workflow.Definition{
		WorkflowID: "wf-1",
		Name:       "ingest",
		Nodes: []workflow.Node{
			{ID: "fetch", Handler: "http.get", Dependencies: nil},
			{ID: "parse", Handler: "json.parse", Dependencies: []string{"fetch"}},
		},
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, repo.SaveDAG(ctx, def))

	loaded, err := repo.LoadDAG(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, def.WorkflowID, loaded.WorkflowID)
	require.Len(t, loaded.Nodes, 2)
	require.Equal(t, "parse", loaded.Nodes[1].ID)
}

func TestRepository_SaveDAGRejectsDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	def := workflow.Definition{WorkflowID: "wf-dup", Name: "x", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.SaveDAG(ctx, def))

	err := repo.SaveDAG(ctx, def)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRepository_LoadDAGNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.LoadDAG(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_RecordTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	def := workflow.Definition{WorkflowID: "wf-2", Name: "x", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.SaveDAG(ctx, def))
	require.NoError(t, repo.CreateExecution(ctx, workflow.Execution{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-2",
		Status:      workflow.ExecutionRunning,
		CreatedAt:   time.Now().UTC(),
	}))

	started := time.Now().UTC()
	finished := started.Add(time.Second)
	err := repo.RecordTerminal(ctx, "exec-1", workflow.ExecutionCompleted, map[string]workflow.NodeState{
		"fetch": {
			Status:     workflow.NodeCompleted,
			Output:     []byte(`{"ok":true}`),
			RetryCount: 0,
			StartedAt:  &started,
			FinishedAt: &finished,
		},
	})
	require.NoError(t, err)

	summary, err := repo.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionCompleted, summary.Status)
	require.NotNil(t, summary.FinishedAt)
	require.Len(t, summary.Nodes, 1)
	require.Equal(t, "fetch", summary.Nodes[0].NodeID)
	require.Equal(t, workflow.NodeCompleted, summary.Nodes[0].Status)
}

func TestRepository_GetExecutionNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetExecution(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_RecordDeadLetter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.RecordDeadLetter(ctx, workflow.DeadLetterEntry{
		EntryID:     "dlq-1",
		ExecutionID: "exec-1",
		NodeID:      "fetch",
		Handler:     "http.get",
		ErrorDetail: workflow.ErrorDetail{
			Category:  workflow.CategoryTimeout,
			Message:   "deadline exceeded",
			Retryable: true,
		},
		RetryCount: 4,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestRepository_ListAndPurgeDeadLetters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordDeadLetter(ctx, workflow.DeadLetterEntry{
		EntryID:     "dlq-list-1",
		ExecutionID: "exec-9",
		NodeID:      "fetch",
		ErrorDetail: workflow.ErrorDetail{Category: workflow.CategoryTimeout, Message: "x", Retryable: true},
		CreatedAt:   time.Now().UTC(),
	}))

	entries, err := repo.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "dlq-list-1", entries[0].EntryID)

	require.NoError(t, repo.PurgeDeadLetter(ctx, "dlq-list-1"))

	entries, err = repo.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	err = repo.PurgeDeadLetter(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}
