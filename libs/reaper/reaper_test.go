package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/statestore"
)

func newTestReaper(t *testing.T, cfg Config) (*Reaper, *statestore.FakeStore) {
	t.Helper()
	store := statestore.NewFakeStore()
	r := New(store, nil, "reaper-1", cfg, nil, zap.NewNop())
	return r, store
}

func TestReaper_ReclaimsStalledTaskAndRedelivers(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MinIdle = time.Millisecond
	r, store := newTestReaper(t, cfg)

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err := store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id": "exec-1", "node_id": "a", "handler": "echo", "retry_count": "0",
	})
	require.NoError(t, err)

	// A worker picks it up and then vanishes without acking.
	msgs, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "dead-worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Scan(ctx))

	// The task should be re-deliverable to a fresh consumer now.
	redelivered, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "fresh-worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.Equal(t, "exec-1", redelivered[0].Fields["execution_id"])
}

func TestReaper_DeadLettersAfterMaxReclaims(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MinIdle = time.Millisecond
	cfg.MaxReclaims = 2
	r, store := newTestReaper(t, cfg)

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err := store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id": "exec-2", "node_id": "a", "handler": "poison", "retry_count": "0",
	})
	require.NoError(t, err)

	// Each scan: a worker claims it, vanishes, the reaper reclaims it.
	for i := 0; i < 3; i++ {
		_, err := store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "dead-worker", 10, 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, r.Scan(ctx))
	}

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamDLQ, "inspect"))
	dlq, err := store.StreamConsume(ctx, statestore.StreamDLQ, "inspect", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Contains(t, dlq[0].Fields["entry"], "exec-2")
}

func TestReaper_PendingDepthReportsOutstandingEntries(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReaper(t, DefaultConfig())

	require.NoError(t, store.StreamEnsureGroup(ctx, statestore.StreamTasks, statestore.GroupWorker))
	_, err := store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{"execution_id": "e", "node_id": "a", "handler": "h"})
	require.NoError(t, err)
	_, err = store.StreamConsume(ctx, statestore.StreamTasks, statestore.GroupWorker, "w1", 10, 0)
	require.NoError(t, err)

	depth, err := r.PendingDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth[statestore.StreamTasks])
}
