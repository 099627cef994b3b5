package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisStore(context.Background(), client, zap.NewNop())
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_StatusCAS(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.StatusCAS(ctx, "e1", "n1", "", workflow.NodeWaiting, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.StatusCAS(ctx, "e1", "n1", workflow.NodeWaiting, workflow.NodePending, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ns, err := store.StatusGet(ctx, "e1", "n1")
	require.NoError(t, err)
	require.Equal(t, workflow.NodePending, ns.Status)

	// Stale CAS rejected.
	ok, err = store.StatusCAS(ctx, "e1", "n1", workflow.NodeWaiting, workflow.NodeRunning, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_LockOwnershipCheckedRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.LockAcquire(ctx, "lock:eval:e1:c", "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.LockAcquire(ctx, "lock:eval:e1:c", "owner-b", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := store.LockRelease(ctx, "lock:eval:e1:c", "owner-b")
	require.NoError(t, err)
	require.False(t, released)

	released, err = store.LockRelease(ctx, "lock:eval:e1:c", "owner-a")
	require.NoError(t, err)
	require.True(t, released)
}

func TestRedisStore_IdempotencyTryClaim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IdempotencyTryClaim(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.IdempotencyTryClaim(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_StreamPublishConsumeAck(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StreamEnsureGroup(ctx, "s1", "g1"))
	_, err := store.StreamPublish(ctx, "s1", map[string]string{"node_id": "n1"})
	require.NoError(t, err)

	msgs, err := store.StreamConsume(ctx, "s1", "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "n1", msgs[0].Fields["node_id"])

	require.NoError(t, store.StreamAck(ctx, "s1", "g1", []string{msgs[0].ID}))
}

func TestRedisStore_RateWindowIncr(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	allowed, remaining, _, err := store.RateWindowIncr(ctx, "rl:x", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(0), remaining)

	allowed, _, _, err = store.RateWindowIncr(ctx, "rl:x", time.Minute, 1)
	require.NoError(t, err)
	require.False(t, allowed)
}
