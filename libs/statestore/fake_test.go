package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

func TestFakeStore_StatusCASHonoursExpected(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	ok, err := s.StatusCAS(ctx, "e1", "n1", "", workflow.NodeWaiting, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.StatusCAS(ctx, "e1", "n1", workflow.NodeWaiting, workflow.NodePending, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected value fails.
	ok, err = s.StatusCAS(ctx, "e1", "n1", workflow.NodeWaiting, workflow.NodeRunning, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ns, err := s.StatusGet(ctx, "e1", "n1")
	require.NoError(t, err)
	assert.Equal(t, workflow.NodePending, ns.Status)
}

func TestFakeStore_LockReleaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	ok, err := s.LockAcquire(ctx, "lock:eval:e1:c", "token-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.LockAcquire(ctx, "lock:eval:e1:c", "token-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire should fail while held")

	released, err := s.LockRelease(ctx, "lock:eval:e1:c", "token-b")
	require.NoError(t, err)
	assert.False(t, released, "release with wrong token must fail")

	released, err = s.LockRelease(ctx, "lock:eval:e1:c", "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = s.LockAcquire(ctx, "lock:eval:e1:c", "token-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFakeStore_IdempotencyClaimedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	ok, err := s.IdempotencyTryClaim(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IdempotencyTryClaim(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFakeStore_StreamConsumeAckReclaim(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()
	require.NoError(t, s.StreamEnsureGroup(ctx, "s1", "g1"))

	_, err := s.StreamPublish(ctx, "s1", map[string]string{"k": "v"})
	require.NoError(t, err)

	msgs, err := s.StreamConsume(ctx, "s1", "g1", "consumer-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Not yet acked, so a second consumer sees nothing new.
	msgs2, err := s.StreamConsume(ctx, "s1", "g1", "consumer-b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	reclaimed, err := s.StreamReclaim(ctx, "s1", "g1", "consumer-b", 0, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	require.NoError(t, s.StreamAck(ctx, "s1", "g1", []string{msgs[0].ID}))
	pending, err := s.StreamPendingOlderThan(ctx, "s1", "g1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFakeStore_RateWindowIncr(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	allowed, remaining, _, err := s.RateWindowIncr(ctx, "rl:x", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), remaining)

	allowed, remaining, _, err = s.RateWindowIncr(ctx, "rl:x", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), remaining)

	allowed, _, _, err = s.RateWindowIncr(ctx, "rl:x", time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, allowed)
}
