package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

// RedisStore is the Redis-backed StateStore implementation: status
// hashes, idempotency keys and locks via Lua CAS scripts, and Redis
// Streams with consumer groups for the tasks/completions/dlq
// channels. Streams are used instead of a sorted-set queue because
// evaluation needs consumer groups, pending-entry tracking, and
// XCLAIM-style reclaim for crashed consumers.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore pings client to verify connectivity before returning.
func NewRedisStore(ctx context.Context, client *redis.Client, logger *zap.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statestore: redis ping failed: %w", err)
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) StatusGet(ctx context.Context, executionID, nodeID string) (workflow.NodeState, error) {
	m, err := s.client.HGetAll(ctx, statusKey(executionID, nodeID)).Result()
	if err != nil {
		return workflow.NodeState{}, fmt.Errorf("statestore: status_get: %w", err)
	}
	if len(m) == 0 {
		return workflow.NodeState{}, ErrNotFound
	}
	return decodeNodeState(m), nil
}

func (s *RedisStore) StatusMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]workflow.NodeState, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(nodeIDs))
	for _, id := range nodeIDs {
		cmds[id] = pipe.HGetAll(ctx, statusKey(executionID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("statestore: status_mget: %w", err)
	}

	out := make(map[string]workflow.NodeState, len(nodeIDs))
	for id, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out[id] = decodeNodeState(m)
	}
	return out, nil
}

func decodeNodeState(m map[string]string) workflow.NodeState {
	ns := workflow.NodeState{Status: workflow.NodeStatus(m["status"])}
	if rc, err := strconv.Atoi(m["retry_count"]); err == nil {
		ns.RetryCount = rc
	}
	if raw, ok := m["output"]; ok && raw != "" {
		ns.Output = json.RawMessage(raw)
	}
	if raw, ok := m["error"]; ok && raw != "" {
		var ed workflow.ErrorDetail
		if err := json.Unmarshal([]byte(raw), &ed); err == nil {
			ns.Error = &ed
		}
	}
	if raw, ok := m["started_at"]; ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ns.StartedAt = &t
		}
	}
	if raw, ok := m["finished_at"]; ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ns.FinishedAt = &t
		}
	}
	return ns
}

func (s *RedisStore) StatusCAS(ctx context.Context, executionID, nodeID string, expected, next workflow.NodeStatus, extra ExtraFields) (bool, error) {
	args := make([]interface{}, 0, 2+len(extra)*2)
	args = append(args, string(expected), "status", string(next))
	for k, v := range extra {
		args = append(args, k, encodeExtra(v))
	}

	res, err := casStatusScript.Run(ctx, s.client, []string{statusKey(executionID, nodeID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("statestore: status_cas: %w", err)
	}
	return res == 1, nil
}

func encodeExtra(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case int:
		return strconv.Itoa(t)
	case json.RawMessage:
		return string(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func (s *RedisStore) OutputPut(ctx context.Context, executionID, nodeID string, output json.RawMessage) error {
	if err := s.client.Set(ctx, outputKey(executionID, nodeID), string(output), 0).Err(); err != nil {
		return fmt.Errorf("statestore: output_put: %w", err)
	}
	return nil
}

func (s *RedisStore) OutputMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]json.RawMessage, error) {
	if len(nodeIDs) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	keys := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		keys[i] = outputKey(executionID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: output_mget: %w", err)
	}
	out := make(map[string]json.RawMessage, len(nodeIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[nodeIDs[i]] = json.RawMessage(str)
		}
	}
	return out, nil
}

func (s *RedisStore) ExecutionStatusGet(ctx context.Context, executionID string) (workflow.ExecutionStatus, error) {
	status, err := s.client.HGet(ctx, executionMetaKey(executionID), "status").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("statestore: execution_status_get: %w", err)
	}
	return workflow.ExecutionStatus(status), nil
}

func (s *RedisStore) ExecutionStatusSet(ctx context.Context, executionID string, status workflow.ExecutionStatus) error {
	if err := s.client.HSet(ctx, executionMetaKey(executionID), "status", string(status)).Err(); err != nil {
		return fmt.Errorf("statestore: execution_status_set: %w", err)
	}
	return nil
}

func (s *RedisStore) ExecutionStatusCAS(ctx context.Context, executionID string, expected, next workflow.ExecutionStatus) (bool, error) {
	res, err := casStatusScript.Run(ctx, s.client, []string{executionMetaKey(executionID)}, string(expected), "status", string(next)).Int()
	if err != nil {
		return false, fmt.Errorf("statestore: execution_status_cas: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) ExecutionWorkflowID(ctx context.Context, executionID string) (string, error) {
	id, err := s.client.HGet(ctx, executionMetaKey(executionID), "workflow_id").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("statestore: execution_workflow_id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) ExecutionSeed(ctx context.Context, executionID string, def workflow.Definition) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, executionMetaKey(executionID), "workflow_id", def.WorkflowID, "status", string(workflow.ExecutionPending))
	for _, n := range def.Nodes {
		pipe.HSet(ctx, statusKey(executionID, n.ID), "status", string(workflow.NodeWaiting), "retry_count", "0")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("statestore: execution_seed: %w", err)
	}
	return nil
}

func (s *RedisStore) IdempotencyTryClaim(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey(fingerprint), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("statestore: idempotency_try_claim: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) LockAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	res, err := lockAcquireScript.Run(ctx, s.client, []string{key}, ownerToken, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("statestore: lock_acquire: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) LockRelease(ctx context.Context, key, ownerToken string) (bool, error) {
	res, err := lockReleaseScript.Run(ctx, s.client, []string{key}, ownerToken).Int()
	if err != nil {
		return false, fmt.Errorf("statestore: lock_release: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) StreamPublish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("statestore: stream_publish: %w", err)
	}
	return id, nil
}

func (s *RedisStore) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("statestore: stream_ensure_group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

func (s *RedisStore) StreamConsume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: stream_consume: %w", err)
	}
	return toStreamMessages(res), nil
}

func toStreamMessages(res []redis.XStream) []StreamMessage {
	var out []StreamMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			out = append(out, StreamMessage{ID: msg.ID, Fields: fields})
		}
	}
	return out
}

func (s *RedisStore) StreamAck(ctx context.Context, stream, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("statestore: stream_ack: %w", err)
	}
	return nil
}

func (s *RedisStore) StreamReclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: stream_reclaim: %w", err)
	}
	return toStreamMessages([]redis.XStream{{Stream: stream, Messages: msgs}}), nil
}

func (s *RedisStore) StreamPendingOlderThan(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	entries, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: stream_pending: %w", err)
	}
	out := make([]StreamMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, StreamMessage{ID: e.ID})
	}
	return out, nil
}

func (s *RedisStore) RateWindowIncr(ctx context.Context, key string, window time.Duration, limit int64) (bool, int64, time.Time, error) {
	res, err := rateWindowIncrScript.Run(ctx, s.client, []string{key}, int64(window.Seconds()), limit).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("statestore: rate_window_incr: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("statestore: rate_window_incr: unexpected result shape")
	}
	allowed := vals[0].(int64) == 1
	count := vals[1].(int64)
	ttl := vals[2].(int64)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, time.Now().Add(time.Duration(ttl) * time.Second), nil
}
