package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgraph/taskgraph/libs/workflow"
)

// FakeStore is an in-memory, mutex-guarded StateStore used by
// orchestrator/worker/reaper unit tests that don't need a live Redis.
// It implements the same atomicity guarantees as RedisStore (CAS,
// ownership-checked lock release) with one mutex per store in place
// of Lua scripts.
type FakeStore struct {
	mu sync.Mutex

	status          map[string]workflow.NodeState
	outputs         map[string]json.RawMessage
	executions      map[string]workflow.ExecutionStatus
	executionToWf   map[string]string
	idempotent      map[string]time.Time
	locks           map[string]string

	streams map[string][]fakeEntry
	pending map[string]map[string]fakePending // stream -> "group:id" -> pending
	acked   map[string]map[string]bool        // stream -> "group:id" -> true, once true never redelivered to that group

	rateCounts map[string]int64
	rateExpiry map[string]time.Time
}

type fakeEntry struct {
	id     string
	fields map[string]string
}

type fakePending struct {
	consumer string
	claimed  time.Time
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		status:        make(map[string]workflow.NodeState),
		outputs:       make(map[string]json.RawMessage),
		executions:    make(map[string]workflow.ExecutionStatus),
		executionToWf: make(map[string]string),
		idempotent:    make(map[string]time.Time),
		locks:         make(map[string]string),
		streams:    make(map[string][]fakeEntry),
		pending:    make(map[string]map[string]fakePending),
		acked:      make(map[string]map[string]bool),
		rateCounts: make(map[string]int64),
		rateExpiry: make(map[string]time.Time),
	}
}

func (f *FakeStore) StatusGet(_ context.Context, executionID, nodeID string) (workflow.NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.status[statusKey(executionID, nodeID)]
	if !ok {
		return workflow.NodeState{}, ErrNotFound
	}
	return ns, nil
}

func (f *FakeStore) StatusMGet(_ context.Context, executionID string, nodeIDs []string) (map[string]workflow.NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]workflow.NodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		if ns, ok := f.status[statusKey(executionID, id)]; ok {
			out[id] = ns
		}
	}
	return out, nil
}

func (f *FakeStore) StatusCAS(_ context.Context, executionID, nodeID string, expected, next workflow.NodeStatus, extra ExtraFields) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusKey(executionID, nodeID)
	cur := f.status[key]
	if cur.Status != expected {
		return false, nil
	}
	cur.Status = next
	applyExtra(&cur, extra)
	f.status[key] = cur
	return true, nil
}

func applyExtra(ns *workflow.NodeState, extra ExtraFields) {
	for k, v := range extra {
		switch k {
		case "output":
			if raw, ok := v.(json.RawMessage); ok {
				ns.Output = raw
			}
		case "error":
			if ed, ok := v.(*workflow.ErrorDetail); ok {
				ns.Error = ed
			}
		case "retry_count":
			if n, ok := v.(int); ok {
				ns.RetryCount = n
			}
		case "started_at":
			if t, ok := v.(time.Time); ok {
				ns.StartedAt = &t
			}
		case "finished_at":
			if t, ok := v.(time.Time); ok {
				ns.FinishedAt = &t
			}
		}
	}
}

func (f *FakeStore) OutputPut(_ context.Context, executionID, nodeID string, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[outputKey(executionID, nodeID)] = output
	return nil
}

func (f *FakeStore) OutputMGet(_ context.Context, executionID string, nodeIDs []string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage, len(nodeIDs))
	for _, id := range nodeIDs {
		if v, ok := f.outputs[outputKey(executionID, id)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *FakeStore) ExecutionStatusGet(_ context.Context, executionID string) (workflow.ExecutionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.executions[executionID]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (f *FakeStore) ExecutionStatusSet(_ context.Context, executionID string, status workflow.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[executionID] = status
	return nil
}

func (f *FakeStore) ExecutionStatusCAS(_ context.Context, executionID string, expected, next workflow.ExecutionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executions[executionID] != expected {
		return false, nil
	}
	f.executions[executionID] = next
	return true, nil
}

func (f *FakeStore) ExecutionWorkflowID(_ context.Context, executionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.executionToWf[executionID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (f *FakeStore) ExecutionSeed(_ context.Context, executionID string, def workflow.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executionToWf[executionID] = def.WorkflowID
	f.executions[executionID] = workflow.ExecutionPending
	for _, n := range def.Nodes {
		f.status[statusKey(executionID, n.ID)] = workflow.NodeState{Status: workflow.NodeWaiting}
	}
	return nil
}

func (f *FakeStore) IdempotencyTryClaim(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := idempotencyKey(fingerprint)
	if exp, ok := f.idempotent[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	f.idempotent[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *FakeStore) LockAcquire(_ context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return false, nil
	}
	f.locks[key] = ownerToken
	return true, nil
}

func (f *FakeStore) LockRelease(_ context.Context, key, ownerToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] != ownerToken {
		return false, nil
	}
	delete(f.locks, key)
	return true, nil
}

func (f *FakeStore) StreamPublish(_ context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.streams[stream] = append(f.streams[stream], fakeEntry{id: id, fields: fields})
	return id, nil
}

func (f *FakeStore) StreamEnsureGroup(_ context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[stream] == nil {
		f.pending[stream] = make(map[string]fakePending)
	}
	return nil
}

func (f *FakeStore) StreamConsume(_ context.Context, stream, group, consumer string, count int64, _ time.Duration) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending[stream] == nil {
		f.pending[stream] = make(map[string]fakePending)
	}
	if f.acked[stream] == nil {
		f.acked[stream] = make(map[string]bool)
	}
	var out []StreamMessage
	for _, e := range f.streams[stream] {
		pendingKey := group + ":" + e.id
		if f.acked[stream][pendingKey] {
			continue
		}
		if _, claimed := f.pendingEntries(stream)[pendingKey]; claimed {
			continue
		}
		f.pendingEntries(stream)[pendingKey] = fakePending{consumer: consumer, claimed: time.Now()}
		out = append(out, StreamMessage{ID: e.id, Fields: e.fields})
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) pendingEntries(stream string) map[string]fakePending {
	return f.pending[stream]
}

func (f *FakeStore) StreamAck(_ context.Context, stream, group string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acked[stream] == nil {
		f.acked[stream] = make(map[string]bool)
	}
	for _, id := range ids {
		key := group + ":" + id
		delete(f.pendingEntries(stream), key)
		f.acked[stream][key] = true
	}
	return nil
}

func (f *FakeStore) StreamReclaim(_ context.Context, stream, group, newConsumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StreamMessage
	for _, e := range f.streams[stream] {
		pendingKey := group + ":" + e.id
		p, ok := f.pendingEntries(stream)[pendingKey]
		if !ok || time.Since(p.claimed) < minIdle {
			continue
		}
		f.pendingEntries(stream)[pendingKey] = fakePending{consumer: newConsumer, claimed: time.Now()}
		out = append(out, StreamMessage{ID: e.id, Fields: e.fields})
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) StreamPendingOlderThan(_ context.Context, stream, group string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StreamMessage
	for _, e := range f.streams[stream] {
		p, ok := f.pendingEntries(stream)[group+":"+e.id]
		if !ok || time.Since(p.claimed) < minIdle {
			continue
		}
		out = append(out, StreamMessage{ID: e.id, Fields: e.fields})
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) RateWindowIncr(_ context.Context, key string, window time.Duration, limit int64) (bool, int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if exp, ok := f.rateExpiry[key]; !ok || now.After(exp) {
		f.rateCounts[key] = 0
		f.rateExpiry[key] = now.Add(window)
	}
	f.rateCounts[key]++
	count := f.rateCounts[key]

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, f.rateExpiry[key], nil
}
