// Package orchestrator consumes completion events from the state
// store's completions stream and advances each execution's DAG: it
// applies the completion, propagates fail-fast skips, evaluates
// children for readiness, resolves templates, and dispatches task
// messages under a per-child fan-in lock.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/dag"
	"github.com/taskgraph/taskgraph/libs/metrics"
	"github.com/taskgraph/taskgraph/libs/protocolversion"
	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/statestore"
	"github.com/taskgraph/taskgraph/libs/workflow"
)

// Config holds the tunables named in the external-interfaces section:
// batch size and block duration for the completions read, the fan-in
// lock TTL, and the idle threshold for reclaiming stalled completions.
type Config struct {
	BatchSize             int64
	BlockDuration         time.Duration
	LockTTL               time.Duration
	CompletionReclaimIdle time.Duration
	ReclaimInterval       time.Duration
}

// DefaultConfig returns the orchestrator's production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:             10,
		BlockDuration:         2 * time.Second,
		LockTTL:               30 * time.Second,
		CompletionReclaimIdle: 60 * time.Second,
		ReclaimInterval:       5 * time.Second,
	}
}

// Orchestrator is one replica competing in the g:orchestrator consumer
// group on workflow:completions.
type Orchestrator struct {
	store        statestore.StateStore
	repo         *repository.Repository
	consumerName string
	cfg          Config
	metrics      *metrics.PrometheusMetrics
	logger       *zap.Logger
	versionGate  *protocolversion.Gate

	graphs graphCache
}

// graphCache memoizes the validated dag.Graph per workflow_id so the
// hot evaluation path never re-runs Kahn's algorithm. Guarded by its
// own mutex because Run and RunReclaimLoop execute concurrently.
type graphCache struct {
	mu         sync.Mutex
	byWorkflow map[string]*dag.Graph
	defs       map[string]workflow.Definition
}

// New constructs an Orchestrator reading and writing through store,
// loading definitions from repo, identified on the completions
// consumer group as consumerName.
func New(store statestore.StateStore, repo *repository.Repository, consumerName string, cfg Config, m *metrics.PrometheusMetrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewPrometheusMetrics(nil)
	}
	gate, err := protocolversion.NewGate(1, workflow.CurrentSchemaVersion)
	if err != nil {
		panic(fmt.Sprintf("orchestrator: invalid schema version window: %v", err))
	}
	return &Orchestrator{
		store:        store,
		repo:         repo,
		consumerName: consumerName,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		versionGate:  gate,
		graphs: graphCache{
			byWorkflow: make(map[string]*dag.Graph),
			defs:       make(map[string]workflow.Definition),
		},
	}
}

// Run reads completions and evaluates them until ctx is cancelled. It
// blocks; callers typically run it in its own goroutine alongside a
// periodic reclaim loop (see RunReclaimLoop).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.StreamEnsureGroup(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator); err != nil {
		return fmt.Errorf("orchestrator: ensure consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := o.store.StreamConsume(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, o.consumerName, o.cfg.BatchSize, o.cfg.BlockDuration)
		if err != nil {
			o.logger.Warn("orchestrator: stream consume failed, backing off", zap.Error(err))
			o.metrics.StateStoreOpErrors.WithLabelValues("stream_consume").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			o.handleCompletion(ctx, msg)
		}
	}
}

// RunReclaimLoop periodically reclaims completions abandoned by a
// dead orchestrator replica and reprocesses them in-line.
func (o *Orchestrator) RunReclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := o.store.StreamReclaim(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, o.consumerName, o.cfg.CompletionReclaimIdle, o.cfg.BatchSize)
			if err != nil {
				o.logger.Warn("orchestrator: reclaim failed", zap.Error(err))
				continue
			}
			for _, msg := range msgs {
				o.handleCompletion(ctx, msg)
			}
		}
	}
}

func (o *Orchestrator) handleCompletion(ctx context.Context, msg statestore.StreamMessage) {
	completion, err := decodeCompletion(msg.Fields)
	if err != nil {
		o.logger.Error("orchestrator: malformed completion message, leaving unacked", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	switch disposition := o.versionGate.Check(completion.SchemaVersion); disposition {
	case protocolversion.Obsolete:
		o.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
		o.logger.Warn("orchestrator: completion schema version predates support window, dead-lettering",
			zap.String("execution_id", completion.ExecutionID), zap.String("node_id", completion.NodeID),
			zap.Int("schema_version", completion.SchemaVersion))
		if o.repo != nil {
			entry := workflow.DeadLetterEntry{
				EntryID:     uuid.NewString(),
				ExecutionID: completion.ExecutionID,
				NodeID:      completion.NodeID,
				ErrorDetail: workflow.ErrorDetail{
					Category:  workflow.CategoryValidation,
					Message:   fmt.Sprintf("completion schema_version %d predates this build's support window", completion.SchemaVersion),
					Retryable: false,
				},
				CreatedAt: time.Now().UTC(),
			}
			if err := o.repo.RecordDeadLetter(ctx, entry); err != nil {
				o.logger.Error("orchestrator: record dead letter for obsolete completion failed", zap.Error(err))
			}
		}
		if err := o.store.StreamAck(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, []string{msg.ID}); err != nil {
			o.logger.Warn("orchestrator: ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return
	case protocolversion.Unacknowledged:
		o.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
		o.logger.Warn("orchestrator: completion schema version newer than this build supports, leaving unacked",
			zap.String("execution_id", completion.ExecutionID), zap.String("node_id", completion.NodeID),
			zap.Int("schema_version", completion.SchemaVersion))
		return
	default:
		o.metrics.SchemaDispositions.WithLabelValues(string(disposition)).Inc()
	}

	if err := o.evaluate(ctx, completion); err != nil {
		o.logger.Error("orchestrator: evaluation failed, leaving unacked for reaper",
			zap.String("execution_id", completion.ExecutionID),
			zap.String("node_id", completion.NodeID),
			zap.Error(err))
		return
	}

	if err := o.store.StreamAck(ctx, statestore.StreamCompletions, statestore.GroupOrchestrator, []string{msg.ID}); err != nil {
		o.logger.Warn("orchestrator: ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// evaluate runs the six-step evaluation transaction from §4.3 against
// one completion. Returning an error leaves the completion
// unacknowledged so the reaper will redeliver it.
func (o *Orchestrator) evaluate(ctx context.Context, completion workflow.CompletionMessage) error {
	start := time.Now()
	defer func() { o.metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	expected := workflow.NodeRunning
	extra := statestore.ExtraFields{"finished_at": time.Now().UTC()}
	if completion.Status == workflow.NodeCompleted {
		extra["output"] = completion.Output
	} else {
		extra["error"] = completion.Error
	}

	ok, err := o.store.StatusCAS(ctx, completion.ExecutionID, completion.NodeID, expected, completion.Status, extra)
	if err != nil {
		return fmt.Errorf("status cas: %w", err)
	}
	if !ok {
		// Retry against PENDING, for workers that skip the RUNNING
		// transition entirely (e.g. a task dead-lettered at the
		// schema-version gate for an obsolete version).
		ok, err = o.store.StatusCAS(ctx, completion.ExecutionID, completion.NodeID, workflow.NodePending, completion.Status, extra)
		if err != nil {
			return fmt.Errorf("status cas (pending): %w", err)
		}
		if !ok {
			// Status already terminal: duplicate completion. Ack and return.
			o.metrics.EvaluationsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	if completion.Output != nil {
		if err := o.store.OutputPut(ctx, completion.ExecutionID, completion.NodeID, completion.Output); err != nil {
			return fmt.Errorf("output put: %w", err)
		}
	}

	execStatus, err := o.store.ExecutionStatusGet(ctx, completion.ExecutionID)
	if err != nil {
		return fmt.Errorf("execution status get: %w", err)
	}
	if execStatus == workflow.ExecutionCancelled {
		o.metrics.EvaluationsTotal.WithLabelValues("cancelled").Inc()
		return nil
	}

	def, graph, err := o.loadGraph(ctx, completion.ExecutionID)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	if completion.Status == workflow.NodeFailed {
		if err := o.propagateFailure(ctx, completion.ExecutionID, completion.NodeID, graph); err != nil {
			return fmt.Errorf("propagate failure: %w", err)
		}
	}

	children := graph.Children(completion.NodeID)
	for _, childID := range children {
		if err := o.evaluateChild(ctx, completion.ExecutionID, childID, def, graph); err != nil {
			o.logger.Error("orchestrator: evaluating child failed",
				zap.String("execution_id", completion.ExecutionID),
				zap.String("child_id", childID),
				zap.Error(err))
		}
	}

	if err := o.maybeFinalize(ctx, completion.ExecutionID, def); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	o.metrics.EvaluationsTotal.WithLabelValues("advanced").Inc()
	return nil
}

// propagateFailure marks every strict descendant of nodeID currently
// WAITING as SKIPPED, stopping at nodes already running or terminal.
func (o *Orchestrator) propagateFailure(ctx context.Context, executionID, nodeID string, graph *dag.Graph) error {
	visited := make(map[string]bool)
	queue := append([]string{}, graph.Children(nodeID)...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		ns, err := o.store.StatusGet(ctx, executionID, id)
		if err != nil && err != statestore.ErrNotFound {
			return err
		}
		if ns.Status == workflow.NodeWaiting {
			ok, err := o.store.StatusCAS(ctx, executionID, id, workflow.NodeWaiting, workflow.NodeSkipped, statestore.ExtraFields{
				"finished_at": time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if ok {
				queue = append(queue, graph.Children(id)...)
			}
		}
	}
	return nil
}

// evaluateChild checks readiness of child and, if ready, resolves its
// templates and dispatches it under the per-child fan-in lock.
func (o *Orchestrator) evaluateChild(ctx context.Context, executionID, childID string, def workflow.Definition, graph *dag.Graph) error {
	parents := graph.Parents(childID)
	if len(parents) == 0 {
		return nil // a root is dispatched once, by Trigger, not by evaluation.
	}

	parentStates, err := o.store.StatusMGet(ctx, executionID, parents)
	if err != nil {
		return fmt.Errorf("status mget: %w", err)
	}

	for _, p := range parents {
		ns, ok := parentStates[p]
		if !ok {
			return nil // parent not yet recorded, not ready.
		}
		if ns.Status != workflow.NodeCompleted && ns.Status != workflow.NodeSkipped {
			return nil // not ready, and not our job to skip it here.
		}
	}

	return o.dispatch(ctx, executionID, childID, def, parents)
}

// dispatch resolves templates against parents' outputs and, if the
// child is still WAITING, transitions it to PENDING and publishes its
// task — all under the per-(execution, child) fan-in lock.
func (o *Orchestrator) dispatch(ctx context.Context, executionID, childID string, def workflow.Definition, parents []string) error {
	lockKey := fmt.Sprintf("lock:eval:%s:%s", executionID, childID)
	token := uuid.NewString()
	acquired, err := o.store.LockAcquire(ctx, lockKey, token, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !acquired {
		return nil // another orchestrator is dispatching this child.
	}
	defer func() {
		if _, err := o.store.LockRelease(ctx, lockKey, token); err != nil {
			o.logger.Warn("orchestrator: lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	current, err := o.store.StatusGet(ctx, executionID, childID)
	if err != nil && err != statestore.ErrNotFound {
		return fmt.Errorf("status get: %w", err)
	}
	if current.Status != workflow.NodeWaiting {
		return nil // raced; already advanced.
	}

	childNode, ok := findNode(def, childID)
	if !ok {
		return fmt.Errorf("child %s not present in definition %s", childID, def.WorkflowID)
	}

	outputs, err := o.store.OutputMGet(ctx, executionID, parents)
	if err != nil {
		return fmt.Errorf("output mget: %w", err)
	}

	resolved, err := workflow.ResolveTemplates(childNode.Config, outputs)
	if err != nil {
		o.metrics.TemplateResolutions.WithLabelValues("unresolved").Inc()
		_, casErr := o.store.StatusCAS(ctx, executionID, childID, workflow.NodeWaiting, workflow.NodeFailed, statestore.ExtraFields{
			"error": &workflow.ErrorDetail{
				Category:  workflow.CategoryValidation,
				Message:   err.Error(),
				Retryable: false,
			},
			"finished_at": time.Now().UTC(),
		})
		return casErr
	}
	o.metrics.TemplateResolutions.WithLabelValues("resolved").Inc()

	ok, err = o.store.StatusCAS(ctx, executionID, childID, workflow.NodeWaiting, workflow.NodePending, statestore.ExtraFields{
		"started_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("status cas to pending: %w", err)
	}
	if !ok {
		return nil // raced.
	}

	task := workflow.TaskMessage{
		ExecutionID:    executionID,
		NodeID:         childID,
		Handler:        childNode.Handler,
		ResolvedConfig: resolved,
		RetryCount:     0,
		SchemaVersion:  workflow.CurrentSchemaVersion,
	}
	if err := o.publishTask(ctx, task); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	o.metrics.NodesDispatched.WithLabelValues(childNode.Handler).Inc()

	return nil
}

func (o *Orchestrator) publishTask(ctx context.Context, task workflow.TaskMessage) error {
	body, err := json.Marshal(task.ResolvedConfig)
	if err != nil {
		return fmt.Errorf("marshal resolved config: %w", err)
	}

	_, err = o.store.StreamPublish(ctx, statestore.StreamTasks, map[string]string{
		"execution_id":    task.ExecutionID,
		"node_id":         task.NodeID,
		"handler":         task.Handler,
		"resolved_config": string(body),
		"retry_count":     fmt.Sprintf("%d", task.RetryCount),
		"schema_version":  fmt.Sprintf("%d", task.SchemaVersion),
	})
	return err
}

// maybeFinalize transitions the execution to COMPLETED or FAILED once
// no node remains in a non-terminal status.
func (o *Orchestrator) maybeFinalize(ctx context.Context, executionID string, def workflow.Definition) error {
	ids := make([]string, len(def.Nodes))
	for i, n := range def.Nodes {
		ids[i] = n.ID
	}

	states, err := o.store.StatusMGet(ctx, executionID, ids)
	if err != nil {
		return fmt.Errorf("status mget: %w", err)
	}

	anyFailed := false
	for _, id := range ids {
		ns, ok := states[id]
		if !ok {
			return nil // a node hasn't been seeded yet; not finalizable.
		}
		switch ns.Status {
		case workflow.NodeWaiting, workflow.NodePending, workflow.NodeRunning:
			return nil // still in flight.
		case workflow.NodeFailed:
			anyFailed = true
		}
	}

	final := workflow.ExecutionCompleted
	if anyFailed {
		final = workflow.ExecutionFailed
	}

	ok, err := o.store.ExecutionStatusCAS(ctx, executionID, workflow.ExecutionRunning, final)
	if err != nil {
		return fmt.Errorf("execution status cas: %w", err)
	}
	if !ok {
		return nil
	}
	o.metrics.ExecutionsCompleted.WithLabelValues(string(final)).Inc()
	o.metrics.ExecutionsInFlight.Dec()

	nodeStates := make(map[string]workflow.NodeState, len(ids))
	for _, id := range ids {
		nodeStates[id] = states[id]
	}
	if o.repo != nil {
		if err := o.repo.RecordTerminal(ctx, executionID, final, nodeStates); err != nil {
			o.logger.Error("orchestrator: record terminal history failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) loadGraph(ctx context.Context, executionID string) (workflow.Definition, *dag.Graph, error) {
	// executionID maps to workflow_id one-to-one at creation; the
	// cache is keyed on workflow_id to survive across many executions
	// of the same definition.
	workflowID, err := o.workflowIDFor(ctx, executionID)
	if err != nil {
		return workflow.Definition{}, nil, err
	}

	o.graphs.mu.Lock()
	if g, ok := o.graphs.byWorkflow[workflowID]; ok {
		def := o.graphs.defs[workflowID]
		o.graphs.mu.Unlock()
		return def, g, nil
	}
	o.graphs.mu.Unlock()

	def, err := o.repo.LoadDAG(ctx, workflowID)
	if err != nil {
		return workflow.Definition{}, nil, fmt.Errorf("load dag %s: %w", workflowID, err)
	}

	specs := make([]dag.NodeSpec, len(def.Nodes))
	for i, n := range def.Nodes {
		specs[i] = dag.NodeSpec{ID: n.ID, Dependencies: n.Dependencies}
	}
	g, err := dag.Validate(specs)
	if err != nil {
		return workflow.Definition{}, nil, fmt.Errorf("re-validate dag %s: %w", workflowID, err)
	}

	o.graphs.mu.Lock()
	o.graphs.byWorkflow[workflowID] = g
	o.graphs.defs[workflowID] = def
	o.graphs.mu.Unlock()
	return def, g, nil
}

// workflowIDFor resolves execution_id to its workflow_id via the
// execution metadata recorded at submission time.
func (o *Orchestrator) workflowIDFor(ctx context.Context, executionID string) (string, error) {
	return o.store.ExecutionWorkflowID(ctx, executionID)
}

func findNode(def workflow.Definition, id string) (workflow.Node, bool) {
	for _, n := range def.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return workflow.Node{}, false
}

// Submit validates def, persists it to the definition repository, and
// creates a new execution with every node seeded WAITING. It returns
// the new execution_id. The execution is not dispatched until Trigger
// is called.
func Submit(ctx context.Context, store statestore.StateStore, repo *repository.Repository, def workflow.Definition) (string, error) {
	specs := make([]dag.NodeSpec, len(def.Nodes))
	for i, n := range def.Nodes {
		specs[i] = dag.NodeSpec{ID: n.ID, Dependencies: n.Dependencies}
	}
	if _, err := dag.Validate(specs); err != nil {
		return "", fmt.Errorf("orchestrator: submit: %w", err)
	}

	if err := repo.SaveDAG(ctx, def); err != nil {
		return "", fmt.Errorf("orchestrator: submit: save dag: %w", err)
	}

	executionID := uuid.NewString()
	exec := workflow.Execution{
		ExecutionID: executionID,
		WorkflowID:  def.WorkflowID,
		Status:      workflow.ExecutionPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := repo.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("orchestrator: submit: create execution: %w", err)
	}
	if err := store.ExecutionSeed(ctx, executionID, def); err != nil {
		return "", fmt.Errorf("orchestrator: submit: seed execution: %w", err)
	}

	return executionID, nil
}

// Trigger transitions executionID to RUNNING and dispatches every
// root node of its DAG directly, standing in for a synthetic
// completion event at the virtual root.
func (o *Orchestrator) Trigger(ctx context.Context, executionID string) error {
	ok, err := o.store.ExecutionStatusCAS(ctx, executionID, workflow.ExecutionPending, workflow.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("orchestrator: trigger: status cas: %w", err)
	}
	if !ok {
		return fmt.Errorf("orchestrator: trigger: execution %s not in PENDING", executionID)
	}
	o.metrics.ExecutionsInFlight.Inc()

	def, graph, err := o.loadGraph(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: trigger: load graph: %w", err)
	}

	for _, rootID := range graph.Roots() {
		if err := o.dispatch(ctx, executionID, rootID, def, nil); err != nil {
			o.logger.Error("orchestrator: dispatching root failed",
				zap.String("execution_id", executionID), zap.String("root_id", rootID), zap.Error(err))
		}
	}
	return nil
}

// Cancel moves a PENDING or RUNNING execution to CANCELLED. In-flight
// tasks are left to run to completion: the worker's cancellation gate
// (§4.4 step 1) checks ExecutionStatusGet before claiming a task and
// acks without publishing a completion once it observes CANCELLED, so
// the DAG simply stops advancing instead of being torn down mid-task.
func Cancel(ctx context.Context, store statestore.StateStore, executionID string) error {
	current, err := store.ExecutionStatusGet(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: cancel: %w", err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("orchestrator: cancel: execution %s already in terminal state %s", executionID, current)
	}

	ok, err := store.ExecutionStatusCAS(ctx, executionID, current, workflow.ExecutionCancelled)
	if err != nil {
		return fmt.Errorf("orchestrator: cancel: status cas: %w", err)
	}
	if !ok {
		return fmt.Errorf("orchestrator: cancel: execution %s changed state concurrently, retry", executionID)
	}
	return nil
}

func decodeCompletion(fields map[string]string) (workflow.CompletionMessage, error) {
	var c workflow.CompletionMessage
	c.ExecutionID = fields["execution_id"]
	c.NodeID = fields["node_id"]
	c.Status = workflow.NodeStatus(fields["status"])
	if raw, ok := fields["schema_version"]; ok {
		var sv int
		if _, err := fmt.Sscanf(raw, "%d", &sv); err == nil {
			c.SchemaVersion = sv
		}
	}

	if raw, ok := fields["output"]; ok && raw != "" {
		c.Output = json.RawMessage(raw)
	}
	if raw, ok := fields["error"]; ok && raw != "" {
		var ed workflow.ErrorDetail
		if err := json.Unmarshal([]byte(raw), &ed); err != nil {
			return c, fmt.Errorf("unmarshal error detail: %w", err)
		}
		c.Error = &ed
	}
	if c.ExecutionID == "" || c.NodeID == "" {
		return c, fmt.Errorf("completion message missing execution_id or node_id")
	}
	return c, nil
}
