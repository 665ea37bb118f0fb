package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/hil"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// triggerInputKey is the synthetic source under which the trigger payload is
// delivered to entry nodes.
const triggerInputKey = "__trigger__"

// Options configures an Engine. Zero-value fields fall back to defaults.
type Options struct {
	Store      store.ExecutionStore
	Specs      *spec.Registry
	Executors  *ExecutorRegistry
	Classifier hil.Classifier
	Embedder   memory.Embedder
	PoolSize   int
	Logger     *slog.Logger
}

// Engine runs workflow executions: it owns the ready-frontier loop, the
// suspend/resume lifecycle and the cancel cascade.
type Engine struct {
	store      store.ExecutionStore
	specs      *spec.Registry
	executors  *ExecutorRegistry
	classifier hil.Classifier
	embedder   memory.Embedder
	pool       *WorkerPool
	logger     *slog.Logger

	interp *expressions.Interpolator
	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine

	execFSM *ExecutionFSM
	nodeFSM *NodeFSM

	mu        sync.Mutex
	workflows map[string]*compiledWorkflow
	running   map[string]context.CancelFunc
}

type compiledWorkflow struct {
	def   *schema.WorkflowDefinition
	graph *graph.Graph
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if opts.Specs == nil {
		opts.Specs = spec.NewRegistry()
		if err := spec.RegisterBuiltins(opts.Specs); err != nil {
			return nil, err
		}
	}
	if opts.Executors == nil {
		opts.Executors = NewExecutorRegistry()
		RegisterBuiltins(opts.Executors)
	}
	if opts.Classifier == nil {
		opts.Classifier = hil.NewKeywordClassifier()
	}
	if opts.Embedder == nil {
		opts.Embedder = memory.HashEmbedder{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      opts.Store,
		specs:      opts.Specs,
		executors:  opts.Executors,
		classifier: opts.Classifier,
		embedder:   opts.Embedder,
		pool:       NewWorkerPool(opts.PoolSize),
		logger:     opts.Logger,
		interp:     expressions.NewInterpolator(expressions.NewExprEngine()),
		cel:        celEngine,
		jq:         expressions.NewGoJQEngine(),
		execFSM:    NewExecutionFSM(opts.Store),
		nodeFSM:    NewNodeFSM(opts.Store),
		workflows:  make(map[string]*compiledWorkflow),
		running:    make(map[string]context.CancelFunc),
	}, nil
}

// RegisterWorkflow validates a definition, builds its graph and caches it
// for Run and Resume. Definitions without an ID are assigned one.
func (e *Engine) RegisterWorkflow(def *schema.WorkflowDefinition) (*graph.Graph, error) {
	g, err := graph.Build(def, e.specs)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = identity.NewWorkflowID()
	}
	e.mu.Lock()
	e.workflows[def.ID] = &compiledWorkflow{def: def, graph: g}
	e.mu.Unlock()
	return g, nil
}

// Run executes a workflow synchronously with the given trigger payload. It
// returns the final execution record: SUCCESS, FAILED, CANCELLED, or
// WAITING if a node suspended the execution.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (*store.Execution, error) {
	g, err := e.RegisterWorkflow(def)
	if err != nil {
		return nil, err
	}

	executionID := identity.NewExecutionID()
	ctx = logging.WithExecutionID(ctx, executionID)
	ctx = logging.WithWorkflowID(ctx, def.ID)

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:             executionID,
		WorkflowID:     def.ID,
		Status:         schema.ExecutionStatusNew,
		TriggerPayload: trigger,
		StartTime:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	if err := e.transitionExecution(ctx, executionID, schema.ExecutionStatusNew, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	ec := NewExecutionContext(executionID, trigger, e.embedder)
	for _, t := range g.Triggers {
		ec.Deliver(t, triggerInputKey, trigger)
	}

	e.logger.InfoContext(ctx, "execution started", "workflow_id", def.ID, "nodes", len(g.Nodes))
	return e.drive(ctx, g, executionID, ec, "")
}

// Resume continues a WAITING execution with an external payload. Resuming a
// non-waiting execution fails with INVALID_STATE.
func (e *Engine) Resume(ctx context.Context, executionID string, payload map[string]any) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot resume execution in status %s", exec.Status)
	}

	e.mu.Lock()
	cw := e.workflows[exec.WorkflowID]
	e.mu.Unlock()
	if cw == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow not registered: %s", exec.WorkflowID)
	}

	snap, err := e.store.GetSnapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ec, err := UnmarshalExecutionContext(snap.Context, e.embedder)
	if err != nil {
		return nil, err
	}
	if err := ec.MergeResume(payload); err != nil {
		return nil, err
	}

	ctx = logging.WithExecutionID(ctx, executionID)
	ctx = logging.WithWorkflowID(ctx, exec.WorkflowID)

	if err := e.transitionExecution(ctx, executionID, schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	if err := e.store.UpdateExecution(ctx, executionID, &store.ExecutionUpdate{ClearResumeAt: true}); err != nil {
		return nil, err
	}

	resumingNode := ec.WaitingNode()
	ec.SetWaiting("")
	e.logger.InfoContext(ctx, "execution resumed", "node_id", resumingNode)
	return e.drive(ctx, cw.graph, executionID, ec, resumingNode)
}

// GetStatus returns the current execution record.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Cancel stops an execution. A running execution is interrupted; a NEW or
// WAITING one transitions directly. Cancelling a terminal execution fails
// with INVALID_STATE. All non-terminal node runs are skipped.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, isRunning := e.running[executionID]
	e.mu.Unlock()
	if isRunning {
		cancel()
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"cannot cancel execution in status %s", exec.Status)
	}
	return e.cancelStored(ctx, executionID, exec.Status)
}

// Shutdown stops the worker pool and closes the store.
func (e *Engine) Shutdown() error {
	e.pool.Shutdown()
	return e.store.Close()
}

// drive runs the frontier loop to completion, suspension, failure or
// cancellation, persisting the outcome.
func (e *Engine) drive(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, resumingNode string) (*store.Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
	}()

	outcome := e.runLoop(runCtx, g, executionID, ec, resumingNode)

	switch {
	case outcome.suspend != nil:
		if err := e.suspendExecution(ctx, g, executionID, ec, outcome.suspend); err != nil {
			return nil, err
		}
	case errors.Is(outcome.err, context.Canceled) || runCtx.Err() != nil:
		if err := e.cancelRunning(ctx, executionID, ec); err != nil {
			return nil, err
		}
	case outcome.err != nil:
		if err := e.failExecution(ctx, executionID, outcome.err); err != nil {
			return nil, err
		}
	default:
		if err := e.completeExecution(ctx, executionID); err != nil {
			return nil, err
		}
	}

	return e.store.GetExecution(ctx, executionID)
}

// loopOutcome is the result of one runLoop pass.
type loopOutcome struct {
	suspend *suspendSignal
	err     error
}

// suspendSignal is raised by wait and HIL nodes to park the execution.
type suspendSignal struct {
	nodeID   string
	reason   string
	resumeAt *time.Time
}

// firingResult collects one concurrent node firing.
type firingResult struct {
	nodeID    string
	output    *NodeOutput
	routedKey string
	suspend   *suspendSignal
	err       error
	run       *store.NodeRun
}

func (e *Engine) runLoop(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, resumingNode string) loopOutcome {
	maxRounds := 2*len(g.Nodes) + 2

	for round := 0; round < maxRounds; round++ {
		if ctx.Err() != nil {
			return loopOutcome{err: ctx.Err()}
		}

		runnable, skippable := ec.Frontier(g)

		for _, id := range skippable {
			if err := e.skipNode(ctx, g, executionID, ec, id); err != nil {
				return loopOutcome{err: err}
			}
		}
		if len(runnable) == 0 {
			if len(skippable) > 0 {
				continue
			}
			return loopOutcome{}
		}

		results := e.dispatchRound(ctx, g, executionID, ec, runnable, resumingNode)
		resumingNode = ""

		// Deterministic result processing order.
		sort.Slice(results, func(i, j int) bool { return results[i].nodeID < results[j].nodeID })

		// Completions and errors are recorded before any suspend is honored:
		// a sibling that finished in the same round must land in the context
		// (and therefore the snapshot) or resume would fire it a second time.
		for _, res := range results {
			if res.suspend != nil {
				continue
			}
			node := g.Nodes[res.nodeID]
			if res.err != nil {
				failed, err := e.handleNodeError(ctx, g, executionID, ec, node, res)
				if failed {
					return loopOutcome{err: err}
				}
				continue
			}
			if err := e.completeNode(ctx, g, executionID, ec, node, res.output, res.routedKey); err != nil {
				return loopOutcome{err: err}
			}
		}

		// With several suspending nodes in one round the first in node-ID
		// order parks the execution; the rest re-fire after resume.
		for _, res := range results {
			if res.suspend != nil {
				return loopOutcome{suspend: res.suspend}
			}
		}
	}

	return loopOutcome{err: schema.NewError(schema.ErrCodeExecution,
		"scheduler exceeded round budget without converging")}
}

// dispatchRound fires all runnable nodes concurrently through the shared
// worker pool and collects their results.
func (e *Engine) dispatchRound(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, runnable []string, resumingNode string) []*firingResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*firingResult
	)

	for _, id := range runnable {
		node := g.Nodes[id]
		resuming := id == resumingNode
		wg.Add(1)
		submitErr := e.pool.Submit(ctx, func(workCtx context.Context) error {
			defer wg.Done()
			res := e.fireNode(workCtx, g, executionID, ec, node, resuming)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return res.err
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			results = append(results, &firingResult{nodeID: id, err: submitErr})
			mu.Unlock()
		}
	}
	wg.Wait()
	return results
}

// fireNode executes one node firing end to end: interpolation, flow-control
// handling or executor dispatch, and retries per the node's policy.
func (e *Engine) fireNode(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, node *schema.NodeInstance, resuming bool) *firingResult {
	ctx = logging.WithNodeID(ctx, node.ID)
	res := &firingResult{nodeID: node.ID}

	started := time.Now().UTC()
	run := &store.NodeRun{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Iteration:   -1,
		Status:      schema.NodeStatusRunning,
		StartedAt:   &started,
	}
	res.run = run
	if inputJSON, err := json.Marshal(ec.Inputs(node.ID)); err == nil {
		run.Input = inputJSON
	}
	from := schema.NodeStatusPending
	if resuming {
		from = schema.NodeStatusWaiting
	}
	if err := e.nodeFSM.Transition(ctx, executionID, node.ID, from, schema.NodeStatusRunning); err != nil {
		res.err = err
		return res
	}
	if err := e.store.UpsertNodeRun(ctx, run); err != nil {
		res.err = err
		return res
	}

	scope := ec.Scope(nil)
	config, err := e.interp.ResolveConfig(ctx, node.Configurations, scope)
	if err != nil {
		res.err = schema.NewErrorf(schema.ErrCodeInterpolation,
			"resolve configuration: %s", err.Error()).WithNode(node.ID).WithCause(err)
		e.recordFiringEnd(ctx, run, res)
		return res
	}

	if node.Type == schema.NodeTypeFlow {
		e.fireFlowNode(ctx, g, executionID, ec, node, config, scope, resuming, res)
		if res.suspend != nil {
			if err := e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRunning, schema.NodeStatusWaiting); err != nil {
				res.suspend = nil
				res.err = err
			}
		}
		e.recordFiringEnd(ctx, run, res)
		return res
	}

	res.output, res.err = e.executeWithRetry(ctx, executionID, ec, node, config, ec.Inputs(node.ID), run)
	e.recordFiringEnd(ctx, run, res)
	return res
}

// executeWithRetry dispatches to the registered executor, applying the
// node's retry policy on retryable failures.
func (e *Engine) executeWithRetry(ctx context.Context, executionID string, ec *ExecutionContext, node *schema.NodeInstance, config map[string]any, inputs map[string]any, run *store.NodeRun) (*NodeOutput, error) {
	executor, err := e.executors.Get(node.Type, node.Subtype)
	if err != nil {
		return nil, err
	}

	input := &NodeInput{
		ExecutionID: executionID,
		Node:        node,
		Config:      config,
		Inputs:      inputs,
		Memory:      ec.Memory(),
	}

	var maxRetries int
	var retryPolicy *schema.RetryPolicy
	if node.ErrorPolicy != nil && node.ErrorPolicy.OnError == schema.ErrorPolicyRetry && node.ErrorPolicy.Retry != nil {
		maxRetries = node.ErrorPolicy.Retry.Max
		retryPolicy = node.ErrorPolicy.Retry
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRunning, schema.NodeStatusRetrying); err != nil {
				return nil, err
			}
			run.RetryCount = attempt
			run.Status = schema.NodeStatusRetrying
			_ = e.store.UpsertNodeRun(ctx, run)
			if err := WaitForBackoff(ctx, ComputeBackoff(retryPolicy, attempt-1)); err != nil {
				return nil, err
			}
			if err := e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRetrying, schema.NodeStatusRunning); err != nil {
				return nil, err
			}
			run.Status = schema.NodeStatusRunning
		}

		output, execErr := executor.Execute(ctx, input)
		if execErr == nil {
			return output, nil
		}
		lastErr = execErr
		e.logger.WarnContext(ctx, "node firing failed", "attempt", attempt, "error", execErr)
		if !IsRetryableError(execErr) {
			break
		}
	}

	if maxRetries > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", maxRetries+1, lastErr.Error()).
			WithNode(node.ID).WithCause(lastErr)
	}
	return nil, lastErr
}

// completeNode persists a successful firing and routes outputs downstream.
func (e *Engine) completeNode(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, node *schema.NodeInstance, output *NodeOutput, routedKey string) error {
	if output == nil {
		output = SingleOutput(map[string]any{})
	}
	if err := e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted); err != nil {
		return err
	}
	ec.Complete(node, node.ID, output.Data)
	return e.routeOutputs(ctx, g, ec, node, output, routedKey)
}

// routeOutputs delivers a completed node's outputs along its data edges.
// When routedKey is set (branch, HIL), only edges on that key deliver; the
// rest die and cascade skips. Edges into a for-each body are handled
// per-iteration and skipped here.
func (e *Engine) routeOutputs(ctx context.Context, g *graph.Graph, ec *ExecutionContext, node *schema.NodeInstance, output *NodeOutput, routedKey string) error {
	body := g.LoopBodies[node.ID]
	inBody := make(map[string]bool, len(body))
	for _, id := range body {
		inBody[id] = true
	}

	for _, conn := range g.Out[node.ID] {
		if inBody[conn.ToNode] {
			continue
		}
		if routedKey != "" && conn.OutputKey != routedKey {
			ec.MarkEdgeDead(conn.ToNode)
			continue
		}
		payload, ok := output.Data[conn.OutputKey]
		if !ok {
			ec.MarkEdgeDead(conn.ToNode)
			continue
		}
		converted, err := e.jq.Convert(ctx, conn.ConversionFunction, payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"conversion on edge %s -> %s: %s", conn.FromNode, conn.ToNode, err.Error()).
				WithNode(node.ID).WithCause(err)
		}
		ec.Deliver(conn.ToNode, node.ID, converted)
	}
	return nil
}

// skipNode marks a node skipped and kills its outgoing edges, cascading.
func (e *Engine) skipNode(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, nodeID string) error {
	if err := e.nodeFSM.Transition(ctx, executionID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped); err != nil {
		return err
	}
	run := &store.NodeRun{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Iteration:   -1,
		Status:      schema.NodeStatusSkipped,
	}
	if err := e.store.UpsertNodeRun(ctx, run); err != nil {
		return err
	}
	ec.Skip(nodeID)
	for _, conn := range g.Out[nodeID] {
		ec.MarkEdgeDead(conn.ToNode)
	}
	return nil
}

// handleNodeError applies the node's error policy. It returns true with the
// terminal error when the execution must fail.
func (e *Engine) handleNodeError(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, node *schema.NodeInstance, res *firingResult) (bool, error) {
	policy := schema.ErrorPolicyStop
	if node.ErrorPolicy != nil && node.ErrorPolicy.OnError != "" {
		policy = node.ErrorPolicy.OnError
	}

	loomErr := asLoomError(res.err, node.ID)

	if policy == schema.ErrorPolicyContinue {
		if err := e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRunning, schema.NodeStatusError); err != nil {
			return true, err
		}
		if res.run != nil {
			res.run.Status = schema.NodeStatusError
			_ = e.store.UpsertNodeRun(ctx, res.run)
		}
		sentinel := schema.ErrorSentinel(node.ID, loomErr.Code, loomErr.Message)
		output := &NodeOutput{Data: map[string]any{}}
		for _, conn := range g.Out[node.ID] {
			output.Data[conn.OutputKey] = sentinel
		}
		ec.Complete(node, node.ID, output.Data)
		e.logger.WarnContext(ctx, "node error absorbed, propagating sentinel", "error", loomErr)
		return false, e.routeOutputs(ctx, g, ec, node, output, "")
	}

	// stop, or retry already exhausted inside the firing. The transition may
	// fail when the firing never reached RUNNING; the original error wins.
	_ = e.nodeFSM.Transition(ctx, executionID, node.ID, schema.NodeStatusRunning, schema.NodeStatusFailed)
	return true, loomErr
}

// --- lifecycle terminations ---

func (e *Engine) transitionExecution(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if err := e.execFSM.Transition(ctx, executionID, from, to); err != nil {
		return err
	}
	update := &store.ExecutionUpdate{Status: &to}
	if to.IsTerminal() {
		now := time.Now().UTC()
		update.EndTime = &now
	}
	return e.store.UpdateExecution(ctx, executionID, update)
}

func (e *Engine) completeExecution(ctx context.Context, executionID string) error {
	e.logger.InfoContext(ctx, "execution completed")
	return e.transitionExecution(ctx, executionID, schema.ExecutionStatusRunning, schema.ExecutionStatusSuccess)
}

func (e *Engine) failExecution(ctx context.Context, executionID string, cause error) error {
	loomErr := asLoomError(cause, "")
	errJSON, err := json.Marshal(loomErr)
	if err != nil {
		errJSON = []byte(`{"code":"EXECUTION_ERROR","message":"unserializable error"}`)
	}
	e.logger.ErrorContext(ctx, "execution failed", "error", loomErr)

	if err := e.execFSM.Transition(ctx, executionID, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed); err != nil {
		return err
	}
	status := schema.ExecutionStatusFailed
	now := time.Now().UTC()
	return e.store.UpdateExecution(ctx, executionID, &store.ExecutionUpdate{
		Status:  &status,
		Error:   errJSON,
		EndTime: &now,
	})
}

func (e *Engine) suspendExecution(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, sig *suspendSignal) error {
	ec.SetWaiting(sig.nodeID)

	snapData, err := ec.Marshal()
	if err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(ctx, &store.Snapshot{ExecutionID: executionID, Context: snapData}); err != nil {
		return err
	}

	if err := e.execFSM.Transition(ctx, executionID, schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting); err != nil {
		return err
	}

	var next []string
	for _, conn := range g.Out[sig.nodeID] {
		next = append(next, conn.ToNode)
	}
	sort.Strings(next)

	status := schema.ExecutionStatusWaiting
	current := sig.nodeID
	update := &store.ExecutionUpdate{
		Status:        &status,
		CurrentNodeID: &current,
		NextNodes:     next,
	}
	if sig.resumeAt != nil {
		update.ResumeAt = sig.resumeAt
	}
	e.logger.InfoContext(ctx, "execution suspended", "node_id", sig.nodeID, "reason", sig.reason)
	return e.store.UpdateExecution(ctx, executionID, update)
}

func (e *Engine) cancelRunning(ctx context.Context, executionID string, ec *ExecutionContext) error {
	nodeStates := make(map[string]schema.NodeStatus)
	runs, err := e.store.ListNodeRuns(ctx, executionID)
	if err == nil {
		for _, run := range runs {
			nodeStates[run.RunKey()] = run.Status
		}
	}
	if err := CancelExecution(ctx, e.execFSM, e.nodeFSM, executionID, schema.ExecutionStatusRunning, nodeStates); err != nil {
		return err
	}
	status := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	e.logger.InfoContext(ctx, "execution cancelled")
	return e.store.UpdateExecution(ctx, executionID, &store.ExecutionUpdate{Status: &status, EndTime: &now})
}

func (e *Engine) cancelStored(ctx context.Context, executionID string, current schema.ExecutionStatus) error {
	nodeStates := make(map[string]schema.NodeStatus)
	runs, err := e.store.ListNodeRuns(ctx, executionID)
	if err == nil {
		for _, run := range runs {
			nodeStates[run.RunKey()] = run.Status
		}
	}
	if err := CancelExecution(ctx, e.execFSM, e.nodeFSM, executionID, current, nodeStates); err != nil {
		return err
	}
	status := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	return e.store.UpdateExecution(ctx, executionID, &store.ExecutionUpdate{Status: &status, EndTime: &now})
}

// recordFiringEnd persists the terminal node run record for one firing.
func (e *Engine) recordFiringEnd(ctx context.Context, run *store.NodeRun, res *firingResult) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}

	switch {
	case res.suspend != nil:
		run.Status = schema.NodeStatusWaiting
		run.CompletedAt = nil
		run.DurationMs = 0
	case res.err != nil:
		run.Status = schema.NodeStatusFailed
		if errJSON, err := json.Marshal(asLoomError(res.err, run.NodeID)); err == nil {
			run.Error = errJSON
		}
	default:
		run.Status = schema.NodeStatusCompleted
		if res.output != nil {
			if outJSON, err := json.Marshal(res.output.Data); err == nil {
				run.Output = outJSON
			}
			run.Logs = res.output.Logs
		}
	}
	_ = e.store.UpsertNodeRun(ctx, run)
}

// asLoomError normalizes any error to a LoomError, attaching the node ID
// when missing.
func asLoomError(err error, nodeID string) *schema.LoomError {
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		if loomErr.NodeID == "" && nodeID != "" {
			loomErr.NodeID = nodeID
		}
		return loomErr
	}
	out := schema.NewError(schema.ErrCodeNodeFailed, err.Error()).WithCause(err)
	if nodeID != "" {
		out.NodeID = nodeID
	}
	return out
}
