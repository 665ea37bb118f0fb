package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// defaultMaxIterations bounds a for-each loop when the node does not set
// max_iterations.
const defaultMaxIterations = 1000

// fireFlowNode handles the flow-control subtypes inline: wait, branch, HIL
// and for-each. Results land in res.
func (e *Engine) fireFlowNode(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, node *schema.NodeInstance, config map[string]any, scope *expressions.Scope, resuming bool, res *firingResult) {
	switch node.Subtype {
	case schema.FlowSubtypeWait:
		e.fireWait(ctx, executionID, node, config, scope, resuming, res)
	case schema.FlowSubtypeBranch:
		e.fireBranch(ctx, executionID, node, config, scope, res)
	case schema.FlowSubtypeHIL:
		e.fireHIL(ctx, executionID, ec, node, config, resuming, res)
	case schema.FlowSubtypeForEach:
		e.fireForEach(ctx, g, executionID, ec, node, config, res)
	default:
		res.err = schema.NewErrorf(schema.ErrCodeValidation,
			"unknown flow subtype: %q", node.Subtype).WithNode(node.ID)
	}
}

// fireWait suspends the execution until its condition holds or its duration
// elapses. A wait with neither waits for a manual resume.
func (e *Engine) fireWait(ctx context.Context, executionID string, node *schema.NodeInstance, config map[string]any, scope *expressions.Scope, resuming bool, res *firingResult) {
	condition, _ := config["condition"].(string)
	condition = strings.TrimSpace(condition)

	var resumeAt *time.Time
	if durStr, _ := config["duration"].(string); strings.TrimSpace(durStr) != "" {
		dur, err := time.ParseDuration(durStr)
		if err != nil {
			res.err = schema.NewErrorf(schema.ErrCodeValidation,
				"invalid wait duration %q", durStr).WithNode(node.ID)
			return
		}
		at := time.Now().UTC().Add(dur)
		resumeAt = &at
	}

	satisfied := false
	if condition == "" {
		// Duration-only and bare waits complete on any resume.
		satisfied = resuming
	} else {
		ok, err := e.cel.EvaluateBool(ctx, condition, scope.CELData())
		if err != nil {
			// Conditions over resume data cannot evaluate before a resume
			// delivers it; treat evaluation errors as not-yet-satisfied.
			e.logger.DebugContext(ctx, "wait condition not evaluable yet", "error", err)
			ok = false
		}
		satisfied = ok
	}

	if !satisfied {
		e.appendFlowEvent(ctx, executionID, node.ID, schema.EventWaitStarted, map[string]any{
			"condition": condition,
		})
		res.suspend = &suspendSignal{nodeID: node.ID, reason: "wait", resumeAt: resumeAt}
		return
	}

	e.appendFlowEvent(ctx, executionID, node.ID, schema.EventWaitCompleted, nil)
	res.output = SingleOutput(map[string]any{
		"satisfied": true,
		"resume":    scope.Resume,
	})
}

// fireBranch evaluates the branch expression and routes on "true" or
// "false"; edges on the other key die and cascade skips.
func (e *Engine) fireBranch(ctx context.Context, executionID string, node *schema.NodeInstance, config map[string]any, scope *expressions.Scope, res *firingResult) {
	expression, _ := config["expression"].(string)
	result, err := e.cel.EvaluateBool(ctx, expression, scope.CELData())
	if err != nil {
		res.err = schema.NewErrorf(schema.ErrCodeExecution,
			"evaluate branch expression: %s", err.Error()).WithNode(node.ID).WithCause(err)
		return
	}

	key := "false"
	if result {
		key = "true"
	}
	e.appendFlowEvent(ctx, executionID, node.ID, schema.EventBranchEvaluated, map[string]any{
		"expression": expression,
		"result":     result,
	})

	res.routedKey = key
	res.output = &NodeOutput{Data: map[string]any{
		key: map[string]any{"result": result},
	}}
}

// fireHIL suspends for a human decision. On resume the free-text response is
// classified; an unrelated response requests clarification and re-suspends.
func (e *Engine) fireHIL(ctx context.Context, executionID string, ec *ExecutionContext, node *schema.NodeInstance, config map[string]any, resuming bool, res *firingResult) {
	if !resuming {
		prompt, _ := config["prompt"].(string)
		e.appendFlowEvent(ctx, executionID, node.ID, schema.EventHILRequested, map[string]any{
			"prompt": prompt,
		})
		res.suspend = &suspendSignal{nodeID: node.ID, reason: "hil"}
		return
	}

	response := hilResponseText(ec.Resume())
	decision := e.classifier.Classify(response)

	if decision == schema.HILUnrelated {
		e.appendFlowEvent(ctx, executionID, node.ID, schema.EventHILClarification, map[string]any{
			"response": response,
		})
		res.suspend = &suspendSignal{nodeID: node.ID, reason: "hil_clarification"}
		return
	}

	e.appendFlowEvent(ctx, executionID, node.ID, schema.EventHILResolved, map[string]any{
		"decision": string(decision),
		"response": response,
	})
	res.routedKey = string(decision)
	res.output = &NodeOutput{Data: map[string]any{
		string(decision): map[string]any{
			"decision": string(decision),
			"response": response,
		},
	}}
}

// hilResponseText extracts the human response from the resume payload.
func hilResponseText(resume map[string]any) string {
	for _, key := range []string{"response", "text", "message"} {
		if s, ok := resume[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// fireForEach iterates the node's loop body once per item. Iterations run
// sequentially; each body firing is recorded under a namespaced run key.
// Suspending nodes are not supported inside loop bodies.
func (e *Engine) fireForEach(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, node *schema.NodeInstance, config map[string]any, res *firingResult) {
	items, ok := config["items"].([]any)
	if !ok {
		res.err = schema.NewError(schema.ErrCodeValidation,
			"for-each items must resolve to a list").WithNode(node.ID)
		return
	}

	maxIter := defaultMaxIterations
	if m, ok := asInt(config["max_iterations"]); ok && m > 0 {
		maxIter = m
	}
	if len(items) > maxIter {
		res.err = schema.NewErrorf(schema.ErrCodeValidation,
			"for-each received %d items, exceeding max_iterations %d", len(items), maxIter).WithNode(node.ID)
		return
	}

	body := g.LoopBodies[node.ID]
	bodySet := make(map[string]bool, len(body))
	for _, id := range body {
		bodySet[id] = true
	}

	// Edges leaving the body accumulate one payload per iteration and
	// deliver the aggregated list after the loop completes.
	var externals []*externalEdge
	for _, id := range body {
		for _, conn := range g.Out[id] {
			if !bodySet[conn.ToNode] && conn.ToNode != node.ID {
				externals = append(externals, &externalEdge{conn: conn})
			}
		}
	}

	results := make([]any, 0, len(items))

	for i, item := range items {
		e.appendFlowEvent(ctx, executionID, node.ID, schema.EventForEachIterStarted, map[string]any{
			"index": i,
		})

		iterResult, err := e.runIteration(ctx, g, executionID, ec, node, body, bodySet, i, item, externals)
		if err != nil {
			res.err = err
			return
		}
		results = append(results, iterResult)

		e.appendFlowEvent(ctx, executionID, node.ID, schema.EventForEachIterCompleted, map[string]any{
			"index": i,
		})
	}

	for _, ee := range externals {
		ec.Deliver(ee.conn.ToNode, ee.conn.FromNode, ee.values)
	}

	e.appendFlowEvent(ctx, executionID, node.ID, schema.EventForEachCompleted, map[string]any{
		"count": len(items),
	})
	res.output = SingleOutput(map[string]any{
		"results": results,
		"count":   len(items),
	})
}

// externalEdge accumulates per-iteration payloads for an edge that leaves a
// loop body.
type externalEdge struct {
	conn   *schema.Connection
	values []any
}

// runIteration fires the loop body once for one item, in topological order.
// It returns the value produced by the body's terminal node.
func (e *Engine) runIteration(ctx context.Context, g *graph.Graph, executionID string, ec *ExecutionContext, forEach *schema.NodeInstance, body []string, bodySet map[string]bool, index int, item any, externals []*externalEdge) (any, error) {
	iter := &expressions.IterScope{Item: item, Index: index}

	// Per-iteration outputs of body nodes, keyed by node ID.
	iterOutputs := make(map[string]map[string]any, len(body))
	iterSkipped := make(map[string]bool)
	var terminalValue any

	for _, id := range body {
		node := g.Nodes[id]
		runKey := store.RunKey(id, index)

		inputs, live := e.iterationInputs(ctx, g, ec, forEach, bodySet, iterOutputs, iterSkipped, id, item)
		if !live {
			iterSkipped[id] = true
			_ = e.nodeFSM.Transition(ctx, executionID, runKey, schema.NodeStatusPending, schema.NodeStatusSkipped)
			_ = e.store.UpsertNodeRun(ctx, &store.NodeRun{
				ExecutionID: executionID,
				NodeID:      id,
				Iteration:   index,
				Status:      schema.NodeStatusSkipped,
			})
			continue
		}

		output, routedKey, run, err := e.fireBodyNode(ctx, executionID, ec, node, runKey, index, inputs, iter)
		if err != nil {
			policy := schema.ErrorPolicyStop
			if node.ErrorPolicy != nil && node.ErrorPolicy.OnError != "" {
				policy = node.ErrorPolicy.OnError
			}
			if policy != schema.ErrorPolicyContinue {
				return nil, asLoomError(err, id)
			}
			loomErr := asLoomError(err, id)
			sentinel := schema.ErrorSentinel(id, loomErr.Code, loomErr.Message)
			data := map[string]any{}
			for _, conn := range g.Out[id] {
				data[conn.OutputKey] = sentinel
			}
			output = &NodeOutput{Data: data}
			routedKey = ""
			_ = e.nodeFSM.Transition(ctx, executionID, runKey, schema.NodeStatusRunning, schema.NodeStatusError)
			if run != nil {
				run.Status = schema.NodeStatusError
				_ = e.store.UpsertNodeRun(ctx, run)
			}
		}

		iterOutputs[id] = output.Data
		if routedKey != "" {
			// Keep only the routed key visible to downstream body nodes.
			routed := map[string]any{routedKey: output.Data[routedKey]}
			iterOutputs[id] = routed
		}

		// Collect values for edges leaving the body.
		for _, ee := range externals {
			if ee.conn.FromNode != id {
				continue
			}
			if v, ok := iterOutputs[id][ee.conn.OutputKey]; ok {
				converted, convErr := e.jq.Convert(ctx, ee.conn.ConversionFunction, v)
				if convErr != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"conversion on edge %s -> %s: %s", ee.conn.FromNode, ee.conn.ToNode, convErr.Error()).
						WithNode(id).WithCause(convErr)
				}
				ee.values = append(ee.values, converted)
			}
		}

		// Terminal body node: nothing downstream inside the body.
		if isBodyTerminal(g, bodySet, id) {
			if v, ok := iterOutputs[id][schema.OutputKeyDefault]; ok {
				terminalValue = v
			} else {
				terminalValue = iterOutputs[id]
			}
		}
	}

	return terminalValue, nil
}

// iterationInputs assembles a body node's inputs for one iteration. The
// second return is false when every live in-edge failed to deliver, which
// skips the node for this iteration.
func (e *Engine) iterationInputs(ctx context.Context, g *graph.Graph, ec *ExecutionContext, forEach *schema.NodeInstance, bodySet map[string]bool, iterOutputs map[string]map[string]any, iterSkipped map[string]bool, nodeID string, item any) (map[string]any, bool) {
	inputs := make(map[string]any)
	for _, conn := range g.In[nodeID] {
		from := conn.FromNode
		var payload any
		var have bool

		switch {
		case from == forEach.ID:
			payload, have = item, true
		case bodySet[from]:
			if iterSkipped[from] {
				continue
			}
			if out, ok := iterOutputs[from]; ok {
				payload, have = out[conn.OutputKey]
			}
		default:
			if out, ok := ec.Output(from); ok {
				payload, have = out[conn.OutputKey]
			}
		}
		if !have {
			continue
		}
		converted, err := e.jq.Convert(ctx, conn.ConversionFunction, payload)
		if err != nil {
			continue
		}
		inputs[from] = converted
	}
	return inputs, len(inputs) > 0 || len(g.In[nodeID]) == 0
}

// fireBodyNode executes one body node firing with iteration scope. Only
// branch is allowed among flow subtypes; suspension inside a body fails the
// execution.
func (e *Engine) fireBodyNode(ctx context.Context, executionID string, ec *ExecutionContext, node *schema.NodeInstance, runKey string, index int, inputs map[string]any, iter *expressions.IterScope) (*NodeOutput, string, *store.NodeRun, error) {
	started := time.Now().UTC()
	run := &store.NodeRun{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Iteration:   index,
		Status:      schema.NodeStatusRunning,
		StartedAt:   &started,
	}
	if inputJSON, err := json.Marshal(inputs); err == nil {
		run.Input = inputJSON
	}
	if err := e.nodeFSM.Transition(ctx, executionID, runKey, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		return nil, "", nil, err
	}
	if err := e.store.UpsertNodeRun(ctx, run); err != nil {
		return nil, "", nil, err
	}

	scope := ec.Scope(iter)
	config, err := e.interp.ResolveConfig(ctx, node.Configurations, scope)
	if err != nil {
		interpErr := schema.NewErrorf(schema.ErrCodeInterpolation,
			"resolve configuration: %s", err.Error()).WithNode(node.ID).WithCause(err)
		e.finishBodyRun(ctx, run, nil, interpErr)
		return nil, "", run, interpErr
	}

	if node.Type == schema.NodeTypeFlow {
		switch node.Subtype {
		case schema.FlowSubtypeBranch:
			res := &firingResult{nodeID: node.ID}
			e.fireBranch(ctx, executionID, node, config, scope, res)
			e.finishBodyRun(ctx, run, res.output, res.err)
			if res.err == nil {
				_ = e.nodeFSM.Transition(ctx, executionID, runKey, schema.NodeStatusRunning, schema.NodeStatusCompleted)
			}
			return res.output, res.routedKey, run, res.err
		default:
			suspErr := schema.NewErrorf(schema.ErrCodeExecution,
				"flow/%s cannot run inside a loop body", node.Subtype).WithNode(node.ID)
			e.finishBodyRun(ctx, run, nil, suspErr)
			return nil, "", run, suspErr
		}
	}

	output, err := e.executeWithRetry(ctx, executionID, ec, node, config, inputs, run)
	e.finishBodyRun(ctx, run, output, err)
	if err != nil {
		return nil, "", run, err
	}
	_ = e.nodeFSM.Transition(ctx, executionID, runKey, schema.NodeStatusRunning, schema.NodeStatusCompleted)
	ec.Complete(node, runKey, output.Data)
	return output, "", run, nil
}

// finishBodyRun persists the terminal record of a body firing.
func (e *Engine) finishBodyRun(ctx context.Context, run *store.NodeRun, output *NodeOutput, err error) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if err != nil {
		run.Status = schema.NodeStatusFailed
		if errJSON, jsonErr := json.Marshal(asLoomError(err, run.NodeID)); jsonErr == nil {
			run.Error = errJSON
		}
	} else {
		run.Status = schema.NodeStatusCompleted
		if output != nil {
			if outJSON, jsonErr := json.Marshal(output.Data); jsonErr == nil {
				run.Output = outJSON
			}
		}
	}
	_ = e.store.UpsertNodeRun(ctx, run)
}

// isBodyTerminal reports whether a body node has no successors inside the
// same body.
func isBodyTerminal(g *graph.Graph, bodySet map[string]bool, nodeID string) bool {
	for _, conn := range g.Out[nodeID] {
		if bodySet[conn.ToNode] {
			return false
		}
	}
	return true
}

// appendFlowEvent writes an observational flow event; failures are logged,
// never fatal.
func (e *Engine) appendFlowEvent(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = data
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append flow event failed", "event", eventType, "error", err)
	}
}
