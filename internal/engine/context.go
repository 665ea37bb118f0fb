package engine

import (
	"encoding/json"
	"sync"

	"dario.cat/mergo"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/pkg/schema"
)

// ExecutionContext holds all mutable state of one execution: accumulated
// pending inputs, completed node outputs, the key-value memory, resume data
// and per-edge delivery accounting. It serializes to a snapshot on suspend
// and rebuilds from one on resume.
type ExecutionContext struct {
	mu sync.Mutex

	executionID string
	trigger     map[string]any

	// pendingInputs accumulates delivered payloads per target node, keyed
	// by source node ID.
	pendingInputs map[string]map[string]any

	// nodeOutputs holds completed outputs keyed by node ID and, when set,
	// by node name. Values are maps keyed by output key.
	nodeOutputs map[string]any

	// memoryKV backs the memory service; shared, not copied.
	memoryKV map[string]any
	memSvc   *memory.Service

	// resume accumulates payloads supplied across Resume calls.
	resume map[string]any

	// delivered and dead count resolved in-edges per node. An edge is
	// delivered when its source completed on a matching output key, dead
	// when the source was skipped or routed elsewhere.
	delivered map[string]int
	dead      map[string]int

	completed map[string]bool
	skipped   map[string]bool

	// sequence records run keys in completion order.
	sequence []string

	// waitingNode is the node the execution is suspended on, if any.
	waitingNode string
}

// NewExecutionContext creates the context for a fresh execution.
func NewExecutionContext(executionID string, trigger map[string]any, embedder memory.Embedder) *ExecutionContext {
	kv := make(map[string]any)
	return &ExecutionContext{
		executionID:   executionID,
		trigger:       trigger,
		pendingInputs: make(map[string]map[string]any),
		nodeOutputs:   make(map[string]any),
		memoryKV:      kv,
		memSvc:        memory.NewService(kv, embedder),
		resume:        make(map[string]any),
		delivered:     make(map[string]int),
		dead:          make(map[string]int),
		completed:     make(map[string]bool),
		skipped:       make(map[string]bool),
	}
}

// Memory exposes the execution's memory service.
func (ec *ExecutionContext) Memory() *memory.Service { return ec.memSvc }

// Trigger returns the trigger payload.
func (ec *ExecutionContext) Trigger() map[string]any { return ec.trigger }

// Deliver records a payload from source arriving at target and counts the
// edge as resolved.
func (ec *ExecutionContext) Deliver(target, source string, payload any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	inputs, ok := ec.pendingInputs[target]
	if !ok {
		inputs = make(map[string]any)
		ec.pendingInputs[target] = inputs
	}
	inputs[source] = payload
	ec.delivered[target]++
}

// MarkEdgeDead counts one in-edge of target as resolved without delivery.
func (ec *ExecutionContext) MarkEdgeDead(target string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.dead[target]++
}

// Ready reports whether all in-edges of a node are resolved, and whether at
// least one delivered a payload. A node with every edge dead is skippable,
// not runnable.
func (ec *ExecutionContext) Ready(nodeID string, inEdges int) (ready, runnable bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	resolved := ec.delivered[nodeID] + ec.dead[nodeID]
	if resolved < inEdges {
		return false, false
	}
	return true, ec.delivered[nodeID] > 0 || inEdges == 0
}

// Inputs returns the accumulated pending inputs of a node.
func (ec *ExecutionContext) Inputs(nodeID string) map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	inputs := ec.pendingInputs[nodeID]
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

// Complete records a node's output, keyed by ID and name, and appends the
// run key to the sequence log.
func (ec *ExecutionContext) Complete(node *schema.NodeInstance, runKey string, output map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.completed[node.ID] = true
	ec.nodeOutputs[node.ID] = output
	if node.Name != "" && node.Name != node.ID {
		ec.nodeOutputs[node.Name] = output
	}
	ec.sequence = append(ec.sequence, runKey)
}

// Skip marks a node as skipped without output.
func (ec *ExecutionContext) Skip(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.skipped[nodeID] = true
	ec.sequence = append(ec.sequence, nodeID)
}

// IsCompleted reports whether a node has completed.
func (ec *ExecutionContext) IsCompleted(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.completed[nodeID]
}

// IsSkipped reports whether a node was skipped.
func (ec *ExecutionContext) IsSkipped(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.skipped[nodeID]
}

// Output returns a completed node's output map.
func (ec *ExecutionContext) Output(nodeID string) (map[string]any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// NodeOutputs returns a copy of the outputs map for expression scopes.
func (ec *ExecutionContext) NodeOutputs() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.nodeOutputs))
	for k, v := range ec.nodeOutputs {
		out[k] = v
	}
	return out
}

// Resume returns the accumulated resume data.
func (ec *ExecutionContext) Resume() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.resume))
	for k, v := range ec.resume {
		out[k] = v
	}
	return out
}

// MergeResume merges an external resume payload into the accumulated resume
// data. Later payloads override earlier values on key conflicts.
func (ec *ExecutionContext) MergeResume(payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if err := mergo.Merge(&ec.resume, payload, mergo.WithOverride); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "merge resume payload: %s", err.Error()).WithCause(err)
	}
	return nil
}

// SetWaiting records the node the execution suspends on.
func (ec *ExecutionContext) SetWaiting(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.waitingNode = nodeID
}

// WaitingNode returns the suspended node ID, if any.
func (ec *ExecutionContext) WaitingNode() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.waitingNode
}

// Sequence returns the completion-order run keys.
func (ec *ExecutionContext) Sequence() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]string(nil), ec.sequence...)
}

// contextSnapshot is the serialized form of an ExecutionContext.
type contextSnapshot struct {
	ExecutionID   string                    `json:"execution_id"`
	Trigger       map[string]any            `json:"trigger,omitempty"`
	PendingInputs map[string]map[string]any `json:"pending_inputs,omitempty"`
	NodeOutputs   map[string]any            `json:"node_outputs,omitempty"`
	Memory        map[string]any            `json:"memory,omitempty"`
	Resume        map[string]any            `json:"resume,omitempty"`
	Delivered     map[string]int            `json:"delivered,omitempty"`
	Dead          map[string]int            `json:"dead,omitempty"`
	Completed     []string                  `json:"completed,omitempty"`
	Skipped       []string                  `json:"skipped,omitempty"`
	Sequence      []string                  `json:"sequence,omitempty"`
	WaitingNode   string                    `json:"waiting_node,omitempty"`
}

// Marshal serializes the context for a suspend snapshot.
func (ec *ExecutionContext) Marshal() (json.RawMessage, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	snap := contextSnapshot{
		ExecutionID:   ec.executionID,
		Trigger:       ec.trigger,
		PendingInputs: ec.pendingInputs,
		NodeOutputs:   ec.nodeOutputs,
		Memory:        ec.memoryKV,
		Resume:        ec.resume,
		Delivered:     ec.delivered,
		Dead:          ec.dead,
		Completed:     keysOf(ec.completed),
		Skipped:       keysOf(ec.skipped),
		Sequence:      ec.sequence,
		WaitingNode:   ec.waitingNode,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal context snapshot: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

// UnmarshalExecutionContext rebuilds a context from a suspend snapshot.
func UnmarshalExecutionContext(data json.RawMessage, embedder memory.Embedder) (*ExecutionContext, error) {
	var snap contextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal context snapshot: %s", err.Error()).WithCause(err)
	}

	ec := NewExecutionContext(snap.ExecutionID, snap.Trigger, embedder)
	if snap.PendingInputs != nil {
		ec.pendingInputs = snap.PendingInputs
	}
	if snap.NodeOutputs != nil {
		ec.nodeOutputs = snap.NodeOutputs
	}
	for k, v := range snap.Memory {
		ec.memoryKV[k] = v
	}
	if snap.Resume != nil {
		ec.resume = snap.Resume
	}
	if snap.Delivered != nil {
		ec.delivered = snap.Delivered
	}
	if snap.Dead != nil {
		ec.dead = snap.Dead
	}
	for _, id := range snap.Completed {
		ec.completed[id] = true
	}
	for _, id := range snap.Skipped {
		ec.skipped[id] = true
	}
	ec.sequence = snap.Sequence
	ec.waitingNode = snap.WaitingNode
	return ec, nil
}

// Scope builds the expression scope for a node firing. Pass iter as nil
// outside loop bodies.
func (ec *ExecutionContext) Scope(iter *expressions.IterScope) *expressions.Scope {
	return &expressions.Scope{
		Trigger: ec.trigger,
		Nodes:   ec.NodeOutputs(),
		Memory:  ec.memSvc.Snapshot(),
		Resume:  ec.Resume(),
		Iter:    iter,
	}
}

// Frontier computes the currently dispatchable nodes: every unresolved node
// whose in-edges are all resolved, excluding loop-body nodes, which fire
// through their for-each owner.
func (ec *ExecutionContext) Frontier(g *graph.Graph) (runnable, skippable []string) {
	for _, id := range g.Sorted {
		if ec.IsCompleted(id) || ec.IsSkipped(id) || g.InBody(id) {
			continue
		}
		ready, canRun := ec.Ready(id, len(g.In[id]))
		if !ready {
			continue
		}
		if canRun {
			runnable = append(runnable, id)
		} else {
			skippable = append(skippable, id)
		}
	}
	return runnable, skippable
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
