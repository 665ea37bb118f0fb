package schema

// WorkflowDefinition is the JSON-serializable workflow format produced by an
// external planner. The engine re-validates it structurally before running.
type WorkflowDefinition struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Nodes       []NodeInstance `json:"nodes"`
	Connections []Connection   `json:"connections,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NodeInstance is one typed unit of work in a workflow graph. Immutable once
// an execution has started.
type NodeInstance struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Type           NodeType       `json:"type"`
	Subtype        string         `json:"subtype,omitempty"`
	Configurations map[string]any `json:"configurations,omitempty"`
	// AttachedNodes lists auxiliary nodes (tools, memory) bound to an AI
	// node. They are never connected through data edges.
	AttachedNodes []string     `json:"attached_nodes,omitempty"`
	ErrorPolicy   *ErrorPolicy `json:"error_policy,omitempty"`
}

// Connection is a directed, typed data edge between two nodes. OutputKey
// selects which named output of the source feeds the target; branch-routing
// nodes (flow/branch, flow/hil) only deliver on matching keys.
type Connection struct {
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	OutputKey string `json:"output_key,omitempty"`
	// ConversionFunction is an optional jq program applied to the payload
	// before delivery to the target.
	ConversionFunction string `json:"conversion_function,omitempty"`
	// Kind distinguishes ordinary data edges from explicit loop back-edges,
	// which are excluded from the acyclicity check.
	Kind ConnectionKind `json:"kind,omitempty"`
}

// ConnectionKind enumerates edge kinds.
type ConnectionKind string

const (
	ConnectionKindData ConnectionKind = "data"
	ConnectionKindLoop ConnectionKind = "loop"
)

// OutputKeyDefault is used when a connection declares no output key.
const OutputKeyDefault = "main"

// NodeType is the closed set of node categories the scheduler understands.
type NodeType string

const (
	NodeTypeTrigger NodeType = "trigger"
	NodeTypeAction  NodeType = "action"
	NodeTypeAI      NodeType = "ai"
	NodeTypeFlow    NodeType = "flow"
	NodeTypeMemory  NodeType = "memory"
)

// Flow subtypes handled directly by the scheduler rather than dispatched to
// a registered executor.
const (
	FlowSubtypeWait    = "wait"
	FlowSubtypeForEach = "foreach"
	FlowSubtypeBranch  = "branch"
	FlowSubtypeHIL     = "hil"
)

// Memory subtypes executed against the memory service.
const (
	MemorySubtypeGet    = "get"
	MemorySubtypeSet    = "set"
	MemorySubtypeAppend = "append"
	MemorySubtypeUpsert = "vector_upsert"
	MemorySubtypeQuery  = "vector_query"
)

// ParseNodeType validates a node type string at the ingestion boundary.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeTrigger, NodeTypeAction, NodeTypeAI, NodeTypeFlow, NodeTypeMemory:
		return NodeType(s), nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown node type: %q", s)
}

// ErrorPolicy controls how the scheduler reacts when a node's executor fails.
type ErrorPolicy struct {
	// OnError is one of "stop" (fail the execution, default), "continue"
	// (record ERROR, propagate an error sentinel downstream), or "retry".
	OnError string       `json:"on_error,omitempty"`
	Retry   *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy bounds retries for a single node firing.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay ("1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// Error policy values.
const (
	ErrorPolicyStop     = "stop"
	ErrorPolicyContinue = "continue"
	ErrorPolicyRetry    = "retry"
)

// ExecutionStatus is the externally visible execution state machine:
// NEW → RUNNING → {SUCCESS, FAILED, CANCELLED, WAITING};
// WAITING → RUNNING → {SUCCESS, FAILED, WAITING}.
type ExecutionStatus string

const (
	ExecutionStatusNew       ExecutionStatus = "NEW"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusWaiting   ExecutionStatus = "WAITING"
)

// IsTerminal reports whether the status is sticky: no further dispatch occurs.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeStatus is the per-firing node state.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	// NodeStatusError marks a failure absorbed by the "continue" policy.
	NodeStatusError    NodeStatus = "ERROR"
	NodeStatusWaiting  NodeStatus = "WAITING"
	NodeStatusSkipped  NodeStatus = "SKIPPED"
	NodeStatusRetrying NodeStatus = "RETRYING"
)

// HILDecision is the outcome of classifying a free-text human response.
type HILDecision string

const (
	HILApproved  HILDecision = "approved"
	HILRejected  HILDecision = "rejected"
	HILUnrelated HILDecision = "unrelated"
)

// ErrorSentinelKey marks the sentinel object propagated downstream of a node
// that failed under the "continue" policy.
const ErrorSentinelKey = "__error__"

// ErrorSentinel builds the propagation payload for a continue-policy failure.
func ErrorSentinel(nodeID, code, message string) map[string]any {
	return map[string]any{
		ErrorSentinelKey: map[string]any{
			"node_id": nodeID,
			"code":    code,
			"message": message,
		},
	}
}

// IsErrorSentinel reports whether a delivered input payload is an error
// sentinel from an upstream continue-policy failure.
func IsErrorSentinel(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[ErrorSentinelKey]
	return ok
}
