package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// Execution is the overall run record for one workflow execution.
type Execution struct {
	ID             string                 `json:"execution_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         schema.ExecutionStatus `json:"status"`
	TriggerPayload map[string]any         `json:"trigger_payload,omitempty"`
	Error          json.RawMessage        `json:"error,omitempty"`
	// CurrentNodeID and NextNodes describe where a suspended execution is
	// parked; empty outside WAITING.
	CurrentNodeID string   `json:"current_node_id,omitempty"`
	NextNodes     []string `json:"next_nodes,omitempty"`
	// ResumeAt is set for duration-based waits so the timer service can
	// resume the execution when it falls due.
	ResumeAt  *time.Time `json:"resume_at,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NodeRun is the per-firing record of a node within one execution.
// For-each iterations are distinct logical firings: each carries the same
// NodeID with its own Iteration index.
type NodeRun struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Iteration   int               `json:"iteration"` // -1 outside loop bodies
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	Logs        []string          `json:"logs,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// RunKey identifies a node run within an execution.
func (nr *NodeRun) RunKey() string {
	return RunKey(nr.NodeID, nr.Iteration)
}

// RunKey builds the (node, iteration) key used by stores and the sequence log.
func RunKey(nodeID string, iteration int) string {
	if iteration < 0 {
		return nodeID
	}
	return nodeID + "#" + strconv.Itoa(iteration)
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Snapshot is the serialized ExecutionContext of a suspended execution,
// sufficient to resume in a different process.
type Snapshot struct {
	ExecutionID string          `json:"execution_id"`
	Context     json.RawMessage `json:"context"`
	TakenAt     time.Time       `json:"taken_at"`
}

// ExecutionUpdate specifies mutable fields of an execution. Nil pointer
// fields are left unchanged.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus
	Error         json.RawMessage
	CurrentNodeID *string
	NextNodes     []string
	ResumeAt      *time.Time
	ClearResumeAt bool
	EndTime       *time.Time
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus
	WorkflowID string
	// DueBefore matches executions whose ResumeAt falls at or before the
	// given instant; used by the timer service.
	DueBefore *time.Time
	Limit     int
}
