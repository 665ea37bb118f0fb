// Package store persists execution state: run records, per-node firings,
// the event log and context snapshots. Two implementations exist, an
// in-memory store for tests and embedded use, and a libsql-backed store
// for durable single-writer deployments.
package store

import "context"

// ExecutionStore is the persistence contract used by the engine.
type ExecutionStore interface {
	// CreateExecution inserts a new execution record. Fails with CONFLICT
	// if the ID already exists.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution returns the execution or a NOT_FOUND error.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// UpdateExecution applies the non-nil fields of the update.
	UpdateExecution(ctx context.Context, executionID string, update *ExecutionUpdate) error

	// ListExecutions returns executions matching the filter, most recent
	// first.
	ListExecutions(ctx context.Context, filter *ExecutionFilter) ([]*Execution, error)

	// UpsertNodeRun inserts or replaces the run record keyed by
	// (execution, node, iteration).
	UpsertNodeRun(ctx context.Context, run *NodeRun) error

	// ListNodeRuns returns all node runs of an execution in insertion order.
	ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error)

	// AppendEvent appends to the execution's event log, assigning the next
	// sequence number.
	AppendEvent(ctx context.Context, event *Event) error

	// GetEvents returns the event log of an execution in sequence order.
	GetEvents(ctx context.Context, executionID string) ([]*Event, error)

	// SaveSnapshot stores the serialized context of a suspended execution,
	// replacing any previous snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// GetSnapshot returns the latest snapshot or a NOT_FOUND error.
	GetSnapshot(ctx context.Context, executionID string) (*Snapshot, error)

	// Close releases store resources.
	Close() error
}
