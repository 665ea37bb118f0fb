package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// MemoryStore is an in-memory ExecutionStore. Reads return deep copies so
// callers can never mutate stored state through a returned pointer.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	nodeRuns   map[string][]*NodeRun // executionID -> runs in insertion order
	runIndex   map[string]int        // executionID + "/" + runKey -> slice index
	events     map[string][]*Event
	snapshots  map[string]*Snapshot
	eventSeq   map[string]int64
	nextEvtID  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		nodeRuns:   make(map[string][]*NodeRun),
		runIndex:   make(map[string]int),
		events:     make(map[string][]*Event),
		snapshots:  make(map[string]*Snapshot),
		eventSeq:   make(map[string]int64),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewError(schema.ErrCodeConflict, "execution already exists: "+exec.ID)
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, executionID string, update *ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	applyUpdate(exec, update)
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter *ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, exec := range s.executions {
		if !matchesFilter(exec, filter) {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertNodeRun(ctx context.Context, run *NodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := run.ExecutionID + "/" + run.RunKey()
	cp := copyNodeRun(run)
	if idx, ok := s.runIndex[key]; ok {
		s.nodeRuns[run.ExecutionID][idx] = cp
		return nil
	}
	s.runIndex[key] = len(s.nodeRuns[run.ExecutionID])
	s.nodeRuns[run.ExecutionID] = append(s.nodeRuns[run.ExecutionID], cp)
	return nil
}

func (s *MemoryStore) ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.nodeRuns[executionID]
	out := make([]*NodeRun, len(runs))
	for i, r := range runs {
		out[i] = copyNodeRun(r)
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq[event.ExecutionID]++
	s.nextEvtID++

	cp := copyEvent(event)
	cp.ID = s.nextEvtID
	cp.Sequence = s.eventSeq[event.ExecutionID]
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], cp)

	event.ID = cp.ID
	event.Sequence = cp.Sequence
	event.Timestamp = cp.Timestamp
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, executionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	out := make([]*Event, len(events))
	for i, e := range events {
		out[i] = copyEvent(e)
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &Snapshot{
		ExecutionID: snap.ExecutionID,
		Context:     append(json.RawMessage(nil), snap.Context...),
		TakenAt:     snap.TakenAt,
	}
	if cp.TakenAt.IsZero() {
		cp.TakenAt = time.Now().UTC()
	}
	s.snapshots[snap.ExecutionID] = cp
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, executionID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[executionID]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "snapshot not found: "+executionID)
	}
	return &Snapshot{
		ExecutionID: snap.ExecutionID,
		Context:     append(json.RawMessage(nil), snap.Context...),
		TakenAt:     snap.TakenAt,
	}, nil
}

func (s *MemoryStore) Close() error { return nil }

func matchesFilter(exec *Execution, filter *ExecutionFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != nil && exec.Status != *filter.Status {
		return false
	}
	if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.DueBefore != nil {
		if exec.ResumeAt == nil || exec.ResumeAt.After(*filter.DueBefore) {
			return false
		}
	}
	return true
}

func applyUpdate(exec *Execution, update *ExecutionUpdate) {
	if update == nil {
		return
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Error != nil {
		exec.Error = append(json.RawMessage(nil), update.Error...)
	}
	if update.CurrentNodeID != nil {
		exec.CurrentNodeID = *update.CurrentNodeID
	}
	if update.NextNodes != nil {
		exec.NextNodes = append([]string(nil), update.NextNodes...)
	}
	if update.ClearResumeAt {
		exec.ResumeAt = nil
	} else if update.ResumeAt != nil {
		t := *update.ResumeAt
		exec.ResumeAt = &t
	}
	if update.EndTime != nil {
		t := *update.EndTime
		exec.EndTime = &t
	}
}

func copyExecution(exec *Execution) *Execution {
	cp := *exec
	if exec.TriggerPayload != nil {
		cp.TriggerPayload = deepCopyMap(exec.TriggerPayload)
	}
	cp.Error = append(json.RawMessage(nil), exec.Error...)
	cp.NextNodes = append([]string(nil), exec.NextNodes...)
	if exec.ResumeAt != nil {
		t := *exec.ResumeAt
		cp.ResumeAt = &t
	}
	if exec.EndTime != nil {
		t := *exec.EndTime
		cp.EndTime = &t
	}
	return &cp
}

func copyNodeRun(run *NodeRun) *NodeRun {
	cp := *run
	cp.Input = append(json.RawMessage(nil), run.Input...)
	cp.Output = append(json.RawMessage(nil), run.Output...)
	cp.Error = append(json.RawMessage(nil), run.Error...)
	cp.Logs = append([]string(nil), run.Logs...)
	if run.StartedAt != nil {
		t := *run.StartedAt
		cp.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyEvent(event *Event) *Event {
	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	return &cp
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
