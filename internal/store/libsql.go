package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomhq/loom/pkg/schema"
)

// LibSQLStore implements ExecutionStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	trigger, err := marshalNullable(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	next, err := marshalNullable(exec.NextNodes)
	if err != nil {
		return fmt.Errorf("marshal next nodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions
		   (id, workflow_id, status, trigger_payload, error, current_node_id, next_nodes, resume_at, start_time, end_time, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), trigger, rawOrNil(exec.Error),
		nullableString(exec.CurrentNodeID), next, nullableTime(exec.ResumeAt),
		timeOrNow(exec.StartTime), nullableTime(exec.EndTime), timeOrNow(exec.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewError(schema.ErrCodeConflict, "execution already exists: "+exec.ID)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, trigger_payload, error, current_node_id, next_nodes, resume_at, start_time, end_time, updated_at
		 FROM executions WHERE id = ?`, executionID)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, executionID string, update *ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullableString(*update.CurrentNodeID))
	}
	if update.NextNodes != nil {
		next, err := marshalNullable(update.NextNodes)
		if err != nil {
			return fmt.Errorf("marshal next nodes: %w", err)
		}
		sets = append(sets, "next_nodes = ?")
		args = append(args, next)
	}
	if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	} else if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}

	args = append(args, executionID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter *ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, workflow_id, status, trigger_payload, error, current_node_id, next_nodes, resume_at, start_time, end_time, updated_at
		 FROM executions WHERE 1=1`
	var args []any
	if filter != nil {
		if filter.Status != nil {
			query += ` AND status = ?`
			args = append(args, string(*filter.Status))
		}
		if filter.WorkflowID != "" {
			query += ` AND workflow_id = ?`
			args = append(args, filter.WorkflowID)
		}
		if filter.DueBefore != nil {
			query += ` AND resume_at IS NOT NULL AND resume_at <= ?`
			args = append(args, *filter.DueBefore)
		}
	}
	query += ` ORDER BY start_time DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	exec := &Execution{}
	var status string
	var trigger, errJSON, currentNode, nextNodes sql.NullString
	var resumeAt, endTime sql.NullTime

	err := scan(&exec.ID, &exec.WorkflowID, &status, &trigger, &errJSON,
		&currentNode, &nextNodes, &resumeAt, &exec.StartTime, &endTime, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	exec.Status = schema.ExecutionStatus(status)
	if trigger.Valid {
		if err := json.Unmarshal([]byte(trigger.String), &exec.TriggerPayload); err != nil {
			return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
	}
	if errJSON.Valid {
		exec.Error = json.RawMessage(errJSON.String)
	}
	if currentNode.Valid {
		exec.CurrentNodeID = currentNode.String
	}
	if nextNodes.Valid {
		if err := json.Unmarshal([]byte(nextNodes.String), &exec.NextNodes); err != nil {
			return nil, fmt.Errorf("unmarshal next nodes: %w", err)
		}
	}
	if resumeAt.Valid {
		t := resumeAt.Time
		exec.ResumeAt = &t
	}
	if endTime.Valid {
		t := endTime.Time
		exec.EndTime = &t
	}
	return exec, nil
}

// --- Node runs ---

func (s *LibSQLStore) UpsertNodeRun(ctx context.Context, run *NodeRun) error {
	logs, err := marshalNullable(run.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_runs
		   (execution_id, node_id, iteration, status, input, output, error, retry_count, logs, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id, iteration) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, logs=excluded.logs, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		run.ExecutionID, run.NodeID, run.Iteration, string(run.Status),
		rawOrNil(run.Input), rawOrNil(run.Output), rawOrNil(run.Error),
		run.RetryCount, logs, nullableTime(run.StartedAt), nullableTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, iteration, status, input, output, error, retry_count, logs, started_at, completed_at, duration_ms
		 FROM node_runs WHERE execution_id = ? ORDER BY rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeRun
	for rows.Next() {
		run := &NodeRun{}
		var status string
		var input, output, errJSON, logs sql.NullString
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&run.ExecutionID, &run.NodeID, &run.Iteration, &status,
			&input, &output, &errJSON, &run.RetryCount, &logs, &startedAt, &completedAt, &run.DurationMs); err != nil {
			return nil, err
		}
		run.Status = schema.NodeStatus(status)
		if input.Valid {
			run.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			run.Output = json.RawMessage(output.String)
		}
		if errJSON.Valid {
			run.Error = json.RawMessage(errJSON.String)
		}
		if logs.Valid {
			if err := json.Unmarshal([]byte(logs.String), &run.Logs); err != nil {
				return nil, fmt.Errorf("unmarshal logs: %w", err)
			}
		}
		if startedAt.Valid {
			t := startedAt.Time
			run.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID)
	if err := row.Scan(&event.Sequence); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullableString(event.NodeID), event.Type,
		rawOrNil(event.Payload), event.Timestamp, event.Sequence,
	)
	if err != nil {
		return err
	}
	event.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&event.ID, &event.ExecutionID, &nodeID, &event.Type,
			&payload, &event.Timestamp, &event.Sequence); err != nil {
			return nil, err
		}
		if nodeID.Valid {
			event.NodeID = nodeID.String
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (execution_id, context, taken_at) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET context=excluded.context, taken_at=excluded.taken_at`,
		snap.ExecutionID, string(snap.Context), snap.TakenAt,
	)
	return err
}

func (s *LibSQLStore) GetSnapshot(ctx context.Context, executionID string) (*Snapshot, error) {
	snap := &Snapshot{ExecutionID: executionID}
	var contextJSON string
	row := s.db.QueryRowContext(ctx,
		`SELECT context, taken_at FROM snapshots WHERE execution_id = ?`, executionID)
	err := row.Scan(&contextJSON, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewError(schema.ErrCodeNotFound, "snapshot not found: "+executionID)
	}
	if err != nil {
		return nil, err
	}
	snap.Context = json.RawMessage(contextJSON)
	return snap, nil
}

// --- helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
