package e2e

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// --- Test harness ---

type harness struct {
	t      *testing.T
	store  *store.LibSQLStore
	engine *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(engine.Options{
		Store:    s,
		PoolSize: 4,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown() })

	return &harness{t: t, store: s, engine: eng}
}

func (h *harness) run(def *schema.WorkflowDefinition, trigger map[string]any) *store.Execution {
	h.t.Helper()
	exec, err := h.engine.Run(context.Background(), def, trigger)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) runs(executionID string) map[string]*store.NodeRun {
	h.t.Helper()
	list, err := h.store.ListNodeRuns(context.Background(), executionID)
	require.NoError(h.t, err)
	byKey := make(map[string]*store.NodeRun, len(list))
	for _, r := range list {
		byKey[r.RunKey()] = r
	}
	return byKey
}

func (h *harness) eventTypes(executionID string) []string {
	h.t.Helper()
	events, err := h.store.GetEvents(context.Background(), executionID)
	require.NoError(h.t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func trigger(id string) schema.NodeInstance {
	return schema.NodeInstance{ID: id, Type: schema.NodeTypeTrigger, Subtype: "manual"}
}

func echo(id string, config map[string]any) schema.NodeInstance {
	if config == nil {
		config = map[string]any{}
	}
	config["operation"] = "echo"
	return schema.NodeInstance{
		ID: id, Type: schema.NodeTypeAction, Subtype: "generic",
		Configurations: config,
	}
}

func conn(from, to string) schema.Connection {
	return schema.Connection{FromNode: from, ToNode: to}
}

// --- Scenarios ---

func TestE2ELinearPipeline(t *testing.T) {
	h := newHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "linear",
		Nodes: []schema.NodeInstance{
			trigger("start"),
			echo("fetch", map[string]any{"url": "${{ trigger.url }}"}),
			echo("transform", map[string]any{"source": "fetch"}),
		},
		Connections: []schema.Connection{
			conn("start", "fetch"),
			conn("fetch", "transform"),
		},
	}

	exec := h.run(def, map[string]any{"url": "https://example.test/data"})
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)
	require.NotNil(t, exec.EndTime)

	runs := h.runs(exec.ID)
	require.Len(t, runs, 3)
	for _, key := range []string{"start", "fetch", "transform"} {
		require.Contains(t, runs, key)
		assert.Equal(t, schema.NodeStatusCompleted, runs[key].Status, key)
	}
	assert.Contains(t, string(runs["fetch"].Output), "example.test")

	// The durable store round-trips the execution for status queries.
	fetched, err := h.engine.GetStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, fetched.Status)

	types := h.eventTypes(exec.ID)
	assert.Contains(t, types, "execution.started")
	assert.Contains(t, types, "execution.completed")
}

func TestE2EWaitSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID:   "wait-flow",
		Name: "wait-flow",
		Nodes: []schema.NodeInstance{
			trigger("start"),
			{ID: "hold", Type: schema.NodeTypeFlow, Subtype: "wait",
				Configurations: map[string]any{"condition": "resume.approved == true"}},
			echo("finish", nil),
		},
		Connections: []schema.Connection{
			conn("start", "hold"),
			conn("hold", "finish"),
		},
	}

	exec := h.run(def, nil)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	assert.Equal(t, "hold", exec.CurrentNodeID)

	// The snapshot survives in the durable store.
	snap, err := h.store.GetSnapshot(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Context)

	resumed, err := h.engine.Resume(ctx, exec.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, resumed.Status)

	runs := h.runs(exec.ID)
	assert.Equal(t, schema.NodeStatusCompleted, runs["finish"].Status)
}

func TestE2EBranchAndForEach(t *testing.T) {
	h := newHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "branch-loop",
		Nodes: []schema.NodeInstance{
			trigger("start"),
			{ID: "gate", Type: schema.NodeTypeFlow, Subtype: "branch",
				Configurations: map[string]any{"expression": "trigger.bulk == true"}},
			{ID: "each", Type: schema.NodeTypeFlow, Subtype: "foreach",
				Configurations: map[string]any{"items": "${{ trigger.items }}"}},
			echo("handle", map[string]any{"value": "${{ item }}"}),
			echo("single", nil),
		},
		Connections: []schema.Connection{
			conn("start", "gate"),
			{FromNode: "gate", ToNode: "each", OutputKey: "true"},
			{FromNode: "gate", ToNode: "single", OutputKey: "false"},
			conn("each", "handle"),
			{FromNode: "handle", ToNode: "each", Kind: schema.ConnectionKindLoop},
		},
	}

	exec := h.run(def, map[string]any{"bulk": true, "items": []any{"x", "y"}})
	require.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	runs := h.runs(exec.ID)
	assert.Equal(t, schema.NodeStatusSkipped, runs["single"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, runs["handle#0"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, runs["handle#1"].Status)

	types := h.eventTypes(exec.ID)
	assert.Contains(t, types, "branch.evaluated")
	assert.Contains(t, types, "foreach.completed")
}

func TestE2EHumanApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID:   "approval-flow",
		Name: "approval-flow",
		Nodes: []schema.NodeInstance{
			trigger("start"),
			{ID: "review", Type: schema.NodeTypeFlow, Subtype: "hil",
				Configurations: map[string]any{"prompt": "deploy to production?"}},
			echo("deploy", nil),
			echo("rollback", nil),
		},
		Connections: []schema.Connection{
			conn("start", "review"),
			{FromNode: "review", ToNode: "deploy", OutputKey: "approved"},
			{FromNode: "review", ToNode: "rollback", OutputKey: "rejected"},
		},
	}

	exec := h.run(def, nil)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	resumed, err := h.engine.Resume(ctx, exec.ID, map[string]any{"response": "yes, ship it"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, resumed.Status)

	runs := h.runs(exec.ID)
	assert.Equal(t, schema.NodeStatusCompleted, runs["deploy"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, runs["rollback"].Status)
}

func TestE2ERetryThenFailurePersisted(t *testing.T) {
	h := newHarness(t)

	def := &schema.WorkflowDefinition{
		Name: "flaky",
		Nodes: []schema.NodeInstance{
			trigger("start"),
			{ID: "boom", Type: schema.NodeTypeAction, Subtype: "generic",
				Configurations: map[string]any{"operation": "fail", "message": "still down"},
				ErrorPolicy: &schema.ErrorPolicy{
					OnError: schema.ErrorPolicyRetry,
					Retry:   &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"},
				}},
		},
		Connections: []schema.Connection{conn("start", "boom")},
	}

	exec, err := h.engine.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, string(exec.Error), "still down")

	runs := h.runs(exec.ID)
	assert.Equal(t, schema.NodeStatusFailed, runs["boom"].Status)
}

func TestE2EResumeAfterRestartFailsWithoutRegistration(t *testing.T) {
	// A WAITING execution written by another process cannot resume here
	// because the workflow is not registered with this engine.
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateExecution(ctx, &store.Execution{
		ID:         "exec_foreign",
		WorkflowID: "wf_unknown",
		Status:     schema.ExecutionStatusWaiting,
		StartTime:  now,
	}))

	_, err := h.engine.Resume(ctx, "exec_foreign", nil)
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, loomErr.Code)
}
