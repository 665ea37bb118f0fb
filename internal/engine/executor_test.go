package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	opts := Options{
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.pool.Shutdown() })
	return e, st
}

func wfNode(id string, typ schema.NodeType, subtype string, cfg map[string]any) schema.NodeInstance {
	return schema.NodeInstance{ID: id, Type: typ, Subtype: subtype, Configurations: cfg}
}

func wfTrigger(id string) schema.NodeInstance {
	return wfNode(id, schema.NodeTypeTrigger, "manual", nil)
}

func wfEcho(id string, extra map[string]any) schema.NodeInstance {
	cfg := map[string]any{"operation": "echo"}
	for k, v := range extra {
		cfg[k] = v
	}
	return wfNode(id, schema.NodeTypeAction, "generic", cfg)
}

func wfConn(from, to string) schema.Connection {
	return schema.Connection{FromNode: from, ToNode: to}
}

func wfConnKey(from, to, key string) schema.Connection {
	return schema.Connection{FromNode: from, ToNode: to, OutputKey: key}
}

func findRun(t *testing.T, st *store.MemoryStore, executionID, runKey string) *store.NodeRun {
	t.Helper()
	runs, err := st.ListNodeRuns(context.Background(), executionID)
	require.NoError(t, err)
	for _, run := range runs {
		if run.RunKey() == runKey {
			return run
		}
	}
	t.Fatalf("no node run with key %s", runKey)
	return nil
}

func TestRunLinearWorkflow(t *testing.T) {
	e, st := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{
		Name:  "linear",
		Nodes: []schema.NodeInstance{wfTrigger("start"), wfEcho("greet", map[string]any{"greeting": "hello"})},
		Connections: []schema.Connection{
			wfConn("start", "greet"),
		},
	}

	exec, err := e.Run(context.Background(), def, map[string]any{"who": "world"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)
	require.NotNil(t, exec.EndTime)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, def.ID, exec.WorkflowID)

	startRun := findRun(t, st, exec.ID, "start")
	assert.Equal(t, schema.NodeStatusCompleted, startRun.Status)

	greetRun := findRun(t, st, exec.ID, "greet")
	assert.Equal(t, schema.NodeStatusCompleted, greetRun.Status)
	assert.Contains(t, string(greetRun.Output), "hello")

	events, err := st.GetEvents(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRunInterpolatesTriggerData(t *testing.T) {
	e, st := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{
			wfTrigger("start"),
			wfEcho("greet", map[string]any{"who": "${{ trigger.name }}"}),
		},
		Connections: []schema.Connection{wfConn("start", "greet")},
	}

	exec, err := e.Run(context.Background(), def, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	run := findRun(t, st, exec.ID, "greet")
	assert.Contains(t, string(run.Output), "ada")
}

func TestRunStopPolicyFailsExecution(t *testing.T) {
	e, st := newTestEngine(t, nil)

	failing := wfNode("boom", schema.NodeTypeAction, "generic", map[string]any{
		"operation": "fail", "message": "kaput",
	})
	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), failing, wfEcho("after", nil)},
		Connections: []schema.Connection{wfConn("start", "boom"), wfConn("boom", "after")},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.NotEmpty(t, exec.Error)

	var loomErr schema.LoomError
	require.NoError(t, json.Unmarshal(exec.Error, &loomErr))
	assert.Equal(t, schema.ErrCodeNodeFailed, loomErr.Code)
	assert.Equal(t, "boom", loomErr.NodeID)
	assert.Contains(t, loomErr.Message, "kaput")

	run := findRun(t, st, exec.ID, "boom")
	assert.Equal(t, schema.NodeStatusFailed, run.Status)
}

func TestRunContinuePolicyPropagatesSentinel(t *testing.T) {
	e, st := newTestEngine(t, nil)

	failing := wfNode("boom", schema.NodeTypeAction, "generic", map[string]any{
		"operation": "fail",
	})
	failing.ErrorPolicy = &schema.ErrorPolicy{OnError: schema.ErrorPolicyContinue}

	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), failing, wfEcho("after", nil)},
		Connections: []schema.Connection{wfConn("start", "boom"), wfConn("boom", "after")},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	boomRun := findRun(t, st, exec.ID, "boom")
	assert.Equal(t, schema.NodeStatusError, boomRun.Status)

	afterRun := findRun(t, st, exec.ID, "after")
	assert.Equal(t, schema.NodeStatusCompleted, afterRun.Status)

	var inputs map[string]any
	require.NoError(t, json.Unmarshal(afterRun.Input, &inputs))
	assert.True(t, schema.IsErrorSentinel(inputs["boom"]))
}

func TestRunRetrySucceedsAfterTransientFailures(t *testing.T) {
	var attempts atomic.Int32

	e, st := newTestEngine(t, func(opts *Options) {
		specs := spec.NewRegistry()
		require.NoError(t, spec.RegisterBuiltins(specs))
		require.NoError(t, specs.Register(&spec.NodeSpec{Type: schema.NodeTypeAction, Subtype: "flaky"}))
		opts.Specs = specs

		executors := NewExecutorRegistry()
		RegisterBuiltins(executors)
		executors.Register(schema.NodeTypeAction, "flaky", ExecutorFunc(func(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
			if attempts.Add(1) < 3 {
				return nil, schema.NewError(schema.ErrCodeTimeout, "transient").WithNode(input.Node.ID)
			}
			return SingleOutput(map[string]any{"ok": true}), nil
		}))
		opts.Executors = executors
	})

	flaky := wfNode("flaky", schema.NodeTypeAction, "flaky", nil)
	flaky.ErrorPolicy = &schema.ErrorPolicy{
		OnError: schema.ErrorPolicyRetry,
		Retry:   &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"},
	}
	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), flaky},
		Connections: []schema.Connection{wfConn("start", "flaky")},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)
	assert.Equal(t, int32(3), attempts.Load())

	run := findRun(t, st, exec.ID, "flaky")
	assert.Equal(t, schema.NodeStatusCompleted, run.Status)
	assert.Equal(t, 2, run.RetryCount)
}

func TestRunRetryExhausted(t *testing.T) {
	e, _ := newTestEngine(t, func(opts *Options) {
		specs := spec.NewRegistry()
		require.NoError(t, spec.RegisterBuiltins(specs))
		require.NoError(t, specs.Register(&spec.NodeSpec{Type: schema.NodeTypeAction, Subtype: "flaky"}))
		opts.Specs = specs

		executors := NewExecutorRegistry()
		RegisterBuiltins(executors)
		executors.Register(schema.NodeTypeAction, "flaky", ExecutorFunc(func(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "still down").WithNode(input.Node.ID)
		}))
		opts.Executors = executors
	})

	flaky := wfNode("flaky", schema.NodeTypeAction, "flaky", nil)
	flaky.ErrorPolicy = &schema.ErrorPolicy{
		OnError: schema.ErrorPolicyRetry,
		Retry:   &schema.RetryPolicy{Max: 2, Backoff: "none"},
	}
	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), flaky},
		Connections: []schema.Connection{wfConn("start", "flaky")},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)

	var loomErr schema.LoomError
	require.NoError(t, json.Unmarshal(exec.Error, &loomErr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, loomErr.Code)
}

func TestRunNonRetryableErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32

	e, _ := newTestEngine(t, func(opts *Options) {
		specs := spec.NewRegistry()
		require.NoError(t, spec.RegisterBuiltins(specs))
		require.NoError(t, specs.Register(&spec.NodeSpec{Type: schema.NodeTypeAction, Subtype: "broken"}))
		opts.Specs = specs

		executors := NewExecutorRegistry()
		RegisterBuiltins(executors)
		executors.Register(schema.NodeTypeAction, "broken", ExecutorFunc(func(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input").WithNode(input.Node.ID)
		}))
		opts.Executors = executors
	})

	broken := wfNode("broken", schema.NodeTypeAction, "broken", nil)
	broken.ErrorPolicy = &schema.ErrorPolicy{
		OnError: schema.ErrorPolicyRetry,
		Retry:   &schema.RetryPolicy{Max: 5, Backoff: "none"},
	}
	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), broken},
		Connections: []schema.Connection{wfConn("start", "broken")},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunMergeFanIn(t *testing.T) {
	e, st := newTestEngine(t, nil)

	merge := wfNode("merge", schema.NodeTypeAction, "generic", map[string]any{"operation": "merge"})
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{
			wfTrigger("start"),
			wfEcho("a", map[string]any{"left": 1}),
			wfEcho("b", map[string]any{"right": 2}),
			merge,
		},
		Connections: []schema.Connection{
			wfConn("start", "a"),
			wfConn("start", "b"),
			wfConn("a", "merge"),
			wfConn("b", "merge"),
		},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	run := findRun(t, st, exec.ID, "merge")
	var output map[string]any
	require.NoError(t, json.Unmarshal(run.Output, &output))
	main, ok := output[schema.OutputKeyDefault].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, main["left"])
	assert.EqualValues(t, 2, main["right"])
}

func TestRunMemoryNodes(t *testing.T) {
	e, st := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{
			wfTrigger("start"),
			wfNode("remember", schema.NodeTypeMemory, schema.MemorySubtypeSet, map[string]any{
				"key": "color", "value": "teal",
			}),
			wfNode("recall", schema.NodeTypeMemory, schema.MemorySubtypeGet, map[string]any{
				"key": "color",
			}),
		},
		Connections: []schema.Connection{
			wfConn("start", "remember"),
			wfConn("remember", "recall"),
		},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	run := findRun(t, st, exec.ID, "recall")
	assert.Contains(t, string(run.Output), "teal")
}

func TestSuspendInFanOutKeepsSiblingResult(t *testing.T) {
	var calls atomic.Int32

	e, st := newTestEngine(t, func(opts *Options) {
		specs := spec.NewRegistry()
		require.NoError(t, spec.RegisterBuiltins(specs))
		require.NoError(t, specs.Register(&spec.NodeSpec{Type: schema.NodeTypeAction, Subtype: "count"}))
		opts.Specs = specs

		executors := NewExecutorRegistry()
		RegisterBuiltins(executors)
		executors.Register(schema.NodeTypeAction, "count", ExecutorFunc(func(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
			calls.Add(1)
			return SingleOutput(map[string]any{"n": calls.Load()}), nil
		}))
		opts.Executors = executors
	})

	// The wait node sorts before its sibling, so its suspend signal lands
	// first in the round's results. The sibling's completion must survive
	// into the snapshot or resume fires it again.
	def := &schema.WorkflowDefinition{
		ID:   "fanout-wait",
		Name: "fanout-wait",
		Nodes: []schema.NodeInstance{
			wfTrigger("start"),
			wfNode("await", schema.NodeTypeFlow, schema.FlowSubtypeWait, map[string]any{
				"condition": "resume.go == true",
			}),
			wfNode("zcount", schema.NodeTypeAction, "count", nil),
		},
		Connections: []schema.Connection{
			wfConn("start", "await"),
			wfConn("start", "zcount"),
		},
	}

	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, schema.NodeStatusCompleted, findRun(t, st, exec.ID, "zcount").Status)

	resumed, err := e.Resume(context.Background(), exec.ID, map[string]any{"go": true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, resumed.Status)
	assert.Equal(t, int32(1), calls.Load(), "action executor fired more than once per execution")
}

func TestResumeRejectsNonWaitingExecution(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{wfTrigger("start")},
	}
	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	_, err = e.Resume(context.Background(), exec.ID, map[string]any{"x": 1})
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidState, loomErr.Code)
}

func TestCancelRunningExecution(t *testing.T) {
	started := make(chan string, 1)

	e, st := newTestEngine(t, func(opts *Options) {
		specs := spec.NewRegistry()
		require.NoError(t, spec.RegisterBuiltins(specs))
		require.NoError(t, specs.Register(&spec.NodeSpec{Type: schema.NodeTypeAction, Subtype: "block"}))
		opts.Specs = specs

		executors := NewExecutorRegistry()
		RegisterBuiltins(executors)
		executors.Register(schema.NodeTypeAction, "block", ExecutorFunc(func(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
			started <- input.ExecutionID
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		opts.Executors = executors
	})

	def := &schema.WorkflowDefinition{
		Nodes:       []schema.NodeInstance{wfTrigger("start"), wfNode("block", schema.NodeTypeAction, "block", nil)},
		Connections: []schema.Connection{wfConn("start", "block")},
	}

	done := make(chan *store.Execution, 1)
	go func() {
		exec, _ := e.Run(context.Background(), def, nil)
		done <- exec
	}()

	var executionID string
	select {
	case executionID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking node never started")
	}

	require.NoError(t, e.Cancel(context.Background(), executionID))

	select {
	case exec := <-done:
		require.NotNil(t, exec)
		assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	// No run may stay in flight after the cancel cascade.
	runs, err := st.ListNodeRuns(context.Background(), executionID)
	require.NoError(t, err)
	for _, run := range runs {
		assert.NotEqual(t, schema.NodeStatusRunning, run.Status, "run %s still running", run.RunKey())
		assert.NotEqual(t, schema.NodeStatusPending, run.Status, "run %s still pending", run.RunKey())
	}
}

func TestCancelTerminalExecutionFails(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{Nodes: []schema.NodeInstance{wfTrigger("start")}}
	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusSuccess, exec.Status)

	err = e.Cancel(context.Background(), exec.ID)
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidState, loomErr.Code)
}

func TestGetStatus(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{Nodes: []schema.NodeInstance{wfTrigger("start")}}
	exec, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)

	got, err := e.GetStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)

	_, err = e.GetStatus(context.Background(), "exec-nope")
	require.Error(t, err)
}

func TestRunRejectsInvalidDefinition(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{wfEcho("a", nil), wfEcho("b", nil)},
		Connections: []schema.Connection{
			wfConn("a", "b"),
			wfConn("b", "a"),
		},
	}

	_, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, loomErr.Code)
}
