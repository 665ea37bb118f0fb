package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     []runnerCall
	err      error
	block    chan struct{} // when set, Run blocks until closed
	started  chan struct{}
	startOne sync.Once
}

type runnerCall struct {
	workflowID string
	trigger    map[string]any
}

func (f *fakeRunner) Run(_ context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (*store.Execution, error) {
	if f.started != nil {
		f.startOne.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.runs = append(f.runs, runnerCall{workflowID: def.ID, trigger: trigger})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &store.Execution{ID: "exec-1", WorkflowID: def.ID}, nil
}

func (f *fakeRunner) calls() []runnerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runnerCall(nil), f.runs...)
}

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	err     error
}

func (f *fakeResumer) Resume(_ context.Context, executionID string, _ map[string]any) (*store.Execution, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, executionID)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &store.Execution{ID: executionID}, nil
}

func (f *fakeResumer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *fakeRunner, *fakeResumer) {
	t.Helper()
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	resumer := &fakeResumer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, runner, resumer, time.Hour, logger), st, runner, resumer
}

func cronWorkflow(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   id,
		Name: id,
		Nodes: []schema.NodeInstance{
			{ID: "cron", Type: schema.NodeTypeTrigger, Subtype: "cron",
				Configurations: map[string]any{"schedule": "* * * * *"}},
		},
	}
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("* * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)

	_, err = s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestRegisterComputesFirstRun(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	next, err := s.Register(cronWorkflow("wf1"), "*/5 * * * *")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().UTC().Add(-time.Second)))

	_, err = s.Register(cronWorkflow("wf2"), "bogus")
	assert.Error(t, err)
}

func TestTickFiresDueEntries(t *testing.T) {
	s, _, runner, _ := newTestScheduler(t)

	_, err := s.Register(cronWorkflow("due"), "* * * * *")
	require.NoError(t, err)

	// Force the entry due and record its schedule.
	s.mu.Lock()
	s.entries["due"].NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.Tick(context.Background())

	calls := runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "due", calls[0].workflowID)
	assert.Equal(t, "* * * * *", calls[0].trigger["expression"])
	_, err = time.Parse(time.RFC3339, calls[0].trigger["scheduled_at"].(string))
	assert.NoError(t, err)

	// NextRunAt advanced past now, so a second tick does not re-fire.
	s.Tick(context.Background())
	assert.Len(t, runner.calls(), 1)

	s.mu.Lock()
	assert.Equal(t, "success", s.entries["due"].LastStatus)
	s.mu.Unlock()
}

func TestTickSkipsFutureEntries(t *testing.T) {
	s, _, runner, _ := newTestScheduler(t)

	_, err := s.Register(cronWorkflow("later"), "* * * * *")
	require.NoError(t, err)

	s.Tick(context.Background())
	assert.Empty(t, runner.calls())
}

func TestTickRecordsRunError(t *testing.T) {
	s, _, runner, _ := newTestScheduler(t)
	runner.err = schema.NewError(schema.ErrCodeExecution, "boom")

	_, err := s.Register(cronWorkflow("flaky"), "* * * * *")
	require.NoError(t, err)

	s.mu.Lock()
	s.entries["flaky"].NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.Tick(context.Background())

	s.mu.Lock()
	entry := s.entries["flaky"]
	assert.Equal(t, "error", entry.LastStatus)
	assert.True(t, entry.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	s.mu.Unlock()
}

func TestUnregisterStopsFiring(t *testing.T) {
	s, _, runner, _ := newTestScheduler(t)

	_, err := s.Register(cronWorkflow("gone"), "* * * * *")
	require.NoError(t, err)
	s.mu.Lock()
	s.entries["gone"].NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	s.Unregister("gone")
	s.Tick(context.Background())
	assert.Empty(t, runner.calls())
}

func TestTickResumesDueWaits(t *testing.T) {
	s, st, _, resumer := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	waiting := func(id string, resumeAt time.Time) *store.Execution {
		return &store.Execution{
			ID:         id,
			WorkflowID: "wf",
			Status:     schema.ExecutionStatusWaiting,
			ResumeAt:   &resumeAt,
			StartTime:  time.Now().UTC(),
		}
	}

	require.NoError(t, st.CreateExecution(ctx, waiting("exp-due", past)))
	require.NoError(t, st.CreateExecution(ctx, waiting("exp-later", future)))
	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		ID: "exp-running", WorkflowID: "wf",
		Status: schema.ExecutionStatusRunning, StartTime: time.Now().UTC(),
	}))

	s.Tick(ctx)

	assert.Equal(t, []string{"exp-due"}, resumer.ids())
}

func TestInflightDedup(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	assert.True(t, s.tryAcquire("id"))
	assert.False(t, s.tryAcquire("id"))
	s.release("id")
	assert.True(t, s.tryAcquire("id"))
}

func TestStartAndStop(t *testing.T) {
	s, _, runner, _ := newTestScheduler(t)
	runner.started = make(chan struct{})

	_, err := s.Register(cronWorkflow("bg"), "* * * * *")
	require.NoError(t, err)
	s.mu.Lock()
	s.entries["bg"].NextRunAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial tick did not fire")
	}

	require.NoError(t, s.Stop())
	// Stop is idempotent once the loop is down.
	require.NoError(t, s.Stop())
}
