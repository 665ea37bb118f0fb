// Package scheduler drives time-based workflow activity: cron-expression
// trigger schedules and the timer that resumes duration-based waits.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to start executions.
// Satisfied by the engine (avoids an import cycle).
type WorkflowRunner interface {
	Run(ctx context.Context, def *schema.WorkflowDefinition, trigger map[string]any) (*store.Execution, error)
}

// Resumer resumes suspended executions whose wait timers fall due.
// Satisfied by the engine.
type Resumer interface {
	Resume(ctx context.Context, executionID string, payload map[string]any) (*store.Execution, error)
}

// CronEntry binds a workflow definition to a cron expression taken from its
// cron trigger node.
type CronEntry struct {
	Definition *schema.WorkflowDefinition
	Expression string
	NextRunAt  time.Time
	LastStatus string
}

// Scheduler ticks every interval, firing due cron entries and resuming
// WAITING executions with an elapsed resume_at.
type Scheduler struct {
	store    store.ExecutionStore
	runner   WorkflowRunner
	resumer  Resumer
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*CronEntry // workflow ID -> entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow/execution IDs currently firing
}

// New creates a Scheduler. interval <= 0 defaults to one minute.
func New(s store.ExecutionStore, runner WorkflowRunner, resumer Resumer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		resumer:  resumer,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		entries:  make(map[string]*CronEntry),
		inflight: make(map[string]struct{}),
	}
}

// Register schedules a workflow whose cron trigger carries the given
// expression. Returns the computed first run time.
func (s *Scheduler) Register(def *schema.WorkflowDefinition, expression string) (time.Time, error) {
	next, err := s.CalculateNextRun(expression, time.Now().UTC())
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[def.ID] = &CronEntry{
		Definition: def,
		Expression: expression,
		NextRunAt:  next,
	}
	return next, nil
}

// Unregister removes a workflow's cron schedule.
func (s *Scheduler) Unregister(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, workflowID)
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: due cron entries fire, due waits resume.
// Exposed for tests and manual drains.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	s.fireDueEntries(ctx, now)
	s.resumeDueWaits(ctx, now)
}

func (s *Scheduler) fireDueEntries(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*CronEntry
	for _, entry := range s.entries {
		if !entry.NextRunAt.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		if !s.tryAcquire(entry.Definition.ID) {
			continue // still firing from a previous tick
		}
		s.fireEntry(ctx, entry, now)
		s.release(entry.Definition.ID)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *CronEntry, now time.Time) {
	s.logger.Info("firing scheduled workflow",
		slog.String("workflow_id", entry.Definition.ID),
		slog.String("expression", entry.Expression),
	)

	trigger := map[string]any{
		"scheduled_at": now.Format(time.RFC3339),
		"expression":   entry.Expression,
	}

	_, err := s.runner.Run(ctx, entry.Definition, trigger)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled workflow run failed",
			slog.String("workflow_id", entry.Definition.ID),
			slog.String("error", err.Error()),
		)
	}

	next, calcErr := s.CalculateNextRun(entry.Expression, now)
	s.mu.Lock()
	entry.LastStatus = status
	if calcErr == nil {
		entry.NextRunAt = next
	}
	s.mu.Unlock()
}

// resumeDueWaits resumes WAITING executions whose resume_at has elapsed.
func (s *Scheduler) resumeDueWaits(ctx context.Context, now time.Time) {
	waiting := schema.ExecutionStatusWaiting
	execs, err := s.store.ListExecutions(ctx, &store.ExecutionFilter{
		Status:    &waiting,
		DueBefore: &now,
	})
	if err != nil {
		s.logger.Error("failed to list due executions", slog.String("error", err.Error()))
		return
	}

	for _, exec := range execs {
		if !s.tryAcquire(exec.ID) {
			continue
		}
		if _, err := s.resumer.Resume(ctx, exec.ID, nil); err != nil {
			s.logger.Error("failed to resume due execution",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(exec.ID)
	}
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(expression string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expression, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
