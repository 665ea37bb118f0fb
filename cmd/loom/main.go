package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/validation"
	"github.com/loomhq/loom/pkg/schema"
)

const usage = `loom - workflow execution engine

Usage:
  loom run <workflow.json> [trigger.json]   run a workflow to completion
  loom resume <execution_id> [payload.json] resume a waiting execution
  loom status <execution_id>                print execution status
  loom cancel <execution_id>                cancel an execution
  loom validate <workflow.json>             validate a workflow definition
  loom serve <workflow.json> [...]          schedule cron workflows and resume due waits
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger, command string, args []string) error {
	ctx := context.Background()

	if command == "validate" {
		if len(args) < 1 {
			return fmt.Errorf("validate requires a workflow file")
		}
		return validateWorkflow(args[0])
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Store:    st,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = eng.Shutdown() }()

	switch command {
	case "run":
		if len(args) < 1 {
			return fmt.Errorf("run requires a workflow file")
		}
		def, err := readWorkflow(args[0])
		if err != nil {
			return err
		}
		trigger := map[string]any{}
		if len(args) > 1 {
			if err := readJSON(args[1], &trigger); err != nil {
				return err
			}
		}
		exec, err := eng.Run(ctx, def, trigger)
		if err != nil {
			return err
		}
		return printExecution(exec)

	case "resume":
		if len(args) < 1 {
			return fmt.Errorf("resume requires an execution id")
		}
		payload := map[string]any{}
		if len(args) > 1 {
			if err := readJSON(args[1], &payload); err != nil {
				return err
			}
		}
		exec, err := eng.Resume(ctx, args[0], payload)
		if err != nil {
			return err
		}
		return printExecution(exec)

	case "status":
		if len(args) < 1 {
			return fmt.Errorf("status requires an execution id")
		}
		exec, err := eng.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printExecution(exec)

	case "cancel":
		if len(args) < 1 {
			return fmt.Errorf("cancel requires an execution id")
		}
		if err := eng.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil

	case "serve":
		if len(args) < 1 {
			return fmt.Errorf("serve requires at least one workflow file")
		}
		return serve(ctx, cfg, logger, st, eng, args)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// serve registers every cron-triggered workflow and runs the scheduler loop
// until interrupted. Duration waits across all executions are resumed by the
// same loop.
func serve(ctx context.Context, cfg Config, logger *slog.Logger, st store.ExecutionStore, eng *engine.Engine, paths []string) error {
	interval, err := time.ParseDuration(cfg.TickInterval)
	if err != nil {
		return fmt.Errorf("parse tick_interval: %w", err)
	}

	sched := scheduler.New(st, eng, eng, interval, logger)
	for _, path := range paths {
		def, err := readWorkflow(path)
		if err != nil {
			return err
		}
		expr := cronExpression(def)
		if expr == "" {
			logger.Warn("workflow has no cron trigger, skipping", "workflow_id", def.ID)
			continue
		}
		next, err := sched.Register(def, expr)
		if err != nil {
			return err
		}
		logger.Info("workflow scheduled",
			"workflow_id", def.ID, "expression", expr, "next_run_at", next)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return nil
}

// cronExpression returns the schedule of the first cron trigger node, or "".
func cronExpression(def *schema.WorkflowDefinition) string {
	for _, node := range def.Nodes {
		if node.Type == schema.NodeTypeTrigger && node.Subtype == "cron" {
			if expr, ok := node.Configurations["schedule"].(string); ok {
				return expr
			}
		}
	}
	return ""
}

func openStore(ctx context.Context, cfg Config) (store.ExecutionStore, error) {
	if cfg.InMemory {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func validateWorkflow(path string) error {
	def, err := readWorkflow(path)
	if err != nil {
		return err
	}
	specs := spec.NewRegistry()
	if err := spec.RegisterBuiltins(specs); err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(specs)
	if err != nil {
		return err
	}
	result := validator.Validate(def)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Valid() {
		return fmt.Errorf("workflow definition is invalid")
	}
	return nil
}

func readWorkflow(path string) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	if err := readJSON(path, def); err != nil {
		return nil, err
	}
	return def, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printExecution(exec *store.Execution) error {
	out, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
