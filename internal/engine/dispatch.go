package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/pkg/schema"
)

// NodeInput carries everything a node executor needs for one firing.
type NodeInput struct {
	ExecutionID string
	Node        *schema.NodeInstance
	// Config is the node configuration with all references resolved.
	Config map[string]any
	// Inputs holds the accumulated upstream payloads, keyed by source node ID.
	Inputs map[string]any
	// Memory is the execution's memory service.
	Memory *memory.Service
}

// NodeOutput is the result of one node firing. Data is keyed by output key;
// connections deliver the value under their declared key to successors.
type NodeOutput struct {
	Data map[string]any
	Logs []string
}

// SingleOutput wraps a value under the default output key.
func SingleOutput(v any) *NodeOutput {
	return &NodeOutput{Data: map[string]any{schema.OutputKeyDefault: v}}
}

// NodeExecutor performs the work of one node type/subtype.
type NodeExecutor interface {
	Execute(ctx context.Context, input *NodeInput) (*NodeOutput, error)
}

// ExecutorFunc adapts a function to the NodeExecutor interface.
type ExecutorFunc func(ctx context.Context, input *NodeInput) (*NodeOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	return f(ctx, input)
}

type executorKey struct {
	typ     schema.NodeType
	subtype string
}

// ExecutorRegistry maps node type/subtype pairs to executors. Registration
// happens at wiring time; lookups are concurrent.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[executorKey]NodeExecutor
}

// NewExecutorRegistry returns an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[executorKey]NodeExecutor)}
}

// Register binds an executor to a type/subtype. An empty subtype registers
// the fallback for the whole type.
func (r *ExecutorRegistry) Register(typ schema.NodeType, subtype string, exec NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executorKey{typ, subtype}] = exec
}

// Get returns the executor for a type/subtype, falling back to the
// type-level executor, or EXECUTOR_UNAVAILABLE.
func (r *ExecutorRegistry) Get(typ schema.NodeType, subtype string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[executorKey{typ, subtype}]; ok {
		return exec, nil
	}
	if exec, ok := r.executors[executorKey{typ, ""}]; ok {
		return exec, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable,
		"no executor registered for %s/%s", typ, subtype)
}

// RegisterBuiltins installs the default executors: trigger pass-through,
// generic actions, the deterministic AI stub and the memory operations.
func RegisterBuiltins(r *ExecutorRegistry) {
	r.Register(schema.NodeTypeTrigger, "", ExecutorFunc(executeTrigger))
	r.Register(schema.NodeTypeAction, "generic", ExecutorFunc(executeGenericAction))
	r.Register(schema.NodeTypeAI, "generate", ExecutorFunc(executeAIGenerate))
	r.Register(schema.NodeTypeMemory, "", ExecutorFunc(executeMemoryOp))
}

// executeTrigger emits the trigger payload as the node output.
func executeTrigger(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	payload := map[string]any{}
	if v, ok := input.Inputs["__trigger__"]; ok {
		if m, isMap := v.(map[string]any); isMap {
			payload = m
		}
	}
	return SingleOutput(payload), nil
}

// executeGenericAction runs the configured operation over the combined
// inputs. Supported operations: echo, merge, fail.
func executeGenericAction(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	op, _ := input.Config["operation"].(string)
	switch op {
	case "echo":
		out := make(map[string]any, len(input.Config))
		for k, v := range input.Config {
			if k == "operation" {
				continue
			}
			out[k] = v
		}
		return SingleOutput(out), nil
	case "merge":
		merged := make(map[string]any)
		keys := make([]string, 0, len(input.Inputs))
		for k := range input.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if m, ok := input.Inputs[k].(map[string]any); ok {
				for mk, mv := range m {
					merged[mk] = mv
				}
			} else {
				merged[k] = input.Inputs[k]
			}
		}
		return SingleOutput(merged), nil
	case "fail":
		msg, _ := input.Config["message"].(string)
		if msg == "" {
			msg = "action configured to fail"
		}
		return nil, schema.NewError(schema.ErrCodeNodeFailed, msg).WithNode(input.Node.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown action operation: %q", op).WithNode(input.Node.ID)
	}
}

// executeAIGenerate is the deterministic stand-in for a model call: it
// renders the resolved prompt back with the configured model name. Real
// providers replace it through the executor registry.
func executeAIGenerate(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	prompt, _ := input.Config["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai node requires a non-empty prompt").WithNode(input.Node.ID)
	}
	model, _ := input.Config["model"].(string)
	return SingleOutput(map[string]any{
		"text":  fmt.Sprintf("[%s] %s", model, prompt),
		"model": model,
	}), nil
}

// executeMemoryOp dispatches the memory subtypes against the execution's
// memory service.
func executeMemoryOp(ctx context.Context, input *NodeInput) (*NodeOutput, error) {
	if input.Memory == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "memory service unavailable").WithNode(input.Node.ID)
	}

	switch input.Node.Subtype {
	case schema.MemorySubtypeGet:
		key, err := configString(input, "key")
		if err != nil {
			return nil, err
		}
		v, err := input.Memory.Get(key)
		if err != nil {
			return nil, err
		}
		return SingleOutput(map[string]any{"key": key, "value": v}), nil

	case schema.MemorySubtypeSet:
		key, err := configString(input, "key")
		if err != nil {
			return nil, err
		}
		input.Memory.Set(key, input.Config["value"])
		return SingleOutput(map[string]any{"key": key, "value": input.Config["value"]}), nil

	case schema.MemorySubtypeAppend:
		key, err := configString(input, "key")
		if err != nil {
			return nil, err
		}
		input.Memory.Append(key, input.Config["value"])
		v, _ := input.Memory.Get(key)
		return SingleOutput(map[string]any{"key": key, "value": v}), nil

	case schema.MemorySubtypeUpsert:
		ns, err := configString(input, "namespace")
		if err != nil {
			return nil, err
		}
		items, err := vectorItems(input)
		if err != nil {
			return nil, err
		}
		if err := input.Memory.Vector().Upsert(ns, items); err != nil {
			return nil, err
		}
		return SingleOutput(map[string]any{"namespace": ns, "count": len(items)}), nil

	case schema.MemorySubtypeQuery:
		ns, err := configString(input, "namespace")
		if err != nil {
			return nil, err
		}
		query, err := configString(input, "text")
		if err != nil {
			return nil, err
		}
		topK := 5
		if k, ok := asInt(input.Config["top_k"]); ok && k > 0 {
			topK = k
		}
		results, err := input.Memory.Vector().Query(ns, query, topK)
		if err != nil {
			return nil, err
		}
		matches := make([]any, len(results))
		for i, r := range results {
			matches[i] = map[string]any{
				"id":       r.Item.ID,
				"content":  r.Item.Content,
				"metadata": r.Item.Metadata,
				"score":    r.Score,
			}
		}
		return SingleOutput(map[string]any{"namespace": ns, "matches": matches}), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown memory subtype: %q", input.Node.Subtype).WithNode(input.Node.ID)
	}
}

func configString(input *NodeInput, key string) (string, error) {
	v, _ := input.Config[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"memory node requires configuration %q", key).WithNode(input.Node.ID)
	}
	return v, nil
}

func vectorItems(input *NodeInput) ([]memory.Item, error) {
	raw, ok := input.Config["items"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"vector_upsert requires an items list").WithNode(input.Node.ID)
	}
	items := make([]memory.Item, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"vector_upsert item %d is not an object", i).WithNode(input.Node.ID)
		}
		item := memory.Item{}
		item.ID, _ = m["id"].(string)
		item.Content, _ = m["content"].(string)
		if meta, ok := m["metadata"].(map[string]any); ok {
			item.Metadata = meta
		}
		if item.ID == "" || item.Content == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"vector_upsert item %d requires id and content", i).WithNode(input.Node.ID)
		}
		items = append(items, item)
	}
	return items, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
