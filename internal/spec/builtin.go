package spec

import "github.com/loomhq/loom/pkg/schema"

// RegisterBuiltins installs the built-in node spec catalog. Concrete
// executor logic for action/ai nodes lives outside the engine; these specs
// only describe configuration shape and routable outputs.
func RegisterBuiltins(r *Registry) error {
	builtins := []*NodeSpec{
		{
			Type: schema.NodeTypeTrigger, Subtype: "manual",
			Name: "Manual Trigger", Description: "Entry point fired by a direct Run call.",
		},
		{
			Type: schema.NodeTypeTrigger, Subtype: "cron",
			Name: "Cron Trigger", Description: "Entry point fired on a cron schedule.",
			ConfigFields: []ConfigField{
				{Name: "schedule", Required: true, Description: "cron expression"},
			},
		},
		{
			Type: schema.NodeTypeAction, Subtype: "generic",
			Name: "Action", Description: "Dispatched to a registered node executor.",
			ConfigFields: []ConfigField{
				{Name: "operation", Required: true},
				{Name: "parameters", Default: map[string]any{}},
			},
		},
		{
			Type: schema.NodeTypeAI, Subtype: "generate",
			Name: "AI Generate", Description: "Dispatched to a registered AI executor.",
			ConfigFields: []ConfigField{
				{Name: "prompt", Required: true},
				{Name: "model", Default: "default"},
			},
		},
		{
			Type: schema.NodeTypeFlow, Subtype: schema.FlowSubtypeWait,
			Name: "Wait", Description: "Suspends until a condition holds or a timer fires.",
			ConfigFields: []ConfigField{
				{Name: "condition", Description: "CEL expression over trigger/nodes/memory/resume"},
				{Name: "duration", Description: "timer duration, e.g. \"30s\""},
			},
		},
		{
			Type: schema.NodeTypeFlow, Subtype: schema.FlowSubtypeForEach,
			Name: "For Each", Description: "Fans an input list out into per-item firings of its body.",
			ConfigFields: []ConfigField{
				{Name: "items", Required: true, Description: "expression or input key producing the iterable"},
				{Name: "max_iterations", Default: float64(0)},
			},
		},
		{
			Type: schema.NodeTypeFlow, Subtype: schema.FlowSubtypeBranch,
			Name: "Branch", Description: "Routes to the successor edge matching the evaluated expression.",
			ConfigFields: []ConfigField{
				{Name: "expression", Required: true, Description: "CEL expression producing the branch key"},
			},
			OutputKeys: []string{"true", "false"},
		},
		{
			Type: schema.NodeTypeFlow, Subtype: schema.FlowSubtypeHIL,
			Name: "Human Approval", Description: "Suspends for a free-text human decision.",
			ConfigFields: []ConfigField{
				{Name: "prompt", Default: "Approve?"},
			},
			OutputKeys: []string{string(schema.HILApproved), string(schema.HILRejected)},
		},
		{
			Type: schema.NodeTypeMemory, Subtype: schema.MemorySubtypeGet,
			Name: "Memory Get",
			ConfigFields: []ConfigField{
				{Name: "key", Required: true},
			},
		},
		{
			Type: schema.NodeTypeMemory, Subtype: schema.MemorySubtypeSet,
			Name: "Memory Set",
			ConfigFields: []ConfigField{
				{Name: "key", Required: true},
				{Name: "value", Required: true},
			},
		},
		{
			Type: schema.NodeTypeMemory, Subtype: schema.MemorySubtypeAppend,
			Name: "Memory Append",
			ConfigFields: []ConfigField{
				{Name: "key", Required: true},
				{Name: "value", Required: true},
			},
		},
		{
			Type: schema.NodeTypeMemory, Subtype: schema.MemorySubtypeUpsert,
			Name: "Vector Upsert",
			ConfigFields: []ConfigField{
				{Name: "namespace", Required: true},
				{Name: "items", Required: true},
			},
		},
		{
			Type: schema.NodeTypeMemory, Subtype: schema.MemorySubtypeQuery,
			Name: "Vector Query",
			ConfigFields: []ConfigField{
				{Name: "namespace", Required: true},
				{Name: "text", Required: true},
				{Name: "top_k", Default: float64(5)},
			},
		},
	}

	for _, s := range builtins {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
