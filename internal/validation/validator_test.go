package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	specs := spec.NewRegistry()
	require.NoError(t, spec.RegisterBuiltins(specs))
	wv, err := NewWorkflowValidator(specs)
	require.NoError(t, err)
	return wv
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "ok",
		Nodes: []schema.NodeInstance{
			{ID: "start", Type: schema.NodeTypeTrigger, Subtype: "manual"},
			{ID: "act", Type: schema.NodeTypeAction, Subtype: "generic",
				Configurations: map[string]any{"operation": "echo"}},
		},
		Connections: []schema.Connection{
			{FromNode: "start", ToNode: "act"},
		},
	}
}

func TestValidateAcceptsValidDefinition(t *testing.T) {
	wv := newValidator(t)
	result := wv.Validate(validDefinition())
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors())
	assert.NoError(t, wv.ValidateDefinition(validDefinition()))
}

func TestValidateNilDefinition(t *testing.T) {
	wv := newValidator(t)
	result := wv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidateStructuralViolations(t *testing.T) {
	wv := newValidator(t)

	// No nodes at all.
	result := wv.Validate(&schema.WorkflowDefinition{})
	assert.False(t, result.Valid())

	// Unknown node type fails the enum.
	def := validDefinition()
	def.Nodes[0].Type = "webhook"
	result = wv.Validate(def)
	assert.False(t, result.Valid())

	// Bad retry delay fails the pattern.
	def = validDefinition()
	def.Nodes[1].ErrorPolicy = &schema.ErrorPolicy{
		OnError: schema.ErrorPolicyRetry,
		Retry:   &schema.RetryPolicy{Max: 1, Delay: "soon"},
	}
	result = wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidateStructuralShortCircuits(t *testing.T) {
	wv := newValidator(t)

	// Structurally broken and semantically broken: only structural
	// issues are reported.
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{
			{ID: "", Type: "bogus"},
		},
		Connections: []schema.Connection{
			{FromNode: "ghost", ToNode: "phantom"},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors() {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
	}
}

func TestValidateDuplicateNodeIDs(t *testing.T) {
	wv := newValidator(t)

	def := validDefinition()
	def.Nodes = append(def.Nodes, def.Nodes[0])
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors()[0].Message, "duplicate")
}

func TestValidateSemanticIssues(t *testing.T) {
	wv := newValidator(t)

	// Unregistered spec.
	def := validDefinition()
	def.Nodes[1].Subtype = "nope"
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeSpecNotFound, result.Errors()[0].Code)
	assert.Equal(t, "act", result.Errors()[0].NodeID)

	// Missing required configuration.
	def = validDefinition()
	def.Nodes[1].Configurations = nil
	result = wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors()[0].Message, "operation")
	assert.Equal(t, "act", result.Errors()[0].NodeID)

	// Connection to a non-existent node.
	def = validDefinition()
	def.Connections = append(def.Connections, schema.Connection{FromNode: "act", ToNode: "ghost"})
	result = wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors()[0].Message, "ghost")

	// Self-connection without loop kind.
	def = validDefinition()
	def.Connections = append(def.Connections, schema.Connection{FromNode: "act", ToNode: "act"})
	result = wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors()[0].Message, "loop")
}

func TestValidateGraphStageReportsCycles(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeInstance{
			{ID: "a", Type: schema.NodeTypeAction, Subtype: "generic",
				Configurations: map[string]any{"operation": "echo"}},
			{ID: "b", Type: schema.NodeTypeAction, Subtype: "generic",
				Configurations: map[string]any{"operation": "echo"}},
		},
		Connections: []schema.Connection{
			{FromNode: "a", ToNode: "b"},
			{FromNode: "b", ToNode: "a"},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors()[0].Code)
}

func TestValidatePayload(t *testing.T) {
	wv := newValidator(t)

	payloadSchema := []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": { "type": "string" },
			"count": { "type": "integer", "minimum": 0 }
		}
	}`)

	require.NoError(t, wv.ValidatePayload(map[string]any{"name": "ada", "count": 2}, payloadSchema))

	err := wv.ValidatePayload(map[string]any{"count": -1}, payloadSchema)
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, loomErr.Code)

	// No schema means no validation.
	require.NoError(t, wv.ValidatePayload(map[string]any{"anything": true}, nil))

	err = wv.ValidatePayload(nil, payloadSchema)
	assert.Error(t, err)
}

func TestValidationResultToError(t *testing.T) {
	r := &schema.ValidationResult{}
	assert.NoError(t, r.ToError())

	r.AddError("/nodes", schema.ErrCodeValidation, "first problem")
	err := r.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first problem")

	r.AddError("/nodes", schema.ErrCodeValidation, "second problem")
	err = r.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
}

func TestValidationResultSeverityFilters(t *testing.T) {
	r := &schema.ValidationResult{}
	r.AddWarning("/nodes[0]", schema.ErrCodeValidation, "deprecated subtype")
	assert.True(t, r.Valid(), "warnings alone must not invalidate")
	assert.Empty(t, r.Errors())
	assert.Len(t, r.Warnings(), 1)

	r.AddNodeError("act", "/nodes[1]", schema.ErrCodeValidation, "broken")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors(), 1)
	assert.Equal(t, "act", r.Errors()[0].NodeID)
	assert.Len(t, r.Issues, 2)
}
