package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := &NodeSpec{Type: schema.NodeTypeAction, Subtype: "http"}
	require.NoError(t, r.Register(s))

	got, err := r.Get(schema.NodeTypeAction, "http")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.True(t, r.Has(schema.NodeTypeAction, "http"))
	assert.False(t, r.Has(schema.NodeTypeAction, "grpc"))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	s := &NodeSpec{Type: schema.NodeTypeAction, Subtype: "http"}
	require.NoError(t, r.Register(s))

	err := r.Register(&NodeSpec{Type: schema.NodeTypeAction, Subtype: "http"})
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, loomErr.Code)
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&NodeSpec{Type: schema.NodeTypeAction}))
	assert.Error(t, r.Register(&NodeSpec{Subtype: "http"}))
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(schema.NodeTypeAI, "nope")
	require.Error(t, err)
	loomErr, ok := err.(*schema.LoomError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSpecNotFound, loomErr.Code)
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&NodeSpec{Type: schema.NodeTypeMemory, Subtype: "set"}))
	require.NoError(t, r.Register(&NodeSpec{Type: schema.NodeTypeAction, Subtype: "generic"}))
	require.NoError(t, r.Register(&NodeSpec{Type: schema.NodeTypeMemory, Subtype: "get"}))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, schema.NodeTypeAction, list[0].Type)
	assert.Equal(t, "get", list[1].Subtype)
	assert.Equal(t, "set", list[2].Subtype)
}

func TestRequiredConfigKeys(t *testing.T) {
	s := &NodeSpec{
		Type: schema.NodeTypeAction, Subtype: "x",
		ConfigFields: []ConfigField{
			{Name: "a", Required: true},
			{Name: "b"},
			{Name: "c", Required: true},
		},
	}
	assert.Equal(t, []string{"a", "c"}, s.RequiredConfigKeys())
}

func TestNewInstanceAppliesDefaults(t *testing.T) {
	r := NewRegistry()
	s := &NodeSpec{
		Type: schema.NodeTypeAI, Subtype: "generate",
		ConfigFields: []ConfigField{
			{Name: "prompt", Required: true},
			{Name: "model", Default: "default"},
		},
	}

	n, err := r.NewInstance(s, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "gen-1", n.ID)
	assert.Equal(t, "default", n.Configurations["model"])
	_, hasPrompt := n.Configurations["prompt"]
	assert.False(t, hasPrompt)

	_, err = r.NewInstance(s, "")
	assert.Error(t, err)
}

func TestRegisterBuiltinsCatalog(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	assert.True(t, r.Has(schema.NodeTypeTrigger, "manual"))
	assert.True(t, r.Has(schema.NodeTypeFlow, schema.FlowSubtypeWait))
	assert.True(t, r.Has(schema.NodeTypeFlow, schema.FlowSubtypeForEach))
	assert.True(t, r.Has(schema.NodeTypeFlow, schema.FlowSubtypeBranch))
	assert.True(t, r.Has(schema.NodeTypeFlow, schema.FlowSubtypeHIL))
	assert.True(t, r.Has(schema.NodeTypeMemory, schema.MemorySubtypeQuery))

	branch, err := r.Get(schema.NodeTypeFlow, schema.FlowSubtypeBranch)
	require.NoError(t, err)
	assert.Equal(t, []string{"expression"}, branch.RequiredConfigKeys())
	assert.Equal(t, []string{"true", "false"}, branch.OutputKeys)
}
