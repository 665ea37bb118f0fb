package spec

import (
	"sort"
	"sync"

	"github.com/loomhq/loom/pkg/schema"
)

// ConfigField describes one configuration option of a node spec.
type ConfigField struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
	// Description is shown to planners; the engine never interprets it.
	Description string `json:"description,omitempty"`
}

// NodeSpec is the static descriptor for a (type, subtype) pair.
type NodeSpec struct {
	Type         schema.NodeType `json:"type"`
	Subtype      string          `json:"subtype"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	ConfigFields []ConfigField   `json:"config_fields,omitempty"`
	// OutputKeys names the outputs a node of this spec can route on.
	// Empty means the single default key.
	OutputKeys []string `json:"output_keys,omitempty"`
}

// RequiredConfigKeys returns the names of required configuration fields.
func (s *NodeSpec) RequiredConfigKeys() []string {
	var keys []string
	for _, f := range s.ConfigFields {
		if f.Required {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

type specKey struct {
	typ     schema.NodeType
	subtype string
}

// Registry is a thread-safe catalog of node specs. It is a pure catalog:
// instance creation does not validate required keys — that happens at
// graph-build time.
type Registry struct {
	mu    sync.RWMutex
	specs map[specKey]*NodeSpec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[specKey]*NodeSpec)}
}

// Register adds a spec to the catalog. Returns an error on duplicates.
func (r *Registry) Register(s *NodeSpec) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "spec is nil")
	}
	if s.Type == "" || s.Subtype == "" {
		return schema.NewError(schema.ErrCodeValidation, "spec type and subtype are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := specKey{s.Type, s.Subtype}
	if _, exists := r.specs[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "spec %s/%s already registered", s.Type, s.Subtype)
	}
	r.specs[key] = s
	return nil
}

// Get retrieves a spec by type and subtype.
func (r *Registry) Get(typ schema.NodeType, subtype string) (*NodeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.specs[specKey{typ, subtype}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSpecNotFound, "no spec for %s/%s", typ, subtype)
	}
	return s, nil
}

// Has checks if a spec is registered.
func (r *Registry) Has(typ schema.NodeType, subtype string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[specKey{typ, subtype}]
	return ok
}

// List returns all registered specs sorted by type then subtype.
func (r *Registry) List() []*NodeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*NodeSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out
}

// NewInstance creates a NodeInstance from a spec, populating configuration
// defaults. Required keys without defaults are left absent.
func (r *Registry) NewInstance(s *NodeSpec, id string) (*schema.NodeInstance, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "spec is nil")
	}
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node id is empty")
	}

	cfg := make(map[string]any)
	for _, f := range s.ConfigFields {
		if f.Default != nil {
			cfg[f.Name] = f.Default
		}
	}

	return &schema.NodeInstance{
		ID:             id,
		Type:           s.Type,
		Subtype:        s.Subtype,
		Configurations: cfg,
	}, nil
}
