package memory

import (
	"sync"

	"github.com/loomhq/loom/pkg/schema"
)

// Service is the per-execution memory facade: a key-value namespace backed
// by the execution context's memory store, plus a vector index. One Service
// exists per ExecutionContext; it is owned by the execution's control loop.
type Service struct {
	mu     sync.Mutex
	kv     map[string]any
	vector *VectorStore
}

// NewService creates a Service around an existing key-value map. The map is
// shared with the ExecutionContext so MEMORY nodes and output expressions
// observe the same state. A nil map starts empty.
func NewService(kv map[string]any, embedder Embedder) *Service {
	if kv == nil {
		kv = make(map[string]any)
	}
	return &Service{
		kv:     kv,
		vector: NewVectorStore(embedder),
	}
}

// Get returns the value for a key, or an error when absent.
func (s *Service) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "memory key not found: %s", key)
	}
	return v, nil
}

// Set stores a value under a key, replacing any previous value.
func (s *Service) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
}

// Append appends a value to the list stored under key. A missing key starts
// an empty list; a non-list value is promoted to a single-element list first.
func (s *Service) Append(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch existing := s.kv[key].(type) {
	case nil:
		s.kv[key] = []any{value}
	case []any:
		s.kv[key] = append(existing, value)
	default:
		s.kv[key] = []any{existing, value}
	}
}

// Snapshot returns a shallow copy of the key-value state.
func (s *Service) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.kv))
	for k, v := range s.kv {
		out[k] = v
	}
	return out
}

// Vector exposes the execution's vector store.
func (s *Service) Vector() *VectorStore {
	return s.vector
}
