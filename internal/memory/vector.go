package memory

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/loomhq/loom/pkg/schema"
)

// embeddingDim is the fixed width of deterministic fallback embeddings.
const embeddingDim = 64

// Embedder converts text into a fixed-width vector. Implementations backed
// by external providers may be plugged in; the deterministic fallback keeps
// the engine testable without one.
type Embedder interface {
	Embed(text string) []float64
}

// Item is one entry in a vector namespace.
type Item struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryResult pairs an item with its similarity score.
type QueryResult struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

type storedItem struct {
	item      Item
	embedding []float64
	order     int
}

// VectorStore is an in-memory, namespace-partitioned vector index ranked by
// cosine similarity. Ties break by insertion order (stable sort).
type VectorStore struct {
	mu         sync.RWMutex
	embedder   Embedder
	namespaces map[string][]storedItem
	inserted   int
}

// NewVectorStore creates a VectorStore. A nil embedder selects the
// deterministic fallback.
func NewVectorStore(embedder Embedder) *VectorStore {
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	return &VectorStore{
		embedder:   embedder,
		namespaces: make(map[string][]storedItem),
	}
}

// Upsert adds items to a namespace. Items with a matching non-empty ID
// replace the previous entry in place, keeping its insertion order.
func (vs *VectorStore) Upsert(namespace string, items []Item) error {
	if namespace == "" {
		return schema.NewError(schema.ErrCodeValidation, "vector namespace is empty")
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	for _, it := range items {
		emb := vs.embedder.Embed(it.Content)
		replaced := false
		if it.ID != "" {
			for i := range vs.namespaces[namespace] {
				if vs.namespaces[namespace][i].item.ID == it.ID {
					vs.namespaces[namespace][i].item = it
					vs.namespaces[namespace][i].embedding = emb
					replaced = true
					break
				}
			}
		}
		if !replaced {
			vs.namespaces[namespace] = append(vs.namespaces[namespace], storedItem{
				item:      it,
				embedding: emb,
				order:     vs.inserted,
			})
			vs.inserted++
		}
	}
	return nil
}

// Query returns the top-k items of a namespace ranked by cosine similarity
// to the query text. An unknown namespace yields an empty result.
func (vs *VectorStore) Query(namespace, text string, topK int) ([]QueryResult, error) {
	if topK <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "top_k must be positive")
	}

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	stored := vs.namespaces[namespace]
	if len(stored) == 0 {
		return []QueryResult{}, nil
	}

	query := vs.embedder.Embed(text)

	scored := make([]storedItem, len(stored))
	copy(scored, stored)
	scores := make(map[int]float64, len(scored))
	for _, si := range scored {
		scores[si.order] = cosineSimilarity(query, si.embedding)
	}

	// Stable sort preserves insertion order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scores[scored[i].order] > scores[scored[j].order]
	})

	if topK > len(scored) {
		topK = len(scored)
	}
	results := make([]QueryResult, 0, topK)
	for _, si := range scored[:topK] {
		results = append(results, QueryResult{Item: si.item, Score: scores[si.order]})
	}
	return results, nil
}

// Count returns the number of items in a namespace.
func (vs *VectorStore) Count(namespace string) int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.namespaces[namespace])
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HashEmbedder is the deterministic fallback: token hashes accumulated into
// a fixed-width vector. Identical content always produces identical vectors,
// so self-similarity is maximal and tests need no external provider.
type HashEmbedder struct{}

// Embed produces a content-derived fixed-width vector.
func (HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, embeddingDim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % embeddingDim)
		// Signed contribution keeps distinct tokens from collapsing
		// into the same direction.
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	return vec
}
