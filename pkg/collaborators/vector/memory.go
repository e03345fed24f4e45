package vector

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	embedding []float32
	metadata  map[string]string
}

// MemoryStore is a flat-scan, in-process vector store. It is the default
// collaborator used in tests and single-process deployments; cosine
// similarity is computed by a full scan, acceptable at the scale this
// cache targets (per-tier item counts, not corpus-wide indices).
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]entry)}
}

func (s *MemoryStore) Upsert(_ context.Context, id string, embedding []float32, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	metaCp := make(map[string]string, len(metadata))
	for k, v := range metadata {
		metaCp[k] = v
	}
	s.docs[id] = entry{embedding: cp, metadata: metaCp}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func (s *MemoryStore) Search(_ context.Context, embedding []float32, k int, filter map[string]string) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.docs))
	for id, e := range s.docs {
		if !matchesFilter(e.metadata, filter) {
			continue
		}
		matches = append(matches, Match{ID: id, Score: cosine(embedding, e.embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
