package graph

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process adjacency-map graph store using bounded-depth
// BFS for Search and Path, adapted from the relationship-mapper shape
// described in original_source/mlcf (entity-centric upsert, bounded-depth
// traversal) reimplemented as a plain Go map-of-slices graph.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	edges    map[string][]Relationship // fromID -> outgoing edges
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]Entity),
		edges:    make(map[string][]Relationship),
	}
}

func (s *MemoryStore) UpsertEntity(_ context.Context, entity Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaCp := make(map[string]string, len(entity.Metadata))
	for k, v := range entity.Metadata {
		metaCp[k] = v
	}
	entity.Metadata = metaCp
	s.entities[entity.ID] = entity
	return nil
}

func (s *MemoryStore) UpsertRelationship(_ context.Context, rel Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges := s.edges[rel.FromID]
	for i, e := range edges {
		if e.ToID == rel.ToID && e.Type == rel.Type {
			edges[i] = rel
			return nil
		}
	}
	s.edges[rel.FromID] = append(edges, rel)
	return nil
}

func (s *MemoryStore) DeleteEntity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	delete(s.edges, id)
	for from, edges := range s.edges {
		filtered := edges[:0]
		for _, e := range edges {
			if e.ToID != id {
				filtered = append(filtered, e)
			}
		}
		s.edges[from] = filtered
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, anchorIDs []string, maxDepth int, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxDepth <= 0 {
		maxDepth = 2
	}
	visited := make(map[string]int)
	type queueEntry struct {
		id    string
		depth int
	}
	queue := make([]queueEntry, 0, len(anchorIDs))
	for _, id := range anchorIDs {
		if _, ok := visited[id]; !ok {
			visited[id] = 0
			queue = append(queue, queueEntry{id: id, depth: 0})
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, edge := range s.edges[cur.id] {
			nextDepth := cur.depth + 1
			if prev, ok := visited[edge.ToID]; ok && prev <= nextDepth {
				continue
			}
			visited[edge.ToID] = nextDepth
			queue = append(queue, queueEntry{id: edge.ToID, depth: nextDepth})
		}
	}

	anchorSet := make(map[string]bool, len(anchorIDs))
	for _, id := range anchorIDs {
		anchorSet[id] = true
	}

	hits := make([]Hit, 0, len(visited))
	for id, depth := range visited {
		if anchorSet[id] || depth == 0 {
			continue
		}
		score := 1.0 / float64(depth+1)
		hits = append(hits, Hit{ID: id, Score: score, Depth: depth})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) Path(_ context.Context, fromID, toID string, maxDepth int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromID == toID {
		return []string{fromID}, nil
	}
	if maxDepth <= 0 {
		maxDepth = 4
	}
	type queueEntry struct {
		id   string
		path []string
	}
	visited := map[string]bool{fromID: true}
	queue := []queueEntry{{id: fromID, path: []string{fromID}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path)-1 >= maxDepth {
			continue
		}
		for _, edge := range s.edges[cur.id] {
			if visited[edge.ToID] {
				continue
			}
			nextPath := append(append([]string{}, cur.path...), edge.ToID)
			if edge.ToID == toID {
				return nextPath, nil
			}
			visited[edge.ToID] = true
			queue = append(queue, queueEntry{id: edge.ToID, path: nextPath})
		}
	}
	return nil, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
