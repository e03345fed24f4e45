// Package graph implements the graph-store collaborator interface from
// SPEC_FULL.md §6, grounded on the entity/relationship model recorded in
// original_source/mlcf/core/config.py (graph_db_provider defaults to
// "neo4j") and mlcf's graph/ package. Only an in-memory adjacency-map
// implementation ships: a production driver is an out-of-scope external
// collaborator per the spec, wired here as a pluggable interface.
package graph

import "context"

// Entity is a typed node in the relationship graph.
type Entity struct {
	ID         string
	EntityType string
	Metadata   map[string]string
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	FromID string
	ToID   string
	Type   string
	Weight float64
}

// Hit is a graph-search result: an entity reachable from the query anchors,
// with a score decaying by traversal depth.
type Hit struct {
	ID    string
	Score float64
	Depth int
}

// Store is the graph-store collaborator interface.
type Store interface {
	UpsertEntity(ctx context.Context, entity Entity) error
	UpsertRelationship(ctx context.Context, rel Relationship) error
	DeleteEntity(ctx context.Context, id string) error
	Search(ctx context.Context, anchorIDs []string, maxDepth int, k int) ([]Hit, error)
	Path(ctx context.Context, fromID, toID string, maxDepth int) ([]string, error)
	Ping(ctx context.Context) error
}
