package vector

import (
	"context"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
)

// QdrantStore backs the Store interface with a real Qdrant collection,
// grounded on the provider choice recorded in original_source/mlcf/core/config.py
// (vector_db_provider="qdrant", host "localhost"). DefaultQdrantConfig
// connects to port 6334.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dims       uint64
}

type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dims       uint64
}

func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{Host: "localhost", Port: 6334, Collection: "ctxcache_longterm", Dims: 384}
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &QdrantStore{client: client, collection: cfg.Collection, dims: cfg.Dims}, nil
}

// EnsureCollection creates the backing collection if it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func toQdrantPayload(metadata map[string]string) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		payload[k] = qdrant.NewValueString(v)
	}
	return payload
}

func (s *QdrantStore) Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: toQdrantPayload(metadata),
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s: %w", id, err)
	}
	return nil
}

func buildQdrantFilter(filter map[string]string) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		conditions = append(conditions, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: conditions}
}

func (s *QdrantStore) Search(ctx context.Context, embedding []float32, k int, filter map[string]string) ([]Match, error) {
	limit := uint64(k)
	if limit == 0 {
		limit = 10
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         buildQdrantFilter(filter),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	out := make([]Match, 0, len(points))
	for _, p := range points {
		out = append(out, Match{ID: p.Id.String(), Score: float64(p.Score)})
	}
	return out, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}
