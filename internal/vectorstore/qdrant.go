package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the remote Qdrant backend.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantStore implements Store against a Qdrant server over gRPC.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore connects to Qdrant.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantStore{client: client}, nil
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection %q: %w", name, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("vectorstore: create collection %q: %w", name, err)
	}
	return nil
}

// Upsert writes points keyed by their UUID IDs; replays converge.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*qdrant.Value, len(p.Payload))
		for k, v := range p.Payload {
			val, err := qdrant.NewValue(v)
			if err != nil {
				return fmt.Errorf("vectorstore: payload value for %q: %w", k, err)
			}
			payload[k] = val
		}
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// Search runs kNN with optional payload filters, ordered by descending
// similarity.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		req.Filter = buildFilter(filter)
	}

	result, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, point := range result.Result {
		hits = append(hits, Hit{
			ID:      pointID(point.Id),
			Score:   float64(point.Score),
			Payload: payloadStrings(point.Payload),
		})
	}
	return hits, nil
}

// Enumerate scrolls all points matching the filter.
func (s *QdrantStore) Enumerate(ctx context.Context, collection string, filter map[string]string) ([]Point, error) {
	var qfilter *qdrant.Filter
	if len(filter) > 0 {
		qfilter = buildFilter(filter)
	}

	var out []Point
	var offset *qdrant.PointId
	limit := uint32(256)
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         qfilter,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: enumerate %q: %w", collection, err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			out = append(out, Point{
				ID:      pointID(p.Id),
				Payload: payloadStrings(p.Payload),
			})
		}
		if len(points) < int(limit) {
			break
		}
		offset = points[len(points)-1].Id
	}
	return out, nil
}

// Delete removes all points matching the filter and returns how many matched.
func (s *QdrantStore) Delete(ctx context.Context, collection string, filter map[string]string) (int, error) {
	qfilter := buildFilter(filter)

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         qfilter,
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %q: %w", collection, err)
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qfilter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete from %q: %w", collection, err)
	}
	return int(count), nil
}

// Stats returns the point count.
func (s *QdrantStore) Stats(ctx context.Context, collection string) (Stats, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: collection})
	if err != nil {
		return Stats{}, fmt.Errorf("vectorstore: stats %q: %w", collection, err)
	}
	return Stats{Points: int(count)}, nil
}

// DropCollection removes the collection.
func (s *QdrantStore) DropCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("vectorstore: drop collection %q: %w", name, err)
	}
	return nil
}

// Ping checks server health.
func (s *QdrantStore) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func buildFilter(filter map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func payloadStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for key, value := range payload {
		switch v := value.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = fmt.Sprintf("%d", v.IntegerValue)
		case *qdrant.Value_DoubleValue:
			out[key] = fmt.Sprintf("%g", v.DoubleValue)
		case *qdrant.Value_BoolValue:
			out[key] = fmt.Sprintf("%t", v.BoolValue)
		}
	}
	return out
}

var _ Store = (*QdrantStore)(nil)
