package retrieval

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
)

var _ VectorIndex = (*QdrantStore)(nil)

// qdrantAPI is the subset of *qdrant.Client used by QdrantStore.
type qdrantAPI interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantConfig holds connection settings for the gRPC endpoint.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// QdrantStore is a VectorIndex backed by a Qdrant collection.
type QdrantStore struct {
	client     qdrantAPI
	collection string
	dimension  int

	mu          sync.Mutex
	initialized bool
}

// NewQdrantStore connects to Qdrant. The collection is created lazily.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "connecting to qdrant at %s:%d", cfg.Host, cfg.Port)
	}
	return newQdrantStore(client, cfg.Collection, cfg.Dimension), nil
}

func newQdrantStore(c qdrantAPI, collection string, dimension int) *QdrantStore {
	return &QdrantStore{client: c, collection: collection, dimension: dimension}
}

// Initialize creates the collection with cosine distance if it is absent.
func (s *QdrantStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return apperr.Wrap(apperr.ErrVectorStore, err, "Failed to initialize collection %s", s.collection)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return apperr.Wrap(apperr.ErrVectorStore, err, "Failed to create collection %s", s.collection)
		}
	}

	s.initialized = true
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, chunks []document.Chunk) (int, error) {
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		payload, err := qdrant.TryValueMap(payloadFor(c))
		if err != nil {
			return 0, apperr.Wrap(apperr.ErrVectorStore, err, "encoding payload for chunk %s", c.ID)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return 0, nil
	}

	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to upsert chunks")
	}
	return len(points), nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, threshold float32, documentID string) ([]Match, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	limit := uint64(topK)
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if documentID != "" {
		req.Filter = documentFilter(documentID)
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to search vectors")
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			payload[k] = valueToAny(v)
		}
		matches = append(matches, matchFromPayload(pointID(p.GetId()), p.GetScore(), payload))
	}
	sortByScore(matches)
	return matches, nil
}

// DeleteByDocument counts the document's points first so the caller learns
// how many were removed.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}

	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         documentFilter(documentID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to delete document %s", documentID)
	}
	if n == 0 {
		return 0, nil
	}

	wait := true
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(documentID)),
	}); err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to delete document %s", documentID)
	}
	return int(n), nil
}

func (s *QdrantStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.Initialize(ctx); err != nil {
		return Stats{}, err
	}
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to get collection stats")
	}
	return Stats{
		Name:         s.collection,
		VectorsCount: int(info.GetIndexedVectorsCount()),
		PointsCount:  int(info.GetPointsCount()),
		Status:       strings.ToLower(info.GetStatus().String()),
		Dimension:    s.dimension,
		Backend:      "qdrant",
	}, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return apperr.Wrap(apperr.ErrVectorStore, err, "vector store unreachable")
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(document.KeyDocumentID, documentID)},
	}
}

func pointID(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = valueToAny(item)
		}
		return out
	case *qdrant.Value_StructValue:
		fields := k.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for name, f := range fields {
			out[name] = valueToAny(f)
		}
		return out
	}
	return nil
}
