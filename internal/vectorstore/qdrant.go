package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Payload keys written alongside each point.
const (
	payloadID        = "_id"
	payloadVector    = "_vec"
	payloadMeta      = "_meta"
	payloadKind      = "kind"
	payloadMediaType = "media_type"
	payloadGenres    = "genres"
	payloadPlatforms = "platforms"
	payloadRating    = "rating"
	payloadExtra     = "extra"
)

// pointNamespace derives stable point UUIDs from opaque record ids.
var pointNamespace = uuid.MustParse("6f1c4a52-3b0e-4d8a-9a57-2a1f4f8e2c10")

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	MaxMessageSize int
	Collection     string
	Dimension      int
	Metric         Metric
}

// QdrantStore is a Store backed by a Qdrant collection over gRPC.
//
// Qdrant ranks with the matching native distance; returned scores are
// recomputed from the raw vector kept in the payload so they agree with
// the other backends.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
	metric     Metric
	logger     *zap.Logger
}

// NewQdrantStore connects and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, cfg.Dimension)
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 50 * 1024 * 1024
	}
	if cfg.Collection == "" {
		cfg.Collection = "media"
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
	}
	if !cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dim:        cfg.Dimension,
		metric:     cfg.Metric,
		logger:     logger,
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant vector store ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension))
	return s, nil
}

func qdrantDistance(m Metric) qdrant.Distance {
	switch m {
	case MetricDot:
		return qdrant.Distance_Dot
	case MetricEuclidean:
		return qdrant.Distance_Euclid
	case MetricManhattan:
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrantDistance(s.metric),
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(items))
	for i, it := range items {
		values[i] = stringValue(it)
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
}

func buildPayload(id string, vector []float32, m Metadata) (map[string]*qdrant.Value, error) {
	meta, err := encodeMetadata(m)
	if err != nil {
		return nil, err
	}
	payload := map[string]*qdrant.Value{
		payloadID:     stringValue(id),
		payloadVector: stringValue(encodeVector(vector)),
		payloadMeta:   stringValue(meta),
	}
	if m.Kind != "" {
		payload[payloadKind] = stringValue(string(m.Kind))
	}
	if m.MediaType != "" {
		payload[payloadMediaType] = stringValue(m.MediaType)
	}
	// Filterable lists are lowercased; the original case lives in _meta.
	if len(m.Genres) > 0 {
		payload[payloadGenres] = listValue(lowerAll(m.Genres))
	}
	if len(m.Platforms) > 0 {
		payload[payloadPlatforms] = listValue(lowerAll(m.Platforms))
	}
	if m.Rating != nil {
		payload[payloadRating] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: *m.Rating}}
	}
	if len(m.Extra) > 0 {
		fields := make(map[string]*qdrant.Value, len(m.Extra))
		for k, v := range m.Extra {
			fields[k] = stringValue(v)
		}
		payload[payloadExtra] = &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}
	}
	return payload, nil
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func lowerAll(vs []string) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = strings.ToLower(v)
	}
	return out
}

func ratingCondition(floor float64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   payloadRating,
				Range: &qdrant.Range{Gte: qdrant.PtrOf(floor)},
			},
		},
	}
}

// qdrantFilter translates f. Keyword matches on list payloads succeed when
// any element equals the value.
func qdrantFilter(f Filter) *qdrant.Filter {
	if f.IsEmpty() {
		return nil
	}
	var must []*qdrant.Condition
	if f.Kind != "" {
		must = append(must, keywordCondition(payloadKind, string(f.Kind)))
	}
	if f.MediaType != "" {
		must = append(must, keywordCondition(payloadMediaType, f.MediaType))
	}
	for _, g := range f.Genres {
		must = append(must, keywordCondition(payloadGenres, strings.ToLower(g)))
	}
	for _, p := range f.Platforms {
		must = append(must, keywordCondition(payloadPlatforms, strings.ToLower(p)))
	}
	if f.MinRating != nil {
		must = append(must, ratingCondition(*f.MinRating))
	}
	for k, v := range f.Extra {
		must = append(must, keywordCondition(payloadExtra+"."+k, v))
	}
	return &qdrant.Filter{Must: must}
}

func recordFromPayload(payload map[string]*qdrant.Value) (Record, error) {
	id := payload[payloadID].GetStringValue()
	vec, err := decodeVector(payload[payloadVector].GetStringValue())
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", id, err)
	}
	m, err := decodeMetadata(payload[payloadMeta].GetStringValue())
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", id, err)
	}
	return Record{ID: id, Vector: vec, Metadata: m}, nil
}

func (s *QdrantStore) Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error {
	if err := checkDimension(s.dim, vector); err != nil {
		return err
	}
	payload, err := buildPayload(id, vector, metadata)
	if err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("upserting %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Get(ctx context.Context, id string) (Record, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("getting %s: %w", id, err)
	}
	if len(points) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recordFromPayload(points[0].GetPayload())
}

func (s *QdrantStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", id, err)
	}
	return true, nil
}

func (s *QdrantStore) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := checkDimension(s.dim, req.Vector); err != nil {
		return nil, err
	}
	if req.K <= 0 {
		return []Result{}, nil
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Limit:          qdrant.PtrOf(uint64(req.K)),
		Filter:         qdrantFilter(req.Filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying qdrant: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		rec, err := recordFromPayload(p.GetPayload())
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		score := s.metric.Score(req.Vector, rec.Vector)
		if !req.admits(score) {
			continue
		}
		results = append(results, Result{Record: rec, Score: score})
	}
	return rank(results, req.K), nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return int(n), nil
}

func (s *QdrantStore) Dimension() int { return s.dim }
func (s *QdrantStore) Metric() Metric { return s.metric }

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
