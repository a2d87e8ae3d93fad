package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore is the Store backed by a live Qdrant gRPC client. Collections
// are created lazily and cached so concurrent callers don't race on
// CreateCollection.
type QdrantStore struct {
	client *qdrant.Client

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantStore dials Qdrant's gRPC endpoint (default port 6334). An
// optional "api_key" query parameter on dsn sets the API key, matching this
// stack's existing Qdrant DSN convention.
func NewQdrantStore(dsn string) (*QdrantStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantStore{client: client, ensured: map[string]bool{}}, nil
}

func (q *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured[collection] {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", collection, err)
	}
	if !exists {
		if dimension <= 0 {
			return fmt.Errorf("qdrant requires dimension > 0 to create collection %s", collection)
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", collection, err)
		}
	}
	q.ensured[collection] = true
	return nil
}

// pointUUID derives a deterministic point id. Qdrant only accepts UUIDs or
// unsigned integers, so non-UUID caller ids are hashed and the original
// preserved under PayloadIDField.
func pointUUID(id string) (uuidStr string, original string) {
	if _, err := uuid.Parse(id); err == nil {
		return id, ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), id
}

func (q *QdrantStore) Upsert(ctx context.Context, collection string, pt Point) error {
	uuidStr, original := pointUUID(pt.ID)
	payload := make(map[string]any, len(pt.Payload)+1)
	for k, v := range pt.Payload {
		payload[k] = v
	}
	if original != "" {
		payload[PayloadIDField] = original
	}
	vec := make([]float32, len(pt.Vector))
	copy(vec, pt.Vector)
	points := []*qdrant.PointStruct{{
		Id:      qdrant.NewIDUUID(uuidStr),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payload),
	}}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: points})
	return err
}

func (q *QdrantStore) Delete(ctx context.Context, collection string, id string) error {
	uuidStr, _ := pointUUID(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uuidStr)),
	})
	return err
}

func buildFilter(filter ScrollFilter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

func hydratePayload(payload map[string]*qdrant.Value) (map[string]any, string) {
	out := make(map[string]any, len(payload))
	var original string
	for k, v := range payload {
		if k == PayloadIDField {
			original = v.GetStringValue()
			continue
		}
		out[k] = v.GetStringValue()
	}
	return out, original
}

func (q *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int, filter ScrollFilter) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		payload, original := hydratePayload(h.Payload)
		id := original
		if id == "" {
			id = h.Id.GetUuid()
		}
		out = append(out, Result{ID: id, Score: float64(h.Score), Payload: payload})
	}
	return out, nil
}

func (q *QdrantStore) Scroll(ctx context.Context, collection string, filter ScrollFilter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 100
	}
	lim := uint32(limit)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         buildFilter(filter),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(points))
	for _, p := range points {
		payload, original := hydratePayload(p.Payload)
		id := original
		if id == "" {
			id = p.Id.GetUuid()
		}
		out = append(out, Result{ID: id, Payload: payload})
	}
	return out, nil
}

func (q *QdrantStore) DeleteWhere(ctx context.Context, collection string, filter ScrollFilter) (int, error) {
	matches, err := q.Scroll(ctx, collection, filter, 10000)
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := q.Delete(ctx, collection, m.ID); err != nil {
			return 0, fmt.Errorf("delete %s: %w", m.ID, err)
		}
	}
	return len(matches), nil
}

func (q *QdrantStore) Close() error { return q.client.Close() }
