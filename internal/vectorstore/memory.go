package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memPoint struct {
	Point
}

// MemoryStore is an in-process Store backed by mutex-guarded maps, modeled
// on this stack's map-based in-memory store pattern. It is used by tests and
// as a zero-dependency fallback when no QDRANT_ADDR is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]memPoint
}

// NewMemoryStore constructs an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]memPoint{}}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, collection string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = map[string]memPoint{}
	}
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, collection string, pt Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = map[string]memPoint{}
	}
	m.collections[collection][pt.ID] = memPoint{pt}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func matchesFilter(payload map[string]any, filter ScrollFilter) bool {
	for k, v := range filter {
		pv, ok := payload[k]
		if !ok {
			return false
		}
		s, ok := pv.(string)
		if !ok || s != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemoryStore) Search(_ context.Context, collection string, vector []float32, k int, filter ScrollFilter) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0)
	for _, p := range m.collections[collection] {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		out = append(out, Result{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryStore) Scroll(_ context.Context, collection string, filter ScrollFilter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0)
	for _, p := range m.collections[collection] {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		out = append(out, Result{ID: p.ID, Payload: p.Payload})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteWhere(_ context.Context, collection string, filter ScrollFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[collection]
	n := 0
	for id, p := range col {
		if matchesFilter(p.Payload, filter) {
			delete(col, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
