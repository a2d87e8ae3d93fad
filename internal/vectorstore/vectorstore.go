// Package vectorstore wraps a Qdrant-shaped vector database: named
// collections of points, each upserted/searched/scrolled by a caller-chosen
// string id. Point ids are re-derived as UUIDs (Qdrant only accepts UUIDs or
// positive integers); the caller's original id is preserved in the payload
// under a sentinel field so round trips are lossless.
package vectorstore

import "context"

// PayloadIDField is the payload key used to recover the caller's original
// string id when it isn't itself a valid UUID.
const PayloadIDField = "_original_id"

// Point is one retrieval or conversation unit stored in a collection.
type Point struct {
	ID       string
	Vector   []float32
	Payload  map[string]any
}

// Result is a single nearest-neighbour hit.
type Result struct {
	ID       string
	Score    float64 // higher is closer
	Payload  map[string]any
}

// ScrollFilter selects points by exact-match payload fields, used by the
// conversation manager to list a session's turns.
type ScrollFilter map[string]string

// Store is the minimum interface every pipeline component needs from the
// vector database: upsert, delete, ANN search, and an unordered scroll over
// a filtered subset (bounded by limit).
type Store interface {
	EnsureCollection(ctx context.Context, collection string, dimension int) error
	Upsert(ctx context.Context, collection string, pt Point) error
	Delete(ctx context.Context, collection string, id string) error
	Search(ctx context.Context, collection string, vector []float32, k int, filter ScrollFilter) ([]Result, error)
	Scroll(ctx context.Context, collection string, filter ScrollFilter, limit int) ([]Result, error)
	DeleteWhere(ctx context.Context, collection string, filter ScrollFilter) (int, error)
	Close() error
}
