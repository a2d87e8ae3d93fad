package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.EnsureCollection(ctx, "kb", 3))

	require.NoError(t, store.Upsert(ctx, "kb", Point{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"doc_id": "d1"}}))
	require.NoError(t, store.Upsert(ctx, "kb", Point{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]any{"doc_id": "d2"}}))

	results, err := store.Search(ctx, "kb", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
}

func TestMemoryStoreScrollFilterAndDeleteWhere(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, "conversations", Point{ID: "t1", Payload: map[string]any{"session_id": "s1"}}))
	require.NoError(t, store.Upsert(ctx, "conversations", Point{ID: "t2", Payload: map[string]any{"session_id": "s2"}}))

	results, err := store.Scroll(ctx, "conversations", ScrollFilter{"session_id": "s1"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].ID)

	n, err := store.DeleteWhere(ctx, "conversations", ScrollFilter{"session_id": "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, err := store.Scroll(ctx, "conversations", nil, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "t2", remaining[0].ID)
}
