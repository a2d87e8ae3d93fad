package embedclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedBatchIsStable(t *testing.T) {
	emb := NewDeterministic(32)
	ctx := context.Background()

	a, err := emb.EmbedBatch(ctx, []string{"visa free entry to Thailand"})
	require.NoError(t, err)
	b, err := emb.EmbedBatch(ctx, []string{"visa free entry to Thailand"})
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a[0], 32)
}

func TestDeterministicEmbedBatchDiffers(t *testing.T) {
	emb := NewDeterministic(32)
	ctx := context.Background()

	a, err := emb.EmbedBatch(ctx, []string{"airline crew visa"})
	require.NoError(t, err)
	b, err := emb.EmbedBatch(ctx, []string{"general passport renewal"})
	require.NoError(t, err)

	require.NotEqual(t, a[0], b[0])
}
