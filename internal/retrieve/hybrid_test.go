package retrieve

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/bm25"
	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

func defaultParams() FusionParams {
	return FusionParams{
		TopKVector:   30,
		TopKBM25:     30,
		TopKMerged:   30,
		RRFK:         10,
		VectorWeight: 0.7,
		BM25Weight:   0.3,
	}
}

// TestBM25BypassOrdering exercises spec §8 scenario 4 / invariant P5: when a
// node is found only by BM25, a higher raw BM25 score must outrank a lower
// one, which plain rank-only RRF cannot guarantee in general but the bypass
// formula does by construction.
func TestBM25BypassOrdering(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.EnsureCollection(ctx, "kb", 8))

	bidx, err := bm25.New(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, bidx.Build(ctx, []bm25.Document{
		{ID: "strong", Text: "JS0 扣减次数 JS0 扣减次数 配额超限"},
		{ID: "weak", Text: "JS0 扣减次数 其他说明 情况 补充 详细 报告 附件"},
	}))

	embedder := embedclient.NewDeterministic(8)
	// Dense scores deliberately near-zero / absent for both nodes: neither
	// node is upserted into the vector store, so the dense branch returns
	// nothing for them and vectorValid is false for both.
	kb := KB{Name: "kb", Collection: "kb", Store: store, Embedder: embedder, BM25: bidx}
	hr := NewHybridRetriever(kb, defaultParams(), zerolog.Nop())

	results, err := hr.Retrieve(ctx, "JS0 扣减次数")
	require.NoError(t, err)
	require.Len(t, results, 2)

	var strongIdx, weakIdx int = -1, -1
	for i, r := range results {
		switch r.Node.ID {
		case "strong":
			strongIdx = i
		case "weak":
			weakIdx = i
		}
	}
	require.NotEqual(t, -1, strongIdx)
	require.NotEqual(t, -1, weakIdx)
	require.NotNil(t, results[strongIdx].BM25Score)
	require.NotNil(t, results[weakIdx].BM25Score)
	require.Greater(t, *results[strongIdx].BM25Score, *results[weakIdx].BM25Score, "bm25 raw scores must differ for the test to be meaningful")
	require.Less(t, strongIdx, weakIdx, "higher bm25 score must rank strictly before lower one under the bypass (P5)")
}

// TestHybridRetrieveSourceTags checks P4: every ScoredNode's source tags
// are a non-empty subset of {vector, keyword}.
func TestHybridRetrieveSourceTags(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.EnsureCollection(ctx, "kb", 8))
	embedder := embedclient.NewDeterministic(8)

	vec, err := embedder.EmbedBatch(ctx, []string{"签证 办理流程"})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "kb", vectorstore.Point{
		ID: "n1", Vector: vec[0],
		Payload: map[string]any{"text": "签证 办理流程", "file_name": "visa.md"},
	}))

	bidx, err := bm25.New(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, bidx.Build(ctx, []bm25.Document{{ID: "n1", Text: "签证 办理流程"}}))

	kb := KB{Name: "kb", Collection: "kb", Store: store, Embedder: embedder, BM25: bidx}
	hr := NewHybridRetriever(kb, defaultParams(), zerolog.Nop())

	results, err := hr.Retrieve(ctx, "签证 办理流程")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].SourceTags)
	for _, tag := range results[0].SourceTags {
		require.Contains(t, []string{"vector", "keyword"}, string(tag))
	}
	require.Equal(t, "visa.md", results[0].Node.Metadata["file_name"])
}
