package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/rerankclient"
)

// TestRerankPreservesMetadata covers spec §4.F's invariant: retrieval-stage
// fields must survive the rerank stage untouched; only Score/RerankScore
// change.
func TestRerankPreservesMetadata(t *testing.T) {
	vScore := 0.8
	bScore := 12.0
	candidates := []node.ScoredNode{
		{
			Node:            node.Node{ID: "a", Text: "visa policy"},
			InitialScore:    0.5,
			Score:           0.5,
			SourceTags:      []node.SourceTag{node.SourceVector, node.SourceKeyword},
			VectorScore:     &vScore,
			BM25Score:       &bScore,
			MatchedKeywords: []string{"visa"},
		},
		{
			Node:         node.Node{ID: "b", Text: "unrelated text"},
			InitialScore: 0.4,
			Score:        0.4,
			SourceTags:   []node.SourceTag{node.SourceVector},
		},
	}

	out, err := Rerank(context.Background(), rerankclient.TokenOverlapReranker{}, "visa policy", candidates, RerankParams{
		InputTopN: 10, TopN: 10, Threshold: 0.01,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Node.ID)
	require.Equal(t, 0.5, out[0].InitialScore, "InitialScore must survive rerank untouched")
	require.NotNil(t, out[0].RerankScore)
	require.Equal(t, []string{"visa"}, out[0].MatchedKeywords)
	require.ElementsMatch(t, []node.SourceTag{node.SourceVector, node.SourceKeyword}, out[0].SourceTags)
}

func TestRerankThresholdAndTopN(t *testing.T) {
	candidates := []node.ScoredNode{
		{Node: node.Node{ID: "a", Text: "alpha beta gamma"}, InitialScore: 1, Score: 1},
		{Node: node.Node{ID: "b", Text: "alpha"}, InitialScore: 0.9, Score: 0.9},
		{Node: node.Node{ID: "c", Text: "unrelated"}, InitialScore: 0.8, Score: 0.8},
	}
	out, err := Rerank(context.Background(), rerankclient.TokenOverlapReranker{}, "alpha beta gamma", candidates, RerankParams{
		InputTopN: 3, TopN: 1, Threshold: 0.3,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Node.ID)
}
