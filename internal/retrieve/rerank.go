package retrieve

import (
	"context"
	"fmt"
	"sort"

	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/rerankclient"
)

// RerankParams are spec §4.F's tunables.
type RerankParams struct {
	InputTopN int
	TopN      int
	Threshold float64
}

// Rerank implements spec §4.F: submit up to InputTopN highest-scored
// candidates to the rerank model, keep those scoring >= Threshold, truncate
// to TopN. Retrieval-stage metadata (source tags, per-branch scores/ranks,
// matched keywords, InitialScore) is carried through untouched — only Score
// and RerankScore change — satisfying the invariant that the rerank stage
// must never drop what retrieval attached.
func Rerank(ctx context.Context, reranker rerankclient.Reranker, query string, candidates []node.ScoredNode, params RerankParams) ([]node.ScoredNode, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := make([]node.ScoredNode, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	inputN := params.InputTopN
	if inputN <= 0 || inputN > len(ordered) {
		inputN = len(ordered)
	}
	submitted := ordered[:inputN]
	rest := ordered[inputN:]

	passages := make([]string, len(submitted))
	for i, c := range submitted {
		passages[i] = c.Node.Text
	}

	scores, err := reranker.Score(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(submitted) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(scores), len(submitted))
	}

	out := make([]node.ScoredNode, 0, len(submitted))
	for i, c := range submitted {
		rs := scores[i]
		if rs < params.Threshold {
			continue
		}
		c.RerankScore = &rs
		c.Score = rs
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})

	if params.TopN > 0 && len(out) > params.TopN {
		out = out[:params.TopN]
	}
	_ = rest // not submitted to the reranker; dropped from the candidate set
	return out, nil
}
