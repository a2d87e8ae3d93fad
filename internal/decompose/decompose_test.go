package decompose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
)

type scriptedProvider struct {
	replies []string
	calls   int
	err     error
}

func (p *scriptedProvider) Name() string { return "fake" }
func (p *scriptedProvider) ChatStream(ctx context.Context, model string, msgs []llmprovider.Message, h llmprovider.StreamHandler) error {
	if p.err != nil {
		return p.err
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.replies) {
		h.OnDelta("")
		return nil
	}
	h.OnDelta(p.replies[idx])
	return nil
}

type fakeRetriever struct {
	byQuery map[string][]node.ScoredNode
	def     []node.ScoredNode
}

func (f fakeRetriever) Retrieve(_ context.Context, query string) ([]node.ScoredNode, error) {
	if n, ok := f.byQuery[query]; ok {
		return n, nil
	}
	return f.def, nil
}

func defaultConfig() Config {
	return Config{
		Enabled:                 true,
		ComplexityThreshold:     60,
		MinEntities:             2,
		MaxDepth:                3,
		HistoryCompressTurns:    5,
		HistoryMaxTokens:        500,
		DecompTimeoutSeconds:    5,
		SynthesisTimeoutSeconds: 5,
		MinScore:                0.3,
		MaxEmptyResults:         2,
		Parallelism:             4,
	}
}

func scoredNode(id string, score float64, text string) node.ScoredNode {
	return node.ScoredNode{Node: node.Node{ID: id, Text: text}, Score: score, InitialScore: score}
}

// TestDecomposeShortQueryUsesStandardRetrieve covers the cheap gate: a short
// query never triggers decomposition.
func TestDecomposeShortQueryUsesStandardRetrieve(t *testing.T) {
	p := &scriptedProvider{}
	d := New(defaultConfig(), p, "model", obs.NewCounters(), zerolog.Nop())
	ret := fakeRetriever{def: []node.ScoredNode{scoredNode("a", 0.9, "text")}}

	nodes, meta, err := d.RetrieveWithDecomposition(context.Background(), "短问题", 10, nil, ret)
	require.NoError(t, err)
	require.False(t, meta.Decomposed)
	require.Len(t, nodes, 1)
	require.Equal(t, 0, p.calls, "standard path must not call the LLM")
}

// TestDecomposeLongQuerySplitsAndSynthesizes covers spec §8 scenario 5.
func TestDecomposeLongQuerySplitsAndSynthesizes(t *testing.T) {
	longQuery := "中国护照去哪些国家免签，停留时间是多久，需要什么条件？这是一段很长的问题用于触发分解逻辑测试场景五，请分别说明每个国家的具体政策和办理要求"
	require.GreaterOrEqual(t, len([]rune(longQuery)), 60)

	subQ1 := "中国护照去哪些国家免签？"
	subQ2 := "免签停留时间是多久？"

	p := &scriptedProvider{
		replies: []string{
			`["` + subQ1 + `","` + subQ2 + `"]`, // decomposeQuery
			"mini answer 1",                     // mini-answer for subQ1
			"mini answer 2",                     // mini-answer for subQ2
			"synthesized consolidated answer",   // synthesize
		},
	}
	counters := obs.NewCounters()
	d := New(defaultConfig(), p, "model", counters, zerolog.Nop())

	ret := fakeRetriever{
		byQuery: map[string][]node.ScoredNode{
			subQ1: {scoredNode("n1", 0.9, "visa free list")},
			subQ2: {scoredNode("n2", 0.8, "stay duration")},
		},
	}

	nodes, meta, err := d.RetrieveWithDecomposition(context.Background(), longQuery, 10, nil, ret)
	require.NoError(t, err)
	require.True(t, meta.Decomposed)
	require.Len(t, meta.SubQuestions, 2)
	require.NotEmpty(t, meta.SynthesizedAnswer)
	require.Len(t, nodes, 2)
	require.Equal(t, 1, counters.Count("decomposed_queries"))
}

// TestDecomposeFallsBackOnDecompError covers the ERROR -> STANDARD_FALLBACK
// transition.
func TestDecomposeFallsBackOnDecompError(t *testing.T) {
	longQuery := strings.Repeat("中国护照去哪些国家免签，停留时间条件问题内容扩充使其超过阈值字符数目以触发分解", 2)
	p := &scriptedProvider{err: errors.New("llm unavailable")}
	counters := obs.NewCounters()
	d := New(defaultConfig(), p, "model", counters, zerolog.Nop())
	ret := fakeRetriever{def: []node.ScoredNode{scoredNode("a", 0.9, "fallback text")}}

	nodes, meta, err := d.RetrieveWithDecomposition(context.Background(), longQuery, 10, nil, ret)
	require.NoError(t, err)
	require.False(t, meta.Decomposed)
	require.Len(t, nodes, 1)
	require.Equal(t, 1, counters.Count("fallback_count"))
}

func TestMergeResultsDedupsAndFiltersByMinScore(t *testing.T) {
	d := New(defaultConfig(), &scriptedProvider{}, "model", obs.NoopMetrics{}, zerolog.Nop())
	results := []subResult{
		{question: "q1", nodes: []node.ScoredNode{scoredNode("a", 0.9, "t"), scoredNode("b", 0.1, "t")}},
		{question: "q2", nodes: []node.ScoredNode{scoredNode("a", 0.95, "t"), scoredNode("c", 0.5, "t")}},
	}
	merged := d.mergeResults(results, 10)
	ids := map[string]bool{}
	for _, n := range merged {
		ids[n.Node.ID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["c"])
	require.False(t, ids["b"], "below min_score must be dropped")
	require.Len(t, merged, 2, "duplicate id 'a' must be deduped")
}
