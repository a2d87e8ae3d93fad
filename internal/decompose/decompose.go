// Package decompose implements the sub-question decomposer (spec §4.H): a
// cheap gate decides whether a query is complex enough to split, an LLM call
// splits it, sub-questions are retrieved in parallel via the router-chosen
// retriever (bounded worker pool, grounded on this stack's
// internal/rag/retrieve candidate fan-out and golang.org/x/sync/errgroup
// usage elsewhere in the pack), mini-answers are generated per sub-question,
// and everything is merged and optionally synthesized into one extra
// context block.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
	"github.com/manifold-regs/ragqa/internal/retrieve"
)

// Config holds spec §4.H's SUBQUESTION_* tunables.
type Config struct {
	Enabled                bool
	ComplexityThreshold    int
	MinEntities            int
	MaxDepth               int
	HistoryCompressTurns   int
	HistoryMaxTokens       int
	DecompTimeoutSeconds   int
	SynthesisTimeoutSeconds int
	MinScore               float64
	MaxEmptyResults        int
	Parallelism            int
}

// Turn is the minimal view of prior conversation the decomposer needs for
// history compression; callers convert node.ConversationTurn values into it.
type Turn struct {
	UserQuery         string
	AssistantResponse string
}

// Metadata is returned alongside the merged nodes: whether the query was
// decomposed, its sub-questions, their mini-answers and the synthesized
// answer. The per-sub-question node lists are not included; only the merged
// node list is returned.
type Metadata struct {
	Decomposed        bool
	SubQuestions      []string
	SubAnswers        []string
	SynthesizedAnswer string
}

// Decomposer runs the full §4.H pipeline.
type Decomposer struct {
	cfg      Config
	provider llmprovider.Provider
	model    string
	metrics  obs.Metrics
	log      zerolog.Logger
}

// New constructs a Decomposer.
func New(cfg Config, provider llmprovider.Provider, model string, metrics obs.Metrics, log zerolog.Logger) *Decomposer {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Decomposer{cfg: cfg, provider: provider, model: model, metrics: metrics, log: log}
}

// entityRegex approximates "noun-like tokens" by distinct word runs of 2+
// characters — good enough for the cheap complexity gate spec §4.H asks
// for; a real NER model is out of scope for this stage.
var entityRegex = regexp.MustCompile(`[\p{L}\p{N}]{2,}`)

func countEntities(query string) int {
	seen := map[string]struct{}{}
	for _, w := range entityRegex.FindAllString(query, -1) {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return len(seen)
}

// shouldDecompose implements spec §4.H's "should-decompose decision": the
// feature flag must be on, and either the cheap length+entity heuristic
// fires or an optional LLM judge says yes (the judge is omitted here — this
// implementation relies on the heuristic alone).
func (d *Decomposer) shouldDecompose(query string) bool {
	if !d.cfg.Enabled {
		return false
	}
	threshold := d.cfg.ComplexityThreshold
	if threshold <= 0 {
		threshold = 60
	}
	minEntities := d.cfg.MinEntities
	if minEntities <= 0 {
		minEntities = 2
	}
	return len([]rune(query)) >= threshold && countEntities(query) >= minEntities
}

// RetrieveWithDecomposition implements the full state machine of spec §4.H:
// READY -> DECIDE -> (DECOMPOSE -> PARALLEL_RETRIEVE -> MINI_ANSWER -> MERGE
// -> SYNTHESIZE? -> DONE) | (STANDARD_RETRIEVE -> DONE) | (ERROR ->
// STANDARD_FALLBACK -> DONE).
func (d *Decomposer) RetrieveWithDecomposition(ctx context.Context, query string, rerankTopN int, history []Turn, chosen retrieve.Retriever) ([]node.ScoredNode, Metadata, error) {
	d.metrics.IncCounter("total_queries", nil)

	if !d.shouldDecompose(query) {
		nodes, err := d.standardRetrieve(ctx, chosen, query, rerankTopN)
		return nodes, Metadata{Decomposed: false}, err
	}

	historyContext := d.compressHistory(ctx, history)

	subQuestions, err := d.decomposeQuery(ctx, query, historyContext)
	if err != nil || len(subQuestions) == 0 {
		d.metrics.IncCounter("fallback_count", nil)
		nodes, rerr := d.standardRetrieve(ctx, chosen, query, rerankTopN)
		return nodes, Metadata{Decomposed: false}, rerr
	}
	if d.cfg.MaxDepth > 0 && len(subQuestions) > d.cfg.MaxDepth {
		subQuestions = subQuestions[:d.cfg.MaxDepth]
	}

	subResults, emptyCount := d.parallelRetrieve(ctx, subQuestions, chosen, rerankTopN)

	maxEmpty := d.cfg.MaxEmptyResults
	if maxEmpty <= 0 {
		maxEmpty = 2
	}
	if emptyCount >= maxEmpty {
		d.metrics.IncCounter("empty_results_count", nil)
		d.metrics.IncCounter("fallback_count", nil)
		nodes, rerr := d.standardRetrieve(ctx, chosen, query, rerankTopN)
		return nodes, Metadata{Decomposed: false}, rerr
	}

	subAnswers := d.generateMiniAnswers(ctx, subQuestions, subResults)

	merged := d.mergeResults(subResults, rerankTopN)

	synthesized := d.synthesize(ctx, query, subQuestions, subAnswers)

	d.metrics.IncCounter("decomposed_queries", nil)
	return merged, Metadata{
		Decomposed:        true,
		SubQuestions:      subQuestions,
		SubAnswers:        subAnswers,
		SynthesizedAnswer: synthesized,
	}, nil
}

func (d *Decomposer) standardRetrieve(ctx context.Context, chosen retrieve.Retriever, query string, rerankTopN int) ([]node.ScoredNode, error) {
	nodes, err := chosen.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("standard retrieve fallback: %w", err)
	}
	if rerankTopN > 0 && len(nodes) > rerankTopN {
		nodes = nodes[:rerankTopN]
	}
	return nodes, nil
}

// compressHistory implements spec §4.H's history compression: last N turns,
// truncate by an approximate token count (chars/2), LLM-summarize to <=200
// chars.
func (d *Decomposer) compressHistory(ctx context.Context, history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	n := d.cfg.HistoryCompressTurns
	if n <= 0 {
		n = 5
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}

	var sb strings.Builder
	maxTokens := d.cfg.HistoryMaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	maxChars := maxTokens * 2
	used := 0
	for _, t := range history {
		line := []rune(fmt.Sprintf("user: %s\nassistant: %s\n", t.UserQuery, t.AssistantResponse))
		if used+len(line) > maxChars {
			remaining := maxChars - used
			if remaining > 0 {
				sb.WriteString(string(line[:remaining]))
			}
			break
		}
		sb.WriteString(string(line))
		used += len(line)
	}

	raw := sb.String()
	if raw == "" {
		return ""
	}

	timeout := time.Duration(d.cfg.SynthesisTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary, err := d.callLLM(cctx, "Summarize the following conversation history in at most 200 characters, preserving the topics discussed:\n"+raw)
	if err != nil || summary == "" {
		if len([]rune(raw)) > 200 {
			return string([]rune(raw)[:200])
		}
		return raw
	}
	if len([]rune(summary)) > 200 {
		return string([]rune(summary)[:200])
	}
	return summary
}

var jsonListRegex = regexp.MustCompile(`\[[\s\S]*\]`)

// decomposeQuery implements spec §4.H's "Decompose" step: an LLM call
// returns 2..max_depth sub-questions as a JSON-ish list, bounded by
// decomp_timeout; on timeout/error/empty, the caller falls back to standard
// retrieve.
func (d *Decomposer) decomposeQuery(ctx context.Context, query, historyContext string) ([]string, error) {
	timeout := time.Duration(d.cfg.DecompTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Split the following question into 2-%d focused sub-questions that together cover it. Respond with a JSON array of strings only, nothing else.

Question: %s`, maxDepthOr(d.cfg.MaxDepth), query)
	if historyContext != "" {
		prompt = "Conversation context: " + historyContext + "\n\n" + prompt
	}

	reply, err := d.callLLM(cctx, prompt)
	if err != nil {
		d.metrics.IncCounter("timeout_count", nil)
		return nil, fmt.Errorf("decompose: %w", err)
	}

	match := jsonListRegex.FindString(reply)
	if match == "" {
		d.metrics.IncCounter("error_count", nil)
		return nil, fmt.Errorf("decompose: no JSON list found in reply")
	}
	var subs []string
	if err := json.Unmarshal([]byte(match), &subs); err != nil {
		d.metrics.IncCounter("error_count", nil)
		return nil, fmt.Errorf("decompose: parse sub-questions: %w", err)
	}
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func maxDepthOr(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

type subResult struct {
	question string
	nodes    []node.ScoredNode
}

// parallelRetrieve implements spec §4.H's "run chosen_retriever.retrieve on
// each sub-question concurrently with a bounded worker count", grounded on
// this repo's errgroup-with-semaphore fan-out pattern.
func (d *Decomposer) parallelRetrieve(ctx context.Context, subQuestions []string, chosen retrieve.Retriever, rerankTopN int) ([]subResult, int) {
	results := make([]subResult, len(subQuestions))
	parallelism := d.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 5
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, q := range subQuestions {
		i, q := i, q
		g.Go(func() error {
			nodes, err := chosen.Retrieve(gctx, q)
			if err != nil {
				d.log.Warn().Err(err).Str("sub_question", q).Msg("decompose: sub-retrieval failed")
				results[i] = subResult{question: q}
				return nil
			}
			if rerankTopN > 0 && len(nodes) > rerankTopN {
				nodes = nodes[:rerankTopN]
			}
			results[i] = subResult{question: q, nodes: nodes}
			return nil
		})
	}
	_ = g.Wait()

	empty := 0
	for _, r := range results {
		if len(r.nodes) == 0 {
			empty++
		}
	}
	return results, empty
}

// generateMiniAnswers implements spec §4.H's per-sub-question mini-answer
// generation: top-3 nodes formatted as "[ref N] ...", LLM answers in <=200
// chars with a per-call timeout, falling back to the first 200 chars of the
// top node on failure.
func (d *Decomposer) generateMiniAnswers(ctx context.Context, subQuestions []string, results []subResult) []string {
	answers := make([]string, len(subQuestions))
	timeout := time.Duration(d.cfg.SynthesisTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for i, r := range results {
		if len(r.nodes) == 0 {
			answers[i] = ""
			continue
		}
		top := r.nodes
		if len(top) > 3 {
			top = top[:3]
		}
		var refs strings.Builder
		for j, n := range top {
			fmt.Fprintf(&refs, "[ref %d] %s ", j+1, n.Node.Text)
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		answer, err := d.callLLM(cctx, fmt.Sprintf("Answer the question in at most 200 characters using only the references below.\nQuestion: %s\nReferences: %s", r.question, refs.String()))
		cancel()
		if err != nil || answer == "" {
			fallback := r.nodes[0].Node.Text
			if len([]rune(fallback)) > 200 {
				fallback = string([]rune(fallback)[:200])
			}
			answers[i] = fallback
			continue
		}
		if len([]rune(answer)) > 200 {
			answer = string([]rune(answer)[:200])
		}
		answers[i] = answer
	}
	return answers
}

// mergeResults implements spec §4.H's "Merge": union nodes across
// sub-results, dedup by node id, drop nodes below min_score, sort by score
// desc, truncate to rerank_top_n.
func (d *Decomposer) mergeResults(results []subResult, rerankTopN int) []node.ScoredNode {
	minScore := d.cfg.MinScore
	if minScore <= 0 {
		minScore = 0.3
	}
	seen := map[string]bool{}
	var merged []node.ScoredNode
	for _, r := range results {
		for _, n := range r.nodes {
			if seen[n.Node.ID] {
				continue
			}
			if n.Score < minScore {
				continue
			}
			seen[n.Node.ID] = true
			merged = append(merged, n)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Node.ID < merged[j].Node.ID
	})
	if rerankTopN > 0 && len(merged) > rerankTopN {
		merged = merged[:rerankTopN]
	}
	return merged
}

// synthesize implements spec §4.H's optional final consolidation call. A
// failure here is non-fatal: the pipeline proceeds without a synthesized
// answer rather than failing the request.
func (d *Decomposer) synthesize(ctx context.Context, query string, subQuestions, subAnswers []string) string {
	var sb strings.Builder
	for i := range subQuestions {
		if i < len(subAnswers) && subAnswers[i] != "" {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", subQuestions[i], subAnswers[i])
		}
	}
	if sb.Len() == 0 {
		return ""
	}

	timeout := time.Duration(d.cfg.SynthesisTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answer, err := d.callLLM(cctx, fmt.Sprintf("Consolidate the following sub-answers into one coherent passage answering: %s\n\n%s", query, sb.String()))
	if err != nil {
		d.log.Warn().Err(err).Msg("decompose: synthesis failed")
		return ""
	}
	return strings.TrimSpace(answer)
}

type collector struct{ sb strings.Builder }

func (c *collector) OnDelta(s string)          { c.sb.WriteString(s) }
func (c *collector) OnThoughtSummary(s string) {}

func (d *Decomposer) callLLM(ctx context.Context, prompt string) (string, error) {
	c := &collector{}
	err := d.provider.ChatStream(ctx, d.model, []llmprovider.Message{{Role: "user", Content: prompt}}, c)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(c.sb.String()), nil
}
