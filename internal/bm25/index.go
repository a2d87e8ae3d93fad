package bm25

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/rs/zerolog"
)

// Document is one node's text as seen by the BM25 branch (spec §4.D "each
// document is the node's text").
type Document struct {
	ID   string
	Text string
}

// Result is a single BM25 hit: a document id, bleve's relevance score
// (treated as the BM25 magnitude spec §4.D's fusion formula consumes), and
// the query tokens that actually occurred in the document's text.
type Result struct {
	ID              string
	Score           float64
	MatchedKeywords []string
}

// Index is a per-KB BM25 corpus. Text is segmented by Tokenize before
// indexing/querying so CJK runs are searchable; the bleve field holds the
// space-joined tokens and its analyzer only splits on whitespace (no
// lowercasing, stemming or stop words of bleve's own), so this package's
// tokenizer is the single source of truth
// for what counts as a token (needed to compute matched_keywords
// consistently with the scores bleve returns).
type Index struct {
	mu      sync.RWMutex
	bidx    bleve.Index
	skipped int
	log     zerolog.Logger
	loggedSkip bool
}

const contentField = "content"

// New builds an empty in-memory BM25 index (spec §4.D is per-KB and
// read-only after load; there is no on-disk persistence requirement beyond
// the kb_hashes.json reindex trigger handled by internal/kbindex).
func New(log zerolog.Logger) (*Index, error) {
	m := bleve.NewIndexMapping()
	if err := m.AddCustomAnalyzer("pretokenized", map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": whitespace.Name,
	}); err != nil {
		return nil, fmt.Errorf("register bm25 analyzer: %w", err)
	}
	m.DefaultAnalyzer = "pretokenized"
	docMapping := bleve.NewDocumentMapping()
	fieldMapping := bleve.NewTextFieldMapping()
	fieldMapping.Analyzer = "pretokenized"
	docMapping.AddFieldMappingsAt(contentField, fieldMapping)
	m.DefaultMapping = docMapping

	bidx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("create bm25 index: %w", err)
	}
	return &Index{bidx: bidx, log: log}, nil
}

type bleveDoc struct {
	Content string `json:"content"`
}

// Build indexes docs, skipping (and counting) any whose text tokenizes to
// nothing — spec §4.D's failure mode: "if BM25 tokenization fails for a node
// at index build, skip it and continue (count skipped nodes; log once)".
func (idx *Index) Build(ctx context.Context, docs []Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	batch := idx.bidx.NewBatch()
	indexed := 0
	for _, d := range docs {
		toks := Tokenize(d.Text)
		if len(toks) == 0 {
			idx.skipped++
			if !idx.loggedSkip {
				idx.loggedSkip = true
				idx.log.Warn().Int("skipped", idx.skipped).Msg("bm25: skipping nodes with no tokenizable text")
			}
			continue
		}
		if err := batch.Index(d.ID, bleveDoc{Content: strings.Join(toks, " ")}); err != nil {
			return fmt.Errorf("bm25 index doc %s: %w", d.ID, err)
		}
		indexed++
	}
	if indexed == 0 {
		return nil
	}
	if err := idx.bidx.Batch(batch); err != nil {
		return fmt.Errorf("bm25 batch: %w", err)
	}
	return nil
}

// SkippedCount returns how many documents were dropped at build time for
// failing to tokenize.
func (idx *Index) SkippedCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.skipped
}

// Search runs a BM25 query over the index and returns the top k hits with
// per-hit matched_keywords (spec §4.D: "query tokens of length >= 2 that
// occur in its text").
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	qTokens := Tokenize(query)
	if len(qTokens) == 0 || k <= 0 {
		return nil, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	q := bleve.NewDisjunctionQuery()
	for _, t := range qTokens {
		tq := bleve.NewTermQuery(t)
		tq.SetField(contentField)
		q.AddQuery(tq)
	}
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{contentField}

	res, err := idx.bidx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		content, _ := hit.Fields[contentField].(string)
		out = append(out, Result{
			ID:              hit.ID,
			Score:           hit.Score,
			MatchedKeywords: matchedKeywords(qTokens, content),
		})
	}
	return out, nil
}

// QueryKeywords returns every tokenized query term (Tokenize's output, so
// tokens shorter than 2 runes are already dropped), the "query_keywords" field of spec
// §4.D's matched-keyword contract.
func QueryKeywords(query string) []string {
	return Tokenize(query)
}

func matchedKeywords(queryTokens []string, indexedContent string) []string {
	present := make(map[string]struct{}, len(indexedContent))
	for _, t := range strings.Fields(indexedContent) {
		present[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(queryTokens))
	var out []string
	for _, t := range queryTokens {
		if len([]rune(t)) < 2 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		if _, ok := present[t]; ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Close releases the underlying bleve index.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bidx.Close()
}
