// Package rerankclient scores (query, passage) pairs against a cross-encoder
// reranker service, grounded on this stack's llama.cpp-reranker HTTP client
// shape (internal/sefii's ReRankChunks), generalised from "reorder chunks in
// place" to "return scores so the caller carries retrieval metadata through"
// per spec §4.F's invariant that rerank must not drop prior-stage metadata.
package rerankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Reranker scores a query against a batch of passages.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

type request struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type response struct {
	Results []result `json:"results"`
}

// HTTPReranker calls a remote cross-encoder reranker endpoint.
type HTTPReranker struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewHTTPReranker constructs a client against the given reranker endpoint.
func NewHTTPReranker(url, model, apiKey string) *HTTPReranker {
	return &HTTPReranker{url: url, model: model, apiKey: apiKey, client: &http.Client{Timeout: 30 * time.Second}}
}

func (r *HTTPReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(request{Model: r.model, Query: query, TopN: len(passages), Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(raw))
	}
	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse rerank response: %w", err)
	}
	scores := make([]float64, len(passages))
	for _, res := range parsed.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
		}
	}
	return scores, nil
}

// TokenOverlapReranker is a deterministic fake reranker for tests: it scores
// a passage by the fraction of query tokens it contains. No network call.
type TokenOverlapReranker struct{}

func (TokenOverlapReranker) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	qTokens := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(passages))
	if len(qTokens) == 0 {
		return scores, nil
	}
	for i, p := range passages {
		lp := strings.ToLower(p)
		hit := 0
		for _, tok := range qTokens {
			if strings.Contains(lp, tok) {
				hit++
			}
		}
		scores[i] = float64(hit) / float64(len(qTokens))
	}
	return scores, nil
}

// SortByScore is a small helper mirroring this stack's sortChunksByScore
// pattern, exposed for callers that want scored-and-sorted passages.
func SortByScore(passages []string, scores []float64) ([]string, []float64) {
	idx := make([]int, len(passages))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })
	outP := make([]string, len(passages))
	outS := make([]float64, len(scores))
	for i, j := range idx {
		outP[i] = passages[j]
		outS[i] = scores[j]
	}
	return outP, outS
}
