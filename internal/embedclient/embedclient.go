// Package embedclient vectorises text for the dense retrieval branch. It
// exposes a small Embedder interface so the pipeline can swap a real HTTP
// client for a deterministic fake in tests, modeled on this stack's
// rag/embedder package.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"
)

// Embedder turns text into dense vectors for the vector store branch of
// hybrid retrieval (spec §4.D "Dense branch").
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HTTPEmbedder calls a remote embedding endpoint shaped like OpenAI's
// /v1/embeddings: one request per batch, JSON in, JSON out.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// NewHTTPEmbedder constructs a client against baseURL (e.g. an
// OpenAI-compatible embeddings endpoint).
func NewHTTPEmbedder(baseURL, apiKey, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPEmbedder) Dimension() int { return h.dim }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (h *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: h.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, string(raw))
	}
	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed service returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Deterministic is a hash-based fake embedder for tests: it folds byte
// 3-grams into a fixed-size vector and L2-normalizes, so byte-identical
// strings embed identically without a real model call.
type Deterministic struct {
	dim int
}

// NewDeterministic constructs a deterministic embedder of the given
// dimension (defaults to 64 when dim <= 0).
func NewDeterministic(dim int) *Deterministic {
	if dim <= 0 {
		dim = 64
	}
	return &Deterministic{dim: dim}
}

func (d *Deterministic) Dimension() int { return d.dim }

func (d *Deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *Deterministic) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) < 3 {
		foldGram(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			foldGram(b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func foldGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
