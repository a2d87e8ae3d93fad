// Package retrieve implements the hybrid per-KB retriever (spec §4.D), the
// multi-KB merger (§4.E) and the reranker stage (§4.F). The RRF fusion
// shape is grounded on this stack's internal/rag/retrieve.FuseRRF, adapted
// from the FTS/vector candidate-list fusion there to the weighted,
// low-vector-score-bypass formula spec §4.D requires (the teacher's plain
// RRF has no bypass and is insufficient for B2/P5).
package retrieve

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/bm25"
	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

// KB bundles the resources one knowledge base needs to answer Retrieve:
// its vector-store collection, a shared embedder, and its own BM25 index.
type KB struct {
	Name       string
	Collection string
	Store      vectorstore.Store
	Embedder   embedclient.Embedder
	BM25       *bm25.Index
}

// FusionParams holds the weighted-RRF tunables of spec §4.D (RRF_K,
// RRF_VECTOR_WEIGHT, RRF_BM25_WEIGHT) plus the branch fan-out sizes.
type FusionParams struct {
	TopKVector  int
	TopKBM25    int
	TopKMerged  int
	RRFK        int
	VectorWeight float64
	BM25Weight   float64
}

// vectorScoreFloor is the "s_v(n) > 0.01" threshold in spec §4.D's
// vector_valid predicate: below this, the dense branch is considered
// uninformative for that node and the BM25-bypass branch takes over.
const vectorScoreFloor = 0.01

// HybridRetriever answers Retrieve for a single KB by running the dense and
// BM25 branches and fusing them (spec §4.D).
type HybridRetriever struct {
	kb     KB
	params FusionParams
	log    zerolog.Logger
}

// NewHybridRetriever constructs a per-KB retriever.
func NewHybridRetriever(kb KB, params FusionParams, log zerolog.Logger) *HybridRetriever {
	return &HybridRetriever{kb: kb, params: params, log: log}
}

// KBName returns the name of the knowledge base this retriever serves.
func (h *HybridRetriever) KBName() string { return h.kb.Name }

// branchHit captures one branch's view of a node, prior to fusion.
type branchHit struct {
	node            node.Node
	vectorScore     *float64
	vectorRank      *int
	bm25Score       *float64
	bm25Rank        *int
	matchedKeywords []string
}

// Retrieve runs both branches and returns up to TopKMerged fused
// ScoredNodes, ordered by InitialScore desc (spec §4.D contract).
func (h *HybridRetriever) Retrieve(ctx context.Context, query string) ([]node.ScoredNode, error) {
	hits := map[string]*branchHit{}
	order := func(id string) *branchHit {
		if hh, ok := hits[id]; ok {
			return hh
		}
		hh := &branchHit{}
		hits[id] = hh
		return hh
	}

	if h.kb.Embedder != nil && h.kb.Store != nil {
		vec, err := h.kb.Embedder.EmbedBatch(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embed query for kb %s: %w", h.kb.Name, err)
		}
		if len(vec) == 1 {
			results, err := h.kb.Store.Search(ctx, h.kb.Collection, vec[0], h.params.TopKVector, nil)
			if err != nil {
				return nil, fmt.Errorf("vector search kb %s: %w", h.kb.Name, err)
			}
			for i, r := range results {
				n := node.FromPayload(r.ID, r.Payload)
				hh := order(r.ID)
				hh.node = n
				score := r.Score
				rank := i + 1
				hh.vectorScore = &score
				hh.vectorRank = &rank
			}
		}
	}

	if h.kb.BM25 != nil {
		results, err := h.kb.BM25.Search(ctx, query, h.params.TopKBM25)
		if err != nil {
			return nil, fmt.Errorf("bm25 search kb %s: %w", h.kb.Name, err)
		}
		for i, r := range results {
			hh := order(r.ID)
			if hh.node.ID == "" {
				hh.node.ID = r.ID
			}
			score := r.Score
			rank := i + 1
			hh.bm25Score = &score
			hh.bm25Rank = &rank
			hh.matchedKeywords = r.MatchedKeywords
		}
	}

	queryKeywords := bm25.QueryKeywords(query)

	out := make([]node.ScoredNode, 0, len(hits))
	for id, hh := range hits {
		sn := node.ScoredNode{
			Node:            hh.node,
			VectorScore:     hh.vectorScore,
			VectorRank:      hh.vectorRank,
			BM25Score:       hh.bm25Score,
			BM25Rank:        hh.bm25Rank,
			MatchedKeywords: hh.matchedKeywords,
		}
		if sn.Node.ID == "" {
			sn.Node.ID = id
		}
		if hh.vectorScore != nil {
			sn.SourceTags = append(sn.SourceTags, node.SourceVector)
		}
		if hh.bm25Score != nil {
			sn.SourceTags = append(sn.SourceTags, node.SourceKeyword)
			sn.QueryKeywords = queryKeywords
		}
		sn.InitialScore = h.fuse(hh)
		sn.Score = sn.InitialScore
		out = append(out, sn)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].InitialScore != out[j].InitialScore {
			return out[i].InitialScore > out[j].InitialScore
		}
		return out[i].Node.ID < out[j].Node.ID
	})

	topK := h.params.TopKMerged
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// fuse implements spec §4.D's weighted RRF with low-vector-score bypass:
//
//	vector_valid = r_v defined AND s_v > 0.01
//	bm25_valid   = r_b defined
//	if !vector_valid && bm25_valid: score = w_b * s_b   (BYPASS)
//	else: score = [vector_valid]*w_v/(k+r_v) + [bm25_valid]*w_b/(k+r_b)
//
// The bypass exists because pure RRF only looks at ranks, so a node found
// solely by BM25 always gets the same w_b/(k+r_b) contribution regardless of
// how strong its BM25 match is — inverting orderings like the 14.88-vs-14.64
// case in spec §8 scenario 4. Using the raw BM25 magnitude instead preserves
// that ordering while leaving normal two-branch fusion untouched.
func (h *HybridRetriever) fuse(hh *branchHit) float64 {
	vectorValid := hh.vectorRank != nil && hh.vectorScore != nil && *hh.vectorScore > vectorScoreFloor
	bm25Valid := hh.bm25Rank != nil

	if !vectorValid && bm25Valid {
		return h.params.BM25Weight * *hh.bm25Score
	}

	k := float64(h.params.RRFK)
	var score float64
	if vectorValid {
		score += h.params.VectorWeight / (k + float64(*hh.vectorRank))
	}
	if bm25Valid {
		score += h.params.BM25Weight / (k + float64(*hh.bm25Rank))
	}
	return score
}
