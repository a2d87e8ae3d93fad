package retrieve

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/node"
)

// Retriever is satisfied by anything that can answer a query with a ranked
// ScoredNode list — the HybridRetriever, or a test fake.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]node.ScoredNode, error)
}

// StrategyReturnCounts holds the fixed total-return counts per strategy
// (spec §4.E: "total-return counts are fixed by strategy, not from caller's
// rerank_top_n" — except for `general`, which spec §4.E explicitly ties to
// the caller's rerank_top_n).
type StrategyReturnCounts struct {
	VisaFree        int
	Airline         int
	AirlineVisaFree int
}

// MultiKBRetriever orchestrates per-KB HybridRetrievers under the merge
// templates of spec §4.E. Any of VisaFree/Airline may be nil when the
// corresponding feature flag is off; General must always be present — every
// strategy is a superset of it (the safety-net invariant).
type MultiKBRetriever struct {
	General  Retriever
	VisaFree Retriever
	Airline  Retriever

	Counts StrategyReturnCounts
	log    zerolog.Logger
}

// NewMultiKBRetriever constructs the multi-KB orchestrator.
func NewMultiKBRetriever(general, visaFree, airline Retriever, counts StrategyReturnCounts, log zerolog.Logger) *MultiKBRetriever {
	return &MultiKBRetriever{General: general, VisaFree: visaFree, Airline: airline, Counts: counts, log: log}
}

// slot is one "take up to `count` unused top nodes from this KB" merge step.
type slot struct {
	kbName string
	nodes  []node.ScoredNode
	count  int
}

const comparativeSlotSize = 5
const perKBSlotSize = 5

// RetrieveGeneral runs the `general` strategy: the general KB alone,
// returning the caller's requested rerank_top_n (spec §4.E table row
// "general").
func (m *MultiKBRetriever) RetrieveGeneral(ctx context.Context, query string, rerankTopN int) ([]node.ScoredNode, error) {
	if m.General == nil {
		return nil, fmt.Errorf("multikb: general KB retriever not configured")
	}
	results, err := m.General.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("general retrieve: %w", err)
	}
	if rerankTopN > 0 && len(results) > rerankTopN {
		results = results[:rerankTopN]
	}
	return results, nil
}

// RetrieveVisaFree runs the `visa_free` strategy: visa_free + general,
// returning 15 (default), composed as visa_free top-5 ∪ general top-5 ∪
// comparative top-5 from the remainder.
func (m *MultiKBRetriever) RetrieveVisaFree(ctx context.Context, query string) ([]node.ScoredNode, error) {
	if m.VisaFree == nil {
		return nil, fmt.Errorf("multikb: visa_free KB retriever not configured")
	}
	vf, gen, err := m.retrieveTwo(ctx, query, m.VisaFree, m.General)
	if err != nil {
		return nil, err
	}
	return merge([]slot{
		{kbName: "visa_free", nodes: vf, count: perKBSlotSize},
		{kbName: "general", nodes: gen, count: perKBSlotSize},
	}, comparativeSlotSize, m.Counts.VisaFree), nil
}

// RetrieveAirline runs the `airline` strategy: airline + general, returning
// 15 (default), composed as airline top-5 ∪ general top-5 ∪ comparative
// top-5 from the remainder.
func (m *MultiKBRetriever) RetrieveAirline(ctx context.Context, query string) ([]node.ScoredNode, error) {
	if m.Airline == nil {
		return nil, fmt.Errorf("multikb: airline KB retriever not configured")
	}
	air, gen, err := m.retrieveTwo(ctx, query, m.Airline, m.General)
	if err != nil {
		return nil, err
	}
	return merge([]slot{
		{kbName: "airline", nodes: air, count: perKBSlotSize},
		{kbName: "general", nodes: gen, count: perKBSlotSize},
	}, comparativeSlotSize, m.Counts.Airline), nil
}

// RetrieveAirlineVisaFree runs the `airline_visa_free` strategy: airline +
// visa_free + general, returning 20 (default), composed as airline top-5 ∪
// visa_free top-5 ∪ general top-5 ∪ comparative top-5 from the remainder.
func (m *MultiKBRetriever) RetrieveAirlineVisaFree(ctx context.Context, query string) ([]node.ScoredNode, error) {
	if m.Airline == nil || m.VisaFree == nil {
		return nil, fmt.Errorf("multikb: airline_visa_free requires both airline and visa_free KBs")
	}
	air, gen, err := m.retrieveTwo(ctx, query, m.Airline, m.General)
	if err != nil {
		return nil, err
	}
	vf, err := m.VisaFree.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("visa_free retrieve: %w", err)
	}
	return merge([]slot{
		{kbName: "airline", nodes: air, count: perKBSlotSize},
		{kbName: "visa_free", nodes: vf, count: perKBSlotSize},
		{kbName: "general", nodes: gen, count: perKBSlotSize},
	}, comparativeSlotSize, m.Counts.AirlineVisaFree), nil
}

func (m *MultiKBRetriever) retrieveTwo(ctx context.Context, query string, primary, general Retriever) ([]node.ScoredNode, []node.ScoredNode, error) {
	p, err := primary.Retrieve(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("primary retrieve: %w", err)
	}
	var g []node.ScoredNode
	if general != nil {
		g, err = general.Retrieve(ctx, query)
		if err != nil {
			return nil, nil, fmt.Errorf("general retrieve: %w", err)
		}
	}
	return p, g, nil
}

// merge implements spec §4.E's merge rules: within each slot, take the
// unused highest-scored nodes of that KB; pool whatever's left from all
// consulted KBs and take the top-scored regardless of origin; dedup by
// node id throughout (first occurrence wins); final order is by
// InitialScore desc.
func merge(slots []slot, remainderCount, totalReturn int) []node.ScoredNode {
	used := map[string]bool{}
	var accepted []node.ScoredNode

	for _, s := range slots {
		taken := 0
		for _, n := range s.nodes {
			if taken >= s.count {
				break
			}
			if used[n.Node.ID] {
				continue
			}
			used[n.Node.ID] = true
			accepted = append(accepted, n)
			taken++
		}
	}

	if remainderCount > 0 {
		var pool []node.ScoredNode
		for _, s := range slots {
			for _, n := range s.nodes {
				if !used[n.Node.ID] {
					pool = append(pool, n)
				}
			}
		}
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].InitialScore != pool[j].InitialScore {
				return pool[i].InitialScore > pool[j].InitialScore
			}
			return pool[i].Node.ID < pool[j].Node.ID
		})
		taken := 0
		for _, n := range pool {
			if taken >= remainderCount {
				break
			}
			if used[n.Node.ID] {
				continue
			}
			used[n.Node.ID] = true
			accepted = append(accepted, n)
			taken++
		}
	}

	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].InitialScore != accepted[j].InitialScore {
			return accepted[i].InitialScore > accepted[j].InitialScore
		}
		return accepted[i].Node.ID < accepted[j].Node.ID
	})

	if totalReturn > 0 && len(accepted) > totalReturn {
		accepted = accepted[:totalReturn]
	}
	return accepted
}
