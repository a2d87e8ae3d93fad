// Package node defines the data types shared by every retrieval stage: the
// indexed text chunk (Node), its scored form once a retriever has touched it
// (ScoredNode), and the knowledge-base/session/turn types that sit around
// them.
package node

import "time"

// Node is a single indexed text chunk. It is immutable once built: created at
// ingestion/load time and destroyed only by reingest.
type Node struct {
	ID       string
	Text     string
	Metadata map[string]string
	Vector   []float32

	// ExcludedEmbedKeys and ExcludedLLMKeys mirror the source payload's
	// excluded_embed_metadata_keys / excluded_llm_metadata_keys markers.
	// They must survive a vector-store round trip (see ToPayload/FromPayload).
	ExcludedEmbedKeys []string
	ExcludedLLMKeys   []string
}

// SourceTag identifies which retrieval branch surfaced a node.
type SourceTag string

const (
	SourceVector  SourceTag = "vector"
	SourceKeyword SourceTag = "keyword"
)

// ScoredNode is a Node annotated with retrieval provenance. It is
// request-scoped and never persisted.
type ScoredNode struct {
	Node Node

	Score        float64
	InitialScore float64
	RerankScore  *float64

	SourceTags []SourceTag

	VectorScore *float64
	BM25Score   *float64
	VectorRank  *int
	BM25Rank    *int

	MatchedKeywords []string
	QueryKeywords   []string

	// InsertBlock annotations, populated only when that stage ran and kept
	// this node.
	CanAnswer  *bool
	KeyPassage string
	Reasoning  string
}

// HasSource reports whether the node was surfaced by the given branch.
func (s ScoredNode) HasSource(tag SourceTag) bool {
	for _, t := range s.SourceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Strategy is the tuple of KBs consulted for a query.
type Strategy string

const (
	StrategyGeneral         Strategy = "general"
	StrategyVisaFree        Strategy = "visa_free"
	StrategyAirline         Strategy = "airline"
	StrategyAirlineVisaFree Strategy = "airline_visa_free"
)

// KnowledgeBase names one independently indexed, read-only-after-load corpus.
type KnowledgeBase struct {
	Name       string
	Collection string // vector-store collection name
}

// Known knowledge-base names. "rules" and "hidden" are supplemental,
// feature-flagged KBs that share the same retriever machinery as the core
// four.
const (
	KBGeneral  = "general"
	KBVisaFree = "visa_free"
	KBAirline  = "airline"
	KBRules    = "rules"
	KBHidden   = "hidden"
)

// ConversationTurn is one (user_query, assistant_response) pair persisted as
// a vector-store point.
type ConversationTurn struct {
	TurnID            string
	SessionID         string
	ParentTurnID      string // empty means first turn of the session
	UserQuery         string
	AssistantResponse string
	Timestamp         time.Time
	ContextDocs       []string
	TokenCount        int
}

// RetrievalMetadata is attached to a response describing how it was produced.
type RetrievalMetadata struct {
	Strategy           Strategy
	Decomposed         bool
	SubQuestions       []string
	SubAnswers         []string
	SynthesizedAnswer  string
	Nodes              []ScoredNode
}
