package ragserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/authsession"
	"github.com/manifold-regs/ragqa/internal/conversation"
	"github.com/manifold-regs/ragqa/internal/decompose"
	"github.com/manifold-regs/ragqa/internal/insertblock"
	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/rerankclient"
	"github.com/manifold-regs/ragqa/internal/retrieve"
	"github.com/manifold-regs/ragqa/internal/router"
)

// Request is the parsed body of both knowledge_chat endpoints (spec §4.K
// contract).
type Request struct {
	Question         string `json:"question"`
	SessionID        string `json:"session_id"`
	Thinking         bool   `json:"thinking"`
	ModelID          string `json:"model_id"`
	RerankTopN       int    `json:"rerank_top_n"`
	UseInsertBlock   bool   `json:"use_insert_block"`
	InsertBlockLLMID string `json:"insert_block_llm_id"`
	EnableThinking   bool   `json:"enable_thinking"`
}

// sourcePayload is the JSON shape of a SOURCE: frame.
type sourcePayload struct {
	ID               string    `json:"id"`
	FileName         string    `json:"fileName"`
	InitialScore     float64   `json:"initialScore"`
	RerankedScore    *float64  `json:"rerankedScore,omitempty"`
	Content          string    `json:"content"`
	RetrievalSources []string  `json:"retrievalSources"`
	VectorScore      *float64  `json:"vectorScore,omitempty"`
	BM25Score        *float64  `json:"bm25Score,omitempty"`
	VectorRank       *int      `json:"vectorRank,omitempty"`
	BM25Rank         *int      `json:"bm25Rank,omitempty"`
	MatchedKeywords  []string  `json:"matchedKeywords,omitempty"`
	CanAnswer        *bool     `json:"canAnswer,omitempty"`
	KeyPassage       string    `json:"keyPassage,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
}

// Handler wires together every pipeline stage behind the two HTTP
// endpoints. Every field is read-only shared state post-construction
// (spec §5 "Shared-resource policy").
type Handler struct {
	Router       *router.Router
	Decomposer   *decompose.Decomposer
	MultiKB      *retrieve.MultiKBRetriever
	Reranker     rerankclient.Reranker
	RerankParams retrieve.RerankParams

	InsertBlockJudge  insertblock.Judge
	InsertBlockConfig insertblock.Config

	// Rules, when set, auto-injects top-scored nodes from the optional
	// `rules` meta-KB above a tiered score threshold (spec §6
	// ENABLE_RULES_FEATURE: 0.5/0.7 tiered). Injected rules nodes are
	// surfaced as ordinary SOURCE: frames.
	Rules retrieve.Retriever
	// Hidden, when set, retrieves from the optional `hidden` silent-context
	// KB (spec §6 ENABLE_HIDDEN_KB_FEATURE). Its nodes feed the knowledge
	// context given to the LLM but are never emitted as SOURCE: frames.
	Hidden retrieve.Retriever

	Conversation  *conversation.Manager
	LLMProvider   llmprovider.Provider
	DefaultModel  string
	SystemPrompt  string

	RequestTimeout time.Duration
	Log            zerolog.Logger
}

// Tiered score thresholds for rules auto-injection (spec §6
// ENABLE_RULES_FEATURE: "0.5/0.7 tiered").
const (
	rulesTier1Threshold = 0.7
	rulesTier1TopN      = 3
	rulesTier2Threshold = 0.5
	rulesTier2TopN      = 1
)

// selectRules picks the rules nodes to auto-inject: up to rulesTier1TopN
// nodes scoring at or above rulesTier1Threshold, else up to rulesTier2TopN
// nodes scoring at or above rulesTier2Threshold.
func selectRules(rulesNodes []node.ScoredNode) []node.ScoredNode {
	var tier1, tier2 []node.ScoredNode
	for _, n := range rulesNodes {
		switch {
		case n.InitialScore >= rulesTier1Threshold:
			tier1 = append(tier1, n)
		case n.InitialScore >= rulesTier2Threshold:
			tier2 = append(tier2, n)
		}
	}
	if len(tier1) > rulesTier1TopN {
		tier1 = tier1[:rulesTier1TopN]
	}
	if len(tier1) > 0 {
		return tier1
	}
	if len(tier2) > rulesTier2TopN {
		tier2 = tier2[:rulesTier2TopN]
	}
	return tier2
}

// ServeKnowledgeChat handles POST /api/knowledge_chat (single-turn: no
// conversation history is read or written).
func (h *Handler) ServeKnowledgeChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ServeKnowledgeChatConversation handles POST /api/knowledge_chat_conversation
// (multi-turn: reads/writes the conversation manager).
func (h *Handler) ServeKnowledgeChatConversation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, conversational bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	callerUserID := r.Header.Get("X-User-Id")
	if req.SessionID != "" {
		allowed, legacy := authsession.CheckOwnership(req.SessionID, callerUserID)
		if !allowed {
			http.Error(w, "session ownership violation", http.StatusForbidden)
			return
		}
		if legacy {
			h.Log.Warn().Str("session_id", req.SessionID).Msg("ragserver: legacy session id accepted without numeric ownership check")
		}
	} else {
		req.SessionID = authsession.NewSessionID(callerUserID)
	}

	deadline := h.RequestTimeout
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	framer := NewFramer(w)
	framer.Emit(TagSession, req.SessionID)

	if err := h.run(ctx, framer, req, conversational); err != nil {
		framer.Emit(TagError, err.Error())
	}
	framer.Emit(TagDone, "")
}

func (h *Handler) run(ctx context.Context, framer *Framer, req Request, conversational bool) error {
	log := h.Log.With().Str("session_id", req.SessionID).Logger()

	var recent []node.ConversationTurn
	var relevant []node.ConversationTurn
	if conversational && h.Conversation != nil {
		var err error
		recent, err = h.Conversation.Recent(ctx, req.SessionID)
		if err != nil {
			log.Warn().Err(err).Msg("ragserver: recent history read failed, degrading to no history")
		}
		relevant, err = h.Conversation.Relevant(ctx, req.SessionID, req.Question)
		if err != nil {
			log.Warn().Err(err).Msg("ragserver: relevant history read failed, degrading to no history")
		}
	}

	strategy := h.Router.Classify(ctx, req.Question)
	chosen := h.retrieverFor(strategy, req.RerankTopN)

	var nodes []node.ScoredNode
	var meta decompose.Metadata
	var err error
	if h.Decomposer != nil {
		history := toDecomposeTurns(recent)
		nodes, meta, err = h.Decomposer.RetrieveWithDecomposition(ctx, req.Question, req.RerankTopN, history, chosen)
	} else {
		nodes, err = chosen.Retrieve(ctx, req.Question)
	}
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	reranked, err := retrieve.Rerank(ctx, h.Reranker, req.Question, nodes, h.rerankParamsFor(req.RerankTopN))
	if err != nil {
		return fmt.Errorf("rerank failed: %w", err)
	}

	accepted := reranked
	if req.UseInsertBlock && h.InsertBlockJudge != nil {
		judge := h.InsertBlockJudge
		if lj, ok := judge.(*insertblock.LLMJudge); ok && req.InsertBlockLLMID != "" {
			override := *lj
			override.Model = req.InsertBlockLLMID
			judge = &override
		}
		filtered, ibErr := insertblock.Filter(ctx, judge, h.InsertBlockConfig, req.Question, reranked, log)
		if ibErr != nil {
			log.Warn().Err(ibErr).Msg("ragserver: insertblock degraded, continuing unfiltered")
		} else {
			accepted = filtered
		}
	}

	if h.Rules != nil {
		rulesNodes, rerr := h.Rules.Retrieve(ctx, req.Question)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("ragserver: rules retrieval failed, continuing without it")
		} else if injected := selectRules(rulesNodes); len(injected) > 0 {
			accepted = append(accepted, injected...)
		}
	}

	knowledgeContext := buildKnowledgeContext(accepted)
	if h.Hidden != nil {
		hiddenNodes, herr := h.Hidden.Retrieve(ctx, req.Question)
		if herr != nil {
			log.Warn().Err(herr).Msg("ragserver: hidden kb retrieval failed, continuing without it")
		} else if hiddenContext := buildKnowledgeContext(hiddenNodes); hiddenContext != "" {
			knowledgeContext += "\n" + hiddenContext
		}
	}
	systemPrompt := h.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	messages := conversation.BuildMessages(systemPrompt, relevant, recent, knowledgeContext, meta.SynthesizedAnswer, req.Question)

	model := req.ModelID
	if model == "" {
		model = h.DefaultModel
	}

	answer, err := h.streamAnswer(ctx, framer, model, messages, req.Thinking || req.EnableThinking)
	if err != nil {
		return fmt.Errorf("answer generation failed: %w", err)
	}

	for _, n := range accepted {
		framer.EmitJSON(TagSource, toSourcePayload(n))
	}

	if conversational && h.Conversation != nil {
		citedFiles := citedFileNames(accepted)
		if _, werr := h.Conversation.AddTurn(ctx, req.SessionID, req.Question, answer, citedFiles); werr != nil {
			log.Warn().Err(werr).Msg("ragserver: conversation write failed, continuing (best-effort)")
		}
	}
	return nil
}

const defaultSystemPrompt = "You are a regulatory-advisory assistant for border/immigration, airline crew visas, and visa-free travel policy. Answer only from the provided knowledge context; say so when it is insufficient."

// streamHandler demultiplexes one provider call's deltas into THINK:/CONTENT:
// SSE frames via ThinkFSM, and separately accumulates the full answer text
// so it can be persisted by conversation.AddTurn.
type streamHandler struct {
	framer       *Framer
	fsm          *llmprovider.ThinkFSM
	thinkingOn   bool
	answer       strings.Builder
	usesChannel  bool
}

func (s *streamHandler) OnDelta(content string) {
	if s.usesChannel {
		clean := llmprovider.StripFencedCode(content)
		s.answer.WriteString(clean)
		s.framer.Emit(TagContent, clean)
		return
	}
	s.fsm.Feed(content)
}

func (s *streamHandler) OnThoughtSummary(summary string) {
	s.usesChannel = true
	if s.thinkingOn {
		s.framer.Emit(TagThink, summary)
	}
}

func (h *Handler) streamAnswer(ctx context.Context, framer *Framer, model string, messages []llmprovider.Message, thinkingOn bool) (string, error) {
	sh := &streamHandler{framer: framer, thinkingOn: thinkingOn}
	sh.fsm = llmprovider.NewThinkFSM(
		func(chunk string) {
			if thinkingOn {
				framer.Emit(TagThink, chunk)
			}
		},
		func(chunk string) {
			clean := llmprovider.StripFencedCode(chunk)
			sh.answer.WriteString(clean)
			framer.Emit(TagContent, clean)
		},
	)

	if err := h.LLMProvider.ChatStream(ctx, model, messages, sh); err != nil {
		return "", err
	}
	if !sh.usesChannel {
		sh.fsm.Close()
	}
	return sh.answer.String(), nil
}

// retrieverFor wraps the MultiKBRetriever's per-strategy methods (which have
// differing signatures) behind the single-method retrieve.Retriever
// interface the decomposer and standard path both consume.
func (h *Handler) retrieverFor(strategy node.Strategy, rerankTopN int) retrieve.Retriever {
	switch strategy {
	case node.StrategyVisaFree:
		return retrieverFunc(func(ctx context.Context, query string) ([]node.ScoredNode, error) {
			return h.MultiKB.RetrieveVisaFree(ctx, query)
		})
	case node.StrategyAirline:
		return retrieverFunc(func(ctx context.Context, query string) ([]node.ScoredNode, error) {
			return h.MultiKB.RetrieveAirline(ctx, query)
		})
	case node.StrategyAirlineVisaFree:
		return retrieverFunc(func(ctx context.Context, query string) ([]node.ScoredNode, error) {
			return h.MultiKB.RetrieveAirlineVisaFree(ctx, query)
		})
	default:
		return retrieverFunc(func(ctx context.Context, query string) ([]node.ScoredNode, error) {
			return h.MultiKB.RetrieveGeneral(ctx, query, rerankTopN)
		})
	}
}

type retrieverFunc func(ctx context.Context, query string) ([]node.ScoredNode, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string) ([]node.ScoredNode, error) {
	return f(ctx, query)
}

func (h *Handler) rerankParamsFor(requestedTopN int) retrieve.RerankParams {
	p := h.RerankParams
	if requestedTopN > 0 {
		p.TopN = requestedTopN
	}
	return p
}

func toDecomposeTurns(turns []node.ConversationTurn) []decompose.Turn {
	out := make([]decompose.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, decompose.Turn{UserQuery: t.UserQuery, AssistantResponse: t.AssistantResponse})
	}
	return out
}

func buildKnowledgeContext(nodes []node.ScoredNode) string {
	if len(nodes) == 0 {
		return ""
	}
	var b strings.Builder
	for i, n := range nodes {
		label := n.Node.Metadata["file_name"]
		if label == "" {
			label = n.Node.ID
		}
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, label, n.Node.Text)
	}
	return b.String()
}

func citedFileNames(nodes []node.ScoredNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if fn := n.Node.Metadata["file_name"]; fn != "" {
			out = append(out, fn)
		} else {
			out = append(out, n.Node.ID)
		}
	}
	return out
}

func toSourcePayload(n node.ScoredNode) sourcePayload {
	fileName := n.Node.Metadata["file_name"]
	if fileName == "" {
		fileName = n.Node.ID
	}
	sources := make([]string, len(n.SourceTags))
	for i, t := range n.SourceTags {
		sources[i] = string(t)
	}
	p := sourcePayload{
		ID:               n.Node.ID,
		FileName:         fileName,
		InitialScore:     n.InitialScore,
		RerankedScore:    n.RerankScore,
		Content:          n.Node.Text,
		RetrievalSources: sources,
		VectorScore:      n.VectorScore,
		BM25Score:        n.BM25Score,
		VectorRank:       n.VectorRank,
		BM25Rank:         n.BM25Rank,
		MatchedKeywords:  n.MatchedKeywords,
		CanAnswer:        n.CanAnswer,
		KeyPassage:       n.KeyPassage,
		Reasoning:        n.Reasoning,
	}
	return p
}
