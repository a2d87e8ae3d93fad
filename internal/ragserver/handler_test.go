package ragserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/conversation"
	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
	"github.com/manifold-regs/ragqa/internal/rerankclient"
	"github.com/manifold-regs/ragqa/internal/retrieve"
	"github.com/manifold-regs/ragqa/internal/router"
	"github.com/manifold-regs/ragqa/internal/ttlcache"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

type fakeRetriever struct{ nodes []node.ScoredNode }

func (f fakeRetriever) Retrieve(_ context.Context, _ string) ([]node.ScoredNode, error) {
	return f.nodes, nil
}

type fakeLLM struct{ reply string }

func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) ChatStream(_ context.Context, _ string, _ []llmprovider.Message, h llmprovider.StreamHandler) error {
	h.OnDelta(f.reply)
	return nil
}

func scored(id string, score float64, text string) node.ScoredNode {
	return node.ScoredNode{Node: node.Node{ID: id, Text: text, Metadata: map[string]string{"file_name": id + ".md"}}, Score: score, InitialScore: score}
}

func newTestHandler(t *testing.T, llmReply string) *Handler {
	t.Helper()
	general := fakeRetriever{nodes: []node.ScoredNode{scored("n1", 0.9, "visa free entry rules"), scored("n2", 0.8, "passport renewal steps")}}
	multikb := retrieve.NewMultiKBRetriever(general, nil, nil, retrieve.StrategyReturnCounts{}, zerolog.Nop())

	r := router.New(router.Config{Enabled: false}, &fakeLLM{}, "model", ttlcache.NewMemoryStore(10), obs.NoopMetrics{}, zerolog.Nop())

	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.EnsureCollection(context.Background(), "turns", 32))
	conv := conversation.New(conversation.Config{Collection: "turns", MaxRecentTurns: 10, MaxRelevant: 5, CacheTTLSeconds: 300}, store, embedclient.NewDeterministic(32), zerolog.Nop())

	return &Handler{
		Router:       r,
		MultiKB:      multikb,
		Reranker:     rerankclient.TokenOverlapReranker{},
		RerankParams: retrieve.RerankParams{InputTopN: 10, TopN: 10, Threshold: 0},
		Conversation: conv,
		LLMProvider:  &fakeLLM{reply: llmReply},
		DefaultModel: "model",
		Log:          zerolog.Nop(),
	}
}

func doRequest(t *testing.T, h *Handler, body Request, conversational bool) string {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/knowledge_chat", bytes.NewReader(data))
	req.Header.Set("X-User-Id", "7")
	rec := httptest.NewRecorder()
	if conversational {
		h.ServeKnowledgeChatConversation(rec, req)
	} else {
		h.ServeKnowledgeChat(rec, req)
	}
	return rec.Body.String()
}

func TestServeKnowledgeChatEmitsSessionContentSourceDone(t *testing.T) {
	h := newTestHandler(t, "visa-free travel is allowed for 30 days")
	out := doRequest(t, h, Request{Question: "泰国免签吗"}, false)

	require.True(t, strings.HasPrefix(out, "data: SESSION:"), "SESSION must be first")
	require.Contains(t, out, "data: CONTENT:visa-free travel is allowed for 30 days")
	require.Contains(t, out, "data: SOURCE:")
	require.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: DONE:"), "DONE must be last")

	sessionIdx := strings.Index(out, "SESSION:")
	doneIdx := strings.LastIndex(out, "DONE:")
	sourceIdx := strings.Index(out, "SOURCE:")
	require.Less(t, sessionIdx, sourceIdx)
	require.Less(t, sourceIdx, doneIdx, "SOURCE must come after CONTENT, before DONE")
}

func TestServeKnowledgeChatMintsSessionIDWhenAbsent(t *testing.T) {
	h := newTestHandler(t, "answer")
	out := doRequest(t, h, Request{Question: "q"}, false)
	require.Contains(t, out, "data: SESSION:7_")
}

func TestServeKnowledgeChatConversationPersistsTurn(t *testing.T) {
	h := newTestHandler(t, "answer text")
	out := doRequest(t, h, Request{Question: "q1", SessionID: "7_abc"}, true)
	require.Contains(t, out, "data: SESSION:7_abc")

	turns, err := h.Conversation.Recent(context.Background(), "7_abc")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "q1", turns[0].UserQuery)
}

func TestServeKnowledgeChatOwnershipViolationDenied(t *testing.T) {
	h := newTestHandler(t, "answer")
	data, _ := json.Marshal(Request{Question: "q", SessionID: "99_other"})
	req := httptest.NewRequest(http.MethodPost, "/api/knowledge_chat", bytes.NewReader(data))
	req.Header.Set("X-User-Id", "7")
	rec := httptest.NewRecorder()
	h.ServeKnowledgeChat(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeKnowledgeChatMissingQuestionRejected(t *testing.T) {
	h := newTestHandler(t, "answer")
	data, _ := json.Marshal(Request{})
	req := httptest.NewRequest(http.MethodPost, "/api/knowledge_chat", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeKnowledgeChat(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
