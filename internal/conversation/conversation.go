// Package conversation implements turn persistence and message assembly
// (spec §4.J): every turn is written to the vector store under a linear
// parent_turn_id chain, with a short-lived recent-turns cache and an ANN
// search for turns relevant to the current query, then assembled into the
// fixed message order the LLM provider expects.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

// Config holds spec §4.J / §6's CONVERSATION_* tunables.
type Config struct {
	Collection      string
	ExpireDays      int
	MaxRecentTurns  int
	MaxRelevant     int
	CacheTTLSeconds int
}

// Manager persists and assembles conversation turns.
type Manager struct {
	cfg      Config
	store    vectorstore.Store
	embedder embedclient.Embedder
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry // sessionID -> recent turns
}

type cacheEntry struct {
	turns     []node.ConversationTurn
	fetchedAt time.Time
}

// New constructs a conversation Manager over an existing vector-store
// collection (the caller must have already called EnsureCollection).
func New(cfg Config, store vectorstore.Store, embedder embedclient.Embedder, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, store: store, embedder: embedder, log: log, cache: make(map[string]cacheEntry)}
}

const (
	payloadSessionID   = "session_id"
	payloadParentTurn  = "parent_turn_id"
	payloadUserQuery   = "user_query"
	payloadAssistant   = "assistant_response"
	payloadTimestamp   = "timestamp"
	payloadContextDocs = "context_docs"
)

// AddTurn persists a new turn as the tail of its session's parent chain and
// invalidates the recent-turns cache for that session.
func (m *Manager) AddTurn(ctx context.Context, sessionID, userQuery, assistantResponse string, contextDocs []string) (node.ConversationTurn, error) {
	parentID, err := m.latestTurnID(ctx, sessionID)
	if err != nil {
		return node.ConversationTurn{}, fmt.Errorf("conversation: resolve parent turn: %w", err)
	}

	turn := node.ConversationTurn{
		TurnID:            uuid.NewString(),
		SessionID:         sessionID,
		ParentTurnID:      parentID,
		UserQuery:         userQuery,
		AssistantResponse: assistantResponse,
		Timestamp:         time.Now().UTC(),
		ContextDocs:       contextDocs,
	}

	embedText := "user: " + userQuery + "\nassistant: " + assistantResponse
	vecs, err := m.embedder.EmbedBatch(ctx, []string{embedText})
	if err != nil {
		return node.ConversationTurn{}, fmt.Errorf("conversation: embed turn: %w", err)
	}

	payload := map[string]any{
		payloadSessionID:   sessionID,
		payloadParentTurn:  parentID,
		payloadUserQuery:   userQuery,
		payloadAssistant:   assistantResponse,
		payloadTimestamp:   turn.Timestamp.Format(time.RFC3339Nano),
		payloadContextDocs: contextDocs,
	}
	if err := m.store.Upsert(ctx, m.cfg.Collection, vectorstore.Point{ID: turn.TurnID, Vector: vecs[0], Payload: payload}); err != nil {
		return node.ConversationTurn{}, fmt.Errorf("conversation: upsert turn: %w", err)
	}

	m.invalidate(sessionID)
	return turn, nil
}

// Recent returns up to MaxRecentTurns turns for a session, newest last,
// serving from a short-lived cache when possible.
func (m *Manager) Recent(ctx context.Context, sessionID string) ([]node.ConversationTurn, error) {
	m.mu.Lock()
	if e, ok := m.cache[sessionID]; ok {
		ttl := time.Duration(m.cfg.CacheTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		if time.Since(e.fetchedAt) < ttl {
			m.mu.Unlock()
			return e.turns, nil
		}
	}
	m.mu.Unlock()

	results, err := m.store.Scroll(ctx, m.cfg.Collection, vectorstore.ScrollFilter{payloadSessionID: sessionID}, 0)
	if err != nil {
		return nil, fmt.Errorf("conversation: scroll session: %w", err)
	}
	turns := toTurns(results)
	sort.Slice(turns, func(i, j int) bool { return turns[i].Timestamp.Before(turns[j].Timestamp) })

	max := m.cfg.MaxRecentTurns
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}

	m.mu.Lock()
	m.cache[sessionID] = cacheEntry{turns: turns, fetchedAt: time.Now()}
	m.mu.Unlock()
	return turns, nil
}

// Relevant runs an ANN search over a session's turns for ones semantically
// close to query, bounded to MaxRelevant.
func (m *Manager) Relevant(ctx context.Context, sessionID, query string) ([]node.ConversationTurn, error) {
	max := m.cfg.MaxRelevant
	if max <= 0 {
		return nil, nil
	}
	vecs, err := m.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("conversation: embed query: %w", err)
	}
	results, err := m.store.Search(ctx, m.cfg.Collection, vecs[0], max, vectorstore.ScrollFilter{payloadSessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("conversation: search relevant: %w", err)
	}
	return toTurns(results), nil
}

// GC deletes turns older than ExpireDays and invalidates every cached
// session.
func (m *Manager) GC(ctx context.Context) (int, error) {
	expireDays := m.cfg.ExpireDays
	if expireDays <= 0 {
		expireDays = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -expireDays)

	all, err := m.store.Scroll(ctx, m.cfg.Collection, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("conversation: scroll for gc: %w", err)
	}

	deleted := 0
	for _, r := range all {
		ts, ok := r.Payload[payloadTimestamp].(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, m.cfg.Collection, r.ID); err != nil {
			m.log.Warn().Err(err).Str("turn_id", r.ID).Msg("conversation: gc delete failed")
			continue
		}
		deleted++
	}

	m.mu.Lock()
	m.cache = make(map[string]cacheEntry)
	m.mu.Unlock()
	return deleted, nil
}

func (m *Manager) latestTurnID(ctx context.Context, sessionID string) (string, error) {
	recent, err := m.Recent(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "", nil
	}
	return recent[len(recent)-1].TurnID, nil
}

func (m *Manager) invalidate(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

func toTurns(results []vectorstore.Result) []node.ConversationTurn {
	out := make([]node.ConversationTurn, 0, len(results))
	for _, r := range results {
		t := node.ConversationTurn{TurnID: r.ID}
		if v, ok := r.Payload[payloadSessionID].(string); ok {
			t.SessionID = v
		}
		if v, ok := r.Payload[payloadParentTurn].(string); ok {
			t.ParentTurnID = v
		}
		if v, ok := r.Payload[payloadUserQuery].(string); ok {
			t.UserQuery = v
		}
		if v, ok := r.Payload[payloadAssistant].(string); ok {
			t.AssistantResponse = v
		}
		if v, ok := r.Payload[payloadTimestamp].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				t.Timestamp = ts
			}
		}
		if v, ok := r.Payload[payloadContextDocs].([]string); ok {
			t.ContextDocs = v
		}
		out = append(out, t)
	}
	return out
}

// BuildMessages assembles the LLM message list in the fixed order spec §4.J
// requires: system prompt, relevant-history block (deduped by the turns it
// was built from), recent-history block, knowledge-context block,
// synthesized-sub-answer block, then the user's message.
func BuildMessages(systemPrompt string, relevant, recent []node.ConversationTurn, knowledgeContext, synthesizedAnswer, userQuery string) []llmprovider.Message {
	msgs := []llmprovider.Message{{Role: "system", Content: systemPrompt}}

	if block := relevantHistoryBlock(relevant, recent); block != "" {
		msgs = append(msgs, llmprovider.Message{Role: "system", Content: block})
	}
	if block := recentHistoryBlock(recent); block != "" {
		msgs = append(msgs, llmprovider.Message{Role: "system", Content: block})
	}
	if knowledgeContext != "" {
		msgs = append(msgs, llmprovider.Message{Role: "system", Content: "Knowledge context:\n" + knowledgeContext})
	}
	if synthesizedAnswer != "" {
		msgs = append(msgs, llmprovider.Message{Role: "system", Content: "Synthesized sub-answer:\n" + synthesizedAnswer})
	}

	msgs = append(msgs, llmprovider.Message{Role: "user", Content: userQuery})
	return msgs
}

func relevantHistoryBlock(relevant, recent []node.ConversationTurn) string {
	recentQueries := make(map[string]bool, len(recent))
	for _, t := range recent {
		recentQueries[t.UserQuery] = true
	}
	var b string
	for _, t := range relevant {
		if recentQueries[t.UserQuery] {
			continue // already covered by the recent-history block, which takes precedence
		}
		b += fmt.Sprintf("Q: %s\nA: %s\n", t.UserQuery, t.AssistantResponse)
	}
	if b == "" {
		return ""
	}
	return "Relevant earlier turns:\n" + b
}

func recentHistoryBlock(recent []node.ConversationTurn) string {
	if len(recent) == 0 {
		return ""
	}
	var b string
	for _, t := range recent {
		b += fmt.Sprintf("Q: %s\nA: %s\n", t.UserQuery, t.AssistantResponse)
	}
	return "Recent conversation:\n" + b
}
