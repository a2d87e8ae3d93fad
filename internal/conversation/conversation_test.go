package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.EnsureCollection(context.Background(), "turns", 64))
	return New(Config{Collection: "turns", ExpireDays: 90, MaxRecentTurns: 10, MaxRelevant: 5, CacheTTLSeconds: 300}, store, embedclient.NewDeterministic(64), zerolog.Nop())
}

func TestAddTurnChainsParentIDs(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	t1, err := m.AddTurn(ctx, "s1", "q1", "a1", nil)
	require.NoError(t, err)
	require.Empty(t, t1.ParentTurnID)

	t2, err := m.AddTurn(ctx, "s1", "q2", "a2", nil)
	require.NoError(t, err)
	require.Equal(t, t1.TurnID, t2.ParentTurnID)
}

func TestRecentReturnsNewestLastAndBounded(t *testing.T) {
	m := newManager(t)
	m.cfg.MaxRecentTurns = 2
	ctx := context.Background()

	_, err := m.AddTurn(ctx, "s1", "q1", "a1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = m.AddTurn(ctx, "s1", "q2", "a2", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = m.AddTurn(ctx, "s1", "q3", "a3", nil)
	require.NoError(t, err)

	recent, err := m.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "q3", recent[1].UserQuery)
}

func TestRecentCacheInvalidatedOnAddTurn(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.AddTurn(ctx, "s1", "q1", "a1", nil)
	require.NoError(t, err)
	first, err := m.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = m.AddTurn(ctx, "s1", "q2", "a2", nil)
	require.NoError(t, err)
	second, err := m.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, second, 2, "cache must be invalidated by AddTurn, not serve the stale single-turn list")
}

func TestRelevantSearchesWithinSession(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.AddTurn(ctx, "s1", "visa requirements for Thailand", "no visa needed for 30 days", nil)
	require.NoError(t, err)
	_, err = m.AddTurn(ctx, "s2", "unrelated topic in another session", "unrelated answer", nil)
	require.NoError(t, err)

	hits, err := m.Relevant(ctx, "s1", "visa requirements for Thailand")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "s1", hits[0].SessionID)
}

func TestGCDeletesExpiredTurns(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	m.cfg.ExpireDays = 1

	turn, err := m.AddTurn(ctx, "s1", "q1", "a1", nil)
	require.NoError(t, err)

	store := m.store.(*vectorstore.MemoryStore)
	old, err := store.Search(ctx, "turns", nil, 10, vectorstore.ScrollFilter{"session_id": "s1"})
	require.NoError(t, err)
	require.Len(t, old, 1)
	payload := old[0].Payload
	payload["timestamp"] = time.Now().UTC().AddDate(0, 0, -5).Format(time.RFC3339)
	require.NoError(t, store.Upsert(ctx, "turns", vectorstore.Point{ID: turn.TurnID, Payload: payload}))

	deleted, err := m.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	remaining, err := store.Scroll(ctx, "turns", nil, 100)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestBuildMessagesOrder(t *testing.T) {
	msgs := BuildMessages("sys", nil, nil, "ctx", "", "hello")
	require.Len(t, msgs, 3)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "sys", msgs[0].Content)
	require.Contains(t, msgs[1].Content, "Knowledge context")
	require.Equal(t, "user", msgs[2].Role)
	require.Equal(t, "hello", msgs[2].Content)
}
