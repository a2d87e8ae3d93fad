package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
	"github.com/manifold-regs/ragqa/internal/ttlcache"
)

type fakeProvider struct {
	reply string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) ChatStream(ctx context.Context, model string, msgs []llmprovider.Message, h llmprovider.StreamHandler) error {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	h.OnDelta(f.reply)
	return nil
}

func TestClassifyParsesLabel(t *testing.T) {
	p := &fakeProvider{reply: "分类: visa_free"}
	r := New(Config{Enabled: true, TimeoutSeconds: 5, CacheSize: 10}, p, "model", ttlcache.NewMemoryStore(10), obs.NoopMetrics{}, zerolog.Nop())
	got := r.Classify(context.Background(), "去泰国旅游需要签证吗？")
	require.Equal(t, node.StrategyVisaFree, got)
}

func TestClassifyFeatureFlagOff(t *testing.T) {
	p := &fakeProvider{reply: "分类: airline"}
	r := New(Config{Enabled: false}, p, "model", nil, obs.NoopMetrics{}, zerolog.Nop())
	got := r.Classify(context.Background(), "anything")
	require.Equal(t, node.StrategyGeneral, got)
	require.Equal(t, 0, p.calls, "disabled router must not call the LLM")
}

func TestClassifyTimeoutFallsBackToGeneral(t *testing.T) {
	p := &fakeProvider{delay: 100 * time.Millisecond}
	r := New(Config{Enabled: true, TimeoutSeconds: 0}, p, "model", nil, obs.NoopMetrics{}, zerolog.Nop())
	// force an effectively-zero timeout by wrapping context ourselves
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	got := r.Classify(ctx, "q")
	require.Equal(t, node.StrategyGeneral, got)
}

func TestClassifyErrorFallsBackToGeneral(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	r := New(Config{Enabled: true, TimeoutSeconds: 5}, p, "model", nil, obs.NoopMetrics{}, zerolog.Nop())
	got := r.Classify(context.Background(), "q")
	require.Equal(t, node.StrategyGeneral, got)
}

// TestClassifyCacheHit covers R1: identical queries return the same
// strategy without a second LLM call.
func TestClassifyCacheHit(t *testing.T) {
	p := &fakeProvider{reply: "分类: airline"}
	cache := ttlcache.NewMemoryStore(10)
	r := New(Config{Enabled: true, TimeoutSeconds: 5, CacheSize: 10}, p, "model", cache, obs.NoopMetrics{}, zerolog.Nop())

	first := r.Classify(context.Background(), "same query")
	second := r.Classify(context.Background(), "same query")
	require.Equal(t, first, second)
	require.Equal(t, 1, p.calls, "second identical query must hit the cache, not the LLM")
}

func TestClassifyFallbackKeywordPresence(t *testing.T) {
	p := &fakeProvider{reply: "I think this is about airline crew requirements."}
	r := New(Config{Enabled: true, TimeoutSeconds: 5}, p, "model", nil, obs.NoopMetrics{}, zerolog.Nop())
	got := r.Classify(context.Background(), "q")
	require.Equal(t, node.StrategyAirline, got)
}
