// Package router implements the intent classifier (spec §4.G): a single
// deterministic-prompt LLM call that buckets a query into one of four
// strategies, cached and bounded by a timeout so a slow classifier never
// fails the request.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
	"github.com/manifold-regs/ragqa/internal/ttlcache"
)

// systemPrompt enumerates the four categories and sample questions, the
// deterministic classification prompt spec §4.G requires ("single LLM call
// with a deterministic system prompt").
const systemPrompt = `You are an intent classifier for a regulatory-advisory assistant covering border/immigration, airline crew visas, and visa-free travel policy.

Classify the user's question into exactly one category:
- general: passport/visa application procedures, general immigration questions.
  Example: "如何办理护照？" ("How do I apply for a passport?")
- visa_free: whether a given nationality needs a visa for a given destination, visa-free stay durations/conditions.
  Example: "去泰国旅游需要签证吗？" ("Do I need a visa to travel to Thailand?")
- airline: visa/documentation requirements for airline crew members specifically.
  Example: "空乘人员需要什么证件？" ("What documents does cabin crew need?")
- airline_visa_free: airline crew visa-free entry questions (a combination of airline + visa_free).
  Example: "执行飞往泰国航班的机组人员需要签证吗？" ("Do crew operating flights to Thailand need a visa?")

Respond with exactly one line: "分类: <category>" using one of general, visa_free, airline, airline_visa_free.`

// Config holds the router's tunables from spec §4.G / §6.
type Config struct {
	Enabled        bool
	TimeoutSeconds int
	CacheSize      int
}

// Router classifies a query into a retrieval Strategy.
type Router struct {
	cfg      Config
	provider llmprovider.Provider
	model    string
	cache    ttlcache.Store
	metrics  obs.Metrics
	log      zerolog.Logger
}

// New constructs an intent Router. cache may be a ttlcache.MemoryStore or a
// ttlcache.RedisStore; metrics may be obs.NoopMetrics{}.
func New(cfg Config, provider llmprovider.Provider, model string, cache ttlcache.Store, metrics obs.Metrics, log zerolog.Logger) *Router {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Router{cfg: cfg, provider: provider, model: model, cache: cache, metrics: metrics, log: log}
}

// collector is a minimal llmprovider.StreamHandler that concatenates
// content deltas; the classifier never needs the thinking channel.
type collector struct {
	sb strings.Builder
}

func (c *collector) OnDelta(s string)         { c.sb.WriteString(s) }
func (c *collector) OnThoughtSummary(s string) {}

// Classify implements spec §4.G's full contract: feature flag, LRU cache,
// timeout-with-silent-fallback-to-general.
func (r *Router) Classify(ctx context.Context, query string) node.Strategy {
	if !r.cfg.Enabled {
		return node.StrategyGeneral
	}

	if r.cache != nil {
		if cached, ok, err := r.cache.Get(ctx, query); err == nil && ok {
			r.metrics.IncCounter("router_cache_hit", nil)
			return node.Strategy(cached)
		}
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := &collector{}
	err := r.provider.ChatStream(cctx, r.model, []llmprovider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}, c)

	strategy := node.StrategyGeneral
	if err != nil {
		r.log.Warn().Err(err).Msg("router: classification call failed, falling back to general")
		r.metrics.IncCounter("router_timeout_or_error", nil)
	} else {
		strategy = parseStrategy(c.sb.String())
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, query, string(strategy), 0)
	}
	r.metrics.IncCounter("router_classified_"+string(strategy), nil)
	return strategy
}

// parseStrategy implements spec §4.G's reply-parsing fallback chain: match
// "分类: <token>" first, then fall back to keyword presence, then general.
func parseStrategy(reply string) node.Strategy {
	reply = strings.TrimSpace(reply)
	if idx := strings.Index(reply, "分类"); idx >= 0 {
		rest := reply[idx:]
		if colon := strings.IndexAny(rest, ":："); colon >= 0 {
			token := strings.ToLower(strings.TrimSpace(rest[colon+1:]))
			token = strings.Fields(token)[0]
			if s, ok := matchToken(token); ok {
				return s
			}
		}
	}

	lower := strings.ToLower(reply)
	switch {
	case strings.Contains(lower, "airline_visa_free"):
		return node.StrategyAirlineVisaFree
	case strings.Contains(lower, "airline"):
		return node.StrategyAirline
	case strings.Contains(lower, "visa_free"):
		return node.StrategyVisaFree
	case strings.Contains(lower, "general"):
		return node.StrategyGeneral
	default:
		return node.StrategyGeneral
	}
}

func matchToken(token string) (node.Strategy, bool) {
	token = strings.Trim(token, ".,;。，")
	switch node.Strategy(token) {
	case node.StrategyGeneral, node.StrategyVisaFree, node.StrategyAirline, node.StrategyAirlineVisaFree:
		return node.Strategy(token), true
	}
	return "", false
}
