// Package insertblock implements the per-node LLM relevance filter (spec
// §4.I): a bounded worker pool judges each reranked candidate independently,
// each call wrapped in its own abandonable timeout so one hung LLM call
// never blocks the pool, with a failure-rate short-circuit and a
// per-request deadline so the filter degrades to "run unfiltered" rather
// than failing the whole request. Concurrency shape grounded on this
// stack's golang.org/x/sync/errgroup usage (SetLimit bounds in-flight
// workers exactly like a semaphore-backed pool).
package insertblock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/node"
)

// Config holds spec §6's INSERTBLOCK_* tunables.
type Config struct {
	MaxWorkers        int
	PerCallTimeoutSec int
	RequestTimeoutSec int
	KeyPassageChars   int
}

// Verdict is the parsed LLM response for one candidate.
type Verdict struct {
	IsRelevant bool   `json:"is_relevant"`
	CanAnswer  bool   `json:"can_answer"`
	KeyPassage string `json:"key_passage"`
	Reasoning  string `json:"reasoning"`
}

// Judge scores a single (query, passage) pair. LLMJudge is the production
// implementation; tests supply fakes.
type Judge interface {
	Judge(ctx context.Context, query, passage string) (Verdict, error)
}

// ErrCritical is returned when the failure-rate short-circuit trips (spec
// §4.I: "if timeouts > 50% of nodes OR errors > 50% of nodes, the filter
// raises a critical error"). Callers convert this into a visible warning
// event and continue with unfiltered candidates.
type ErrCritical struct {
	Timeouts, Errors, Total int
}

func (e *ErrCritical) Error() string {
	return fmt.Sprintf("insertblock: failure-rate short-circuit (timeouts=%d errors=%d total=%d)", e.Timeouts, e.Errors, e.Total)
}

// ErrDeadlineExceeded is returned when the overall per-request deadline
// fires while workers are still running.
var ErrDeadlineExceeded = fmt.Errorf("insertblock: per-request deadline exceeded")

// Filter runs InsertBlock over nodes and returns only those judged
// can_answer=true, preserving input order (spec §4.I "Output ordering").
// On ErrCritical or ErrDeadlineExceeded, callers should treat the error as a
// visible warning and proceed with the original, unfiltered nodes.
func Filter(ctx context.Context, judge Judge, cfg Config, query string, nodes []node.ScoredNode, log zerolog.Logger) ([]node.ScoredNode, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	perCallTimeout := time.Duration(cfg.PerCallTimeoutSec) * time.Second
	if perCallTimeout <= 0 {
		perCallTimeout = 15 * time.Second
	}
	requestTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second

	type outcome struct {
		verdict  Verdict
		ok       bool
		timedOut bool
		erred    bool
	}
	results := make([]outcome, len(nodes))
	var timeoutCount, errorCount int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			v, timedOut, erred := judgeOne(gctx, judge, query, n.Node.Text, perCallTimeout)
			if timedOut {
				atomic.AddInt64(&timeoutCount, 1)
			}
			if erred {
				atomic.AddInt64(&errorCount, 1)
			}
			results[i] = outcome{verdict: v, ok: !timedOut && !erred, timedOut: timedOut, erred: erred}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	if requestTimeout > 0 {
		select {
		case <-done:
		case <-time.After(requestTimeout):
			log.Warn().Msg("insertblock: per-request deadline exceeded, continuing unfiltered")
			return nil, ErrDeadlineExceeded
		}
	} else {
		<-done
	}

	total := len(nodes)
	if total > 0 && (float64(timeoutCount)/float64(total) > 0.5 || float64(errorCount)/float64(total) > 0.5) {
		return nil, &ErrCritical{Timeouts: int(timeoutCount), Errors: int(errorCount), Total: total}
	}

	out := make([]node.ScoredNode, 0, len(nodes))
	for i, n := range nodes {
		r := results[i]
		if !r.ok || !r.verdict.CanAnswer {
			continue
		}
		canAnswer := true
		n.CanAnswer = &canAnswer
		n.KeyPassage = truncate(r.verdict.KeyPassage, cfg.KeyPassageChars)
		n.Reasoning = r.verdict.Reasoning
		out = append(out, n)
	}
	return out, nil
}

func judgeOne(ctx context.Context, judge Judge, query, passage string, timeout time.Duration) (v Verdict, timedOut, erred bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan struct {
		v   Verdict
		err error
	}, 1)
	go func() {
		vv, err := judge.Judge(cctx, query, passage)
		resCh <- struct {
			v   Verdict
			err error
		}{vv, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return Verdict{}, false, true
		}
		return r.v, false, false
	case <-cctx.Done():
		// Abandon: return control immediately without waiting for resCh.
		// The goroutine above will still deliver to resCh (buffered) once
		// the underlying call itself respects cctx cancellation; either way
		// this call site never blocks past timeout.
		return Verdict{}, true, false
	}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 400
	}
	r := []rune(s)
	if len(r) > maxChars {
		return string(r[:maxChars])
	}
	return s
}

// LLMJudge is the production Judge: one LLM call per candidate asking for a
// strict JSON verdict.
type LLMJudge struct {
	Provider        llmprovider.Provider
	Model           string
	KeyPassageChars int
}

type jsonCollector struct{ sb strings.Builder }

func (c *jsonCollector) OnDelta(s string)          { c.sb.WriteString(s) }
func (c *jsonCollector) OnThoughtSummary(s string) {}

func (j *LLMJudge) Judge(ctx context.Context, query, passage string) (Verdict, error) {
	maxChars := j.KeyPassageChars
	if maxChars <= 0 {
		maxChars = 400
	}
	prompt := fmt.Sprintf(`Given the question and passage below, answer strictly in JSON with this shape:
{"is_relevant": bool, "can_answer": bool, "key_passage": "...at most %d characters...", "reasoning": "..."}

Question: %s
Passage: %s`, maxChars, query, passage)

	c := &jsonCollector{}
	if err := j.Provider.ChatStream(ctx, j.Model, []llmprovider.Message{{Role: "user", Content: prompt}}, c); err != nil {
		return Verdict{}, fmt.Errorf("insertblock judge call: %w", err)
	}
	return ParseVerdict(c.sb.String()), nil
}

// ParseVerdict implements spec §4.I's "JSON parsing robustness": strip
// whitespace/code fences, on parse failure treat the node as not-answerable
// rather than erroring (a malformed LLM reply is not a call failure).
func ParseVerdict(raw string) Verdict {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return Verdict{}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return Verdict{}
	}
	return v
}
