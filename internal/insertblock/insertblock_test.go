package insertblock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/node"
)

type fakeJudge struct {
	verdicts map[string]Verdict
	delay    time.Duration
	err      error
	errFor   map[string]bool
}

func (f *fakeJudge) Judge(ctx context.Context, query, passage string) (Verdict, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	if f.errFor != nil && f.errFor[passage] {
		return Verdict{}, errors.New("judge failed")
	}
	if f.err != nil {
		return Verdict{}, f.err
	}
	if v, ok := f.verdicts[passage]; ok {
		return v, nil
	}
	return Verdict{CanAnswer: true}, nil
}

func scored(id, text string) node.ScoredNode {
	return node.ScoredNode{Node: node.Node{ID: id, Text: text}, Score: 1}
}

func TestFilterKeepsOnlyCanAnswer(t *testing.T) {
	j := &fakeJudge{verdicts: map[string]Verdict{
		"yes": {CanAnswer: true, KeyPassage: "kp", Reasoning: "r"},
		"no":  {CanAnswer: false},
	}}
	nodes := []node.ScoredNode{scored("a", "yes"), scored("b", "no")}
	out, err := Filter(context.Background(), j, Config{}, "q", nodes, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Node.ID)
	require.NotNil(t, out[0].CanAnswer)
	require.True(t, *out[0].CanAnswer)
	require.Equal(t, "kp", out[0].KeyPassage)
}

func TestFilterPreservesInputOrder(t *testing.T) {
	j := &fakeJudge{verdicts: map[string]Verdict{"a": {CanAnswer: true}, "b": {CanAnswer: true}, "c": {CanAnswer: true}}}
	nodes := []node.ScoredNode{scored("1", "a"), scored("2", "b"), scored("3", "c")}
	out, err := Filter(context.Background(), j, Config{}, "q", nodes, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{out[0].Node.ID, out[1].Node.ID, out[2].Node.ID})
}

// TestFilterAbandonsHungCalls covers the abandonable-timeout requirement: a
// worker whose call never returns within its per-call timeout must not block
// the request, and the hung node is treated as dropped rather than kept.
// With its only node failed, the failure rate is 100%, so the failure-rate
// short-circuit also reports ErrCritical.
func TestFilterAbandonsHungCalls(t *testing.T) {
	j := &fakeJudge{delay: 1100 * time.Millisecond}
	nodes := []node.ScoredNode{scored("a", "text")}

	start := time.Now()
	out, err := Filter(context.Background(), j, Config{PerCallTimeoutSec: 1, MaxWorkers: 1}, "q", nodes, zerolog.Nop())
	elapsed := time.Since(start)

	var critical *ErrCritical
	require.ErrorAs(t, err, &critical)
	require.Equal(t, 1, critical.Timeouts+critical.Errors)
	require.Empty(t, out, "timed-out node must not be returned as answerable")
	require.Less(t, elapsed, 1100*time.Millisecond, "must abandon at the per-call timeout, not wait for the full call delay")
}

// TestFilterCriticalOnHighErrorRate covers the failure-rate short-circuit.
func TestFilterCriticalOnHighErrorRate(t *testing.T) {
	j := &fakeJudge{errFor: map[string]bool{"a": true, "b": true, "c": false}}
	nodes := []node.ScoredNode{scored("1", "a"), scored("2", "b"), scored("3", "c")}
	_, err := Filter(context.Background(), j, Config{MaxWorkers: 3}, "q", nodes, zerolog.Nop())
	require.Error(t, err)
	var critical *ErrCritical
	require.ErrorAs(t, err, &critical)
	require.Equal(t, 2, critical.Errors)
}

func TestFilterOKOnLowErrorRate(t *testing.T) {
	j := &fakeJudge{errFor: map[string]bool{"a": true}}
	nodes := []node.ScoredNode{scored("1", "a"), scored("2", "b"), scored("3", "c"), scored("4", "d")}
	out, err := Filter(context.Background(), j, Config{MaxWorkers: 4}, "q", nodes, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, out, 3, "one erroring node should be dropped, the other three kept")
}

func TestFilterEmptyInput(t *testing.T) {
	j := &fakeJudge{}
	out, err := Filter(context.Background(), j, Config{}, "q", nil, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestFilterZeroRequestTimeoutDisablesDeadline(t *testing.T) {
	j := &fakeJudge{delay: 100 * time.Millisecond}
	nodes := []node.ScoredNode{scored("a", "text"), scored("b", "text2")}
	_, err := Filter(context.Background(), j, Config{MaxWorkers: 1, RequestTimeoutSec: 0, PerCallTimeoutSec: 5}, "q", nodes, zerolog.Nop())
	// RequestTimeoutSec=0 disables the outer deadline, so this must succeed
	// rather than exceeding any deadline.
	require.NoError(t, err)
}

func TestParseVerdictStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"is_relevant\": true, \"can_answer\": true, \"key_passage\": \"p\", \"reasoning\": \"r\"}\n```"
	v := ParseVerdict(raw)
	require.True(t, v.CanAnswer)
	require.Equal(t, "p", v.KeyPassage)
}

func TestParseVerdictMalformedIsNotAnswerable(t *testing.T) {
	v := ParseVerdict("not json at all")
	require.False(t, v.CanAnswer)
}
