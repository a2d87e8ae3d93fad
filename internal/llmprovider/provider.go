// Package llmprovider abstracts the streaming chat call used by the answer
// stage (spec §4.C), modeled on this stack's internal/llm.Provider interface
// but trimmed to what the RAG pipeline needs: no tool calling, no image
// generation, just content deltas and an optional reasoning/thinking summary
// stream feeding the SSE THINK tag (spec §4.K).
package llmprovider

import "context"

// Message is one turn in a chat completion request.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// StreamHandler receives incremental output from a streaming chat call.
type StreamHandler interface {
	// OnDelta is called with regular answer content as it arrives.
	OnDelta(content string)
	// OnThoughtSummary is called with the provider's reasoning/thinking
	// text, when the provider exposes it as a distinct channel (Anthropic
	// extended thinking). Providers that only expose thinking inline in
	// the content stream (marker-delimited) do not call this; callers
	// run ThinkFSM over OnDelta output instead.
	OnThoughtSummary(summary string)
}

// Provider is a streaming chat completion backend.
type Provider interface {
	// Name identifies the provider for logging (e.g. "openai", "anthropic", "google").
	Name() string
	// ChatStream streams a completion for msgs, invoking h for each chunk.
	// It blocks until the stream ends or ctx is cancelled.
	ChatStream(ctx context.Context, model string, msgs []Message, h StreamHandler) error
}
