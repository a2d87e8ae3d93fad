package llmprovider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
)

// OpenAIProvider wraps the openai-go SDK, grounded on this stack's
// internal/llm.CallLLM (isThinkingModel reasoning-model handling) but
// simplified to the streaming path only. OpenAI chat completions don't
// expose a separate reasoning-content delta channel in this SDK version, so
// thinking is recovered downstream by running ThinkFSM over OnDelta output.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider constructs a client against baseURL (OpenAI or any
// OpenAI-compatible endpoint, e.g. a local llama.cpp/MLX server).
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatStream(ctx context.Context, model string, msgs []Message, h StreamHandler) error {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(msgs),
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	return drainOpenAIStream(stream, h)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func drainOpenAIStream(stream *ssestream.Stream[openai.ChatCompletionChunk], h StreamHandler) error {
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				h.OnDelta(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}
