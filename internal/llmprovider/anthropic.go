package llmprovider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider wraps the anthropic-sdk-go streaming client, grounded on
// this stack's internal/llm/anthropic.Client.ChatStream: extended-thinking
// content blocks stream as ThinkingDelta events, which become
// OnThoughtSummary calls rather than going through ThinkFSM marker-scanning.
type AnthropicProvider struct {
	client       anthropic.Client
	maxTokens    int64
	thinkingBudget int64
}

// NewAnthropicProvider constructs a client against baseURL (empty uses the
// SDK's default Anthropic endpoint).
func NewAnthropicProvider(baseURL, apiKey string, maxTokens int) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), maxTokens: int64(maxTokens), thinkingBudget: 1024}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) ChatStream(ctx context.Context, model string, msgs []Message, h StreamHandler) error {
	system, converted := adaptAnthropicMessages(msgs)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		System:    system,
		MaxTokens: p.maxTokens,
	}
	if p.maxTokens > p.thinkingBudget {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(p.thinkingBudget)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					h.OnDelta(delta.Text)
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					h.OnThoughtSummary(delta.Thinking)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func adaptAnthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}
