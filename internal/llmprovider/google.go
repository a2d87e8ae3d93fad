package llmprovider

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

// GoogleProvider wraps the genai SDK's streaming call, grounded on this
// stack's internal/llm/google.Client.ChatStream: thought-summary parts of a
// streamed candidate become OnThoughtSummary calls, plain text parts become
// OnDelta, mirroring the Anthropic provider's split rather than falling
// back to ThinkFSM marker-scanning.
type GoogleProvider struct {
	client *genai.Client
	model  string
}

// NewGoogleProvider constructs a client against the Gemini API. model is
// the default used when a request omits one.
func NewGoogleProvider(ctx context.Context, apiKey, model string) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleProvider{client: client, model: model}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) ChatStream(ctx context.Context, model string, msgs []Message, h StreamHandler) error {
	effectiveModel := model
	if effectiveModel == "" {
		effectiveModel = p.model
	}

	contents := toGoogleContents(msgs)
	cfg := systemConfig(msgs)

	stream := p.client.Models.GenerateContentStream(ctx, effectiveModel, contents, cfg)
	for resp, err := range stream {
		if err != nil {
			return fmt.Errorf("google stream: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if part.Thought {
				h.OnThoughtSummary(part.Text)
			} else {
				h.OnDelta(part.Text)
			}
		}
	}
	return nil
}

func toGoogleContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func systemConfig(msgs []Message) *genai.GenerateContentConfig {
	var system []string
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
		}
	}
	if len(system) == 0 {
		return nil
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser),
	}
}
