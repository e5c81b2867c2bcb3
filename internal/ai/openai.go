package ai

import (
	"context"
	"fmt"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIGenerator implements engine.Generator using an OpenAI-compatible API.
type OpenAIGenerator struct {
	client llms.Model
}

// NewOpenAIGenerator creates a new OpenAI-compatible generator.
func NewOpenAIGenerator(apiKey, baseURL, model string) (*OpenAIGenerator, error) {
	client, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	return &OpenAIGenerator{client: client}, nil
}

// Generate sends the transcript to the LLM and returns the reply with token usage.
func (g *OpenAIGenerator) Generate(ctx context.Context, req engine.Request) (engine.Generation, error) {
	llmMessages := make([]llms.MessageContent, 0, len(req.Messages))

	for _, msg := range req.Messages {
		var msgType llms.ChatMessageType
		switch msg.Role {
		case engine.RoleSystem:
			msgType = llms.ChatMessageTypeSystem
		case engine.RoleUser:
			msgType = llms.ChatMessageTypeHuman
		case engine.RoleAssistant:
			msgType = llms.ChatMessageTypeAI
		default:
			continue
		}
		llmMessages = append(llmMessages, llms.TextParts(msgType, msg.Content))
	}

	var opts []llms.CallOption
	if req.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxOutputTokens))
	}

	resp, err := g.client.GenerateContent(ctx, llmMessages, opts...)
	if err != nil {
		return engine.Generation{}, fmt.Errorf("%w: failed to generate content: %w", story.ErrProvider, err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		return engine.Generation{}, fmt.Errorf("%w: no choices returned from model", story.ErrProvider)
	}

	choice := resp.Choices[0]
	gen := engine.Generation{Text: choice.Content}

	// Extract token usage from GenerationInfo
	if info := choice.GenerationInfo; info != nil {
		in, okIn := tokenCount(info["PromptTokens"])
		out, okOut := tokenCount(info["CompletionTokens"])
		if okIn || okOut {
			gen.Usage = engine.Usage{InputTokens: in, OutputTokens: out}
			gen.Reported = !gen.Usage.IsZero()
		}
	}

	return gen, nil
}

// tokenCount reads a usage value that may arrive as any numeric type.
func tokenCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
