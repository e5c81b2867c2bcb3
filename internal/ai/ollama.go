package ai

import (
	"context"
	"fmt"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/ollama/ollama/api"
)

// OllamaGenerator implements engine.Generator against a local Ollama server.
type OllamaGenerator struct {
	client *api.Client
	model  string
}

// NewOllamaGenerator connects using OLLAMA_HOST.
func NewOllamaGenerator(model string) (*OllamaGenerator, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}

	if client == nil {
		return nil, fmt.Errorf("AI client is nil after initialization")
	}

	return NewOllamaGeneratorWithClient(client, model), nil
}

// NewOllamaGeneratorWithClient wraps an existing client.
func NewOllamaGeneratorWithClient(client *api.Client, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// Generate implements engine.Generator
func (g *OllamaGenerator) Generate(ctx context.Context, req engine.Request) (engine.Generation, error) {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		msgs = append(
			msgs, api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			},
		)
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model:    g.model,
		Messages: msgs,
		Stream:   &streamFalse,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxOutputTokens}
	}

	var resp api.ChatResponse
	resFn := func(r api.ChatResponse) error {
		resp = r
		return nil
	}

	err := g.client.Chat(ctx, chatReq, resFn)

	gen := engine.Generation{
		Text: resp.Message.Content,
		Usage: engine.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		},
	}
	gen.Reported = resp.Done && !gen.Usage.IsZero()

	if err != nil {
		return gen, fmt.Errorf("%w: ollama chat: %w", story.ErrProvider, err)
	}
	if gen.Text == "" {
		return gen, fmt.Errorf("%w: empty response from model", story.ErrProvider)
	}
	return gen, nil
}
