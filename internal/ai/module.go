package ai

import (
	"fmt"

	"github.com/j0lvera/loreweaver/internal/config"
	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

// Params for creating a Generator
type Params struct {
	fx.In

	Config *config.Config
	Logger zerolog.Logger
}

// Result of creating a Generator
type Result struct {
	fx.Out

	Generator engine.Generator
}

// New creates the Generator selected by PROVIDER
func New(p Params) (Result, error) {
	var (
		gen engine.Generator
		err error
	)

	switch p.Config.Provider {
	case config.ProviderOpenAI:
		gen, err = NewOpenAIGenerator(p.Config.APIKey, p.Config.BaseURL, p.Config.Model)
	case config.ProviderOllama:
		gen, err = NewOllamaGenerator(p.Config.OllamaModel)
	default:
		err = fmt.Errorf("unknown provider %q", p.Config.Provider)
	}
	if err != nil {
		return Result{}, err
	}

	p.Logger.Info().Str("provider", p.Config.Provider).Msg("generation provider ready")
	return Result{
		Generator: gen,
	}, nil
}

// Module provides the generation collaborator
func Module() fx.Option {
	return fx.Module(
		"ai",
		fx.Provide(
			New,
		),
	)
}
