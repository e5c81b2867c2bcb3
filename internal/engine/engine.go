package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/rs/zerolog"
)

// maxAttempts is the first call plus one clarifying retry.
const maxAttempts = 2

// Preflight is consulted before every generation call with the estimated
// prompt size and the usage already billed by earlier attempts of this turn.
// A non-nil error stops the turn before the call is made.
type Preflight func(ctx context.Context, estimatedInputTokens int, billed []Usage) error

// Outcome is what one Advance produced. Failed lists billed attempts that did
// not yield a turn; it is populated on error too, so the caller can settle it.
type Outcome struct {
	Turn     story.Turn
	Terminal bool
	Failed   []Usage
}

// Config holds the engine settings.
type Config struct {
	Prompts         Prompts
	MaxOutputTokens int
}

// Engine builds prompts, calls the generator and parses its reply. It does not
// persist anything.
type Engine struct {
	gen     Generator
	counter *Counter
	cfg     Config
	logger  zerolog.Logger
}

// New creates an Engine.
func New(gen Generator, counter *Counter, cfg Config, logger zerolog.Logger) *Engine {
	cfg.Prompts = cfg.Prompts.WithDefaults()
	if counter == nil {
		counter = NewEstimator()
	}
	return &Engine{gen: gen, counter: counter, cfg: cfg, logger: logger}
}

// Estimate returns the estimated prompt tokens for the next turn of sess.
func (e *Engine) Estimate(sess story.Session, choice string) int {
	return e.counter.Messages(e.cfg.Prompts.Build(sess, choice))
}

// Advance generates the next turn of sess for choice. A malformed reply is
// retried once with a clarifying instruction.
func (e *Engine) Advance(ctx context.Context, sess story.Session, choice string, preflight Preflight) (Outcome, error) {
	var out Outcome
	msgs := e.cfg.Prompts.Build(sess, choice)
	logger := e.logger.With().Str("session_id", sess.ID).Int("turn", sess.NextIndex()).Logger()

	var reason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		estimate := e.counter.Messages(msgs)
		if preflight != nil {
			if err := preflight(ctx, estimate, out.Failed); err != nil {
				return out, err
			}
		}

		logger.Debug().Int("attempt", attempt).Int("estimated_input_tokens", estimate).Msg("generating")

		gen, err := e.gen.Generate(ctx, Request{Messages: msgs, MaxOutputTokens: e.cfg.MaxOutputTokens})
		if err != nil {
			if gen.Reported && !gen.Usage.IsZero() {
				out.Failed = append(out.Failed, gen.Usage)
			}
			logger.Error().Err(err).Int("attempt", attempt).Msg("generation failed")
			if !errors.Is(err, story.ErrProvider) {
				err = fmt.Errorf("%w: %w", story.ErrProvider, err)
			}
			return out, err
		}

		usage := gen.Usage
		if !gen.Reported {
			usage = Usage{InputTokens: estimate, OutputTokens: e.counter.Count(gen.Text)}
		}

		parsed := Parse(gen.Text, e.cfg.Prompts.EndMarker)
		if parsed.Kind == Malformed {
			reason = parsed.Reason
			out.Failed = append(out.Failed, usage)
			logger.Warn().
				Int("attempt", attempt).
				Str("reason", parsed.Reason).
				Int("response_length", len(gen.Text)).
				Msg("malformed generation")
			msgs = append(msgs,
				Message{Role: RoleAssistant, Content: gen.Text},
				Message{Role: RoleUser, Content: e.cfg.Prompts.Clarify},
			)
			continue
		}

		out.Terminal = parsed.Kind == Conclusion
		out.Turn = story.Turn{
			Index:        sess.NextIndex(),
			Choice:       choice,
			Narration:    parsed.Narration,
			Choices:      parsed.Choices,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			Terminal:     out.Terminal,
		}
		logger.Info().
			Str("kind", parsed.Kind.String()).
			Int("choices", len(parsed.Choices)).
			Int("input_tokens", usage.InputTokens).
			Int("output_tokens", usage.OutputTokens).
			Bool("estimated", !gen.Reported).
			Msg("turn generated")
		return out, nil
	}

	return out, fmt.Errorf("%w after %d attempts: %s", story.ErrGenerationFormat, maxAttempts, reason)
}
