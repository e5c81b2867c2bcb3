package engine

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// DefaultEncoding is the tokenizer used for estimates.
const DefaultEncoding = "cl100k_base"

// per-message framing tokens in the chat format
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// Counter estimates token counts. Without a tokenizer it falls back to one
// token per four runes, rounded up.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter loads the named tiktoken encoding. A load failure is logged and
// leaves the counter on the rune-based fallback.
func NewCounter(encoding string, logger zerolog.Logger) *Counter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn().Err(err).Str("encoding", encoding).Msg("tokenizer unavailable, estimating from text length")
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// NewEstimator returns a Counter that only uses the rune-based fallback.
func NewEstimator() *Counter { return &Counter{} }

// Count returns the tokens in s.
func (c *Counter) Count(s string) int {
	if s == "" {
		return 0
	}
	if c != nil && c.enc != nil {
		return len(c.enc.Encode(s, nil, nil))
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Messages estimates the prompt tokens of a chat request.
func (c *Counter) Messages(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := tokensPerReply
	for _, m := range msgs {
		total += tokensPerMessage + c.Count(string(m.Role)) + c.Count(m.Content)
	}
	return total
}
