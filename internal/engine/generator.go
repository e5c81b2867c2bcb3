package engine

import "context"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to a generation provider.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	Messages        []Message
	MaxOutputTokens int
}

// Usage counts the tokens of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// IsZero reports whether nothing was used.
func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Generation is a provider response. Reported is false when the provider
// returned no usage block, in which case Usage is left empty.
type Generation struct {
	Text     string
	Usage    Usage
	Reported bool
}

// Generator produces text from a chat transcript. On failure it may still
// return a Generation carrying usage the provider reported as billed.
type Generator interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}
