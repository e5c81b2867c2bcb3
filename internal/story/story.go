package story

import (
	"fmt"
	"strings"
	"time"

	"github.com/j0lvera/loreweaver/internal/ledger"
)

// Character is a user's player character. It is immutable once saved.
type Character struct {
	UserID     string    `db:"user_id" json:"user_id"`
	Name       string    `db:"name" json:"name"`
	Backstory  string    `db:"backstory" json:"backstory"`
	Abilities  []string  `db:"abilities" json:"abilities"`
	Desires    []string  `db:"desires" json:"desires"`
	Weaknesses []string  `db:"weaknesses" json:"weaknesses"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Validate requires a user, a name and a backstory.
func (c Character) Validate() error {
	switch {
	case strings.TrimSpace(c.UserID) == "":
		return fmt.Errorf("%w: character has no owner", ErrValidation)
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: character name is required", ErrValidation)
	case strings.TrimSpace(c.Backstory) == "":
		return fmt.Errorf("%w: character backstory is required", ErrValidation)
	}
	return nil
}

// SplitList turns "sword, stealth,, luck" into its non-blank, trimmed items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Turn is one exchange in a session transcript. Index 0 is the opening turn
// and carries no choice.
type Turn struct {
	Index        int           `db:"idx" json:"index"`
	Choice       string        `db:"choice" json:"choice,omitempty"`
	Narration    string        `db:"narration" json:"narration"`
	Choices      []string      `db:"choices" json:"choices"`
	InputTokens  int           `db:"input_tokens" json:"input_tokens"`
	OutputTokens int           `db:"output_tokens" json:"output_tokens"`
	Cost         ledger.Amount `db:"cost" json:"cost"`
	Terminal     bool          `db:"terminal" json:"terminal"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusConcluded Status = "concluded"
	// StatusAbandoned is reached when a turn could not be authorized.
	StatusAbandoned Status = "abandoned_insufficient_funds"
)

// Terminal reports whether no further turns may be taken.
func (s Status) Terminal() bool {
	return s == StatusConcluded || s == StatusAbandoned
}

// Session is one adventure of one user. Turns is the full transcript in index order.
type Session struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Status      Status    `db:"status" json:"status"`
	NeedsReview bool      `db:"needs_review" json:"needs_review"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	Character Character `db:"-" json:"character"`
	Turns     []Turn    `db:"-" json:"turns"`
}

// NextIndex is the index the next appended turn must carry.
func (s Session) NextIndex() int { return len(s.Turns) }

// LastTurn returns the most recent turn, if any.
func (s Session) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}
