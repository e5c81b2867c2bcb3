package ledger

import (
	"fmt"
	"time"
)

// Wallet is a user's prepaid balance.
type Wallet struct {
	UserID          string    `db:"user_id" json:"user_id"`
	Balance         Amount    `db:"balance" json:"balance"`
	LifetimeGranted Amount    `db:"lifetime_granted" json:"lifetime_granted"`
	LifetimeSpent   Amount    `db:"lifetime_spent" json:"lifetime_spent"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Check verifies balance = lifetime granted - lifetime spent and balance >= 0.
func (w Wallet) Check() error {
	if w.Balance < 0 {
		return fmt.Errorf("wallet %s: negative balance %s", w.UserID, w.Balance)
	}
	if w.Balance != w.LifetimeGranted-w.LifetimeSpent {
		return fmt.Errorf("wallet %s: balance %s != granted %s - spent %s",
			w.UserID, w.Balance, w.LifetimeGranted, w.LifetimeSpent)
	}
	return nil
}

// EntryKind classifies a wallet mutation.
type EntryKind string

const (
	EntryStartingGrant EntryKind = "starting_grant"
	EntryAdminGrant    EntryKind = "admin_grant"
	EntryTurn          EntryKind = "turn"
	// EntryFailedAttempt settles usage the provider billed for a call that
	// produced no turn.
	EntryFailedAttempt EntryKind = "failed_attempt"
)

// Entry is one audit record of a wallet mutation. Amount is signed: credits
// are positive, debits negative.
type Entry struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	Kind         EntryKind `db:"kind" json:"kind"`
	Amount       Amount    `db:"amount" json:"amount"`
	Quoted       Amount    `db:"quoted" json:"quoted"`
	BalanceAfter Amount    `db:"balance_after" json:"balance_after"`
	Actor        string    `db:"actor" json:"actor"`
	InputTokens  int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int       `db:"output_tokens" json:"output_tokens"`
	Flagged      bool      `db:"flagged" json:"flagged"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
