package story

import (
	"context"

	"github.com/j0lvera/loreweaver/internal/ledger"
)

// WalletFunc computes a new wallet state and the audit entries that explain it.
// Returning an error aborts the surrounding write.
type WalletFunc func(ledger.Wallet) (ledger.Wallet, []ledger.Entry, error)

// Settlement is one atomic write: a wallet mutation, an optional turn append
// and an optional status change, all committed together or not at all.
type Settlement struct {
	UserID    string
	SessionID string
	// Apply runs against the locked wallet row; nil leaves the wallet untouched.
	Apply WalletFunc
	// Turn is appended when non-nil; its index must be the session's next index.
	Turn *Turn
	// Status is set when non-empty.
	Status Status
	// NeedsReview flags the session; a flagged entry from Apply flags it too.
	NeedsReview bool
}

// Store is the durable record of wallets, characters and sessions.
type Store interface {
	// GetOrCreateWallet returns the user's wallet, creating it with seed on
	// first sight. seed runs at most once per user.
	GetOrCreateWallet(ctx context.Context, userID string, seed WalletFunc) (ledger.Wallet, error)
	GetWallet(ctx context.Context, userID string) (ledger.Wallet, error)

	GetCharacter(ctx context.Context, userID string) (Character, error)
	SaveCharacter(ctx context.Context, c Character) error

	// CreateSession opens a new active session; a user may hold one at a time.
	CreateSession(ctx context.Context, userID string) (Session, error)
	ActiveSession(ctx context.Context, userID string) (Session, error)
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	AppendTurn(ctx context.Context, sessionID string, t Turn) error

	// Commit applies s atomically and returns the resulting wallet.
	Commit(ctx context.Context, s Settlement) (ledger.Wallet, error)
	Entries(ctx context.Context, userID string) ([]ledger.Entry, error)
}
