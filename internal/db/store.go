package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const uniqueViolation = "23505"

const (
	walletColumns  = `user_id, balance, lifetime_granted, lifetime_spent, updated_at`
	entryColumns   = `id, user_id, session_id, kind, amount, quoted, balance_after, actor, input_tokens, output_tokens, flagged, created_at`
	sessionColumns = `id, user_id, status, needs_review, created_at, updated_at`

	getWalletQuery     = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	lockWalletQuery    = getWalletQuery + ` FOR UPDATE`
	insertWalletQuery  = `INSERT INTO wallets (user_id, updated_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`
	updateWalletQuery  = `UPDATE wallets SET balance = $2, lifetime_granted = $3, lifetime_spent = $4, updated_at = $5 WHERE user_id = $1`
	insertEntryQuery   = `INSERT INTO ledger_entries (` + entryColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	selectEntriesQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = $1 ORDER BY seq`

	getCharacterQuery    = `SELECT user_id, name, backstory, abilities, desires, weaknesses, created_at FROM characters WHERE user_id = $1`
	insertCharacterQuery = `
        INSERT INTO characters (user_id, name, backstory, abilities, desires, weaknesses, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO NOTHING
    `

	insertSessionQuery = `INSERT INTO sessions (id, user_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`
	getSessionQuery    = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	lockSessionQuery   = getSessionQuery + ` FOR UPDATE`
	activeSessionQuery = `SELECT id FROM sessions WHERE user_id = $1 AND status = 'active'`
	updateSessionQuery = `UPDATE sessions SET status = $2, needs_review = $3, updated_at = $4 WHERE id = $1`
	nextTurnIndexQuery = `SELECT COALESCE(MAX(idx) + 1, 0) FROM turns WHERE session_id = $1`
	selectTurnsQuery   = `SELECT idx, choice, narration, choices, input_tokens, output_tokens, cost, terminal, created_at FROM turns WHERE session_id = $1 ORDER BY idx`
	insertTurnQuery    = `
        INSERT INTO turns (session_id, idx, choice, narration, choices, input_tokens, output_tokens, cost, terminal, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
)

// Store is a story.Store backed by Postgres. Every write runs in one
// transaction holding row locks on the wallet and session it touches.
type Store struct {
	db     *Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a Postgres store.
func NewStore(client *Client, logger zerolog.Logger) *Store {
	return &Store{
		db:     client,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
}

var _ story.Store = (*Store)(nil)

func (s *Store) GetOrCreateWallet(ctx context.Context, userID string, seed story.WalletFunc) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		now := s.now().UTC()
		tag, err := tx.Exec(ctx, insertWalletQuery, userID, now)
		if err != nil {
			return fmt.Errorf("unable to create wallet: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pgxscan.Get(ctx, tx, &w, getWalletQuery, userID)
		}

		// first sight: the new row stays locked until the seed is written
		w = ledger.Wallet{UserID: userID, UpdatedAt: now}
		if seed == nil {
			return nil
		}
		next, entries, err := seed(w)
		if err != nil {
			return err
		}
		if err := s.writeWallet(ctx, tx, next, entries); err != nil {
			return err
		}
		w = next
		s.logger.Debug().Str("user_id", userID).Stringer("balance", w.Balance).Msg("wallet seeded")
		return nil
	})
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("wallet %s: %w", userID, err)
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, userID string) (ledger.Wallet, error) {
	var w ledger.Wallet
	if err := pgxscan.Get(ctx, s.db.Pool, &w, getWalletQuery, userID); err != nil {
		return ledger.Wallet{}, notFound(err, "wallet %s", userID)
	}
	return w, nil
}

func (s *Store) GetCharacter(ctx context.Context, userID string) (story.Character, error) {
	return getCharacter(ctx, s.db.Pool, userID)
}

func (s *Store) SaveCharacter(ctx context.Context, c story.Character) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	tag, err := s.db.Pool.Exec(ctx, insertCharacterQuery,
		c.UserID, c.Name, c.Backstory, nonNil(c.Abilities), nonNil(c.Desires), nonNil(c.Weaknesses), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("unable to save character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", c.UserID, story.ErrCharacterExists)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, userID string) (story.Session, error) {
	c, err := getCharacter(ctx, s.db.Pool, userID)
	if err != nil {
		return story.Session{}, err
	}

	now := s.now().UTC()
	sess := story.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    story.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Character: c,
	}
	if _, err := s.db.Pool.Exec(ctx, insertSessionQuery, sess.ID, userID, string(sess.Status), now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return story.Session{}, fmt.Errorf("%w: %s already has an active session", story.ErrValidation, userID)
		}
		return story.Session{}, fmt.Errorf("unable to create session: %w", err)
	}
	return sess, nil
}

func (s *Store) ActiveSession(ctx context.Context, userID string) (story.Session, error) {
	var id string
	if err := pgxscan.Get(ctx, s.db.Pool, &id, activeSessionQuery, userID); err != nil {
		return story.Session{}, notFound(err, "active session for %s", userID)
	}
	return s.LoadSession(ctx, id)
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (story.Session, error) {
	var sess story.Session
	err := pgx.BeginTxFunc(ctx, s.db.Pool, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		var err error
		sess, err = loadSession(ctx, tx, sessionID)
		return err
	})
	return sess, err
}

func (s *Store) AppendTurn(ctx context.Context, sessionID string, t story.Turn) error {
	return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		if _, err := s.lockWritableSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := s.insertTurn(ctx, tx, sessionID, t); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, sessionID, s.now().UTC())
		return err
	})
}

func (s *Store) Commit(ctx context.Context, st story.Settlement) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		// session first, then wallet; every writer takes the locks in this order
		var sess story.Session
		if st.SessionID != "" {
			var err error
			if sess, err = s.lockWritableSession(ctx, tx, st.SessionID); err != nil {
				return err
			}
		}

		if err := pgxscan.Get(ctx, tx, &w, lockWalletQuery, st.UserID); err != nil {
			return notFound(err, "wallet %s", st.UserID)
		}

		var entries []ledger.Entry
		if st.Apply != nil {
			next, es, err := st.Apply(w)
			if err != nil {
				return err
			}
			if err := s.writeWallet(ctx, tx, next, es); err != nil {
				return err
			}
			w, entries = next, es
		}

		if st.SessionID == "" {
			return nil
		}
		if st.Turn != nil {
			if err := s.insertTurn(ctx, tx, st.SessionID, *st.Turn); err != nil {
				return err
			}
		}
		if st.Status != "" {
			sess.Status = st.Status
		}
		if st.NeedsReview || anyFlagged(entries) {
			sess.NeedsReview = true
		}
		_, err := tx.Exec(ctx, updateSessionQuery, st.SessionID, string(sess.Status), sess.NeedsReview, s.now().UTC())
		return err
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

func (s *Store) Entries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	if err := pgxscan.Select(ctx, s.db.Pool, &entries, selectEntriesQuery, userID); err != nil {
		return nil, fmt.Errorf("unable to list entries for %s: %w", userID, err)
	}
	return entries, nil
}

func (s *Store) writeWallet(ctx context.Context, tx pgx.Tx, w ledger.Wallet, entries []ledger.Entry) error {
	if err := w.Check(); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, updateWalletQuery,
		w.UserID, w.Balance.Cents(), w.LifetimeGranted.Cents(), w.LifetimeSpent.Cents(), w.UpdatedAt); err != nil {
		return fmt.Errorf("unable to update wallet: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertEntryQuery,
			e.ID, e.UserID, e.SessionID, string(e.Kind), e.Amount.Cents(), e.Quoted.Cents(), e.BalanceAfter.Cents(),
			e.Actor, e.InputTokens, e.OutputTokens, e.Flagged, e.CreatedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("unable to write ledger entries: %w", err)
	}
	return nil
}

func (s *Store) lockWritableSession(ctx context.Context, tx pgx.Tx, sessionID string) (story.Session, error) {
	var sess story.Session
	if err := pgxscan.Get(ctx, tx, &sess, lockSessionQuery, sessionID); err != nil {
		return story.Session{}, notFound(err, "session %s", sessionID)
	}
	if sess.Status.Terminal() {
		return story.Session{}, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, story.ErrSessionClosed)
	}
	return sess, nil
}

// insertTurn requires the caller to hold the session row lock.
func (s *Store) insertTurn(ctx context.Context, tx pgx.Tx, sessionID string, t story.Turn) error {
	var next int
	if err := tx.QueryRow(ctx, nextTurnIndexQuery, sessionID).Scan(&next); err != nil {
		return fmt.Errorf("unable to read turn index: %w", err)
	}
	if t.Index != next {
		return fmt.Errorf("session %s: got index %d, want %d: %w", sessionID, t.Index, next, story.ErrIndexConflict)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	_, err := tx.Exec(ctx, insertTurnQuery,
		sessionID, t.Index, t.Choice, t.Narration, nonNil(t.Choices),
		t.InputTokens, t.OutputTokens, t.Cost.Cents(), t.Terminal, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("session %s turn %d: %w", sessionID, t.Index, story.ErrIndexConflict)
		}
		return fmt.Errorf("unable to append turn: %w", err)
	}
	return nil
}

func loadSession(ctx context.Context, q pgxscan.Querier, sessionID string) (story.Session, error) {
	var sess story.Session
	if err := pgxscan.Get(ctx, q, &sess, getSessionQuery, sessionID); err != nil {
		return story.Session{}, notFound(err, "session %s", sessionID)
	}

	c, err := getCharacter(ctx, q, sess.UserID)
	if err != nil {
		return story.Session{}, err
	}
	sess.Character = c

	if err := pgxscan.Select(ctx, q, &sess.Turns, selectTurnsQuery, sessionID); err != nil {
		return story.Session{}, fmt.Errorf("unable to load turns of %s: %w", sessionID, err)
	}
	return sess, nil
}

func getCharacter(ctx context.Context, q pgxscan.Querier, userID string) (story.Character, error) {
	var c story.Character
	if err := pgxscan.Get(ctx, q, &c, getCharacterQuery, userID); err != nil {
		return story.Character{}, notFound(err, "character for %s", userID)
	}
	return c, nil
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, story.ErrNotFound)
	}
	return fmt.Errorf("unable to read %s: %w", what, err)
}

func anyFlagged(entries []ledger.Entry) bool {
	for _, e := range entries {
		if e.Flagged {
			return true
		}
	}
	return false
}

// nonNil keeps NOT NULL text[] columns from receiving NULL.
func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
