package story

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/j0lvera/loreweaver/internal/ledger"
)

// MemoryStore is a Store held in process memory. A single mutex makes every
// write atomic; it is meant for tests and single-instance deployments without
// a database.
type MemoryStore struct {
	mu         sync.RWMutex
	wallets    map[string]ledger.Wallet
	entries    map[string][]ledger.Entry
	characters map[string]Character
	sessions   map[string]*Session
	active     map[string]string // user id -> active session id
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:    make(map[string]ledger.Wallet),
		entries:    make(map[string][]ledger.Entry),
		characters: make(map[string]Character),
		sessions:   make(map[string]*Session),
		active:     make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryStore) GetOrCreateWallet(_ context.Context, userID string, seed WalletFunc) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		return w, nil
	}

	w := ledger.Wallet{UserID: userID, UpdatedAt: s.now().UTC()}
	if seed != nil {
		var entries []ledger.Entry
		var err error
		if w, entries, err = seed(w); err != nil {
			return ledger.Wallet{}, err
		}
		s.entries[userID] = append(s.entries[userID], entries...)
	}
	s.wallets[userID] = w
	return w, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return ledger.Wallet{}, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	return w, nil
}

func (s *MemoryStore) GetCharacter(_ context.Context, userID string) (Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[userID]
	if !ok {
		return Character{}, fmt.Errorf("character for %s: %w", userID, ErrNotFound)
	}
	return copyCharacter(c), nil
}

func (s *MemoryStore) SaveCharacter(_ context.Context, c Character) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[c.UserID]; ok {
		return fmt.Errorf("%s: %w", c.UserID, ErrCharacterExists)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.characters[c.UserID] = copyCharacter(c)
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.characters[userID]
	if !ok {
		return Session{}, fmt.Errorf("character for %s: %w", userID, ErrNotFound)
	}
	if id, ok := s.active[userID]; ok {
		return Session{}, fmt.Errorf("%w: %s already has active session %s", ErrValidation, userID, id)
	}

	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Character: copyCharacter(c),
	}
	s.sessions[sess.ID] = sess
	s.active[userID] = sess.ID
	return copySession(sess), nil
}

func (s *MemoryStore) ActiveSession(_ context.Context, userID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[userID]
	if !ok {
		return Session{}, fmt.Errorf("active session for %s: %w", userID, ErrNotFound)
	}
	return copySession(s.sessions[id]), nil
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return copySession(sess), nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.writableSession(sessionID)
	if err != nil {
		return err
	}
	if err := checkIndex(sess, t); err != nil {
		return err
	}
	s.appendTurn(sess, t)
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, st Settlement) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before touching state
	var sess *Session
	if st.SessionID != "" {
		var err error
		if sess, err = s.writableSession(st.SessionID); err != nil {
			return ledger.Wallet{}, err
		}
		if st.Turn != nil {
			if err := checkIndex(sess, *st.Turn); err != nil {
				return ledger.Wallet{}, err
			}
		}
	}

	w, ok := s.wallets[st.UserID]
	if !ok {
		return ledger.Wallet{}, fmt.Errorf("wallet %s: %w", st.UserID, ErrNotFound)
	}

	var entries []ledger.Entry
	if st.Apply != nil {
		next, es, err := st.Apply(w)
		if err != nil {
			return ledger.Wallet{}, err
		}
		if err := next.Check(); err != nil {
			return ledger.Wallet{}, err
		}
		w, entries = next, es
	}

	s.wallets[st.UserID] = w
	s.entries[st.UserID] = append(s.entries[st.UserID], entries...)

	if sess != nil {
		if st.Turn != nil {
			s.appendTurn(sess, *st.Turn)
		}
		if st.NeedsReview || anyFlagged(entries) {
			sess.NeedsReview = true
		}
		if st.Status != "" && st.Status != sess.Status {
			sess.Status = st.Status
			if st.Status.Terminal() {
				delete(s.active, sess.UserID)
			}
		}
		sess.UpdatedAt = s.now().UTC()
	}
	return w, nil
}

func (s *MemoryStore) Entries(_ context.Context, userID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries[userID]), nil
}

func (s *MemoryStore) writableSession(sessionID string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrSessionClosed)
	}
	return sess, nil
}

func (s *MemoryStore) appendTurn(sess *Session, t Turn) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	t.Choices = slices.Clone(t.Choices)
	sess.Turns = append(sess.Turns, t)
	sess.UpdatedAt = t.CreatedAt
}

func anyFlagged(entries []ledger.Entry) bool {
	for _, e := range entries {
		if e.Flagged {
			return true
		}
	}
	return false
}

func checkIndex(sess *Session, t Turn) error {
	if t.Index != sess.NextIndex() {
		return fmt.Errorf("session %s: got index %d, want %d: %w", sess.ID, t.Index, sess.NextIndex(), ErrIndexConflict)
	}
	return nil
}

func copyCharacter(c Character) Character {
	c.Abilities = slices.Clone(c.Abilities)
	c.Desires = slices.Clone(c.Desires)
	c.Weaknesses = slices.Clone(c.Weaknesses)
	return c
}

func copySession(sess *Session) Session {
	out := *sess
	out.Character = copyCharacter(sess.Character)
	out.Turns = make([]Turn, len(sess.Turns))
	for i, t := range sess.Turns {
		t.Choices = slices.Clone(t.Choices)
		out.Turns[i] = t
	}
	return out
}
