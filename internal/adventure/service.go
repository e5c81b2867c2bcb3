package adventure

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/lock"
	"github.com/j0lvera/loreweaver/internal/metrics"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/rs/zerolog"
)

const systemActor = "system"

// Config holds the onboarding and turn policy.
type Config struct {
	StartingBalance   ledger.Amount
	AdminIDs          []string
	FreeOpeningTurn   bool
	GenerationTimeout time.Duration
}

// Result is the plain payload returned to UI adapters after a turn.
type Result struct {
	SessionID string        `json:"session_id"`
	Turn      story.Turn    `json:"turn"`
	Status    story.Status  `json:"status"`
	Balance   ledger.Amount `json:"balance"`
	Cost      ledger.Amount `json:"cost"`
	// LowBalance means the next turn will probably not be affordable.
	LowBalance bool `json:"low_balance"`
	// Resumed is set when StartAdventure returned an existing session.
	Resumed bool `json:"resumed"`
}

// Snapshot is a user's current adventure position.
type Snapshot struct {
	Session story.Session `json:"session"`
	Turn    story.Turn    `json:"turn"`
	HasTurn bool          `json:"has_turn"`
	Balance ledger.Amount `json:"balance"`
}

// Service is the conversation and credit core consumed by the UI adapters.
type Service struct {
	store   story.Store
	ledger  *ledger.Ledger
	engine  *engine.Engine
	locker  lock.Locker
	metrics *metrics.Metrics
	cfg     Config
	logger  zerolog.Logger
}

// NewService creates the core service.
func NewService(
	store story.Store,
	l *ledger.Ledger,
	e *engine.Engine,
	locker lock.Locker,
	m *metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	return &Service{
		store:   store,
		ledger:  l,
		engine:  e,
		locker:  locker,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}
}

// GetBalance returns the user's wallet, granting the starting balance on first sight.
func (s *Service) GetBalance(ctx context.Context, userID string) (ledger.Wallet, error) {
	return s.onboard(ctx, userID)
}

// Statement returns the audit entries of a user's wallet, oldest first.
func (s *Service) Statement(ctx context.Context, userID string) ([]ledger.Entry, error) {
	return s.store.Entries(ctx, userID)
}

// SaveCharacter stores the user's character. Characters cannot be replaced.
func (s *Service) SaveCharacter(ctx context.Context, c story.Character) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := s.onboard(ctx, c.UserID); err != nil {
		return err
	}
	if err := s.store.SaveCharacter(ctx, c); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", c.UserID).Str("name", c.Name).Msg("character created")
	return nil
}

func (s *Service) GetCharacter(ctx context.Context, userID string) (story.Character, error) {
	return s.store.GetCharacter(ctx, userID)
}

// AdminGrant credits amount to target on behalf of adminID.
func (s *Service) AdminGrant(ctx context.Context, adminID, targetUserID string, amount ledger.Amount) (ledger.Wallet, error) {
	if !slices.Contains(s.cfg.AdminIDs, adminID) {
		s.logger.Warn().Str("actor", adminID).Str("user_id", targetUserID).Stringer("amount", amount).Msg("unauthorized grant attempt")
		return ledger.Wallet{}, fmt.Errorf("%s may not grant funds: %w", adminID, story.ErrPermission)
	}
	if amount <= 0 {
		return ledger.Wallet{}, fmt.Errorf("%w: grant amount must be positive", story.ErrValidation)
	}
	if _, err := s.onboard(ctx, targetUserID); err != nil {
		return ledger.Wallet{}, err
	}

	w, err := s.store.Commit(ctx, story.Settlement{
		UserID: targetUserID,
		Apply: func(w ledger.Wallet) (ledger.Wallet, []ledger.Entry, error) {
			w, e, err := s.ledger.Grant(w, amount, adminID, ledger.EntryAdminGrant)
			return w, []ledger.Entry{e}, err
		},
	})
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("grant: %w", err)
	}

	s.metrics.GrantedCents.WithLabelValues(string(ledger.EntryAdminGrant)).Add(float64(amount.Cents()))
	s.logger.Info().
		Str("actor", adminID).
		Str("user_id", targetUserID).
		Stringer("amount", amount).
		Stringer("balance", w.Balance).
		Msg("funds granted")
	return w, nil
}

// Snapshot returns the user's active session and its latest turn.
func (s *Service) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	sess, err := s.store.ActiveSession(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	w, err := s.onboard(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	last, ok := sess.LastTurn()
	return Snapshot{Session: sess, Turn: last, HasTurn: ok, Balance: w.Balance}, nil
}

// StartAdventure resumes the user's active adventure or begins a new one with
// its opening turn. A session whose opening turn failed is retried in place.
func (s *Service) StartAdventure(ctx context.Context, userID string) (Result, error) {
	if _, err := s.onboard(ctx, userID); err != nil {
		return Result{}, err
	}
	if _, err := s.store.GetCharacter(ctx, userID); err != nil {
		return Result{}, fmt.Errorf("create a character first: %w", err)
	}

	sess, err := s.store.ActiveSession(ctx, userID)
	switch {
	case errors.Is(err, story.ErrNotFound):
		sess, err = s.store.CreateSession(ctx, userID)
		if errors.Is(err, story.ErrValidation) {
			// lost a race with a concurrent start
			sess, err = s.store.ActiveSession(ctx, userID)
		}
		if err != nil {
			return Result{}, err
		}
		s.metrics.Sessions.WithLabelValues(string(story.StatusActive)).Inc()
		s.logger.Info().Str("user_id", userID).Str("session_id", sess.ID).Msg("adventure started")
	case err != nil:
		return Result{}, err
	}

	if last, ok := sess.LastTurn(); ok {
		w, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		return Result{SessionID: sess.ID, Turn: last, Status: sess.Status, Balance: w.Balance, Resumed: true}, nil
	}
	return s.turn(ctx, userID, sess.ID, "", true)
}

// SubmitChoice advances the session with one of the choices offered by its
// latest turn, given as text or as its 1-based number.
func (s *Service) SubmitChoice(ctx context.Context, userID, sessionID, choice string) (Result, error) {
	if strings.TrimSpace(choice) == "" {
		return Result{}, fmt.Errorf("%w: empty choice", story.ErrValidation)
	}
	return s.turn(ctx, userID, sessionID, choice, false)
}

// Outcome is delivered once on the channel returned by Start and Submit.
type Outcome struct {
	Result Result
	Err    error
}

// Start runs StartAdventure detached from ctx's cancellation.
func (s *Service) Start(ctx context.Context, userID string) <-chan Outcome {
	return s.async(ctx, func(ctx context.Context) (Result, error) {
		return s.StartAdventure(ctx, userID)
	})
}

// Submit runs SubmitChoice detached from ctx's cancellation. The turn runs to
// completion and settles even if the caller stops waiting.
func (s *Service) Submit(ctx context.Context, userID, sessionID, choice string) <-chan Outcome {
	return s.async(ctx, func(ctx context.Context) (Result, error) {
		return s.SubmitChoice(ctx, userID, sessionID, choice)
	})
}

func (s *Service) async(ctx context.Context, fn func(context.Context) (Result, error)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(ch)
		r, err := fn(ctx)
		ch <- Outcome{Result: r, Err: err}
	}()
	return ch
}

func (s *Service) onboard(ctx context.Context, userID string) (ledger.Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return ledger.Wallet{}, fmt.Errorf("%w: empty user id", story.ErrValidation)
	}
	// the seed may run inside a transaction that later rolls back
	var granted ledger.Amount
	w, err := s.store.GetOrCreateWallet(ctx, userID, func(w ledger.Wallet) (ledger.Wallet, []ledger.Entry, error) {
		granted = 0
		if s.cfg.StartingBalance <= 0 {
			return w, nil, nil
		}
		w, e, err := s.ledger.Grant(w, s.cfg.StartingBalance, systemActor, ledger.EntryStartingGrant)
		if err != nil {
			return w, nil, err
		}
		granted = e.Amount
		return w, []ledger.Entry{e}, nil
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	if granted > 0 {
		s.metrics.GrantedCents.WithLabelValues(string(ledger.EntryStartingGrant)).Add(float64(granted.Cents()))
		s.logger.Info().Str("user_id", userID).Stringer("amount", granted).Msg("wallet created")
	}
	return w, nil
}

func resolveChoice(last story.Turn, input string) (string, error) {
	in := strings.TrimSpace(input)
	if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(last.Choices) {
		return last.Choices[n-1], nil
	}
	for _, c := range last.Choices {
		if strings.EqualFold(c, in) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not one of the offered choices", story.ErrValidation, input)
}
