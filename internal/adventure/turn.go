package adventure

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/rs/zerolog"
)

// turn runs one serialized turn: authorize, generate, settle and persist.
// Nothing is appended to the transcript unless its cost settles in the same
// commit.
func (s *Service) turn(ctx context.Context, userID, sessionID, choice string, opening bool) (Result, error) {
	unlock, ok, err := s.locker.TryLock(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		s.metrics.Turns.WithLabelValues(string(story.KindBusy)).Inc()
		return Result{}, fmt.Errorf("session %s: %w", sessionID, story.ErrTurnInProgress)
	}
	defer unlock()

	// a started turn always runs to completion and settles
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GenerationTimeout)
	defer cancel()

	sess, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.UserID != userID {
		return Result{}, fmt.Errorf("session %s: %w", sessionID, story.ErrNotFound)
	}
	if sess.Status.Terminal() {
		return Result{}, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, story.ErrSessionClosed)
	}

	last, hasTurn := sess.LastTurn()
	switch {
	case opening && hasTurn:
		w, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		return Result{SessionID: sess.ID, Turn: last, Status: sess.Status, Balance: w.Balance, Resumed: true}, nil
	case !opening && !hasTurn:
		return Result{}, fmt.Errorf("%w: the adventure has not begun yet", story.ErrValidation)
	case !opening:
		if choice, err = resolveChoice(last, choice); err != nil {
			return Result{}, err
		}
	}

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	logger := s.logger.With().
		Str("user_id", userID).
		Str("session_id", sess.ID).
		Int("turn", sess.NextIndex()).
		Logger()

	waived := opening && s.cfg.FreeOpeningTurn
	var bounds []ledger.Amount
	preflight := func(_ context.Context, estimate int, billed []engine.Usage) error {
		worst := s.ledger.WorstCase(estimate)
		bounds = append(bounds, worst)
		if waived {
			// free, but not for an empty wallet
			return s.ledger.Authorize(wallet, 0, 0)
		}
		return s.ledger.Authorize(wallet, s.pending(billed), worst)
	}

	started := time.Now()
	out, err := s.engine.Advance(ctx, sess, choice, preflight)
	s.metrics.TurnDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		return Result{}, s.fail(ctx, logger, sess, out, bounds, waived, err)
	}

	turn := out.Turn
	charges := s.charges(sess.ID, out.Failed, bounds, waived)
	charges = append(charges, ledger.Charge{
		Kind:         ledger.EntryTurn,
		SessionID:    sess.ID,
		InputTokens:  turn.InputTokens,
		OutputTokens: turn.OutputTokens,
		Authorized:   boundAt(bounds, len(out.Failed)),
		Waived:       waived,
	})
	if !waived {
		turn.Cost = s.ledger.QuoteCost(turn.InputTokens, turn.OutputTokens)
	}

	status := story.StatusActive
	if out.Terminal {
		status = story.StatusConcluded
	}

	var entries []ledger.Entry
	w, err := s.store.Commit(ctx, story.Settlement{
		UserID:    userID,
		SessionID: sess.ID,
		Apply:     s.settle(charges, &entries),
		Turn:      &turn,
		Status:    status,
	})
	if err != nil {
		s.metrics.Turns.WithLabelValues(string(story.KindInternal)).Inc()
		return Result{}, s.unrecorded(ctx, logger, sess, out, bounds, waived, fmt.Errorf("commit turn: %w", err))
	}
	s.record(entries)

	outcome := "ok"
	if out.Terminal {
		outcome = string(story.StatusConcluded)
		s.metrics.Sessions.WithLabelValues(string(story.StatusConcluded)).Inc()
	}
	s.metrics.Turns.WithLabelValues(outcome).Inc()

	res := Result{
		SessionID: sess.ID,
		Turn:      turn,
		Status:    status,
		Balance:   w.Balance,
		Cost:      spent(entries),
	}
	if !out.Terminal {
		sess.Turns = append(sess.Turns, turn)
		next := s.ledger.WorstCase(s.engine.Estimate(sess, longest(turn.Choices)))
		res.LowBalance = s.ledger.Authorize(w, 0, next) != nil
	}

	logger.Info().
		Str("status", string(status)).
		Stringer("cost", res.Cost).
		Stringer("balance", w.Balance).
		Bool("low_balance", res.LowBalance).
		Msg("turn committed")
	return res, nil
}

// fail settles whatever the provider billed for a failed turn and, when the
// turn could not be authorized, abandons the session.
func (s *Service) fail(
	ctx context.Context,
	logger zerolog.Logger,
	sess story.Session,
	out engine.Outcome,
	bounds []ledger.Amount,
	waived bool,
	cause error,
) error {
	kind := story.Classify(cause).Kind
	s.metrics.Turns.WithLabelValues(string(kind)).Inc()

	insufficient := errors.Is(cause, ledger.ErrInsufficientFunds)
	if len(out.Failed) == 0 && !insufficient {
		logger.Warn().Err(cause).Msg("turn failed, nothing to settle")
		return cause
	}

	st := story.Settlement{UserID: sess.UserID, SessionID: sess.ID}
	var entries []ledger.Entry
	if len(out.Failed) > 0 {
		st.Apply = s.settle(s.charges(sess.ID, out.Failed, bounds, waived), &entries)
	}
	if insufficient {
		st.Status = story.StatusAbandoned
	}

	w, err := s.store.Commit(ctx, st)
	if err != nil {
		logger.Error().Err(err).
			AnErr("cause", cause).
			Interface("billed", out.Failed).
			Msg("unable to settle failed turn")
		return errors.Join(cause, fmt.Errorf("settle failed turn: %w", err))
	}
	s.record(entries)
	if insufficient {
		s.metrics.Sessions.WithLabelValues(string(story.StatusAbandoned)).Inc()
	}

	logger.Warn().Err(cause).
		Int("billed_attempts", len(out.Failed)).
		Stringer("cost", spent(entries)).
		Stringer("balance", w.Balance).
		Bool("abandoned", insufficient).
		Msg("turn failed")
	return cause
}

// unrecorded settles a generated turn that could not be appended, billing
// it as a failed attempt. Only the wallet is written: the session may have
// advanced or closed under a lost lock.
func (s *Service) unrecorded(
	ctx context.Context,
	logger zerolog.Logger,
	sess story.Session,
	out engine.Outcome,
	bounds []ledger.Amount,
	waived bool,
	cause error,
) error {
	billed := append(slices.Clone(out.Failed), engine.Usage{
		InputTokens:  out.Turn.InputTokens,
		OutputTokens: out.Turn.OutputTokens,
	})

	var entries []ledger.Entry
	w, err := s.store.Commit(ctx, story.Settlement{
		UserID: sess.UserID,
		Apply:  s.settle(s.charges(sess.ID, billed, bounds, waived), &entries),
	})
	if err != nil {
		logger.Error().Err(err).
			AnErr("cause", cause).
			Interface("billed", billed).
			Msg("unable to settle unrecorded turn")
		return errors.Join(cause, fmt.Errorf("settle unrecorded turn: %w", err))
	}
	s.record(entries)

	logger.Warn().Err(cause).
		Int("billed_attempts", len(billed)).
		Stringer("cost", spent(entries)).
		Stringer("balance", w.Balance).
		Msg("generated turn not recorded, usage settled")
	return cause
}

func (s *Service) charges(sessionID string, failed []engine.Usage, bounds []ledger.Amount, waived bool) []ledger.Charge {
	out := make([]ledger.Charge, 0, len(failed)+1)
	for i, u := range failed {
		out = append(out, ledger.Charge{
			Kind:         ledger.EntryFailedAttempt,
			SessionID:    sessionID,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			Authorized:   boundAt(bounds, i),
			Waived:       waived,
		})
	}
	return out
}

// settle returns a WalletFunc applying charges in order; the produced entries
// are copied to *entries for metrics once the commit succeeds.
func (s *Service) settle(charges []ledger.Charge, entries *[]ledger.Entry) story.WalletFunc {
	return func(w ledger.Wallet) (ledger.Wallet, []ledger.Entry, error) {
		es := make([]ledger.Entry, 0, len(charges))
		for _, c := range charges {
			var e ledger.Entry
			w, e = s.ledger.Settle(w, c)
			es = append(es, e)
		}
		*entries = es
		return w, es, nil
	}
}

func (s *Service) pending(billed []engine.Usage) ledger.Amount {
	var total ledger.Amount
	for _, u := range billed {
		total += s.ledger.QuoteCost(u.InputTokens, u.OutputTokens)
	}
	return total
}

func (s *Service) record(entries []ledger.Entry) {
	for _, e := range entries {
		s.metrics.SpentCents.Add(float64(-e.Amount.Cents()))
		s.metrics.Tokens.WithLabelValues("input").Add(float64(e.InputTokens))
		s.metrics.Tokens.WithLabelValues("output").Add(float64(e.OutputTokens))
		if e.Flagged {
			s.metrics.Flagged.Inc()
			s.logger.Warn().
				Str("user_id", e.UserID).
				Str("session_id", e.SessionID).
				Str("entry_id", e.ID).
				Stringer("quoted", e.Quoted).
				Stringer("deducted", -e.Amount).
				Msg("settlement exceeded authorization, flagged for review")
		}
	}
}

func boundAt(bounds []ledger.Amount, i int) ledger.Amount {
	if i < len(bounds) {
		return bounds[i]
	}
	return 0
}

func spent(entries []ledger.Entry) ledger.Amount {
	var total ledger.Amount
	for _, e := range entries {
		total -= e.Amount
	}
	return total
}

func longest(choices []string) string {
	var out string
	for _, c := range choices {
		if len(c) > len(out) {
			out = c
		}
	}
	return out
}
