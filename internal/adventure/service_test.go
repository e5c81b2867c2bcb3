package adventure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/lock"
	"github.com/j0lvera/loreweaver/internal/metrics"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req engine.Request) (engine.Generation, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.Generation), args.Error(1)
}

const (
	user  = "u1"
	admin = "admin-1"
)

func storyReply(narration string) string {
	return narration + "\n\n1. Go north\n2. Go east\n3. Go west\n4. Turn back"
}

func reported(text string, in, out int) engine.Generation {
	return engine.Generation{Text: text, Usage: engine.Usage{InputTokens: in, OutputTokens: out}, Reported: true}
}

type fixture struct {
	svc   *Service
	store *story.MemoryStore
	gen   *mockGenerator
}

func newFixture(t *testing.T, opts ...func(*Config, *ledger.Policy)) fixture {
	t.Helper()
	return newFixtureWithLocker(t, lock.NewMemory(), opts...)
}

func newFixtureWithLocker(t *testing.T, locker lock.Locker, opts ...func(*Config, *ledger.Policy)) fixture {
	t.Helper()

	gen := new(mockGenerator)
	store := story.NewMemoryStore()
	svc := newService(store, gen, locker, opts...)

	require.NoError(t, svc.SaveCharacter(context.Background(), story.Character{
		UserID:    user,
		Name:      "Aria",
		Backstory: "A cartographer who lost her map.",
	}))
	return fixture{svc: svc, store: store, gen: gen}
}

func newService(store story.Store, gen engine.Generator, locker lock.Locker, opts ...func(*Config, *ledger.Policy)) *Service {
	cfg := Config{
		StartingBalance:   ledger.MustAmount("5.00"),
		AdminIDs:          []string{admin},
		GenerationTimeout: 5 * time.Second,
	}
	policy := ledger.Policy{
		Rates:              ledger.Rates{Input: ledger.MustRate("1.25"), Output: ledger.MustRate("10.00")},
		MaxOutputTokens:    1000,
		InputMarginPercent: 10,
	}
	for _, o := range opts {
		o(&cfg, &policy)
	}

	eng := engine.New(gen, engine.NewEstimator(), engine.Config{Prompts: engine.DefaultPrompts, MaxOutputTokens: policy.MaxOutputTokens}, zerolog.Nop())
	return NewService(store, ledger.New(policy), eng, locker, metrics.New(prometheus.NewRegistry()), cfg, zerolog.Nop())
}

// expiredLocker grants every hold, like a Redis lock whose TTL ran out.
type expiredLocker struct{}

func (expiredLocker) TryLock(context.Context, string) (lock.Unlock, bool, error) {
	return func() {}, true, nil
}

// rolledBackStore runs the wallet seed and then fails, like a transaction
// that rolls back after the seed.
type rolledBackStore struct {
	*story.MemoryStore
}

func (s rolledBackStore) GetOrCreateWallet(_ context.Context, userID string, seed story.WalletFunc) (ledger.Wallet, error) {
	if _, _, err := seed(ledger.Wallet{UserID: userID}); err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{}, errors.New("connection reset")
}

func (f fixture) transcript(t *testing.T, sessionID string) []story.Turn {
	t.Helper()
	sess, err := f.store.LoadSession(context.Background(), sessionID)
	require.NoError(t, err)
	return sess.Turns
}

func assertBooksBalance(t *testing.T, f fixture) {
	t.Helper()
	ctx := context.Background()

	w, err := f.svc.GetBalance(ctx, user)
	require.NoError(t, err)
	require.NoError(t, w.Check())

	entries, err := f.svc.Statement(ctx, user)
	require.NoError(t, err)
	var spent, granted ledger.Amount
	for _, e := range entries {
		if e.Amount < 0 {
			spent -= e.Amount
		} else {
			granted += e.Amount
		}
	}
	assert.Equal(t, w.LifetimeSpent, spent)
	assert.Equal(t, w.LifetimeGranted, granted)
}

func TestNewUserFirstTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w, err := f.svc.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ledger.MustAmount("5.00"), w.Balance)

	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("The wind howls."), 10_000, 1_000), nil).Once()

	res, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, ledger.MustAmount("4.98"), res.Balance)
	assert.Equal(t, ledger.MustAmount("0.02"), res.Cost)
	assert.Equal(t, ledger.MustAmount("0.02"), res.Turn.Cost)
	assert.Equal(t, story.StatusActive, res.Status)
	assert.Equal(t, 0, res.Turn.Index)
	assert.Len(t, res.Turn.Choices, 4)
	assert.False(t, res.Resumed)
	assert.Len(t, f.transcript(t, res.SessionID), 1)

	w, err = f.svc.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ledger.MustAmount("4.98"), w.Balance)
	assertBooksBalance(t, f)
}

func TestStartAdventureResumesActiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	first, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	again, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, first.Turn.Narration, again.Turn.Narration)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestStartAdventureRequiresCharacter(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartAdventure(context.Background(), "stranger")
	assert.ErrorIs(t, err, story.ErrNotFound)
}

func TestSubmitChoiceAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 1_000, 200), nil).Times(3)

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	res, err := f.svc.SubmitChoice(ctx, user, start.SessionID, "go EAST ")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn.Index)
	assert.Equal(t, "Go east", res.Turn.Choice)

	res, err = f.svc.SubmitChoice(ctx, user, start.SessionID, "3")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn.Index)
	assert.Equal(t, "Go west", res.Turn.Choice)

	turns := f.transcript(t, start.SessionID)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Index)
	}

	// the third call replays the whole transcript
	calls := f.gen.Calls
	require.Len(t, calls, 3)
	last := calls[2].Arguments.Get(1).(engine.Request)
	assert.Len(t, last.Messages, 6)
	assertBooksBalance(t, f)
}

func TestSubmitChoiceRejectsUnofferedChoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	for _, choice := range []string{"fly away", "9", "0", " "} {
		_, err = f.svc.SubmitChoice(ctx, user, start.SessionID, choice)
		assert.ErrorIs(t, err, story.ErrValidation, choice)
	}
	f.gen.AssertNumberOfCalls(t, "Generate", 1)

	w, _ := f.svc.GetBalance(ctx, user)
	assert.Equal(t, start.Balance, w.Balance, "validation failures are never charged")
}

func TestSubmitChoiceOtherUsersSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	_, err = f.svc.SubmitChoice(ctx, "intruder", start.SessionID, "1")
	assert.ErrorIs(t, err, story.ErrNotFound)
	_, err = f.svc.SubmitChoice(ctx, user, "no-such-session", "1")
	assert.ErrorIs(t, err, story.ErrNotFound)
}

func TestInsufficientFundsAbandonsWithoutCalling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config, p *ledger.Policy) {
		c.StartingBalance = ledger.MustAmount("0.01")
		c.FreeOpeningTurn = true
		p.MaxOutputTokens = 2000
	})
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 10_000, 1_000), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ledger.MustAmount("0.01"), start.Balance, "opening turn is free")
	assert.True(t, start.LowBalance)

	_, err = f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, story.KindInsufficientFunds, story.Classify(err).Kind)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)

	sess, err := f.store.LoadSession(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 1, "transcript unchanged")
	assert.Equal(t, story.StatusAbandoned, sess.Status)

	w, _ := f.svc.GetBalance(ctx, user)
	assert.Equal(t, ledger.MustAmount("0.01"), w.Balance)

	_, err = f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
	assert.ErrorIs(t, err, story.ErrSessionClosed)
}

func TestAdminGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	before, err := f.svc.GetBalance(ctx, user)
	require.NoError(t, err)

	w, err := f.svc.AdminGrant(ctx, admin, user, ledger.MustAmount("10.00"))
	require.NoError(t, err)
	assert.Equal(t, before.Balance+ledger.MustAmount("10.00"), w.Balance)
	assert.Equal(t, before.LifetimeGranted+ledger.MustAmount("10.00"), w.LifetimeGranted)

	entries, err := f.svc.Statement(ctx, user)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.EntryAdminGrant, last.Kind)
	assert.Equal(t, admin, last.Actor)

	_, err = f.svc.AdminGrant(ctx, user, user, ledger.MustAmount("10.00"))
	assert.ErrorIs(t, err, story.ErrPermission)
	_, err = f.svc.AdminGrant(ctx, admin, user, 0)
	assert.ErrorIs(t, err, story.ErrValidation)

	after, _ := f.svc.GetBalance(ctx, user)
	assert.Equal(t, w.Balance, after.Balance)
	assertBooksBalance(t, f)
}

func TestAdminGrantOnboardsUnknownUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w, err := f.svc.AdminGrant(ctx, admin, "newcomer", ledger.MustAmount("1.00"))
	require.NoError(t, err)
	assert.Equal(t, ledger.MustAmount("6.00"), w.Balance)
}

func TestFormatErrorSettlesBilledAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported("Prose without any choices.", 1_000, 500), nil).Twice()

	_, err := f.svc.StartAdventure(ctx, user)
	require.Error(t, err)
	assert.ErrorIs(t, err, story.ErrGenerationFormat)
	f.gen.AssertNumberOfCalls(t, "Generate", 2)

	snap, err := f.svc.Snapshot(ctx, user)
	require.NoError(t, err)
	assert.False(t, snap.HasTurn, "no turn appended")
	assert.Equal(t, story.StatusActive, snap.Session.Status)

	w, _ := f.svc.GetBalance(ctx, user)
	// each attempt: 1,000 in + 500 out = $0.00625 -> $0.01
	assert.Equal(t, ledger.MustAmount("4.98"), w.Balance)

	entries, _ := f.svc.Statement(ctx, user)
	var failed int
	for _, e := range entries {
		if e.Kind == ledger.EntryFailedAttempt {
			failed++
			assert.Equal(t, 500, e.OutputTokens)
		}
	}
	assert.Equal(t, 2, failed)
	assertBooksBalance(t, f)
}

func TestProviderErrorIsRetryableAndFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(engine.Generation{}, errors.New("503 upstream")).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	_, err := f.svc.StartAdventure(ctx, user)
	require.Error(t, err)
	assert.True(t, story.Classify(err).Retryable)

	w, _ := f.svc.GetBalance(ctx, user)
	assert.Equal(t, ledger.MustAmount("5.00"), w.Balance)

	// the failed opening is retried on the same session
	snap, err := f.svc.Snapshot(ctx, user)
	require.NoError(t, err)

	res, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, snap.Session.ID, res.SessionID)
	assert.Equal(t, 0, res.Turn.Index)
}

func TestConclusionClosesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported("The realm is saved.\n\n[THE END]", 100, 100), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	res, err := f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
	require.NoError(t, err)
	assert.Equal(t, story.StatusConcluded, res.Status)
	assert.True(t, res.Turn.Terminal)
	assert.Empty(t, res.Turn.Choices)

	_, err = f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
	assert.ErrorIs(t, err, story.ErrSessionClosed)

	_, err = f.svc.Snapshot(ctx, user)
	assert.ErrorIs(t, err, story.ErrNotFound)
}

func TestConcurrentSubmitOnlyOneProceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(reported(storyReply("Next."), 100, 100), nil).Once()

	first := f.svc.Submit(ctx, user, start.SessionID, "1")
	<-entered

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitChoice(ctx, user, start.SessionID, "2")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, story.ErrTurnInProgress)
	}

	close(release)
	out := <-first
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Result.Turn.Index)

	turns := f.transcript(t, start.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, []int{0, 1}, []int{turns[0].Index, turns[1].Index})
	assertBooksBalance(t, f)
}

func TestSubmitSettlesAfterCallerGivesUp(t *testing.T) {
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()
	start, err := f.svc.StartAdventure(context.Background(), user)
	require.NoError(t, err)

	release := make(chan struct{})
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-release
			// the generation context is detached from the caller
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(reported(storyReply("Next."), 10_000, 1_000), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.svc.Submit(ctx, user, start.SessionID, "1")
	cancel()
	close(release)

	out := <-ch
	require.NoError(t, out.Err)
	assert.Equal(t, start.Balance-ledger.MustAmount("0.02"), out.Result.Balance)
	assert.Len(t, f.transcript(t, start.SessionID), 2)
}

func TestSettlementOverAuthorizationFlagsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// reported usage far beyond the estimate-based bound
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 400_000, 1_000), nil).Once()

	res, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	sess, err := f.store.LoadSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.NeedsReview)

	entries, _ := f.svc.Statement(ctx, user)
	assert.True(t, entries[len(entries)-1].Flagged)
	assertBooksBalance(t, f)
}

func TestManyTurnsKeepBooksBalanced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("On and on."), 3_333, 777), nil)

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
		require.NoError(t, err)
	}

	assert.Len(t, f.transcript(t, start.SessionID), 26)
	assertBooksBalance(t, f)
}

func TestTurnLostToExpiredLockIsStillBilled(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithLocker(t, expiredLocker{})
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("Opening."), 100, 100), nil).Once()

	start, err := f.svc.StartAdventure(ctx, user)
	require.NoError(t, err)

	// a second submission runs and commits while the first is generating
	var inner Result
	var innerErr error
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			inner, innerErr = f.svc.SubmitChoice(ctx, user, start.SessionID, "2")
		}).
		Return(reported(storyReply("Too late."), 10_000, 1_000), nil).Once()
	f.gen.On("Generate", mock.Anything, mock.Anything).
		Return(reported(storyReply("First in."), 10_000, 1_000), nil).Once()

	_, err = f.svc.SubmitChoice(ctx, user, start.SessionID, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, story.ErrIndexConflict)
	require.NoError(t, innerErr)
	assert.Equal(t, 1, inner.Turn.Index)
	f.gen.AssertNumberOfCalls(t, "Generate", 3)

	turns := f.transcript(t, start.SessionID)
	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Narration, "First in.")

	entries, err := f.svc.Statement(ctx, user)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.EntryFailedAttempt, last.Kind)
	assert.Equal(t, 10_000, last.InputTokens)
	assert.Equal(t, ledger.MustAmount("-0.02"), last.Amount)

	w, err := f.svc.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, ledger.MustAmount("4.96"), w.Balance)
	assertBooksBalance(t, f)
}

func TestFreeOpeningNeedsFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config, _ *ledger.Policy) {
		c.StartingBalance = 0
		c.FreeOpeningTurn = true
	})

	for range 3 {
		_, err := f.svc.StartAdventure(ctx, user)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	}
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

	_, err := f.store.ActiveSession(ctx, user)
	assert.ErrorIs(t, err, story.ErrNotFound)
}

func TestStartingGrantCountedOnceStored(t *testing.T) {
	ctx := context.Background()
	label := string(ledger.EntryStartingGrant)

	svc := newService(rolledBackStore{story.NewMemoryStore()}, new(mockGenerator), lock.NewMemory())
	_, err := svc.GetBalance(ctx, "u2")
	require.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(svc.metrics.GrantedCents.WithLabelValues(label)))

	f := newFixture(t)
	_, err = f.svc.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 500.0, testutil.ToFloat64(f.svc.metrics.GrantedCents.WithLabelValues(label)))
}
