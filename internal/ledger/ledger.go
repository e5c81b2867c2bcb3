package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned by Authorize when a wallet cannot cover the
// worst-case cost of a generation call.
var ErrInsufficientFunds = errors.New("insufficient funds")

// tokensPerRateUnit is the number of tokens a Rate is quoted for.
const tokensPerRateUnit = 1_000_000

// rateUnitsPerCent converts rate-units x tokens into cents:
// 10^6 tokens per rate, 10^6 rate units per currency unit, 10^-2 currency units per cent.
var rateUnitsPerCent = big.NewInt(tokensPerRateUnit * 1_000_000 / 100)

// Rates holds the per-million-token prices.
type Rates struct {
	Input  Rate
	Output Rate
}

// Quote returns input*rates.Input + output*rates.Output in cents, rounded
// half-up once on the exact total. Negative token counts count as zero.
func Quote(rates Rates, inputTokens, outputTokens int) Amount {
	total := new(big.Int).Mul(big.NewInt(int64(max(inputTokens, 0))), big.NewInt(int64(rates.Input)))
	total.Add(total, new(big.Int).Mul(big.NewInt(int64(max(outputTokens, 0))), big.NewInt(int64(rates.Output))))

	half := new(big.Int).Rsh(rateUnitsPerCent, 1)
	total.Add(total, half)
	total.Quo(total, rateUnitsPerCent)
	return Amount(total.Int64())
}

// Policy is the immutable pricing configuration of a Ledger.
type Policy struct {
	Rates Rates
	// MaxOutputTokens caps every generation call and bounds the worst case.
	MaxOutputTokens int
	// InputMarginPercent inflates estimated input tokens for the worst case.
	InputMarginPercent int
}

// Ledger computes token costs and applies them to wallets. It holds no state
// besides its policy; persistence belongs to the caller.
type Ledger struct {
	policy Policy
	now    func() time.Time
}

// New returns a Ledger for the given policy.
func New(policy Policy) *Ledger {
	return &Ledger{policy: policy, now: time.Now}
}

// Policy returns the ledger's pricing policy.
func (l *Ledger) Policy() Policy { return l.policy }

// QuoteCost prices a single exchange.
func (l *Ledger) QuoteCost(inputTokens, outputTokens int) Amount {
	return Quote(l.policy.Rates, inputTokens, outputTokens)
}

// WorstCase is the most a call with the given estimated prompt size may cost.
func (l *Ledger) WorstCase(estimatedInputTokens int) Amount {
	padded := estimatedInputTokens * (100 + l.policy.InputMarginPercent) / 100
	return l.QuoteCost(padded, l.policy.MaxOutputTokens)
}

// Authorize checks that the wallet, after deducting amounts already billed
// but not yet settled, can cover worstCase. A zero balance never authorizes.
func (l *Ledger) Authorize(w Wallet, pending, worstCase Amount) error {
	available := w.Balance - pending
	if available <= 0 || worstCase > available {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, worstCase, max(available, 0))
	}
	return nil
}

// Charge describes usage to settle against a wallet.
type Charge struct {
	Kind         EntryKind
	SessionID    string
	InputTokens  int
	OutputTokens int
	// Authorized is the pre-authorized bound; exceeding it flags the entry.
	Authorized Amount
	// Waived settles the usage at zero cost (free opening turn).
	Waived bool
}

// Settle deducts the actual cost of a charge. The deduction is clamped to the
// balance; a clamped or over-bound charge is flagged for review instead of
// failing.
func (l *Ledger) Settle(w Wallet, c Charge) (Wallet, Entry) {
	quoted := l.QuoteCost(c.InputTokens, c.OutputTokens)
	actual := quoted
	if c.Waived {
		actual = 0
	}

	deducted := actual
	flagged := actual > c.Authorized
	if deducted > w.Balance {
		deducted = w.Balance
		flagged = true
	}

	w.Balance -= deducted
	w.LifetimeSpent += deducted
	w.UpdatedAt = l.now().UTC()

	entry := l.entry(w, c.Kind, -deducted)
	entry.SessionID = c.SessionID
	entry.InputTokens = c.InputTokens
	entry.OutputTokens = c.OutputTokens
	entry.Quoted = quoted
	entry.Flagged = flagged
	return w, entry
}

// Grant credits a wallet on behalf of actor. Only positive amounts are accepted.
func (l *Ledger) Grant(w Wallet, amount Amount, actor string, kind EntryKind) (Wallet, Entry, error) {
	if amount <= 0 {
		return w, Entry{}, fmt.Errorf("grant amount must be positive, got %s", amount)
	}

	w.Balance += amount
	w.LifetimeGranted += amount
	w.UpdatedAt = l.now().UTC()

	entry := l.entry(w, kind, amount)
	entry.Actor = actor
	entry.Quoted = amount
	return w, entry, nil
}

func (l *Ledger) entry(w Wallet, kind EntryKind, amount Amount) Entry {
	return Entry{
		ID:           uuid.NewString(),
		UserID:       w.UserID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: w.Balance,
		CreatedAt:    w.UpdatedAt,
	}
}
