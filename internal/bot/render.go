package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot/models"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/story"
)

const (
	// Telegram rejects longer messages.
	maxMessageLen = 4096
	maxButtonLen  = 60

	choicePrefix = "c:"
)

const helpText = `Welcome to Lore Weaver.

/character Name | backstory | abilities | desires | weaknesses
    create your character (lists are comma separated)
/start    begin or resume your adventure
/balance  show your balance

Pick a choice with the buttons, or reply with its number or text.`

const characterUsage = "Usage: /character Name | backstory | abilities | desires | weaknesses\n" +
	"Example: /character Aria | A cartographer who lost her map | climbing, haggling | find the map | heights"

// parseCommand splits "/grant@LoreBot 42 5.00" into ("grant", "42 5.00").
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(args), true
}

// parseCharacter reads "Name | backstory | abilities | desires | weaknesses";
// the lists are optional.
func parseCharacter(userID, args string) (story.Character, error) {
	parts := strings.Split(args, "|")
	if len(parts) < 2 || len(parts) > 5 {
		return story.Character{}, fmt.Errorf("%w: expected 2 to 5 fields separated by |", story.ErrValidation)
	}
	for len(parts) < 5 {
		parts = append(parts, "")
	}

	c := story.Character{
		UserID:     userID,
		Name:       strings.TrimSpace(parts[0]),
		Backstory:  strings.TrimSpace(parts[1]),
		Abilities:  story.SplitList(parts[2]),
		Desires:    story.SplitList(parts[3]),
		Weaknesses: story.SplitList(parts[4]),
	}
	return c, c.Validate()
}

// parseGrant reads "<user id> <amount>".
func parseGrant(args string) (string, ledger.Amount, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("%w: usage /grant <user id> <amount>", story.ErrValidation)
	}
	amount, err := ledger.ParseAmount(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", story.ErrValidation, err)
	}
	return fields[0], amount, nil
}

func choiceData(turn, choice int) string {
	return choicePrefix + strconv.Itoa(turn) + ":" + strconv.Itoa(choice)
}

// parseChoiceData reverses choiceData; choice is 0-based.
func parseChoiceData(data string) (turn, choice int, err error) {
	rest, ok := strings.CutPrefix(data, choicePrefix)
	if !ok {
		return 0, 0, errors.New("not a choice")
	}
	t, c, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, 0, errors.New("malformed choice")
	}
	if turn, err = strconv.Atoi(t); err != nil || turn < 0 {
		return 0, 0, errors.New("malformed turn index")
	}
	if choice, err = strconv.Atoi(c); err != nil || choice < 0 {
		return 0, 0, errors.New("malformed choice index")
	}
	return turn, choice, nil
}

// keyboard renders one button per choice of t.
func keyboard(t story.Turn) *models.InlineKeyboardMarkup {
	if t.Terminal || len(t.Choices) == 0 {
		return nil
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(t.Choices))
	for i, c := range t.Choices {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         truncate(fmt.Sprintf("%d. %s", i+1, c), maxButtonLen),
			CallbackData: choiceData(t.Index, i),
		}})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// renderResult formats a turn result as message text.
func renderResult(r adventure.Result) string {
	var b strings.Builder
	if r.Resumed {
		b.WriteString("Resuming your adventure.\n\n")
	}
	b.WriteString(r.Turn.Narration)

	if !r.Turn.Terminal && len(r.Turn.Choices) > 0 {
		b.WriteString("\n")
		for i, c := range r.Turn.Choices {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c)
		}
	}

	b.WriteString("\n\n")
	switch {
	case r.Status == story.StatusConcluded:
		fmt.Fprintf(&b, "Your adventure has ended. Balance: $%s. Start a new one with /start.", r.Balance)
	case r.Resumed:
		fmt.Fprintf(&b, "Balance: $%s", r.Balance)
	default:
		fmt.Fprintf(&b, "Cost: $%s. Balance: $%s", r.Cost, r.Balance)
	}
	if r.LowBalance {
		b.WriteString("\nYour balance is running low and may not cover the next turn.")
	}
	return b.String()
}

func renderWallet(w ledger.Wallet) string {
	return fmt.Sprintf("Balance: $%s\nGranted: $%s\nSpent: $%s", w.Balance, w.LifetimeGranted, w.LifetimeSpent)
}

func renderCharacter(c story.Character) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s", c.Name, c.Backstory)
	list := func(label string, items []string) {
		if len(items) > 0 {
			fmt.Fprintf(&b, "\n%s: %s", label, strings.Join(items, ", "))
		}
	}
	list("Abilities", c.Abilities)
	list("Desires", c.Desires)
	list("Weaknesses", c.Weaknesses)
	return b.String()
}

// failureText picks the message shown for err.
func failureText(err error) string {
	return story.Classify(err).Message
}

// chunks splits text into messages Telegram accepts, preferring line breaks.
func chunks(text string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(text) > limit {
		cut := runeOffset(text, limit)
		if i := strings.LastIndex(text[:cut], "\n"); i > 0 {
			cut = i
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return s[:runeOffset(s, limit-1)] + "…"
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
