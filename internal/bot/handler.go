package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/rs/zerolog"
)

const (
	stillWritingText = "The story is still being written. It will appear here as soon as it is ready."
	staleChoiceText  = "That choice is no longer available."
	noAdventureText  = "You have no adventure in progress. Create a character with /character, then send /start."
)

// Handler turns Telegram updates into adventure operations.
type Handler struct {
	svc       Adventures
	replyWait time.Duration
	logger    zerolog.Logger
}

// NewHandler creates a Handler that waits up to replyWait for a turn before
// telling the user it is still being written.
func NewHandler(svc Adventures, replyWait time.Duration, logger zerolog.Logger) *Handler {
	if replyWait <= 0 {
		replyWait = 25 * time.Second
	}
	return &Handler{
		svc:       svc,
		replyWait: replyWait,
		logger:    logger.With().Str("component", "telegram").Logger(),
	}
}

// Handle dispatches one update.
func (h *Handler) Handle(ctx context.Context, s Sender, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		h.handleChoice(ctx, s, update.CallbackQuery)
	case update.Message != nil:
		// Guard against messages without user info
		if update.Message.From == nil {
			h.logger.Warn().Int64("chat_id", update.Message.Chat.ID).Msg("received message without user info")
			return
		}
		h.handleMessage(ctx, s, update.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, s Sender, m *models.Message) {
	chatID := m.Chat.ID
	userID := userKey(m.From.ID)

	cmd, args, ok := parseCommand(m.Text)
	if !ok {
		h.handleText(ctx, s, chatID, userID, m.Text)
		return
	}

	switch cmd {
	case "start":
		h.logger.Info().Str("user_id", userID).Msg("adventure requested")
		h.deliver(ctx, s, chatID, h.svc.Start(ctx, userID))

	case "character":
		h.handleCharacter(ctx, s, chatID, userID, args)

	case "balance":
		w, err := h.svc.GetBalance(ctx, userID)
		if err != nil {
			h.fail(ctx, s, chatID, err)
			return
		}
		h.send(ctx, s, chatID, renderWallet(w), nil)

	case "grant":
		target, amount, err := parseGrant(args)
		if err != nil {
			h.send(ctx, s, chatID, "Usage: /grant <user id> <amount>", nil)
			return
		}
		w, err := h.svc.AdminGrant(ctx, userID, target, amount)
		if err != nil {
			h.fail(ctx, s, chatID, err)
			return
		}
		h.send(ctx, s, chatID, fmt.Sprintf("Granted $%s to %s. Their balance is now $%s.", amount, target, w.Balance), nil)

	default:
		h.send(ctx, s, chatID, helpText, nil)
	}
}

func (h *Handler) handleCharacter(ctx context.Context, s Sender, chatID int64, userID, args string) {
	if args == "" {
		c, err := h.svc.GetCharacter(ctx, userID)
		if errors.Is(err, story.ErrNotFound) {
			h.send(ctx, s, chatID, characterUsage, nil)
			return
		}
		if err != nil {
			h.fail(ctx, s, chatID, err)
			return
		}
		h.send(ctx, s, chatID, renderCharacter(c), nil)
		return
	}

	c, err := parseCharacter(userID, args)
	if err != nil {
		h.send(ctx, s, chatID, characterUsage, nil)
		return
	}
	if err := h.svc.SaveCharacter(ctx, c); err != nil {
		if errors.Is(err, story.ErrCharacterExists) {
			h.send(ctx, s, chatID, "You already have a character. Send /character to see it.", nil)
			return
		}
		h.fail(ctx, s, chatID, err)
		return
	}
	h.send(ctx, s, chatID, renderCharacter(c)+"\n\nYour character is ready. Send /start to begin.", nil)
}

// handleText treats free text as a choice for the active adventure.
func (h *Handler) handleText(ctx context.Context, s Sender, chatID int64, userID, text string) {
	snap, err := h.svc.Snapshot(ctx, userID)
	if errors.Is(err, story.ErrNotFound) {
		h.send(ctx, s, chatID, helpText, nil)
		return
	}
	if err != nil {
		h.fail(ctx, s, chatID, err)
		return
	}
	h.deliver(ctx, s, chatID, h.svc.Submit(ctx, userID, snap.Session.ID, text))
}

func (h *Handler) handleChoice(ctx context.Context, s Sender, cq *models.CallbackQuery) {
	if _, err := s.AnswerCallbackQuery(ctx, &tbot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		h.logger.Warn().Err(err).Msg("unable to answer callback query")
	}

	chatID, messageID, ok := callbackOrigin(cq)
	if !ok {
		return
	}
	userID := userKey(cq.From.ID)

	turn, choice, err := parseChoiceData(cq.Data)
	if err != nil {
		h.logger.Warn().Err(err).Str("data", cq.Data).Msg("unexpected callback data")
		return
	}

	snap, err := h.svc.Snapshot(ctx, userID)
	if errors.Is(err, story.ErrNotFound) {
		h.send(ctx, s, chatID, staleChoiceText, nil)
		return
	}
	if err != nil {
		h.fail(ctx, s, chatID, err)
		return
	}
	if !snap.HasTurn || snap.Turn.Index != turn || choice >= len(snap.Turn.Choices) {
		h.send(ctx, s, chatID, staleChoiceText, nil)
		return
	}

	// drop the buttons so the same choice cannot be sent twice
	if messageID != 0 {
		if _, err := s.EditMessageReplyMarkup(ctx, &tbot.EditMessageReplyMarkupParams{
			ChatID:      chatID,
			MessageID:   messageID,
			ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{}},
		}); err != nil {
			h.logger.Debug().Err(err).Msg("unable to clear keyboard")
		}
	}

	h.send(ctx, s, chatID, "You chose: "+snap.Turn.Choices[choice], nil)
	h.deliver(ctx, s, chatID, h.svc.Submit(ctx, userID, snap.Session.ID, strconv.Itoa(choice+1)))
}

// deliver posts the outcome of a turn. When it takes longer than replyWait
// the user is told so and the outcome is posted once it lands.
func (h *Handler) deliver(ctx context.Context, s Sender, chatID int64, outcomes <-chan adventure.Outcome) {
	timer := time.NewTimer(h.replyWait)
	defer timer.Stop()

	select {
	case out := <-outcomes:
		h.reply(ctx, s, chatID, out)
	case <-timer.C:
		h.send(ctx, s, chatID, stillWritingText, nil)
		ctx = context.WithoutCancel(ctx)
		go func() {
			h.reply(ctx, s, chatID, <-outcomes)
		}()
	}
}

func (h *Handler) reply(ctx context.Context, s Sender, chatID int64, out adventure.Outcome) {
	if out.Err != nil {
		h.fail(ctx, s, chatID, out.Err)
		return
	}

	parts := chunks(renderResult(out.Result), maxMessageLen)
	for i, part := range parts {
		var markup *models.InlineKeyboardMarkup
		if i == len(parts)-1 {
			markup = keyboard(out.Result.Turn)
		}
		h.send(ctx, s, chatID, part, markup)
	}
}

func (h *Handler) fail(ctx context.Context, s Sender, chatID int64, err error) {
	f := story.Classify(err)
	h.logger.Info().Err(err).Int64("chat_id", chatID).Str("kind", string(f.Kind)).Msg("request failed")

	text := f.Message
	if f.Kind == story.KindNotFound {
		text = noAdventureText
	}
	h.send(ctx, s, chatID, text, nil)
}

func (h *Handler) send(ctx context.Context, s Sender, chatID int64, text string, markup *models.InlineKeyboardMarkup) {
	params := &tbot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := s.SendMessage(ctx, params); err != nil {
		h.logger.Error().Err(err).Int64("chat_id", chatID).Msg("unable to send message")
	}
}

func callbackOrigin(cq *models.CallbackQuery) (chatID int64, messageID int, ok bool) {
	switch {
	case cq.Message.Message != nil:
		return cq.Message.Message.Chat.ID, cq.Message.Message.ID, true
	case cq.Message.InaccessibleMessage != nil:
		return cq.Message.InaccessibleMessage.Chat.ID, 0, true
	}
	return 0, 0, false
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
