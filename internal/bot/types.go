package bot

import (
	"context"

	tbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/story"
)

// Adventures is the core the bot drives.
type Adventures interface {
	GetBalance(ctx context.Context, userID string) (ledger.Wallet, error)
	SaveCharacter(ctx context.Context, c story.Character) error
	GetCharacter(ctx context.Context, userID string) (story.Character, error)
	AdminGrant(ctx context.Context, adminID, targetUserID string, amount ledger.Amount) (ledger.Wallet, error)
	Snapshot(ctx context.Context, userID string) (adventure.Snapshot, error)
	Start(ctx context.Context, userID string) <-chan adventure.Outcome
	Submit(ctx context.Context, userID, sessionID, choice string) <-chan adventure.Outcome
}

// Sender is the subset of the Telegram API the handlers call.
type Sender interface {
	SendMessage(ctx context.Context, params *tbot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *tbot.AnswerCallbackQueryParams) (bool, error)
	EditMessageReplyMarkup(ctx context.Context, params *tbot.EditMessageReplyMarkupParams) (*models.Message, error)
}

var (
	_ Adventures = (*adventure.Service)(nil)
	_ Sender     = (*tbot.Bot)(nil)
)
