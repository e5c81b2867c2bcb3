package bot

import (
	"context"

	tbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/config"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Config  *config.Config
	Service *adventure.Service
	Logger  zerolog.Logger
}

type Result struct {
	fx.Out

	Handler *Handler
}

func New(lc fx.Lifecycle, p Params) (Result, error) {
	log := p.Logger
	h := NewHandler(p.Service, p.Config.ReplyWait, log)

	if !p.Config.TelegramEnabled {
		log.Info().Msg("telegram bot disabled")
		return Result{Handler: h}, nil
	}

	opts := []tbot.Option{
		tbot.WithDefaultHandler(
			func(ctx context.Context, tg *tbot.Bot, update *models.Update) {
				h.Handle(ctx, tg, update)
			},
		),
	}

	tg, err := tbot.New(p.Config.Token, opts...)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(
		fx.Hook{
			OnStart: func(context.Context) error {
				log.Info().Msg("starting telegram bot...")
				go tg.Start(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				log.Info().Msg("stopping telegram bot...")
				cancel()
				return nil
			},
		},
	)

	return Result{
		Handler: h,
	}, nil
}

func Module() fx.Option {
	return fx.Module(
		"bot",
		fx.Provide(
			New,
		),
		fx.Invoke(
			func(*Handler) {},
		),
	)
}
