package main

import (
	"github.com/ipfans/fxlogger"
	"github.com/j0lvera/loreweaver/internal/ai"
	"github.com/j0lvera/loreweaver/internal/app"
	"github.com/j0lvera/loreweaver/internal/bot"
	"github.com/j0lvera/loreweaver/internal/config"
	"github.com/j0lvera/loreweaver/internal/db"
	"github.com/j0lvera/loreweaver/internal/httpapi"
	"github.com/j0lvera/loreweaver/internal/log"
	"github.com/j0lvera/loreweaver/internal/metrics"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func main() {

	fx.New(
		fx.WithLogger(func(logger zerolog.Logger) fxevent.Logger {
			return fxlogger.WithZerolog(logger)()
		}),
		config.Module(),
		log.Module(),
		metrics.Module(),
		db.Module(),
		ai.Module(),
		app.Module(),
		bot.Module(),
		httpapi.Module(),
	).Run()
}
