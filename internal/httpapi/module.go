package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	// nil when the API is disabled
	Server *http.Server
}

// New serves the JSON API on HTTP_ADDR. Without an address no server is started.
func New(lc fx.Lifecycle, p Params) Result {
	log := p.Logger.With().Str("component", "http").Logger()
	if p.Config.HTTPAddr == "" {
		log.Info().Msg("HTTP_ADDR not set, HTTP API disabled")
		return Result{}
	}
	if !p.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              p.Config.HTTPAddr,
		Handler:           NewRouter(p.Service, p.Config.HTTPAPIKey, promhttp.Handler(), log),
		ReadHeaderTimeout: 10 * time.Second,
		// a turn may run up to the generation timeout
		WriteTimeout: p.Config.GenerationTimeout + 30*time.Second,
	}

	lc.Append(
		fx.Hook{
			OnStart: func(ctx context.Context) error {
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return err
				}
				log.Info().Str("addr", srv.Addr).Msg("starting http api...")
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("http api stopped")
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				log.Info().Msg("stopping http api...")
				return srv.Shutdown(ctx)
			},
		},
	)

	return Result{Server: srv}
}

func Module() fx.Option {
	return fx.Module(
		"httpapi",
		fx.Provide(
			New,
		),
		fx.Invoke(
			func(*http.Server) {},
		),
	)
}
