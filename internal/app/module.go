package app

import (
	"context"
	"fmt"

	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/config"
	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/lock"
	"github.com/j0lvera/loreweaver/internal/metrics"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

// Params for creating the adventure service
type Params struct {
	fx.In

	Config    *config.Config
	Logger    zerolog.Logger
	Store     story.Store
	Generator engine.Generator
	Locker    lock.Locker
	Metrics   *metrics.Metrics
}

// Result of creating the adventure service
type Result struct {
	fx.Out

	Service *adventure.Service
}

// New assembles the turn engine, the ledger and the adventure service.
func New(p Params) Result {
	counter := engine.NewCounter(engine.DefaultEncoding, p.Logger)
	eng := engine.New(p.Generator, counter, p.Config.Engine(), p.Logger)
	l := ledger.New(p.Config.Policy())

	p.Logger.Info().
		Stringer("input_rate", p.Config.InputRate).
		Stringer("output_rate", p.Config.OutputRate).
		Stringer("starting_balance", p.Config.StartingBalance).
		Int("max_output_tokens", p.Config.MaxOutputTokens).
		Msg("ledger policy loaded")

	return Result{
		Service: adventure.NewService(p.Store, l, eng, p.Locker, p.Metrics, p.Config.Adventure(), p.Logger),
	}
}

// NewLocker provides the per-session turn guard: Redis when REDIS_URL is set,
// otherwise an in-process lock.
func NewLocker(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, turns are guarded in process")
		return lock.NewMemory(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	lc.Append(
		fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("unable to reach redis: %w", err)
				}
				logger.Info().Msg("redis connection established")
				return nil
			},
			OnStop: func(ctx context.Context) error {
				logger.Info().Msg("closing redis connection")
				return client.Close()
			},
		},
	)

	return lock.NewRedis(client, cfg.LockTTL, logger), nil
}

func Module() fx.Option {
	return fx.Module(
		"app",
		fx.Provide(
			NewLocker,
			New,
		),
	)
}
