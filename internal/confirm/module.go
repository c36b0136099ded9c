package confirm

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/metrics"
)

var Module = fx.Module("confirm",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) *Store {
			return NewStore(Config{
				FlushInterval: cfg.Confirm.FlushInterval,
				BatchSize:     cfg.Confirm.BatchSize,
				MaxPending:    cfg.Confirm.MaxPending,
				Retention:     cfg.Confirm.Retention,
			}, logger, reg)
		},
		NewTracker,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: s.Stop,
		})
	}),
)
