package dispatch

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/router"
)

var Module = fx.Module("dispatch",
	fx.Provide(
		func(r *router.Router, cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) *Dispatcher {
			return New(Config{
				MaxSize:            cfg.Queue.MaxSize,
				BatchSize:          cfg.Queue.BatchSize,
				Workers:            cfg.Queue.Workers,
				ProcessingInterval: cfg.Queue.ProcessingInterval,
				RetryInterval:      cfg.Queue.RetryInterval,
				Retention:          cfg.Queue.Retention,
				Mode:               Mode(cfg.Queue.SelectionMode),
				DefaultPolicy: notification.DeliveryPolicy{
					MaxAttempts:  cfg.Queue.MaxRetries + 1,
					RetryDelay:   cfg.Queue.DefaultRetryDelay,
					RetryBackoff: cfg.Queue.DefaultRetryBackoff,
				},
				ShutdownTimeout: cfg.Queue.ShutdownTimeout,
			}, r, logger, reg)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, d *Dispatcher) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				d.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return d.Stop(ctx)
			},
		})
	}),
)
