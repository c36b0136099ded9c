package fabric

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/metrics"
)

var Module = fx.Module("fabric",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) *Hub {
			return NewHub(Config{
				PingInterval:      cfg.SSE.PingInterval,
				ConnectionTimeout: cfg.SSE.ConnectionTimeout,
				MaxPushStream:     cfg.SSE.MaxConnections,
				MaxBidirectional:  cfg.WS.MaxConnections,
			}, logger, reg)
		},
		DefaultAuthenticator,
		NewSSEHandler,
		NewWSHandler,
	),
	fx.Invoke(func(lc fx.Lifecycle, h *Hub) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				h.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				h.Stop()
				return nil
			},
		})
	}),
)
