package cmd

import (
	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/channel"
	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/dispatch"
	"github.com/pulseline/pulseline/internal/fabric"
	amqphandler "github.com/pulseline/pulseline/internal/handler/amqp"
	"github.com/pulseline/pulseline/internal/handler/httpapi"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
	"github.com/pulseline/pulseline/internal/router"
)

func NewApp() *fx.App {
	return fx.New(
		fx.Provide(config.NewLogger),
		config.Module,
		metrics.Module,
		ratelimit.Module,
		confirm.Module,
		fabric.Module,
		channel.Module,
		router.Module,
		dispatch.Module,
		httpapi.Module,
		amqphandler.Module,
	)
}
