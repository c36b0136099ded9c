package amqp

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/adapter/pubsub"
	"github.com/pulseline/pulseline/internal/dispatch"
)

var Module = fx.Module("amqp-handler",
	fx.Invoke(Register),
)

// Register wires the ingestion consumer and the lifecycle event publisher.
// An empty broker URL leaves the whole adapter off.
func Register(lc fx.Lifecycle, cfg *config.Config, d *dispatch.Dispatcher, logger *slog.Logger) error {
	if cfg.AMQP.URL == "" {
		logger.Info("amqp adapter disabled, no broker url configured")
		return nil
	}

	provider := pubsub.NewProvider(cfg.AMQP.URL, logger)
	pub, err := provider.Publisher()
	if err != nil {
		return err
	}

	router, err := NewWatermillRouter(logger)
	if err != nil {
		return err
	}
	ingestor := NewIngestor(d, logger)
	if err := ingestor.RegisterHandlers(router, provider, pub, cfg.AMQP.Queue); err != nil {
		return err
	}

	events := pubsub.NewEventPublisher(pub, cfg.AMQP.Exchange, logger)
	bridge := newEventBridge(events, logger)
	for _, t := range []dispatch.EventType{dispatch.EventDelivered, dispatch.EventFailed, dispatch.EventExpired} {
		d.Subscribe(t, bridge.observe)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := router.Run(runCtx); err != nil {
					logger.Error("amqp router stopped", "err", err)
				}
			}()
			go bridge.run()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			bridge.stop()
			return router.Close()
		},
	})
	return nil
}

// eventBridge decouples dispatcher observers, which must not block, from the
// broker publish. Overflow drops the oldest pending events first.
type eventBridge struct {
	events *pubsub.EventPublisher
	logger *slog.Logger
	ch     chan dispatch.Event
	done   chan struct{}
}

func newEventBridge(events *pubsub.EventPublisher, logger *slog.Logger) *eventBridge {
	return &eventBridge{
		events: events,
		logger: logger,
		ch:     make(chan dispatch.Event, 256),
		done:   make(chan struct{}),
	}
}

func (b *eventBridge) observe(ev dispatch.Event) {
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case old := <-b.ch:
			b.logger.Warn("lifecycle event dropped, bridge full",
				"notification_id", old.Notification.ID,
				"type", old.Type,
			)
		default:
		}
	}
}

func (b *eventBridge) run() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.ch:
			b.events.Publish(string(ev.Type), ev.Notification, ev.Timestamp)
		}
	}
}

func (b *eventBridge) stop() {
	close(b.done)
}
