// Package amqp ingests notification submissions from the message bus, the
// asynchronous twin of POST /notifications/send.
package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/pulseline/pulseline/internal/adapter/pubsub"
	"github.com/pulseline/pulseline/internal/dispatch"
)

const (
	// TopicSubmit is the exchange submissions arrive on.
	TopicSubmit = "notifications.submit.v1"

	// SubmitQueue is the default shared durable consumer queue; every node
	// competes for submissions so each is enqueued exactly once.
	SubmitQueue = "pulseline.submit.v1"

	// PoisonTopic collects submissions that exhausted their retries.
	PoisonTopic = "pulseline.submit.v1.poison"
)

// Ingestor consumes bus submissions and feeds the dispatcher.
type Ingestor struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewIngestor(d *dispatch.Dispatcher, logger *slog.Logger) *Ingestor {
	return &Ingestor{dispatcher: d, logger: logger}
}

// NewWatermillRouter builds the consumer router logging through slog.
func NewWatermillRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
}

// RegisterHandlers binds the submission consumer and its middleware chain.
// An empty queue name falls back to SubmitQueue.
func (h *Ingestor) RegisterHandlers(router *message.Router, provider *pubsub.Provider, poisonPub message.Publisher, queue string) error {
	if queue == "" {
		queue = SubmitQueue
	}

	poison, err := middleware.PoisonQueue(poisonPub, PoisonTopic)
	if err != nil {
		return fmt.Errorf("poison queue setup: %w", err)
	}

	sub, err := provider.Subscriber(queue)
	if err != nil {
		return fmt.Errorf("submit subscriber: %w", err)
	}

	router.AddNoPublisherHandler("on_submit", TopicSubmit, sub, bind(h, h.onSubmitV1)).AddMiddleware(
		TraceIDMiddleware,
		LoggingMiddleware(h.logger),
		NewRetryMiddleware().Middleware,
		poison,
		middleware.NewThrottle(100, time.Second).Middleware,
		middleware.Timeout(30*time.Second),
	)

	h.logger.Info("amqp ingestion ready", "queue", queue, "topic", TopicSubmit)
	return nil
}
