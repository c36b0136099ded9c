// Package pubsub wraps the AMQP transport behind small providers so the
// message handlers stay agnostic of broker wiring.
package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Provider builds watermill publishers and subscribers against one broker.
type Provider struct {
	url    string
	logger watermill.LoggerAdapter
}

func NewProvider(url string, logger *slog.Logger) *Provider {
	return &Provider{
		url:    url,
		logger: watermill.NewSlogLogger(logger),
	}
}

// Subscriber returns a durable consumer bound to the named queue. Each call
// builds an independent AMQP channel.
func (p *Provider) Subscriber(queue string) (message.Subscriber, error) {
	cfg := wamqp.NewDurablePubSubConfig(p.url, wamqp.GenerateQueueNameConstant(queue))
	return wamqp.NewSubscriber(cfg, p.logger)
}

// Publisher returns a durable topic publisher.
func (p *Provider) Publisher() (message.Publisher, error) {
	cfg := wamqp.NewDurablePubSubConfig(p.url, nil)
	return wamqp.NewPublisher(cfg, p.logger)
}
