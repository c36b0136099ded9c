package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// submitMessage is the bus wire form of a notification submission. It mirrors
// the HTTP submission body.
type submitMessage struct {
	OrganizationID string                 `json:"organizationId"`
	SiteID         string                 `json:"siteId,omitempty"`
	SessionID      string                 `json:"sessionId,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
	Channels       []string               `json:"channels"`
	Payload        notification.Payload   `json:"payload"`
	Targeting      notification.Targeting `json:"targeting"`
	SendAt         *time.Time             `json:"sendAt,omitempty"`
	ExpiresAt      *time.Time             `json:"expiresAt,omitempty"`
	MaxRetries     *int                   `json:"maxRetries,omitempty"`
	RetryDelayMs   *int                   `json:"retryDelayMs,omitempty"`
	RetryBackoff   *float64               `json:"retryBackoff,omitempty"`
	CampaignID     string                 `json:"campaignId,omitempty"`
	Source         string                 `json:"source,omitempty"`
}

func (m *submitMessage) toDomain() *notification.Notification {
	n := &notification.Notification{
		TenantID:  m.OrganizationID,
		SiteID:    m.SiteID,
		SessionID: m.SessionID,
		Priority:  notification.ParsePriority(m.Priority),
		Payload:   m.Payload,
		Targeting: m.Targeting,
		Scheduling: notification.Scheduling{
			SendAt:    m.SendAt,
			ExpiresAt: m.ExpiresAt,
		},
		Metadata: notification.Metadata{
			CampaignID: m.CampaignID,
			Source:     m.Source,
		},
	}
	for _, ch := range m.Channels {
		n.Channels = append(n.Channels, notification.Channel(ch))
	}
	// An untouched policy takes the dispatcher default wholesale; a partial
	// one is completed from hard floors.
	if m.MaxRetries != nil || m.RetryDelayMs != nil || m.RetryBackoff != nil {
		n.Policy.MaxAttempts = 1
		if m.MaxRetries != nil {
			n.Policy.MaxAttempts = *m.MaxRetries + 1
		}
		n.Policy.RetryDelay = 5 * time.Second
		if m.RetryDelayMs != nil {
			n.Policy.RetryDelay = time.Duration(*m.RetryDelayMs) * time.Millisecond
		}
		n.Policy.RetryBackoff = 2
		if m.RetryBackoff != nil {
			n.Policy.RetryBackoff = *m.RetryBackoff
		}
	}
	return n
}

type domainHandler[T any] func(ctx context.Context, payload *T) error

// bind adapts a typed domain handler into a watermill consumer, owning panic
// recovery and poison-pill protection.
func bind[T any](h *Ingestor, fn domainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("submission handler panic",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			// Undecodable submissions never become decodable; ack and drop.
			h.logger.Error("undecodable submission dropped", "err", err, "msg_id", msg.UUID)
			return nil
		}

		return fn(msg.Context(), payload)
	}
}

// onSubmitV1 enqueues one bus submission. Capacity errors nack so the broker
// retries; validation errors ack and drop.
func (h *Ingestor) onSubmitV1(_ context.Context, raw *submitMessage) error {
	id, err := h.dispatcher.Enqueue(raw.toDomain())
	switch {
	case err == nil:
		h.logger.Debug("bus submission accepted",
			"notification_id", id,
			"organization_id", raw.OrganizationID,
		)
		return nil
	case errors.Is(err, notification.ErrQueueFull), errors.Is(err, notification.ErrQueueClosed):
		return err
	default:
		h.logger.Warn("invalid bus submission dropped",
			"organization_id", raw.OrganizationID,
			"err", err,
		)
		return nil
	}
}
