package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulseline/pulseline/internal/channel"
	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/dispatch"
	"github.com/pulseline/pulseline/internal/domain/notification"
)

const maxBatchSize = 100

// NotificationHandler owns the /notifications/* routes: submission, status,
// cancellation and statistics.
type NotificationHandler struct {
	dispatcher *dispatch.Dispatcher
	confirms   *confirm.Store
	registry   *channel.Registry
	logger     *slog.Logger
}

func NewNotificationHandler(d *dispatch.Dispatcher, confirms *confirm.Store, registry *channel.Registry, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: d, confirms: confirms, registry: registry, logger: logger}
}

func (h *NotificationHandler) Routes(r chi.Router) {
	r.Post("/send", h.send)
	r.Post("/batch", h.sendBatch)
	r.Post("/realtime", h.realtime)
	r.Get("/", h.list)
	r.Get("/stats/queue", h.queueStats)
	r.Get("/stats/delivery", h.deliveryStats)
	r.Get("/{id}/status", h.status)
	r.Delete("/{id}", h.cancel)
}

// notificationRequest is the submission wire format.
type notificationRequest struct {
	OrganizationID string                 `json:"organizationId"`
	SiteID         string                 `json:"siteId,omitempty"`
	SessionID      string                 `json:"sessionId,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
	Channels       []string               `json:"channels"`
	Payload        notification.Payload   `json:"payload"`
	Targeting      notification.Targeting `json:"targeting"`
	SendAt         *time.Time             `json:"sendAt,omitempty"`
	ExpiresAt      *time.Time             `json:"expiresAt,omitempty"`
	Timezone       string                 `json:"timezone,omitempty"`
	MaxRetries     *int                   `json:"maxRetries,omitempty"`
	RetryDelayMs   *int                   `json:"retryDelayMs,omitempty"`
	RetryBackoff   *float64               `json:"retryBackoff,omitempty"`
	CampaignID     string                 `json:"campaignId,omitempty"`
	Variant        string                 `json:"variant,omitempty"`
	Source         string                 `json:"source,omitempty"`
}

func (req *notificationRequest) toDomain() *notification.Notification {
	n := &notification.Notification{
		TenantID:  req.OrganizationID,
		SiteID:    req.SiteID,
		SessionID: req.SessionID,
		Priority:  notification.ParsePriority(req.Priority),
		Payload:   req.Payload,
		Targeting: req.Targeting,
		Scheduling: notification.Scheduling{
			SendAt:    req.SendAt,
			ExpiresAt: req.ExpiresAt,
			Timezone:  req.Timezone,
		},
		Metadata: notification.Metadata{
			CampaignID: req.CampaignID,
			Variant:    req.Variant,
			Source:     req.Source,
		},
	}
	for _, ch := range req.Channels {
		n.Channels = append(n.Channels, notification.Channel(ch))
	}
	// A partially specified policy keeps the dispatcher defaults for the
	// rest; an untouched policy takes the defaults wholesale.
	if req.MaxRetries != nil {
		n.Policy.MaxAttempts = *req.MaxRetries + 1
	}
	if req.RetryDelayMs != nil {
		n.Policy.RetryDelay = time.Duration(*req.RetryDelayMs) * time.Millisecond
	}
	if req.RetryBackoff != nil {
		n.Policy.RetryBackoff = *req.RetryBackoff
	}
	return n
}

func (h *NotificationHandler) send(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	id, err := h.enqueue(&req)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"notificationId": id})
}

type batchResult struct {
	Index          int    `json:"index"`
	NotificationID string `json:"notificationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (h *NotificationHandler) sendBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		badRequest(w, "invalid body")
		return
	}
	if len(reqs) == 0 {
		badRequest(w, "empty batch")
		return
	}
	if len(reqs) > maxBatchSize {
		badRequest(w, "batch exceeds 100 notifications")
		return
	}

	results := make([]batchResult, len(reqs))
	accepted := 0
	for i := range reqs {
		results[i].Index = i
		id, err := h.enqueue(&reqs[i])
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].NotificationID = id
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"results":  results,
	})
}

func (h *NotificationHandler) enqueue(req *notificationRequest) (string, error) {
	n := req.toDomain()
	n.Policy = h.fillPolicy(n.Policy)
	return h.dispatcher.Enqueue(n)
}

// fillPolicy leaves an all-zero policy untouched so the dispatcher applies
// its default; a partially set one is completed from hard floors.
func (h *NotificationHandler) fillPolicy(p notification.DeliveryPolicy) notification.DeliveryPolicy {
	if p.MaxAttempts == 0 && p.RetryDelay == 0 && p.RetryBackoff == 0 {
		return p
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = 5 * time.Second
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = 2
	}
	return p
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notification.ErrQueueFull), errors.Is(err, notification.ErrQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		badRequest(w, err.Error())
	}
}

func (h *NotificationHandler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := h.dispatcher.Get(id)
	if !ok {
		notFound(w, "unknown notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notification":  n,
		"confirmations": h.confirms.GetForNotification(id),
		"channelStatus": h.confirms.AggregateStatus(id),
	})
}

func (h *NotificationHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items := h.dispatcher.List(dispatch.Filter{
		Tenant:  q.Get("organizationId"),
		Status:  notification.Status(q.Get("status")),
		Channel: notification.Channel(q.Get("channel")),
		From:    timeParam(q.Get("from"), time.Time{}),
		To:      timeParam(q.Get("to"), time.Time{}),
		Offset:  intParam(q.Get("offset"), 0),
		Limit:   intParam(q.Get("limit"), 50),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"count":         len(items),
	})
}

func (h *NotificationHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.dispatcher.Cancel(id) {
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
		return
	}
	if _, ok := h.dispatcher.Get(id); ok {
		// Known but past the pending stage.
		writeJSON(w, http.StatusConflict, map[string]string{"error": "notification is no longer pending"})
		return
	}
	notFound(w, "unknown notification")
}

func (h *NotificationHandler) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

func (h *NotificationHandler) deliveryStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("organizationId")
	if tenant == "" {
		badRequest(w, "organizationId is required")
		return
	}
	from := timeParam(q.Get("from"), time.Time{})
	to := timeParam(q.Get("to"), time.Now())
	writeJSON(w, http.StatusOK, h.confirms.Analytics(tenant, from, to))
}

// realtime bypasses the queue and pushes over active web connections
// synchronously.
func (h *NotificationHandler) realtime(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	n := req.toDomain()
	n.Channels = []notification.Channel{notification.ChannelWeb}
	n.Policy = notification.DeliveryPolicy{MaxAttempts: 1, RetryDelay: time.Second, RetryBackoff: 2}
	if err := n.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	n.ID = notification.NewID()

	proc, ok := h.registry.Get(notification.ChannelWeb)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "web channel unavailable"})
		return
	}
	res := proc.Process(r.Context(), n)

	resp := map[string]any{
		"notificationId": n.ID,
		"success":        res.Success,
		"delivered":      res.Delivered,
		"failed":         res.Failed,
	}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func timeParam(raw string, def time.Time) time.Time {
	if raw == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return def
	}
	return t
}
