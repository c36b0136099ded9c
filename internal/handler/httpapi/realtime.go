// Package httpapi is the inbound HTTP control plane: real-time connection
// management, notification submission and admin/statistics routes.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulseline/pulseline/internal/fabric"
)

// RealtimeHandler owns the /sse/* control routes.
type RealtimeHandler struct {
	hub    *fabric.Hub
	sse    *fabric.SSEHandler
	ws     *fabric.WSHandler
	logger *slog.Logger
}

func NewRealtimeHandler(hub *fabric.Hub, sse *fabric.SSEHandler, ws *fabric.WSHandler, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, sse: sse, ws: ws, logger: logger}
}

func (h *RealtimeHandler) Routes(r chi.Router) {
	r.Get("/connect", h.sse.ServeHTTP)
	r.Post("/subscribe", h.subscribe)
	r.Post("/unsubscribe", h.unsubscribe)
	r.Post("/send/organization", h.sendToOrganization)
	r.Post("/send/site", h.sendToSite)
	r.Post("/send/user", h.sendToUser)
	r.Post("/send/channel", h.sendToChannel)
	r.Post("/broadcast", h.broadcast)
	r.Get("/stats", h.stats)
	r.Get("/health", h.health)
}

type subscribeRequest struct {
	ConnectionID string `json:"connectionId"`
	Channel      string `json:"channel"`
}

func (h *RealtimeHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" || req.Channel == "" {
		badRequest(w, "connectionId and channel are required")
		return
	}
	conn, ok := h.hub.Get(req.ConnectionID)
	if !ok {
		notFound(w, "unknown connection")
		return
	}
	if !conn.Subscribe(req.Channel) {
		badRequest(w, "channel not authorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": true, "channel": req.Channel})
}

func (h *RealtimeHandler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" || req.Channel == "" {
		badRequest(w, "connectionId and channel are required")
		return
	}
	conn, ok := h.hub.Get(req.ConnectionID)
	if !ok {
		notFound(w, "unknown connection")
		return
	}
	conn.Unsubscribe(req.Channel)
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": false, "channel": req.Channel})
}

type targetedSendRequest struct {
	OrganizationID string `json:"organizationId,omitempty"`
	SiteID         string `json:"siteId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Message        any    `json:"message"`
}

func notificationFrame(msg any) *fabric.Frame {
	return &fabric.Frame{
		Type:      fabric.FrameNotification,
		Data:      msg,
		Timestamp: time.Now(),
	}
}

func (h *RealtimeHandler) sendToOrganization(w http.ResponseWriter, r *http.Request) {
	var req targetedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrganizationID == "" {
		badRequest(w, "organizationId is required")
		return
	}
	sent, _ := h.hub.SendToOrganization(req.OrganizationID, notificationFrame(req.Message))
	writeJSON(w, http.StatusOK, map[string]any{"sentCount": sent})
}

func (h *RealtimeHandler) sendToSite(w http.ResponseWriter, r *http.Request) {
	var req targetedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SiteID == "" {
		badRequest(w, "siteId is required")
		return
	}
	sent, _ := h.hub.SendToSite(req.SiteID, notificationFrame(req.Message))
	writeJSON(w, http.StatusOK, map[string]any{"sentCount": sent})
}

func (h *RealtimeHandler) sendToUser(w http.ResponseWriter, r *http.Request) {
	var req targetedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		badRequest(w, "userId is required")
		return
	}
	sent, _ := h.hub.SendToUser(req.UserID, notificationFrame(req.Message))
	writeJSON(w, http.StatusOK, map[string]any{"sentCount": sent})
}

func (h *RealtimeHandler) sendToChannel(w http.ResponseWriter, r *http.Request) {
	var req targetedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		badRequest(w, "channel is required")
		return
	}
	sent, _ := h.hub.SendToChannel(req.Channel, notificationFrame(req.Message))
	writeJSON(w, http.StatusOK, map[string]any{"sentCount": sent})
}

func (h *RealtimeHandler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req targetedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	sent, _ := h.hub.Broadcast(notificationFrame(req.Message), nil)
	writeJSON(w, http.StatusOK, map[string]any{"sentCount": sent})
}

func (h *RealtimeHandler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

func (h *RealtimeHandler) health(w http.ResponseWriter, _ *http.Request) {
	s := h.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"totalConnections": s.TotalConnections,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": msg})
}
