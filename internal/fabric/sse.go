package fabric

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulseline/pulseline/internal/metrics"
)

// SSEHandler serves the push-stream handshake on GET /sse/connect.
type SSEHandler struct {
	hub     *Hub
	auth    Authenticator
	logger  *slog.Logger
	metrics *metrics.Registry
}

func NewSSEHandler(hub *Hub, auth Authenticator, logger *slog.Logger, reg *metrics.Registry) *SSEHandler {
	return &SSEHandler{hub: hub, auth: auth, logger: logger, metrics: reg}
}

func paramsFromRequest(r *http.Request) Params {
	q := r.URL.Query()
	return Params{
		TenantID:  q.Get("organizationId"),
		SiteID:    q.Get("siteId"),
		UserID:    q.Get("userId"),
		SessionID: q.Get("sessionId"),
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := paramsFromRequest(r)

	if err := h.auth.Authenticate(r, params); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.hub.CanAccept(KindPushStream) {
		h.metrics.ConnectionsRejected.WithLabelValues(string(KindPushStream), "capacity").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	conn := NewConn(KindPushStream, params, time.Now())
	if err := h.hub.Register(conn); err != nil {
		h.metrics.ConnectionsRejected.WithLabelValues(string(KindPushStream), "capacity").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unregister(conn.ID, "client closed")

	connected := &Frame{
		Type: FrameConnected,
		Data: map[string]string{
			"connectionId": conn.ID,
			"serverTime":   time.Now().UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now(),
	}
	if err := writeSSEFrame(w, connected); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Info("sse connection opened",
		"conn_id", conn.ID,
		"organization_id", params.TenantID,
		"site_id", params.SiteID,
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case f := <-conn.Frames():
			if f == nil {
				return
			}
			if err := writeSSEFrame(w, f); err != nil {
				h.hub.Unregister(conn.ID, "write error")
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame emits one frame in text/event-stream framing:
//
//	id: <optional>
//	event: <type>
//	data: <json>
//	<blank line>
func writeSSEFrame(w http.ResponseWriter, f *Frame) error {
	if f.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Type); err != nil {
		return err
	}

	data, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
