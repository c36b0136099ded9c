package fabric

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseline/pulseline/internal/metrics"
)

const (
	maxFrameSize  = 1 << 20 // 1 MiB
	writeDeadline = 10 * time.Second

	// Close codes used by the bidirectional transport.
	closePolicyViolation = websocket.ClosePolicyViolation // 1008
	closeTryAgainLater   = websocket.CloseTryAgainLater   // 1013
)

// WSHandler serves the bidirectional-frame transport.
type WSHandler struct {
	hub      *Hub
	auth     Authenticator
	logger   *slog.Logger
	metrics  *metrics.Registry
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, auth Authenticator, logger *slog.Logger, reg *metrics.Registry) *WSHandler {
	return &WSHandler{
		hub:     hub,
		auth:    auth,
		logger:  logger,
		metrics: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := paramsFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	if err := h.auth.Authenticate(r, params); err != nil {
		closeWith(ws, closePolicyViolation, "unauthorized")
		return
	}

	conn := NewConn(KindBidirectional, params, time.Now())
	if err := h.hub.Register(conn); err != nil {
		h.metrics.ConnectionsRejected.WithLabelValues(string(KindBidirectional), "capacity").Inc()
		closeWith(ws, closeTryAgainLater, "connection limit reached")
		return
	}
	defer h.hub.Unregister(conn.ID, "client closed")

	ws.SetReadLimit(maxFrameSize)
	ws.SetPongHandler(func(string) error {
		conn.Touch(time.Now())
		return nil
	})

	// First frame on the wire is a ping carrying the session identity.
	hello := &Frame{
		Type: FramePing,
		Data: map[string]string{
			"connectionId": conn.ID,
			"serverTime":   time.Now().UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now(),
	}
	if err := writeWSFrame(ws, hello); err != nil {
		return
	}

	h.logger.Info("ws connection opened",
		"conn_id", conn.ID,
		"organization_id", params.TenantID,
	)

	go h.writePump(ws, conn)
	h.readLoop(ws, conn)
}

// readLoop consumes inbound frames until the transport dies.
func (h *WSHandler) readLoop(ws *websocket.Conn, conn *Conn) {
	defer ws.Close()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			h.hub.Unregister(conn.ID, "read error")
			return
		}
		conn.Touch(time.Now())

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			conn.Send(errorFrame("malformed frame"))
			continue
		}
		h.handleFrame(conn, &f)
	}
}

func (h *WSHandler) handleFrame(conn *Conn, f *Frame) {
	switch f.Type {
	case FramePing:
		conn.Send(&Frame{Type: FramePong, ID: f.ID, Timestamp: time.Now()})
	case FramePong:
		// Activity already stamped by the read loop.
	case FrameSubscribe:
		channel := frameChannel(f)
		if channel == "" {
			conn.Send(errorFrame("channel is required"))
			return
		}
		if !conn.Subscribe(channel) {
			conn.Send(errorFrame("channel not authorized"))
			return
		}
		conn.Send(&Frame{Type: FrameSubscribe, Data: map[string]string{"channel": channel, "status": "ok"}, Timestamp: time.Now()})
	case FrameUnsubscribe:
		channel := frameChannel(f)
		if channel == "" {
			conn.Send(errorFrame("channel is required"))
			return
		}
		conn.Unsubscribe(channel)
		conn.Send(&Frame{Type: FrameUnsubscribe, Data: map[string]string{"channel": channel, "status": "ok"}, Timestamp: time.Now()})
	default:
		conn.Send(errorFrame("unsupported frame type: " + f.Type))
	}
}

// writePump drains the connection's frame queue onto the wire.
func (h *WSHandler) writePump(ws *websocket.Conn, conn *Conn) {
	defer ws.Close()

	for {
		select {
		case <-conn.Done():
			deadline := time.Now().Add(writeDeadline)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, conn.CloseReason()),
				deadline)
			return
		case f := <-conn.Frames():
			if f == nil {
				return
			}
			if err := writeWSFrame(ws, f); err != nil {
				h.hub.Unregister(conn.ID, "write error")
				return
			}
		}
	}
}

func writeWSFrame(ws *websocket.Conn, f *Frame) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return ws.WriteJSON(f)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeDeadline)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func errorFrame(msg string) *Frame {
	return &Frame{Type: FrameError, Data: map[string]string{"error": msg}, Timestamp: time.Now()}
}

// frameChannel extracts the channel name from a subscribe/unsubscribe frame.
func frameChannel(f *Frame) string {
	m, ok := f.Data.(map[string]any)
	if !ok {
		return ""
	}
	ch, _ := m["channel"].(string)
	return ch
}
