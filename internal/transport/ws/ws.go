package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asrhub/asrhub/internal/logger"
	"github.com/asrhub/asrhub/internal/store"
)

// Handler upgrades HTTP connections to the canonical WebSocket
// protocol, one Session per connection (grounded on the teacher's
// internal/ws/websocket.go Handler/Upgrader pair).
type Handler struct {
	deps        Deps
	upgrader    websocket.Upgrader
	readTimeout time.Duration
}

// NewHandler builds a WebSocket handler sized by wsConfig.
func NewHandler(deps Deps, readBufferSize, writeBufferSize int, enableCompression bool, readTimeout time.Duration) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			ReadBufferSize:    readBufferSize,
			WriteBufferSize:   writeBufferSize,
			EnableCompression: enableCompression,
		},
		readTimeout: readTimeout,
	}
}

// gorillaConn adapts *websocket.Conn to the Conn interface with a
// write mutex, since gorilla connections are not safe for concurrent
// writes (one write from the read loop's replies, one from the store
// subscriber's async pushes).
type gorillaConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (g *gorillaConn) Send(env Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.WriteJSON(env)
}

// SendWithTimeout implements timeoutSender, bounding this one write
// with a deadline rather than letting a stalled peer block the send
// loop indefinitely.
func (g *gorillaConn) SendWithTimeout(env Envelope, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer g.conn.SetWriteDeadline(time.Time{})
	return g.conn.WriteJSON(env)
}

// ServeHTTP implements http.Handler, matching the teacher's
// ws.Handler.ServeHTTP/HandleWebSocket shape.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	gc := &gorillaConn{conn: conn}
	qc := NewQueuedConn(gc, h.deps.Delivery, func() { conn.Close() })
	defer qc.Close()
	sess := NewSession(h.deps, qc)
	sess.SendConnectionReady()

	subID := h.deps.Store.Subscribe(func(action store.Action, prev, next store.State) {
		if sess.sessionID == "" || action.SessionID != sess.sessionID {
			return
		}
		env, ok := OutboundForAction(action)
		if !ok {
			return
		}
		_ = qc.Send(env)
	})
	defer h.deps.Store.Unsubscribe(subID)

	logger.Info("websocket_connection_established")
	defer func() {
		sess.Close()
		logger.Info("websocket_connection_closed")
	}()

	for {
		if h.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("websocket_read_error", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			_ = qc.Send(envelope("error", map[string]interface{}{"message": "invalid envelope"}))
			continue
		}
		sess.HandleInbound(env)
	}
}
