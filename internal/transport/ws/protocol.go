// Package ws implements the canonical WebSocket transport of spec.md
// §6.2: a `{type, payload}` envelope carried over gorilla/websocket,
// grounded on the teacher's internal/ws/websocket.go (upgrade,
// per-connection send queue, structured logging) generalized from one
// hardcoded audio-in/JSON-out protocol to the full inbound/outbound
// vocabulary.
//
// protocol.go holds the framing-independent core so
// internal/transport/socketio can reuse it behind a different wire
// framing (spec.md §4.11).
package ws

import (
	"encoding/json"
	"time"

	"github.com/asrhub/asrhub/internal/effects"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/ids"
	"github.com/asrhub/asrhub/internal/logger"
	"github.com/asrhub/asrhub/internal/store"
)

// Envelope is the wire shape of every inbound and outbound message
// (spec.md §6.2).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionConfigFactory builds a per-session effects.SessionConfig for
// the requested strategy.
type SessionConfigFactory func(strategy fcm.Strategy) effects.SessionConfig

// Deps bundles the collaborators the WebSocket/Socket.IO transports
// share.
type Deps struct {
	Effects       *effects.Effects
	Store         *store.Store
	SessionConfig SessionConfigFactory

	// Delivery bounds every connection's outbound send queue and error
	// budget (spec.md ambient concern: teacher's per-session SendQueue).
	Delivery DeliveryConfig
}

// Conn is the minimal send capability both framings provide; ws.go
// implements it directly over gorilla/websocket, socketio.go wraps the
// same connection with engine.io-style framing.
type Conn interface {
	Send(Envelope) error
}

// Session tracks the one (at most) asrhub session bound to a single
// physical connection; spec.md's WS transport is one session per
// connection, like the teacher's ws.Handler.
type Session struct {
	deps      Deps
	conn      Conn
	sessionID string
}

// NewSession wires a fresh connection-scoped session handler. Call
// SendConnectionReady immediately after upgrade, then feed every
// decoded inbound Envelope to HandleInbound.
func NewSession(deps Deps, conn Conn) *Session {
	return &Session{deps: deps, conn: conn}
}

// SendConnectionReady emits the mandatory first outbound message
// (spec.md §6.2).
func (s *Session) SendConnectionReady() {
	_ = s.conn.Send(envelope("connection_ready", map[string]interface{}{
		"timestamp": nowISO(),
	}))
}

// SessionID returns the asrhub session id bound to this connection, or
// "" before session/create has been handled.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Close tears down any asrhub session bound to this connection.
func (s *Session) Close() {
	if s.sessionID != "" {
		s.deps.Effects.DestroySession(s.sessionID)
		s.sessionID = ""
	}
}

// HandleInbound dispatches one decoded inbound Envelope per spec.md
// §6.2's inbound type vocabulary, writing any immediate acknowledgement
// via s.conn.Send. Asynchronous events (transcript, status,
// asr_capture_started/ended) arrive later through the store
// subscriber registered by the caller (see ws.go/socketio.go).
func (s *Session) HandleInbound(env Envelope) {
	var p map[string]interface{}
	_ = json.Unmarshal(env.Payload, &p)

	switch env.Type {
	case "session/create":
		s.handleSessionCreate(p)
	case "session/destroy":
		s.Close()
	case "session/start":
		s.dispatchGated("start_listening", fcm.Action{Type: "start_listening"}, p)
	case "file/upload":
		s.handleAudioPayload(p)
		s.dispatchGated("upload_file", fcm.Action{Type: "upload_file"}, nil)
	case "file/upload/done", "chunk/upload/done":
		s.deps.Effects.FinishBatchUpload(s.sessionID)
	case "chunk/upload/start":
		// Acknowledged implicitly; the real work starts at the first
		// chunk/received message.
	case "chunk/received":
		s.handleAudioPayload(p)
		_ = s.conn.Send(envelope("audio/received", map[string]interface{}{
			"session_id": s.sessionID,
			"chunk_id":   stringField(p, "chunk_id"),
		}))
	case "recording/start":
		s.dispatchGated("start_recording", fcm.Action{Type: "start_recording"}, p)
	case "recording/end":
		s.dispatchGated("end_recording", fcm.Action{Type: "end_recording", Trigger: "CLIENT_REQUESTED"}, p)
	case "transcription/start":
		s.dispatchGated("start_asr_streaming", fcm.Action{Type: "start_asr_streaming"}, p)
	case "transcription/done":
		s.dispatchGated("end_asr_streaming", fcm.Action{Type: "end_asr_streaming", Trigger: "CLIENT_REQUESTED"}, p)
	case "audio/metadata":
		_ = s.conn.Send(envelope("audio_metadata_ack", map[string]interface{}{
			"session_id": s.sessionID,
		}))
	case "error":
		s.dispatchGated("error", fcm.Action{Type: "error"}, p)
	default:
		logger.Warn("ws_unknown_inbound_type", "type", env.Type)
	}
}

func (s *Session) handleSessionCreate(p map[string]interface{}) {
	strategy, ok := parseStrategy(stringField(p, "strategy"))
	if !ok {
		_ = s.conn.Send(envelope("error", map[string]interface{}{"message": "unknown strategy"}))
		return
	}

	sessionID := ids.NewSessionID()
	cfg := s.deps.SessionConfig(strategy)
	cfg.Strategy = strategy
	s.deps.Effects.CreateSession(sessionID, cfg)
	s.sessionID = sessionID

	_ = s.conn.Send(envelope("status", map[string]interface{}{
		"session_id": sessionID,
		"state":      fcm.IDLE.String(),
	}))
}

func (s *Session) handleAudioPayload(p map[string]interface{}) {
	if s.sessionID == "" {
		return
	}
	raw, _ := p["audio"].(string)
	if raw == "" {
		return
	}
	if err := s.deps.Effects.PushAudio(s.sessionID, []byte(raw), 16000, 2, 1); err != nil {
		logger.Warn("ws_push_audio_failed", "session_id", s.sessionID, "err", err)
	}
}

func (s *Session) dispatchGated(actionType string, fcmAction fcm.Action, payload map[string]interface{}) {
	if s.sessionID == "" {
		return
	}
	s.deps.Store.Dispatch(store.Action{
		Type:      actionType,
		SessionID: s.sessionID,
		Gate:      true,
		FCM:       fcmAction,
		Payload:   payload,
	})
}

func parseStrategy(s string) (fcm.Strategy, bool) {
	switch s {
	case "batch":
		return fcm.BATCH, true
	case "non_streaming":
		return fcm.NON_STREAMING, true
	case "streaming":
		return fcm.STREAMING_STRATEGY, true
	default:
		return 0, false
	}
}

func stringField(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func envelope(msgType string, payload interface{}) Envelope {
	b, _ := json.Marshal(payload)
	return Envelope{Type: msgType, Payload: b}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// OutboundForAction projects a dispatched store.Action into an
// outbound Envelope, or (Envelope{}, false) if the action has no
// WebSocket projection (spec.md §6.2's outbound vocabulary).
func OutboundForAction(action store.Action) (Envelope, bool) {
	switch action.Type {
	case "transcript":
		payload := map[string]interface{}{"session_id": action.SessionID}
		for k, v := range action.Payload {
			payload[k] = v
		}
		return envelope("transcript", payload), true
	case "error_reported":
		payload := map[string]interface{}{"session_id": action.SessionID}
		for k, v := range action.Payload {
			payload[k] = v
		}
		return envelope("status", payload), true
	case "start_recording":
		return envelope("asr_capture_started", map[string]interface{}{"session_id": action.SessionID}), true
	case "start_asr_streaming":
		return envelope("asr_capture_started", map[string]interface{}{"session_id": action.SessionID}), true
	case "end_recording":
		return envelope("asr_capture_ended", map[string]interface{}{"session_id": action.SessionID}), true
	case "end_asr_streaming":
		return envelope("asr_capture_ended", map[string]interface{}{"session_id": action.SessionID}), true
	default:
		return Envelope{}, false
	}
}
