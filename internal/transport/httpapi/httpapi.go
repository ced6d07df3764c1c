// Package httpapi implements the HTTP + SSE transport of spec.md
// §6.1, grounded on the teacher's internal/router/router.go and
// internal/ws/websocket.go (session bootstrap, structured logging,
// send-queue-style fan-out) but built around Effects/Store instead of
// a direct sherpa recognizer call.
package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asrhub/asrhub/internal/effects"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/ids"
	"github.com/asrhub/asrhub/internal/logger"
	"github.com/asrhub/asrhub/internal/middleware"
	"github.com/asrhub/asrhub/internal/store"
)

// chunkSeparator delimits the metadata-json and raw-pcm halves of an
// /emit_audio_chunk request body (spec.md §6.1).
var chunkSeparator = []byte{0x00, 0x00, 0xFF, 0xFF}

// SessionConfigFactory builds a per-session effects.SessionConfig for
// the requested strategy; owned by bootstrap, not this package.
type SessionConfigFactory func(strategy fcm.Strategy) effects.SessionConfig

// Deps bundles the collaborators the HTTP/SSE transport needs.
type Deps struct {
	Effects       *effects.Effects
	Store         *store.Store
	SessionConfig SessionConfigFactory

	HeartbeatInterval time.Duration
	RateLimiter       *middleware.RateLimiter
}

// createSessionRequest is the body of POST /create_session.
type createSessionRequest struct {
	Strategy  string `json:"strategy"`
	RequestID string `json:"request_id"`
}

// startListeningRequest is the body of POST /start_listening.
type startListeningRequest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// chunkMetadata is the JSON half of an /emit_audio_chunk request.
type chunkMetadata struct {
	SessionID string `json:"session_id"`
	ChunkID   string `json:"chunk_id"`
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

// NewRouter builds the gin engine serving spec.md §6.1's endpoints.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logger())
	r.Use(middleware.RequestID())
	r.Use(gin.Recovery())
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.GinMiddleware())
	}

	h := &handler{deps: deps}

	r.POST("/create_session", h.createSession)
	r.GET("/sessions/:session_id/events", h.events)
	r.POST("/start_listening", h.startListening)
	r.POST("/emit_audio_chunk", h.emitAudioChunk)
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)

	return r
}

type handler struct {
	deps Deps
}

func (h *handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	strategy, ok := parseStrategy(req.Strategy)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy"})
		return
	}

	sessionID := ids.NewSessionID()
	cfg := h.deps.SessionConfig(strategy)
	cfg.Strategy = strategy
	h.deps.Effects.CreateSession(sessionID, cfg)

	logger.Info("session_created", "session_id", sessionID, "strategy", req.Strategy)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"request_id": req.RequestID,
		"sse_url":    fmt.Sprintf("/sessions/%s/events", sessionID),
		"audio_url":  "/emit_audio_chunk",
	})
}

func (h *handler) startListening(c *gin.Context) {
	var req startListeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.deps.Store.Dispatch(store.Action{
		Type:      "start_listening",
		SessionID: req.SessionID,
		Gate:      true,
		FCM:       fcm.Action{Type: "start_listening"},
		Payload: map[string]interface{}{
			"sample_rate": req.SampleRate,
			"channels":    req.Channels,
			"format":      req.Format,
		},
	})

	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "status": "listening_started"})
}

func (h *handler) emitAudioChunk(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	idx := bytes.Index(body, chunkSeparator)
	if idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing metadata separator"})
		return
	}

	var meta chunkMetadata
	if err := json.Unmarshal(body[:idx], &meta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk metadata"})
		return
	}
	pcm := body[idx+len(chunkSeparator):]

	if err := h.deps.Effects.PushAudio(meta.SessionID, pcm, 16000, 2, 1); err != nil {
		logger.Warn("emit_audio_chunk_failed", "session_id", meta.SessionID, "error", err)
		h.deps.Store.Dispatch(store.Action{
			Type: "error_reported", SessionID: meta.SessionID, Gate: true,
			FCM:     fcm.Action{Type: "error"},
			Payload: map[string]interface{}{"message": err.Error()},
		})
		c.JSON(http.StatusAccepted, gin.H{"accepted": false})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "chunk_id": meta.ChunkID})
}

// sseEventName maps a store.Action's type to one of spec.md §6.1's
// five named SSE event types. Actions with no SSE projection return
// ("", false).
func sseEventName(action store.Action) (string, bool) {
	switch action.Type {
	case "session/create":
		return "session_created", true
	case "start_listening":
		return "listening_started", true
	case "transcript":
		return "transcribe_done", true
	case "error_reported":
		return "error_reported", true
	case "llm_reply_started", "tts_playback_started":
		return "play_asr_feedback", true
	default:
		return "", false
	}
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, event string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// events serves one SSE connection per session (spec.md §6.1): first
// event is always connection_ready, followed by session-scoped
// store actions translated into the five named event types, plus a
// 30s heartbeat.
func (h *handler) events(c *gin.Context) {
	sessionID := c.Param("session_id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	now := time.Now().UTC().Format(time.RFC3339)
	_ = writeSSEEvent(c.Writer, flusher, "connection_ready", gin.H{"session_id": sessionID, "timestamp": now})

	var mu sync.Mutex

	subID := h.deps.Store.Subscribe(func(action store.Action, prev, next store.State) {
		if action.SessionID != sessionID {
			return
		}
		name, ok := sseEventName(action)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		payload := gin.H{"session_id": sessionID, "timestamp": time.Now().UTC().Format(time.RFC3339)}
		for k, v := range action.Payload {
			payload[k] = v
		}
		_ = writeSSEEvent(c.Writer, flusher, name, payload)
	})
	defer h.deps.Store.Unsubscribe(subID)

	heartbeat := h.deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			mu.Lock()
			err := writeSSEEvent(c.Writer, flusher, "heartbeat", gin.H{
				"session_id": sessionID,
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			})
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) stats(c *gin.Context) {
	sessionCount := h.deps.Store.Select(func(s store.State) interface{} {
		return len(s.Sessions)
	})
	c.JSON(http.StatusOK, gin.H{"sessions": sessionCount})
}
