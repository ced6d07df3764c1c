// Package redispubsub implements the Redis pub/sub transport of
// spec.md §6.3: each session publishes inbound messages on
// `<prefix>session:<id>:in` and receives outbound messages on
// `<prefix>session:<id>:out`, grounded on the teacher's reach for
// go-redis via ManuGH-xg2g's internal/cache/redis.go (client
// construction, zerolog connection logging, context-scoped calls).
//
// §6.3 allows either JSON or MessagePack payload encoding, but no repo
// in the retrieval pack imports a MessagePack codec; Codec is kept as
// an interface with a single jsonCodec implementation, and
// "msgpack" is rejected at startup rather than fabricated.
package redispubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/ids"
	"github.com/asrhub/asrhub/internal/store"
	"github.com/asrhub/asrhub/internal/transport/ws"
)

// Codec (de)serializes the envelope carried on the wire. Only JSON is
// implemented; see the package doc.
type Codec interface {
	Encode(env ws.Envelope) ([]byte, error)
	Decode(data []byte) (ws.Envelope, error)
}

type jsonCodec struct{}

func (jsonCodec) Encode(env ws.Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Decode(data []byte) (ws.Envelope, error) {
	var env ws.Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// NewCodec resolves the configured encoding, rejecting anything but
// "json" since no other codec is wired (see package doc).
func NewCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", "json":
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("redispubsub: codec %q is not compiled in", encoding)
	}
}

// Config configures one Redis pub/sub listener.
type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Codec         Codec
}

// channelIn/channelOut build the per-session channel names of spec.md
// §6.3: "<prefix>session:<id>:in" / "<prefix>session:<id>:out".
func channelIn(prefix, sessionID string) string  { return prefix + "session:" + sessionID + ":in" }
func channelOut(prefix, sessionID string) string { return prefix + "session:" + sessionID + ":out" }

// Transport bridges store actions and inbound Redis messages into the
// shared ws.Session core, one session per subscribed channel pair.
type Transport struct {
	cfg    Config
	client *redis.Client
	deps   ws.Deps
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*redisConn
}

// NewTransport dials Redis and verifies connectivity, matching the
// teacher-adjacent redis.go's Ping-on-construct pattern.
func NewTransport(cfg Config, deps ws.Deps, logger zerolog.Logger) (*Transport, error) {
	if cfg.Codec == nil {
		cfg.Codec = jsonCodec{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redispubsub: connect: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis pubsub transport")

	return &Transport{
		cfg:      cfg,
		client:   client,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*redisConn),
	}, nil
}

// Close releases the Redis client.
func (t *Transport) Close() error {
	return t.client.Close()
}

// redisConn adapts one session's outbound channel to ws.Conn by
// publishing onto `<prefix>session:<id>:out`.
type redisConn struct {
	t         *Transport
	sessionID string
}

func (c *redisConn) Send(env ws.Envelope) error {
	data, err := c.t.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.t.client.Publish(ctx, channelOut(c.t.cfg.ChannelPrefix, c.sessionID), data).Err()
}

// ListenControlChannel subscribes to the transport-wide control
// channel, `<prefix>control:create`, where a client publishes a
// session/create envelope (with no session id yet known) to bootstrap
// a new session; the assigned session id is then published back once
// on the same payload's reply channel, named in the envelope payload
// as "reply_channel". Subsequent traffic uses the per-session
// in/out channel pair.
func (t *Transport) ListenControlChannel(ctx context.Context) error {
	prefix := t.cfg.ChannelPrefix
	sub := t.client.Subscribe(ctx, prefix+"control:create")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.handleControlMessage(ctx, []byte(msg.Payload))
		}
	}
}

func (t *Transport) handleControlMessage(ctx context.Context, payload []byte) {
	env, err := t.cfg.Codec.Decode(payload)
	if err != nil || env.Type != "session/create" {
		return
	}

	var req struct {
		Strategy     string `json:"strategy"`
		ReplyChannel string `json:"reply_channel"`
	}
	_ = json.Unmarshal(env.Payload, &req)

	strategy, ok := parseStrategy(req.Strategy)
	if !ok {
		return
	}

	sessionID := ids.NewSessionID()
	cfg := t.deps.SessionConfig(strategy)
	cfg.Strategy = strategy
	t.deps.Effects.CreateSession(sessionID, cfg)

	conn := &redisConn{t: t, sessionID: sessionID}
	// There is no physical connection to tear down here: the in/out
	// channels are just Redis keys, and listenSessionChannel already
	// exits on ctx cancellation or subscription close, so onFatal is a
	// no-op rather than closing anything.
	qc := ws.NewQueuedConn(conn, t.deps.Delivery, func() {})
	t.mu.Lock()
	t.sessions[sessionID] = conn
	t.mu.Unlock()

	sess := ws.NewSession(t.deps, qc)
	sess.SendConnectionReady()

	subID := t.deps.Store.Subscribe(func(action store.Action, prev, next store.State) {
		if action.SessionID != sessionID {
			return
		}
		if out, ok := ws.OutboundForAction(action); ok {
			_ = qc.Send(out)
		}
	})

	go t.listenSessionChannel(ctx, sess, sessionID, subID, qc)

	notify, _ := json.Marshal(map[string]interface{}{"session_id": sessionID})
	if req.ReplyChannel != "" {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		t.client.Publish(pctx, req.ReplyChannel, notify)
		cancel()
	}
}

func (t *Transport) listenSessionChannel(ctx context.Context, sess *ws.Session, sessionID string, subID int, qc *ws.QueuedConn) {
	defer t.deps.Store.Unsubscribe(subID)
	defer qc.Close()
	defer func() {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		t.mu.Unlock()
	}()

	sub := t.client.Subscribe(ctx, channelIn(t.cfg.ChannelPrefix, sessionID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			sess.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				sess.Close()
				return
			}
			env, err := t.cfg.Codec.Decode([]byte(msg.Payload))
			if err != nil {
				t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("redispubsub decode failed")
				continue
			}
			if env.Type == "session/destroy" {
				sess.Close()
				return
			}
			sess.HandleInbound(env)
		}
	}
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
