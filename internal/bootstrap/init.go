// Package bootstrap wires every module into one running process,
// grounded on the teacher's internal/bootstrap/init.go: explicit,
// ordered construction with no dependency-injection framework, a
// single AppDependencies struct handed to the router/transports.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/asrhub/asrhub/config"
	"github.com/asrhub/asrhub/internal/audioqueue"
	"github.com/asrhub/asrhub/internal/backends/sherpa"
	"github.com/asrhub/asrhub/internal/buffer"
	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/effects"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/logger"
	"github.com/asrhub/asrhub/internal/middleware"
	"github.com/asrhub/asrhub/internal/providerpool"
	"github.com/asrhub/asrhub/internal/recording"
	"github.com/asrhub/asrhub/internal/services"
	"github.com/asrhub/asrhub/internal/store"
	"github.com/asrhub/asrhub/internal/transport/httpapi"
	"github.com/asrhub/asrhub/internal/transport/redispubsub"
	"github.com/asrhub/asrhub/internal/transport/socketio"
	"github.com/asrhub/asrhub/internal/transport/ws"
)

// sessionSampleWidth/sessionChannels are the fixed internal audio
// profile every session's queue, buffers, and ASR backend operate on
// (spec.md §4.10 step 1: "convert to 16kHz mono int16 if needed"). The
// sample rate itself comes from cfg.Audio.SampleRate.
const (
	sessionSampleWidth = 2
	sessionChannels    = 1
)

// AppDependencies is the root dependency container handed to main and
// to each transport's router/handler constructor.
type AppDependencies struct {
	Config      *config.Config
	Clock       clock.Clock
	Store       *store.Store
	Effects     *effects.Effects
	Pool        *providerpool.Pool
	RateLimiter *middleware.RateLimiter

	HTTPRouter  *gin.Engine
	WSHandler   *ws.Handler
	SocketIO    *socketio.Handler
	RedisPubSub *redispubsub.Transport
}

// InitApp initializes every module in dependency order and returns
// the assembled container, matching the teacher's InitApp shape
// (config already loaded and validated by the caller).
func InitApp(cfg *config.Config) (*AppDependencies, error) {
	logger.Info("initializing_components")

	c := clock.NewSystem()

	pool, err := buildProviderPool(cfg, c)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider pool: %w", err)
	}

	st := store.New(c)
	queue := audioqueue.NewManager(c, audioqueue.Retention{MaxSeconds: 120})

	svcs := buildServices(cfg)

	var newRecorder func(sessionID string) (services.Recorder, error)
	if cfg.Recording.Enabled {
		recCfg := recording.Config{
			Dir:             cfg.Recording.Dir,
			SampleRate:      cfg.Audio.SampleRate,
			BitDepth:        sessionSampleWidth * 8,
			Channels:        sessionChannels,
			MaxFileBytes:    cfg.Recording.MaxFileBytes,
			MaxFileDuration: cfg.Recording.MaxFileDuration,
		}
		newRecorder = func(sessionID string) (services.Recorder, error) {
			return recording.Open(sessionID, recCfg, c)
		}
	}

	eff := effects.New(effects.Deps{
		Clock:       c,
		Queue:       queue,
		Store:       st,
		Pool:        pool,
		WakeWord:    svcs.wakeWord,
		VAD:         svcs.vad,
		Denoiser:    svcs.denoiser,
		Enhancer:    svcs.enhancer,
		Converter:   svcs.converter,
		Logger:      slog.Default(),
		NewRecorder: newRecorder,
	})

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.Enabled,
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.BurstSize,
		cfg.RateLimit.MaxConnections,
	)

	sessionConfigFactory := buildSessionConfigFactory(cfg)

	deps := &AppDependencies{
		Config:      cfg,
		Clock:       c,
		Store:       st,
		Effects:     eff,
		Pool:        pool,
		RateLimiter: rateLimiter,
	}

	if cfg.Transports.HTTP.Enabled {
		deps.HTTPRouter = httpapi.NewRouter(httpapi.Deps{
			Effects:           eff,
			Store:             st,
			SessionConfig:     httpapi.SessionConfigFactory(sessionConfigFactory),
			HeartbeatInterval: cfg.Transports.HTTP.HeartbeatInterval,
			RateLimiter:       rateLimiter,
		})
	}

	wsDeps := ws.Deps{
		Effects:       eff,
		Store:         st,
		SessionConfig: ws.SessionConfigFactory(sessionConfigFactory),
		Delivery: ws.DeliveryConfig{
			SendMode:      cfg.Response.SendMode,
			QueueSize:     cfg.Session.SendQueueSize,
			MaxSendErrors: cfg.Session.MaxSendErrors,
			SendTimeout:   time.Duration(cfg.Response.Timeout) * time.Second,
		},
	}

	if cfg.Transports.WebSocket.Enabled {
		deps.WSHandler = ws.NewHandler(wsDeps, config.DefaultWebSocketBufSize, config.DefaultWebSocketBufSize, config.DefaultEnableCompression, 0)
	}

	if cfg.Transports.SocketIO.Enabled {
		deps.SocketIO = socketio.NewHandler(wsDeps, config.DefaultWebSocketBufSize, config.DefaultWebSocketBufSize, 0, 0)
	}

	if cfg.Transports.RedisPubSub.Enabled {
		codec, err := redispubsub.NewCodec(cfg.Transports.RedisPubSub.Codec)
		if err != nil {
			return nil, fmt.Errorf("failed to build redis pubsub transport: %w", err)
		}
		rp, err := redispubsub.NewTransport(redispubsub.Config{
			Addr:          cfg.Transports.RedisPubSub.Addr,
			Password:      cfg.Transports.RedisPubSub.Password,
			DB:            cfg.Transports.RedisPubSub.DB,
			ChannelPrefix: cfg.Transports.RedisPubSub.ChannelPrefix,
			Codec:         codec,
		}, wsDeps, zerolog.New(os.Stderr).With().Timestamp().Logger())
		if err != nil {
			return nil, fmt.Errorf("failed to build redis pubsub transport: %w", err)
		}
		deps.RedisPubSub = rp
	}

	logger.Info("all_components_initialized_successfully")
	return deps, nil
}

// buildProviderPool selects the active provider pool: named "default"
// if present, else the sole configured entry. Effects leases from a
// single process-wide pool per spec.md §4.10's pipeline; multiple
// named pools (e.g. per-GPU) are a configuration surface for future
// per-strategy routing, not yet wired into Effects.
func buildProviderPool(cfg *config.Config, c clock.Clock) (*providerpool.Pool, error) {
	pcfg, ok := cfg.Providers["default"]
	if !ok {
		for _, v := range cfg.Providers {
			pcfg = v
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("no provider pool configured")
	}

	factory, err := buildBackendFactory(pcfg, cfg.Audio)
	if err != nil {
		return nil, err
	}

	return providerpool.New(providerpool.Config{
		MinSize:                pcfg.MinSize,
		MaxSize:                pcfg.MaxSize,
		IdleTimeout:            pcfg.IdleTimeout,
		AcquireTimeout:         pcfg.AcquireTimeout,
		PerSessionQuota:        pcfg.PerSessionQuota,
		HealthCheckInterval:    pcfg.HealthCheckInterval,
		UnhealthyFailureStreak: pcfg.UnhealthyFailureStreak,
		AutoScaleEnabled:       pcfg.AutoScaleEnabled,
		AutoScaleUpThreshold:   pcfg.AutoScaleUpThreshold,
		AutoScaleDownThreshold: pcfg.AutoScaleDownThreshold,
		AutoScaleInterval:      pcfg.AutoScaleInterval,
	}, factory, c)
}

func buildBackendFactory(pcfg config.ProviderPoolConfig, audio config.AudioConfig) (providerpool.Factory, error) {
	switch pcfg.Backend {
	case "", "sherpa":
		sherpaCfg := sherpa.Config{
			ModelDir:       pcfg.ModelDir,
			Encoder:        pcfg.Encoder,
			Decoder:        pcfg.Decoder,
			Joiner:         pcfg.Joiner,
			Tokens:         pcfg.Tokens,
			NumThreads:     pcfg.NumThreads,
			Provider:       pcfg.Provider,
			SampleRate:     audio.SampleRate,
			FeatureDim:     audio.FeatureDim,
			DecodingMethod: pcfg.DecodingMethod,
			Debug:          pcfg.Debug,
		}
		return func() (providerpool.Backend, error) {
			return sherpa.New(sherpaCfg)
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", pcfg.Backend)
	}
}

type builtServices struct {
	converter services.Converter
	enhancer  services.Enhancer
	denoiser  services.Denoiser
	vad       services.VAD
	wakeWord  services.WakeWord
}

func buildServices(cfg *config.Config) builtServices {
	s := builtServices{
		converter: services.PassthroughConverter{},
		enhancer:  services.NopEnhancer{},
		denoiser:  services.NopDenoiser{},
	}

	switch cfg.Services.VAD {
	case "", "energy":
		threshold := float64(cfg.Services.VADThreshold) / float64(cfg.Audio.NormalizeFactor)
		s.vad = services.NewEnergyVAD(threshold)
	}

	switch cfg.Services.WakeWord {
	case "", "magic_bytes":
		phrase := cfg.Services.WakeWordPhrase
		s.wakeWord = services.NewMagicBytesWakeWord(phrase, []byte(phrase))
	}

	return s
}

// buildSessionConfigFactory closes over the loaded config to produce
// one effects.SessionConfig per requested strategy, converting the
// duration-based buffer recipes into buffer.Config's byte-based
// fields for the fixed 16kHz/mono/int16 session audio profile.
func buildSessionConfigFactory(cfg *config.Config) func(strategy fcm.Strategy) effects.SessionConfig {
	fcmCfg := fcm.Config{
		AwakeTimeout:       cfg.FCM.AwakeTimeout,
		MaxRecording:       cfg.FCM.MaxRecordingTime,
		MaxStreaming:       cfg.FCM.MaxStreamingTime,
		LLMClaimTTL:        cfg.FCM.LLMClaimTimeout,
		TTSClaimTTL:        cfg.FCM.TTSClaimTimeout,
		SessionIdleTimeout: cfg.FCM.SessionIdleTimeout,
		KeepAwakeAfterReply: cfg.FCM.KeepAwakeAfterReply,
		AutoCaptureOnWake:  true,
	}

	wakeWordBuf := bufferConfigFor(cfg.Buffers["wake_word_detect"], cfg.Audio.SampleRate)
	vadBuf := bufferConfigFor(cfg.Buffers["vad_detect"], cfg.Audio.SampleRate)

	return func(strategy fcm.Strategy) effects.SessionConfig {
		return effects.SessionConfig{
			Strategy:        strategy,
			FCMConfig:       fcmCfg,
			SampleRate:      cfg.Audio.SampleRate,
			SampleWidth:     sessionSampleWidth,
			Channels:        sessionChannels,
			WakeWordBuffer:  wakeWordBuf,
			VADBuffer:       vadBuf,
			PreRoll:         cfg.Recording.PreRoll,
			TailPadding:     cfg.Recording.TailPadding,
			SilenceDuration: 700 * time.Millisecond, // spec.md §4.10's VAD_TIMEOUT default
			AcquireTimeout:  providerAcquireTimeout(cfg),
			MaxChunkBytes:   cfg.Audio.ChunkSize,
		}
	}
}

// providerAcquireTimeout mirrors buildProviderPool's pool selection so
// a session's lease-acquire deadline matches the pool it will
// actually draw from.
func providerAcquireTimeout(cfg *config.Config) time.Duration {
	if pcfg, ok := cfg.Providers["default"]; ok {
		return pcfg.AcquireTimeout
	}
	for _, pcfg := range cfg.Providers {
		return pcfg.AcquireTimeout
	}
	return 5 * time.Second
}

func bufferConfigFor(recipe config.BufferRecipe, sampleRate int) buffer.Config {
	mode := buffer.ModeFixed
	switch recipe.Mode {
	case "sliding":
		mode = buffer.ModeSliding
	case "dynamic":
		mode = buffer.ModeDynamic
	}

	overflow := buffer.DropOldest
	switch recipe.OverflowStrategy {
	case "drop_newest":
		overflow = buffer.DropNewest
	case "block":
		overflow = buffer.Block
	}

	bytesPerMs := sampleRate * sessionSampleWidth * sessionChannels / 1000

	c := buffer.Config{
		Mode:             mode,
		SampleRate:       sampleRate,
		SampleWidth:      sessionSampleWidth,
		Channels:         sessionChannels,
		OverflowStrategy: overflow,
	}

	windowMs := int(recipe.WindowDuration.Milliseconds())
	stepMs := int(recipe.SlideInterval.Milliseconds())
	c.FrameSize = bytesPerMs * windowMs
	c.StepSize = bytesPerMs * stepMs
	c.MinDurationMs = windowMs
	c.MaxDurationMs = windowMs
	if recipe.MaxFrames > 0 {
		c.MaxBufferSize = bytesPerMs * windowMs * recipe.MaxFrames
	}
	return c
}
