// Package effects implements Session Effects (spec.md §3.1/§4.10): the
// business glue that owns each session's FCM and timers, drives its
// detector loops against the audio queue, and brokers provider leases
// for transcription, feeding results back through the store.
package effects

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asrhub/asrhub/internal/audioqueue"
	"github.com/asrhub/asrhub/internal/buffer"
	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/providerpool"
	"github.com/asrhub/asrhub/internal/services"
	"github.com/asrhub/asrhub/internal/store"
	"github.com/asrhub/asrhub/internal/timersvc"
)

const (
	readerWakeWord = "wake_word"
	readerVAD      = "vad"

	pullPollTimeout = 200 * time.Millisecond
)

// ErrChunkTooLarge is returned by PushAudio when a chunk exceeds the
// session's configured MaxChunkBytes.
var ErrChunkTooLarge = errors.New("effects: audio chunk exceeds configured limit")

// SessionConfig parameterizes one session's processing pipeline.
type SessionConfig struct {
	Strategy    fcm.Strategy
	FCMConfig   fcm.Config
	SampleRate  int
	SampleWidth int
	Channels    int

	WakeWordBuffer  buffer.Config
	VADBuffer       buffer.Config
	PreRoll         time.Duration
	TailPadding     time.Duration
	SilenceDuration time.Duration

	AcquireTimeout time.Duration

	// MaxChunkBytes caps one PushAudio call's raw payload; 0 disables
	// the check. Guards against a misbehaving client flooding a
	// session's queue with an oversized chunk.
	MaxChunkBytes int
}

// Deps bundles the process-wide collaborators Effects wires sessions
// to (spec.md §4.10's "one effect instance per running server").
type Deps struct {
	Clock     clock.Clock
	Queue     *audioqueue.Manager
	Store     *store.Store
	Pool      *providerpool.Pool
	WakeWord  services.WakeWord
	VAD       services.VAD
	Denoiser  services.Denoiser
	Enhancer  services.Enhancer
	Converter services.Converter
	Logger    *slog.Logger

	// NewRecorder opens a recording sink for a session; nil disables
	// recording entirely (spec.md §4.12 is opt-in per deployment).
	NewRecorder func(sessionID string) (services.Recorder, error)
}

// Effects is the single process-wide instance.
type Effects struct {
	deps   Deps
	timers *timersvc.Manager

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	id  string
	cfg SessionConfig
	fcm *fcm.FCM

	wakeBuf *buffer.Manager
	vadBuf  *buffer.Manager

	recorder services.Recorder

	mu               sync.Mutex
	wakeTriggeredTS  float64
	recordingStartTS float64
	silenceStartTS   float64
	inSilence        bool

	lease *providerpool.Lease

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the process-wide Effects instance.
func New(deps Deps) *Effects {
	return &Effects{
		deps:     deps,
		timers:   timersvc.New(),
		sessions: make(map[string]*sessionState),
	}
}

// CreateSession wires up a new session's FCM, buffers, and detector
// loops, and registers it with the store (spec.md §4.10).
func (e *Effects) CreateSession(sessionID string, cfg SessionConfig) {
	e.deps.Queue.CreateQueue(sessionID)

	st := &sessionState{
		id:      sessionID,
		cfg:     cfg,
		wakeBuf: buffer.New(cfg.WakeWordBuffer),
		vadBuf:  buffer.New(cfg.VADBuffer),
		stop:    make(chan struct{}),
	}

	liveVAD := func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return !st.inSilence
	}

	st.fcm = fcm.New(sessionID, cfg.Strategy, cfg.FCMConfig, e.deps.Clock, e.timers, liveVAD, e.logHookPanic)

	st.fcm.AddHook(fcm.RECORDING, fcm.Enter, func(f *fcm.FCM, from, to fcm.State, a fcm.Action) {
		e.onEnterRecording(st)
	})
	st.fcm.AddHook(fcm.RECORDING, fcm.Exit, func(f *fcm.FCM, from, to fcm.State, a fcm.Action) {
		e.onExitRecording(st)
	})
	st.fcm.AddHook(fcm.STREAMING, fcm.Enter, func(f *fcm.FCM, from, to fcm.State, a fcm.Action) {
		e.onEnterRecording(st)
	})

	e.mu.Lock()
	e.sessions[sessionID] = st
	e.mu.Unlock()

	e.deps.Store.RegisterSession(sessionID, cfg.Strategy, st.fcm)
	e.deps.Store.Dispatch(store.Action{
		Type:      "session/create",
		SessionID: sessionID,
		Payload:   map[string]interface{}{"strategy": cfg.Strategy},
	})

	// The awake/recording/streaming/claim-expiry/session-idle timers and
	// the wake auto-chain all originate actions from inside the FCM
	// itself (timersvc goroutines), not from a transport. Left on the
	// FCM's default dispatcher those actions would mutate st.fcm without
	// ever reaching the store, so SessionState.FCMState would go stale
	// and no outbound event would fire for a purely timer-driven
	// transition. Routing them through the same gated store.Dispatch
	// path a transport uses keeps both in sync.
	st.fcm.SetDispatcher(func(a fcm.Action) fcm.Transition {
		_, next := e.deps.Store.Dispatch(store.Action{
			Type:      a.Type,
			SessionID: sessionID,
			Gate:      true,
			FCM:       a,
		})
		sess, ok := next.Sessions[sessionID]
		if !ok {
			return fcm.Transition{Accepted: false}
		}
		return fcm.Transition{To: sess.FCMState, Accepted: true}
	})

	if err := e.deps.Queue.OpenReader(sessionID, readerWakeWord, nil); err != nil {
		e.log("open reader failed", "session", sessionID, "reader", readerWakeWord, "err", err)
	}
	if err := e.deps.Queue.OpenReader(sessionID, readerVAD, nil); err != nil {
		e.log("open reader failed", "session", sessionID, "reader", readerVAD, "err", err)
	}

	st.wg.Add(2)
	go e.wakeWordLoop(st)
	go e.vadLoop(st)
}

// DestroySession cancels timers, stops detector loops, releases any
// outstanding lease, and unregisters the session (spec.md §5
// cancellation semantics).
func (e *Effects) DestroySession(sessionID string) {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}

	close(st.stop)
	st.fcm.Close()
	e.deps.Queue.Destroy(sessionID)
	st.wg.Wait()

	st.mu.Lock()
	lease := st.lease
	st.lease = nil
	rec := st.recorder
	st.recorder = nil
	st.mu.Unlock()

	if lease != nil {
		lease.Release(context.Background())
	}
	if rec != nil {
		rec.Close(context.Background())
	}

	e.deps.Store.UnregisterSession(sessionID)
	e.deps.Store.Dispatch(store.Action{Type: "session/destroy", SessionID: sessionID})
}

// PushAudio implements pipeline steps 1-2 of spec.md §4.10: convert to
// 16kHz mono int16 if needed, then push into the session's AudioQueue.
// Steps 3-4 run asynchronously in the session's detector loops.
func (e *Effects) PushAudio(sessionID string, pcm []byte, sampleRate, sampleWidth, channels int) error {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return errors.New("effects: unknown session")
	}
	if st.cfg.MaxChunkBytes > 0 && len(pcm) > st.cfg.MaxChunkBytes {
		return fmt.Errorf("%w: got %d bytes, limit %d", ErrChunkTooLarge, len(pcm), st.cfg.MaxChunkBytes)
	}

	converted, err := e.deps.Converter.Convert(context.Background(), pcm, sampleRate, st.cfg.SampleRate, sampleWidth, st.cfg.SampleWidth)
	if err != nil {
		if errors.Is(err, services.ErrServiceUnavailable) {
			converted = pcm
		} else {
			return err
		}
	}

	_, err = e.deps.Queue.Push(sessionID, converted, st.cfg.SampleRate, st.cfg.SampleWidth)
	return err
}

func (e *Effects) wakeWordLoop(st *sessionState) {
	defer st.wg.Done()
	for {
		select {
		case <-st.stop:
			return
		default:
		}

		chunk, ok, err := e.deps.Queue.PullBlocking(st.id, readerWakeWord, pullPollTimeout)
		if err != nil {
			if errors.Is(err, audioqueue.ErrClosed) || errors.Is(err, audioqueue.ErrNotFound) {
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if st.fcm.State() != fcm.LISTENING || e.deps.WakeWord == nil {
			continue
		}

		admitted, err := st.wakeBuf.Push(chunk.Audio)
		if err != nil {
			e.log("wake word buffer overflow", "session", st.id)
			continue
		}
		if !admitted {
			continue
		}

		for {
			frame, ready := st.wakeBuf.Pop()
			if !ready {
				break
			}
			result, err := e.deps.WakeWord.Scan(context.Background(), frame)
			if err != nil {
				e.log("wake word scan failed", "session", st.id, "err", err)
				continue
			}
			if result.Matched {
				st.mu.Lock()
				st.wakeTriggeredTS = chunk.Timestamp
				st.mu.Unlock()
				e.deps.Store.Dispatch(store.Action{
					Type:      "wake_triggered",
					SessionID: st.id,
					Gate:      true,
					FCM:       fcm.Action{Type: "wake_triggered", Timestamp: chunk.Timestamp},
				})
			}
		}
	}
}

func (e *Effects) vadLoop(st *sessionState) {
	defer st.wg.Done()
	for {
		select {
		case <-st.stop:
			return
		default:
		}

		chunk, ok, err := e.deps.Queue.PullBlocking(st.id, readerVAD, pullPollTimeout)
		if err != nil {
			if errors.Is(err, audioqueue.ErrClosed) || errors.Is(err, audioqueue.ErrNotFound) {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		state := st.fcm.State()
		recordingLike := state == fcm.RECORDING || state == fcm.STREAMING
		if !recordingLike || e.deps.VAD == nil {
			continue
		}

		admitted, err := st.vadBuf.Push(chunk.Audio)
		if err != nil || !admitted {
			continue
		}

		for {
			frame, ready := st.vadBuf.Pop()
			if !ready {
				break
			}
			result, err := e.deps.VAD.Detect(context.Background(), frame)
			if err != nil {
				continue
			}
			e.trackSilence(st, chunk.Timestamp, result.IsSpeech)
		}
	}
}

func (e *Effects) trackSilence(st *sessionState, ts float64, isSpeech bool) {
	st.mu.Lock()
	if isSpeech {
		st.inSilence = false
		st.silenceStartTS = 0
		st.mu.Unlock()
		return
	}
	if !st.inSilence {
		st.inSilence = true
		st.silenceStartTS = ts
		st.mu.Unlock()
		return
	}
	sustained := ts - st.silenceStartTS
	threshold := st.cfg.SilenceDuration.Seconds()
	st.mu.Unlock()

	if sustained < threshold {
		return
	}

	switch st.fcm.State() {
	case fcm.RECORDING:
		e.deps.Store.Dispatch(store.Action{
			Type: "end_recording", SessionID: st.id, Gate: true,
			FCM: fcm.Action{Type: "end_recording", Trigger: "VAD_TIMEOUT", Timestamp: ts},
		})
	case fcm.STREAMING:
		e.deps.Store.Dispatch(store.Action{
			Type: "end_asr_streaming", SessionID: st.id, Gate: true,
			FCM: fcm.Action{Type: "end_asr_streaming", Trigger: "VAD_TIMEOUT", Timestamp: ts},
		})
	}
}

// onEnterRecording seeds the recorder with pre-roll audio, per spec.md
// §4.10 step "use get_between(wake_ts - pre_roll, now) to seed the
// recorder".
func (e *Effects) onEnterRecording(st *sessionState) {
	st.mu.Lock()
	wakeTS := st.wakeTriggeredTS
	now := st.fcm.StateEnteredAt()
	st.recordingStartTS = now
	if st.recorder == nil && e.deps.NewRecorder != nil {
		if rec, err := e.deps.NewRecorder(st.id); err == nil {
			st.recorder = rec
		} else {
			e.log("open recorder failed", "session", st.id, "err", err)
		}
	}
	rec := st.recorder
	st.mu.Unlock()

	preRoll, err := e.deps.Queue.GetBetween(st.id, wakeTS-st.cfg.PreRoll.Seconds(), now)
	if err != nil {
		return
	}
	if rec == nil {
		return
	}
	for _, chunk := range preRoll {
		rec.Write(context.Background(), chunk.Audio)
	}
}

// onExitRecording collects the whole utterance (with tail padding),
// runs denoise/enhance, leases a provider, and transcribes — spec.md
// §4.10's "on end_recording" step. Runs off the detector goroutine so
// it never blocks the queue writer or other sessions.
func (e *Effects) onExitRecording(st *sessionState) {
	st.mu.Lock()
	start := st.recordingStartTS
	st.mu.Unlock()

	go func() {
		time.Sleep(st.cfg.TailPadding)
		end := e.deps.Clock.Now()

		chunks, err := e.deps.Queue.GetBetween(st.id, start, end)
		if err != nil {
			return
		}

		var pcm []byte
		for _, c := range chunks {
			pcm = append(pcm, c.Audio...)
		}

		if e.deps.Denoiser != nil {
			if out, err := e.deps.Denoiser.Denoise(context.Background(), pcm); err == nil {
				pcm = out
			}
		}
		if e.deps.Enhancer != nil {
			if out, err := e.deps.Enhancer.Enhance(context.Background(), pcm); err == nil {
				pcm = out
			}
		}

		e.transcribe(st, pcm)
	}()
}

func (e *Effects) transcribe(st *sessionState, pcm []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), st.cfg.AcquireTimeout)
	defer cancel()

	lease, err := e.deps.Pool.Lease(ctx, st.id, st.cfg.AcquireTimeout)
	if err != nil {
		e.deps.Store.Dispatch(store.Action{
			Type: "error", SessionID: st.id, Gate: true,
			FCM:     fcm.Action{Type: "error"},
			Payload: map[string]interface{}{"message": err.Error()},
		})
		return
	}
	defer lease.Release(context.Background())

	samples := bytesToInt16LE(pcm)
	text, err := lease.Backend().Transcribe(ctx, samples)
	if err != nil {
		lease.MarkTranscriptionError()
		e.deps.Store.Dispatch(store.Action{
			Type: "error_reported", SessionID: st.id, Gate: true,
			FCM:     fcm.Action{Type: "error"},
			Payload: map[string]interface{}{"message": err.Error()},
		})
		return
	}
	lease.MarkTranscriptionSuccess()

	e.deps.Store.Dispatch(store.Action{
		Type: "transcript", SessionID: st.id, Gate: true,
		FCM:     fcm.Action{Type: "transcription_done"},
		Payload: map[string]interface{}{"text": text},
	})
}

// FinishBatchUpload collects all audio pushed for a BATCH-strategy
// session since it was created and runs it through the same
// denoise/enhance/transcribe pipeline as onExitRecording, dispatching
// the resulting transcript. Transports call this after dispatching
// "upload_file" (IDLE -> PROCESSING) in response to spec.md §6.2's
// file/upload/done or chunk/upload/done inbound messages.
func (e *Effects) FinishBatchUpload(sessionID string) {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		end := e.deps.Clock.Now()
		chunks, err := e.deps.Queue.GetBetween(sessionID, 0, end)
		if err != nil {
			return
		}

		var pcm []byte
		for _, c := range chunks {
			pcm = append(pcm, c.Audio...)
		}

		if e.deps.Denoiser != nil {
			if out, err := e.deps.Denoiser.Denoise(context.Background(), pcm); err == nil {
				pcm = out
			}
		}
		if e.deps.Enhancer != nil {
			if out, err := e.deps.Enhancer.Enhance(context.Background(), pcm); err == nil {
				pcm = out
			}
		}

		e.transcribe(st, pcm)
	}()
}

func bytesToInt16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
	}
	return out
}

func (e *Effects) logHookPanic(state fcm.State, phase fcm.HookPhase, recovered interface{}) {
	e.log("fcm hook panic recovered", "state", state.String(), "recovered", recovered)
}

func (e *Effects) log(msg string, args ...interface{}) {
	if e.deps.Logger != nil {
		e.deps.Logger.Warn(msg, args...)
	}
}
