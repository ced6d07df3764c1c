// Package fcm implements the per-session finite-control machine of
// spec.md §3.1/§4.7: three strategy-specific transition tables, a
// common-rule table applied ahead of them in a fixed priority order,
// enter/exit hooks, and the timer-driven auto-transitions spec.md
// describes (awake/recording/streaming/llm_claim/tts_claim/session_idle).
package fcm

import (
	"math/rand"
	"sync"
	"time"

	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/timersvc"
)

// State is one FCM state (spec.md §4.7).
type State int

const (
	IDLE State = iota
	LISTENING
	ACTIVATED
	RECORDING
	STREAMING
	TRANSCRIBING
	PROCESSING
	BUSY
	ERROR
	RECOVERING
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case LISTENING:
		return "LISTENING"
	case ACTIVATED:
		return "ACTIVATED"
	case RECORDING:
		return "RECORDING"
	case STREAMING:
		return "STREAMING"
	case TRANSCRIBING:
		return "TRANSCRIBING"
	case PROCESSING:
		return "PROCESSING"
	case BUSY:
		return "BUSY"
	case ERROR:
		return "ERROR"
	case RECOVERING:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Strategy selects which strategy-specific transition table governs a
// session (spec.md §3.1).
type Strategy int

const (
	BATCH Strategy = iota
	NON_STREAMING
	STREAMING_STRATEGY
)

// InterruptTarget is the payload of an interrupt_reply action.
type InterruptTarget int

const (
	TargetTTS InterruptTarget = iota
	TargetLLM
	TargetBoth
)

// InterruptSource is the payload of an interrupt_reply action.
type InterruptSource int

const (
	SourceVoice InterruptSource = iota
	SourceOther
)

// Action is one FCM input event.
type Action struct {
	Type      string
	Trigger   string // e.g. "TIMEOUT", "VAD_TIMEOUT" on end_recording/end_asr_streaming
	Source    InterruptSource
	Target    InterruptTarget
	Timestamp float64
}

// Config carries the durations and flags the spec's common rules and
// auto-chain reference (spec.md §4.7).
type Config struct {
	AwakeTimeout         time.Duration
	MaxRecording         time.Duration // 0 disables
	MaxStreaming         time.Duration // 0 disables
	LLMClaimTTL          time.Duration
	TTSClaimTTL          time.Duration
	SessionIdleTimeout   time.Duration
	KeepAwakeAfterReply  bool
	AutoCaptureOnWake    bool
}

// HookPhase selects enter or exit.
type HookPhase int

const (
	Enter HookPhase = iota
	Exit
)

// HookFunc is called on state enter/exit; errors are not returned by
// design (spec.md: "hook errors are caught and logged; they never
// abort a transition") — a panicking hook is recovered by the FCM and
// treated the same way.
type HookFunc func(f *FCM, from, to State, action Action)

// ListenerFunc observes every accepted transition, in registration
// order (store dispatch, spec.md §4.9).
type ListenerFunc func(from, to State, action Action)

// ErrorLogger receives recovered hook panics; nil disables logging.
type ErrorLogger func(state State, phase HookPhase, recovered interface{})

// VADSpeechChecker reports whether live VAD currently detects speech,
// consulted by the BUSY/interrupt_reply common rule.
type VADSpeechChecker func() bool

// FCM is one session's state machine.
type FCM struct {
	sessionID string
	strategy  Strategy
	cfg       Config
	clock     clock.Clock
	timers    *timersvc.Manager
	liveVAD   VADSpeechChecker
	onError   ErrorLogger

	mu             sync.Mutex
	state          State
	stateEnteredAt float64

	hooks     map[State]map[HookPhase][]HookFunc
	listeners []ListenerFunc

	dispatch func(Action) Transition // set to f.Dispatch; used by timer callbacks
}

// Transition is the result of one Dispatch call.
type Transition struct {
	From     State
	To       State
	Accepted bool
}

// New creates an FCM in IDLE for the given session/strategy.
func New(sessionID string, strategy Strategy, cfg Config, c clock.Clock, timers *timersvc.Manager, liveVAD VADSpeechChecker, onError ErrorLogger) *FCM {
	f := &FCM{
		sessionID: sessionID,
		strategy:  strategy,
		cfg:       cfg,
		clock:     c,
		timers:    timers,
		liveVAD:   liveVAD,
		onError:   onError,
		state:     IDLE,
		hooks:     make(map[State]map[HookPhase][]HookFunc),
	}
	f.stateEnteredAt = c.Now()
	f.dispatch = f.Dispatch
	return f
}

// Close cancels every timer owned by this session (spec.md §4.8
// cancel_all, called on session destruction).
func (f *FCM) Close() {
	if f.timers != nil {
		f.timers.CancelAll(f.sessionID)
	}
}

// State returns the current state.
func (f *FCM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// StateEnteredAt returns the monotonic timestamp of the last transition.
func (f *FCM) StateEnteredAt() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateEnteredAt
}

// AddHook registers an enter/exit callback for a state.
func (f *FCM) AddHook(state State, phase HookPhase, fn HookFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hooks[state] == nil {
		f.hooks[state] = make(map[HookPhase][]HookFunc)
	}
	f.hooks[state][phase] = append(f.hooks[state][phase], fn)
}

// AddListener registers a store-dispatch style observer of every
// accepted transition, called in registration order.
func (f *FCM) AddListener(fn ListenerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// SetDispatcher replaces the function the awake/recording/streaming/
// claim-expiry/session-idle timers and the wake auto-chain use to feed
// actions back into this FCM. By default it is f.Dispatch itself, which
// only updates this FCM in isolation; a session owner (Effects) that
// also mirrors FCM state into a store should call SetDispatcher so
// those internally-triggered actions are gated through the same store
// path as externally-triggered ones, keeping the store's projection and
// outbound subscribers in sync with every transition, not just the
// ones a transport happened to originate.
func (f *FCM) SetDispatcher(fn func(Action) Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = fn
}

// strategy tables (spec.md §4.7).
var batchTable = map[State]map[string]State{
	IDLE:       {"upload_file": PROCESSING},
	PROCESSING: {"transcription_done": IDLE},
}

var nonStreamingTable = map[State]map[string]State{
	IDLE:         {"start_listening": LISTENING},
	LISTENING:    {"wake_triggered": ACTIVATED},
	ACTIVATED:    {"start_recording": RECORDING},
	RECORDING:    {"end_recording": TRANSCRIBING},
	TRANSCRIBING: {"transcription_done": ACTIVATED},
}

var streamingTable = map[State]map[string]State{
	IDLE:      {"start_listening": LISTENING},
	LISTENING: {"wake_triggered": ACTIVATED},
	ACTIVATED: {"start_asr_streaming": STREAMING},
	STREAMING: {"end_asr_streaming": ACTIVATED},
}

func (f *FCM) strategyTable() map[State]map[string]State {
	switch f.strategy {
	case BATCH:
		return batchTable
	case STREAMING_STRATEGY:
		return streamingTable
	default:
		return nonStreamingTable
	}
}

// Dispatch applies one action against the common-rule table (in its
// fixed priority order) and then the strategy table, returning the
// resulting (possibly unchanged) transition. Unknown/inapplicable
// actions leave the state unchanged (total reducer property, spec.md
// §4.9) and Accepted is false.
func (f *FCM) Dispatch(action Action) Transition {
	f.mu.Lock()

	if f.timers != nil && f.cfg.SessionIdleTimeout > 0 {
		// Start is a no-op once armed; Reset then re-arms it for this
		// inbound event, satisfying "reset on every inbound event".
		f.timers.Start(f.sessionID, "session_idle", f.cfg.SessionIdleTimeout, f.onSessionIdleFired)
		f.timers.Reset(f.sessionID, "session_idle", f.cfg.SessionIdleTimeout, f.onSessionIdleFired)
	}

	from := f.state
	to, matched := f.decideLocked(from, action)
	if !matched {
		f.mu.Unlock()
		return Transition{From: from, To: from, Accepted: false}
	}

	f.runHooksLocked(from, Exit, from, to, action)
	f.state = to
	f.stateEnteredAt = f.clock.Now()
	f.runHooksLocked(to, Enter, from, to, action)
	f.handleBuiltinTimersLocked(from, to, action)

	listeners := append([]ListenerFunc{}, f.listeners...)
	f.mu.Unlock()

	for _, l := range listeners {
		l(from, to, action)
	}

	return Transition{From: from, To: to, Accepted: true}
}

// decideLocked implements the common-rule precedence order ahead of
// the strategy table. Must be called with f.mu held.
func (f *FCM) decideLocked(from State, action Action) (State, bool) {
	// 1. reset -> IDLE from any state.
	if action.Type == "reset" {
		return IDLE, true
	}

	// 2. error -> ERROR from any non-ERROR; recover in ERROR -> RECOVERING.
	if action.Type == "error" && from != ERROR {
		return ERROR, true
	}
	if action.Type == "recover" && from == ERROR {
		return RECOVERING, true
	}

	// 3. timeout handling.
	if action.Type == "timeout" {
		switch from {
		case ACTIVATED:
			return LISTENING, true
		case RECORDING:
			if f.strategy == NON_STREAMING {
				return TRANSCRIBING, true
			}
		case STREAMING:
			if f.strategy == STREAMING_STRATEGY {
				return ACTIVATED, true
			}
		}
	}

	// 4. llm_reply_started / tts_playback_started -> BUSY, from any
	// non-ERROR/RECOVERING state.
	if (action.Type == "llm_reply_started" || action.Type == "tts_playback_started") &&
		from != ERROR && from != RECOVERING {
		return BUSY, true
	}

	// 5. BUSY sub-rules.
	if from == BUSY {
		switch action.Type {
		case "interrupt_reply":
			if action.Source == SourceVoice && f.liveVAD != nil && f.liveVAD() {
				if f.strategy == STREAMING_STRATEGY {
					return STREAMING, true
				}
				return RECORDING, true
			}
			return ACTIVATED, true
		case "tts_playback_finished":
			if f.cfg.KeepAwakeAfterReply {
				return ACTIVATED, true
			}
			return LISTENING, true
		case "llm_reply_finished":
			// Remains BUSY; tts_claim timer armed as a side effect in
			// handleBuiltinTimersLocked once this transition commits.
			return BUSY, true
		}
	}

	// 6. (handled as a side effect after commit, see
	// handleBuiltinTimersLocked: TRANSCRIBING->transcription_done arms
	// llm_claim.) Safety-net synthetic actions fired by expired claim
	// timers land unconditionally in ACTIVATED.
	if action.Type == "llm_claim_expired" || action.Type == "tts_claim_expired" {
		return ACTIVATED, true
	}

	// Strategy table.
	if byAction, ok := f.strategyTable()[from]; ok {
		if to, ok := byAction[action.Type]; ok {
			return to, true
		}
	}

	return from, false
}

// handleBuiltinTimersLocked arms/disarms the timers spec.md §4.7 ties
// to specific state transitions. Must be called with f.mu held, after
// f.state has already been updated to `to`.
func (f *FCM) handleBuiltinTimersLocked(from, to State, action Action) {
	if f.timers == nil {
		return
	}

	if from == ACTIVATED && to != ACTIVATED {
		f.timers.Cancel(f.sessionID, "awake")
	}
	if to == ACTIVATED && from != ACTIVATED {
		f.timers.Start(f.sessionID, "awake", f.cfg.AwakeTimeout, f.onAwakeFired)
	}

	if to == RECORDING && f.cfg.MaxRecording > 0 {
		f.timers.Start(f.sessionID, "recording", f.cfg.MaxRecording, f.onRecordingTimeoutFired)
	}
	if from == RECORDING {
		f.timers.Cancel(f.sessionID, "recording")
	}

	if to == STREAMING && f.cfg.MaxStreaming > 0 {
		f.timers.Start(f.sessionID, "streaming", f.cfg.MaxStreaming, f.onStreamingTimeoutFired)
	}
	if from == STREAMING {
		f.timers.Cancel(f.sessionID, "streaming")
	}

	if from == TRANSCRIBING && to == ACTIVATED && action.Type == "transcription_done" {
		f.timers.Start(f.sessionID, "llm_claim", f.cfg.LLMClaimTTL, f.onLLMClaimExpired)
	}
	if from == BUSY && to == BUSY && action.Type == "llm_reply_finished" {
		f.timers.Start(f.sessionID, "tts_claim", f.cfg.TTSClaimTTL, f.onTTSClaimExpired)
	}
	if to != BUSY {
		f.timers.Cancel(f.sessionID, "tts_claim")
	}

	if to == ACTIVATED && f.cfg.AutoCaptureOnWake {
		f.scheduleAutoChain()
	}
}

// dispatchFn returns the current dispatcher under lock, so SetDispatcher
// can safely race against timer callbacks reading it (the callbacks
// otherwise run on the timersvc goroutine, outside any FCM-held lock).
func (f *FCM) dispatchFn() func(Action) Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatch
}

func (f *FCM) onAwakeFired()            { f.dispatchFn()(Action{Type: "timeout"}) }
func (f *FCM) onRecordingTimeoutFired() { f.dispatchFn()(Action{Type: "end_recording", Trigger: "TIMEOUT"}) }
func (f *FCM) onStreamingTimeoutFired() { f.dispatchFn()(Action{Type: "end_asr_streaming", Trigger: "TIMEOUT"}) }
func (f *FCM) onLLMClaimExpired()       { f.dispatchFn()(Action{Type: "llm_claim_expired"}) }
func (f *FCM) onTTSClaimExpired()       { f.dispatchFn()(Action{Type: "tts_claim_expired"}) }
func (f *FCM) onSessionIdleFired()      { f.dispatchFn()(Action{Type: "reset"}) }

// scheduleAutoChain implements the auto-chaining note in spec.md §4.7:
// entering ACTIVATED with autoCaptureOnWake schedules an internal
// start_recording/start_asr_streaming dispatch after a 0-300ms jitter.
func (f *FCM) scheduleAutoChain() {
	delay := time.Duration(rand.Intn(301)) * time.Millisecond
	actionType := "start_recording"
	if f.strategy == STREAMING_STRATEGY {
		actionType = "start_asr_streaming"
	}
	go func() {
		time.Sleep(delay)
		f.dispatchFn()(Action{Type: actionType})
	}()
}

// runHooksLocked invokes every registered hook for (state, phase),
// recovering and logging any panic rather than letting it abort the
// transition (spec.md §4.7: "hook errors are caught and logged; they
// never abort a transition"). Must be called with f.mu held.
func (f *FCM) runHooksLocked(state State, phase HookPhase, from, to State, action Action) {
	for _, h := range f.hooks[state][phase] {
		f.runHookSafely(h, state, phase, from, to, action)
	}
}

func (f *FCM) runHookSafely(h HookFunc, state State, phase HookPhase, from, to State, action Action) {
	defer func() {
		if r := recover(); r != nil && f.onError != nil {
			f.onError(state, phase, r)
		}
	}()
	h(f, from, to, action)
}
