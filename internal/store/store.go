// Package store implements the event-driven state store of
// spec.md §3.1/§4.9: dispatch gates through the acting session's FCM,
// a pure/deterministic/total reducer produces the next state, and
// subscribers are notified in registration order.
package store

import (
	"sync"

	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/fcm"
)

// SessionState is the store's view of one session (spec.md §3.1's
// Session fields that are store-visible, distinct from the live FCM
// instance itself which Effects owns directly).
type SessionState struct {
	ID             string
	Strategy       fcm.Strategy
	FCMState       fcm.State
	StateEnteredAt float64
	LastTranscript string
	LastError      string
}

// State is the store's whole shape (spec.md §4.9).
type State struct {
	Sessions  map[string]SessionState
	Pipeline  map[string]interface{}
	Providers map[string]interface{}
	Stats     map[string]interface{}
}

// Empty returns a zero-value, fully-initialized State.
func Empty() State {
	return State{
		Sessions:  make(map[string]SessionState),
		Pipeline:  make(map[string]interface{}),
		Providers: make(map[string]interface{}),
		Stats:     make(map[string]interface{}),
	}
}

// Action is one dispatched event. FCM carries the payload handed to
// the session's FCM.Dispatch when Gate is true; Payload carries
// reducer-only data (transcript text, error messages, stat deltas).
type Action struct {
	Type      string
	SessionID string
	Gate      bool // true if this action type corresponds to an FCM transition
	FCM       fcm.Action
	Payload   map[string]interface{}
}

// Subscriber observes every dispatched action, in registration order.
type Subscriber func(action Action, prev, next State)

// Store is the single process-wide state container.
type Store struct {
	mu          sync.Mutex
	state       State
	clock       clock.Clock
	fcms        map[string]*fcm.FCM
	strategies  map[string]fcm.Strategy
	subscribers []subscription
	nextSubID   int
}

type subscription struct {
	id  int
	sub Subscriber
}

// New creates a store seeded with an empty state.
func New(c clock.Clock) *Store {
	return &Store{
		state:       Empty(),
		clock:       c,
		fcms:       make(map[string]*fcm.FCM),
		strategies: make(map[string]fcm.Strategy),
	}
}

// RegisterSession associates a session's live FCM with the store so
// future Dispatch calls for that session gate through it.
func (s *Store) RegisterSession(sessionID string, strategy fcm.Strategy, f *fcm.FCM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fcms[sessionID] = f
	s.strategies[sessionID] = strategy
}

// UnregisterSession drops the FCM association (session torn down).
func (s *Store) UnregisterSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fcms, sessionID)
	delete(s.strategies, sessionID)
}

// Subscribe registers an observer; observers run in registration
// order on every Dispatch call. The returned id can be passed to
// Unsubscribe to stop receiving notifications (transports use this to
// detach a per-connection subscriber on disconnect).
func (s *Store) Subscribe(sub Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscription{id: id, sub: sub})
	return id
}

// Unsubscribe removes a previously registered observer. A no-op if id
// is unknown (already removed, or never valid).
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Select runs a pure projection over the current state.
func (s *Store) Select(selector func(State) interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return selector(s.state)
}

// Dispatch validates action through the per-session FCM (when Gate is
// true and a session is registered), applies the reducer to produce
// the next state atomically, then notifies subscribers in
// registration order. Returns (prev, next).
func (s *Store) Dispatch(action Action) (State, State) {
	s.mu.Lock()

	var transition *fcm.Transition
	if action.Gate && action.SessionID != "" {
		if f, ok := s.fcms[action.SessionID]; ok {
			tr := f.Dispatch(action.FCM)
			transition = &tr
		}
	}

	prev := s.state
	next := reduce(prev, action, transition, s.clock)
	s.state = next

	subs := append([]subscription{}, s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.sub(action, prev, next)
	}

	return prev, next
}

// reduce is the store's reducer: pure, deterministic, total. Unknown
// action types (and gated actions the FCM rejected) leave state
// unchanged.
func reduce(state State, action Action, transition *fcm.Transition, c clock.Clock) State {
	switch action.Type {
	case "session/create":
		sessions := copySessions(state.Sessions)
		strategy, _ := action.Payload["strategy"].(fcm.Strategy)
		sessions[action.SessionID] = SessionState{
			ID:             action.SessionID,
			Strategy:       strategy,
			FCMState:       fcm.IDLE,
			StateEnteredAt: c.Now(),
		}
		return State{Sessions: sessions, Pipeline: state.Pipeline, Providers: state.Providers, Stats: state.Stats}

	case "session/destroy":
		sessions := copySessions(state.Sessions)
		delete(sessions, action.SessionID)
		return State{Sessions: sessions, Pipeline: state.Pipeline, Providers: state.Providers, Stats: state.Stats}

	case "transcript":
		if transition == nil || !transition.Accepted {
			return state
		}
		sessions := copySessions(state.Sessions)
		sess, ok := sessions[action.SessionID]
		if !ok {
			return state
		}
		sess.FCMState = transition.To
		sess.StateEnteredAt = c.Now()
		if text, ok := action.Payload["text"].(string); ok {
			sess.LastTranscript = text
		}
		sessions[action.SessionID] = sess
		return State{Sessions: sessions, Pipeline: state.Pipeline, Providers: state.Providers, Stats: state.Stats}

	case "error_reported":
		sessions := copySessions(state.Sessions)
		sess, ok := sessions[action.SessionID]
		if !ok {
			return state
		}
		if transition != nil && transition.Accepted {
			sess.FCMState = transition.To
			sess.StateEnteredAt = c.Now()
		}
		if msg, ok := action.Payload["message"].(string); ok {
			sess.LastError = msg
		}
		sessions[action.SessionID] = sess
		return State{Sessions: sessions, Pipeline: state.Pipeline, Providers: state.Providers, Stats: state.Stats}

	default:
		if action.Gate {
			if transition == nil || !transition.Accepted {
				return state
			}
			sessions := copySessions(state.Sessions)
			sess, ok := sessions[action.SessionID]
			if !ok {
				return state
			}
			sess.FCMState = transition.To
			sess.StateEnteredAt = c.Now()
			sessions[action.SessionID] = sess
			return State{Sessions: sessions, Pipeline: state.Pipeline, Providers: state.Providers, Stats: state.Stats}
		}
		return state
	}
}

func copySessions(m map[string]SessionState) map[string]SessionState {
	out := make(map[string]SessionState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
