package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/timersvc"
)

func TestSessionCreateAddsEntry(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)

	_, next := s.Dispatch(Action{
		Type:      "session/create",
		SessionID: "s1",
		Payload:   map[string]interface{}{"strategy": fcm.NON_STREAMING},
	})

	sess, ok := next.Sessions["s1"]
	require.True(t, ok)
	require.Equal(t, fcm.IDLE, sess.FCMState)
}

func TestUnknownActionTypeIsANoOp(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	prev, next := s.Dispatch(Action{Type: "session/create", SessionID: "s1"})

	prev2, next2 := s.Dispatch(Action{Type: "totally_unrecognized"})
	require.True(t, cmp.Equal(next, prev2))
	require.True(t, cmp.Equal(prev2, next2))
	_ = prev
}

func TestGatedActionUpdatesFCMStateOnAccept(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	timers := timersvc.New()
	f := fcm.New("s1", fcm.NON_STREAMING, fcm.Config{}, c, timers, nil, nil)

	s.Dispatch(Action{Type: "session/create", SessionID: "s1", Payload: map[string]interface{}{"strategy": fcm.NON_STREAMING}})
	s.RegisterSession("s1", fcm.NON_STREAMING, f)

	_, next := s.Dispatch(Action{
		Type:      "start_listening",
		SessionID: "s1",
		Gate:      true,
		FCM:       fcm.Action{Type: "start_listening"},
	})

	require.Equal(t, fcm.LISTENING, next.Sessions["s1"].FCMState)
}

func TestGatedActionRejectedByFCMLeavesStateUnchanged(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	timers := timersvc.New()
	f := fcm.New("s1", fcm.NON_STREAMING, fcm.Config{}, c, timers, nil, nil)

	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})
	s.RegisterSession("s1", fcm.NON_STREAMING, f)

	prev, next := s.Dispatch(Action{
		Type:      "wake_triggered", // illegal from IDLE
		SessionID: "s1",
		Gate:      true,
		FCM:       fcm.Action{Type: "wake_triggered"},
	})

	require.True(t, cmp.Equal(prev, next))
	require.Equal(t, fcm.IDLE, next.Sessions["s1"].FCMState)
}

func TestSessionDestroyRemovesEntry(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})

	_, next := s.Dispatch(Action{Type: "session/destroy", SessionID: "s1"})
	_, ok := next.Sessions["s1"]
	require.False(t, ok)
}

func TestTranscriptActionRecordsText(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	timers := timersvc.New()
	f := fcm.New("s1", fcm.NON_STREAMING, fcm.Config{}, c, timers, nil, nil)
	f.Dispatch(fcm.Action{Type: "start_listening"})
	f.Dispatch(fcm.Action{Type: "wake_triggered"})
	f.Dispatch(fcm.Action{Type: "start_recording"})
	f.Dispatch(fcm.Action{Type: "end_recording"})

	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})
	s.RegisterSession("s1", fcm.NON_STREAMING, f)

	_, next := s.Dispatch(Action{
		Type:      "transcript",
		SessionID: "s1",
		Gate:      true,
		FCM:       fcm.Action{Type: "transcription_done"},
		Payload:   map[string]interface{}{"text": "hello world"},
	})

	require.Equal(t, "hello world", next.Sessions["s1"].LastTranscript)
	require.Equal(t, fcm.ACTIVATED, next.Sessions["s1"].FCMState)
}

func TestSubscribersNotifiedInRegistrationOrderForEveryDispatch(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)

	var order []int
	s.Subscribe(func(action Action, prev, next State) { order = append(order, 1) })
	s.Subscribe(func(action Action, prev, next State) { order = append(order, 2) })

	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})
	s.Dispatch(Action{Type: "totally_unrecognized"})

	require.Equal(t, []int{1, 2, 1, 2}, order)
}

func TestUnsubscribeStopsFutureNotifications(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)

	var calls int
	id := s.Subscribe(func(action Action, prev, next State) { calls++ })

	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})
	s.Unsubscribe(id)
	s.Dispatch(Action{Type: "session/create", SessionID: "s2"})

	require.Equal(t, 1, calls)
}

func TestSelectIsPureProjection(t *testing.T) {
	c := clock.NewFake(0)
	s := New(c)
	s.Dispatch(Action{Type: "session/create", SessionID: "s1"})

	count := s.Select(func(st State) interface{} { return len(st.Sessions) }).(int)
	require.Equal(t, 1, count)
}
