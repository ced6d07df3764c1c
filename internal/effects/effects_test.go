package effects

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asrhub/asrhub/internal/audioqueue"
	"github.com/asrhub/asrhub/internal/buffer"
	"github.com/asrhub/asrhub/internal/clock"
	"github.com/asrhub/asrhub/internal/fcm"
	"github.com/asrhub/asrhub/internal/providerpool"
	"github.com/asrhub/asrhub/internal/services"
	"github.com/asrhub/asrhub/internal/store"
)

type fakeASRBackend struct{ text string }

func (b *fakeASRBackend) Transcribe(ctx context.Context, pcm []int16) (string, error) {
	return b.text, nil
}
func (b *fakeASRBackend) Probe(ctx context.Context) error { return nil }
func (b *fakeASRBackend) Close() error                    { return nil }

func newTestEffects(t *testing.T) (*Effects, *store.Store) {
	t.Helper()
	c := clock.NewSystem()
	q := audioqueue.NewManager(c, audioqueue.Retention{})
	s := store.New(c)
	pool, err := providerpool.New(
		providerpool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second, UnhealthyFailureStreak: 3},
		func() (providerpool.Backend, error) { return &fakeASRBackend{text: "hello world"}, nil },
		c,
	)
	require.NoError(t, err)

	e := New(Deps{
		Clock:     c,
		Queue:     q,
		Store:     s,
		Pool:      pool,
		WakeWord:  services.NewMagicBytesWakeWord("trigger", []byte{0xDE, 0xAD}),
		VAD:       services.NewEnergyVAD(0.1),
		Denoiser:  services.NopDenoiser{},
		Enhancer:  services.NopEnhancer{},
		Converter: services.PassthroughConverter{},
	})
	return e, s
}

func sessionFCMState(s *store.Store, id string) fcm.State {
	v := s.Select(func(st store.State) interface{} {
		sess, ok := st.Sessions[id]
		if !ok {
			return fcm.State(-1)
		}
		return sess.FCMState
	})
	return v.(fcm.State)
}

func TestEndToEndWakeRecordTranscribe(t *testing.T) {
	e, s := newTestEffects(t)

	cfg := SessionConfig{
		Strategy:        fcm.NON_STREAMING,
		FCMConfig:       fcm.Config{AutoCaptureOnWake: true},
		SampleRate:      16000,
		SampleWidth:     2,
		Channels:        1,
		WakeWordBuffer:  buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		VADBuffer:       buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		PreRoll:         0,
		TailPadding:     20 * time.Millisecond,
		SilenceDuration: 40 * time.Millisecond,
		AcquireTimeout:  time.Second,
	}
	e.CreateSession("s1", cfg)
	defer e.DestroySession("s1")

	s.Dispatch(store.Action{
		Type: "start_listening", SessionID: "s1", Gate: true,
		FCM: fcm.Action{Type: "start_listening"},
	})
	require.Eventually(t, func() bool {
		return sessionFCMState(s, "s1") == fcm.LISTENING
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.PushAudio("s1", []byte{0, 0xDE, 0xAD, 0}, 16000, 2, 1))

	require.Eventually(t, func() bool {
		return sessionFCMState(s, "s1") == fcm.RECORDING
	}, 2*time.Second, 5*time.Millisecond)

	quiet := make([]byte, 4)
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if sessionFCMState(s, "s1") != fcm.RECORDING {
			break
		}
		_ = e.PushAudio("s1", quiet, 16000, 2, 1)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return sessionFCMState(s, "s1") == fcm.ACTIVATED
	}, 2*time.Second, 10*time.Millisecond)

	transcript := s.Select(func(st store.State) interface{} {
		return st.Sessions["s1"].LastTranscript
	}).(string)
	require.Equal(t, "hello world", transcript)
}

func TestAwakeTimeoutUpdatesStoreProjection(t *testing.T) {
	e, s := newTestEffects(t)
	cfg := SessionConfig{
		Strategy:        fcm.NON_STREAMING,
		FCMConfig:       fcm.Config{AwakeTimeout: 15 * time.Millisecond},
		SampleRate:      16000,
		SampleWidth:     2,
		Channels:        1,
		WakeWordBuffer:  buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		VADBuffer:       buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		SilenceDuration: 40 * time.Millisecond,
		AcquireTimeout:  time.Second,
	}
	e.CreateSession("s1", cfg)
	defer e.DestroySession("s1")

	s.Dispatch(store.Action{
		Type: "start_listening", SessionID: "s1", Gate: true,
		FCM: fcm.Action{Type: "start_listening"},
	})
	s.Dispatch(store.Action{
		Type: "wake_triggered", SessionID: "s1", Gate: true,
		FCM: fcm.Action{Type: "wake_triggered"},
	})
	require.Eventually(t, func() bool {
		return sessionFCMState(s, "s1") == fcm.ACTIVATED
	}, time.Second, 5*time.Millisecond)

	// The awake timer fires inside the FCM itself, with no transport
	// involved; the store's projection must still observe ACTIVATED ->
	// LISTENING once it does.
	require.Eventually(t, func() bool {
		return sessionFCMState(s, "s1") == fcm.LISTENING
	}, time.Second, 5*time.Millisecond)
}

func TestDestroySessionStopsDetectorLoops(t *testing.T) {
	e, s := newTestEffects(t)
	cfg := SessionConfig{
		Strategy:        fcm.NON_STREAMING,
		SampleRate:      16000,
		SampleWidth:     2,
		Channels:        1,
		WakeWordBuffer:  buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		VADBuffer:       buffer.Config{Mode: buffer.ModeFixed, FrameSize: 4},
		SilenceDuration: 40 * time.Millisecond,
		AcquireTimeout:  time.Second,
	}
	e.CreateSession("s1", cfg)
	e.DestroySession("s1")

	stillPresent := s.Select(func(st store.State) interface{} {
		_, ok := st.Sessions["s1"]
		return ok
	}).(bool)
	require.False(t, stillPresent)
}
