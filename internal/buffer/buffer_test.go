package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedModeNoOverlap(t *testing.T) {
	m := New(Config{Mode: ModeFixed, FrameSize: 10})
	_, err := m.Push(make([]byte, 25))
	require.NoError(t, err)

	f1, ok := m.Pop()
	require.True(t, ok)
	require.Len(t, f1, 10)
	require.Equal(t, 15, m.BufferedBytes())

	f2, ok := m.Pop()
	require.True(t, ok)
	require.Len(t, f2, 10)
	require.Equal(t, 5, m.BufferedBytes())

	_, ok = m.Pop()
	require.False(t, ok)
}

func TestSlidingModeOverlapMath(t *testing.T) {
	// Property: frame_size=F, step_size=S; after pushing N*F bytes,
	// total emitted bytes == F + floor((N*F-F)/S)*S, with each
	// consecutive frame overlapping by exactly F-S (spec.md §8 #3).
	F, S, N := 20, 8, 5
	m := New(Config{Mode: ModeSliding, FrameSize: F, StepSize: S})

	buf := make([]byte, N*F)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	_, err := m.Push(buf)
	require.NoError(t, err)

	var frames [][]byte
	for {
		f, ok := m.Pop()
		if !ok {
			break
		}
		frames = append(frames, f)
	}

	// Count distinct source bytes: every frame after the first adds only
	// the S bytes that do not overlap its predecessor.
	totalEmitted := 0
	for i, f := range frames {
		if i == 0 {
			totalEmitted += len(f)
		} else {
			totalEmitted += len(f) - (F - S)
		}
	}
	expected := F + ((N*F-F)/S)*S
	require.Equal(t, expected, totalEmitted)

	for i := 1; i < len(frames); i++ {
		// frames[i] starts S bytes after frames[i-1] in source order,
		// so the tail of frames[i-1] (F-S bytes) equals the head of
		// frames[i].
		overlapLen := F - S
		require.Equal(t, frames[i-1][S:], frames[i][:overlapLen])
	}
}

func TestDynamicModeEmitsOnMaxDuration(t *testing.T) {
	// 16kHz mono int16: 32 bytes/ms.
	m := New(Config{Mode: ModeDynamic, SampleRate: 16000, SampleWidth: 2, Channels: 1, MinDurationMs: 200, MaxDurationMs: 500})

	_, err := m.Push(make([]byte, 32*300)) // 300ms: >= min, < max
	require.NoError(t, err)
	require.False(t, m.Ready())

	_, err = m.Push(make([]byte, 32*250)) // now 550ms: >= max
	require.NoError(t, err)
	require.True(t, m.Ready())

	frame, ok := m.Pop()
	require.True(t, ok)
	require.Len(t, frame, 32*550)
	require.Equal(t, 0, m.BufferedBytes())
}

func TestDynamicModeEmitsOnFlush(t *testing.T) {
	m := New(Config{Mode: ModeDynamic, SampleRate: 16000, SampleWidth: 2, Channels: 1, MinDurationMs: 200, MaxDurationMs: 3000})

	_, err := m.Push(make([]byte, 32*250)) // 250ms: >= min, < max
	require.NoError(t, err)
	require.False(t, m.Ready())

	frame, ok := m.Flush()
	require.True(t, ok)
	require.Len(t, frame, 32*250)
}

func TestDynamicModeFlushBeforeMinReturnsNothing(t *testing.T) {
	m := New(Config{Mode: ModeDynamic, SampleRate: 16000, SampleWidth: 2, Channels: 1, MinDurationMs: 200, MaxDurationMs: 3000})
	_, err := m.Push(make([]byte, 32*50)) // 50ms: below min
	require.NoError(t, err)

	_, ok := m.Flush()
	require.False(t, ok)
}

func TestOverflowDropOldest(t *testing.T) {
	m := New(Config{Mode: ModeFixed, FrameSize: 1000, MaxBufferSize: 10, OverflowStrategy: DropOldest})
	_, err := m.Push([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	ok, err := m.Push([]byte{6, 7, 8, 9, 10, 11})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, m.BufferedBytes())
}

func TestOverflowBlock(t *testing.T) {
	m := New(Config{Mode: ModeFixed, FrameSize: 1000, MaxBufferSize: 10, OverflowStrategy: Block})
	_, err := m.Push(make([]byte, 5))
	require.NoError(t, err)
	_, err = m.Push(make([]byte, 6))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestOverflowDropNewest(t *testing.T) {
	m := New(Config{Mode: ModeFixed, FrameSize: 1000, MaxBufferSize: 10, OverflowStrategy: DropNewest})
	_, err := m.Push(make([]byte, 5))
	require.NoError(t, err)
	ok, err := m.Push(make([]byte, 6))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 5, m.BufferedBytes())
}

func TestReset(t *testing.T) {
	m := New(Config{Mode: ModeFixed, FrameSize: 10})
	_, _ = m.Push(make([]byte, 5))
	m.Reset()
	require.Equal(t, 0, m.BufferedBytes())
}

func TestRecipes(t *testing.T) {
	r := Recipes(16000, 2, 1)
	require.Equal(t, 16000*2*400/1000, r["silero_vad"].FrameSize)
	require.Equal(t, 512*2, r["wake_word"].FrameSize)
	require.Equal(t, ModeSliding, r["whisper"].Mode)
	require.Equal(t, ModeDynamic, r["streaming_asr"].Mode)
}
