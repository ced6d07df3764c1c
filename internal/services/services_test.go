package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func int16FrameOf(values ...int16) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = append(out, byte(v), byte(v>>8))
	}
	return out
}

func TestPassthroughConverterRejectsRealConversion(t *testing.T) {
	c := PassthroughConverter{}
	out, err := c.Convert(context.Background(), []byte{1, 2}, 16000, 16000, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, out)

	_, err = c.Convert(context.Background(), []byte{1, 2}, 16000, 8000, 2, 2)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestEnergyVADDetectsLoudFrame(t *testing.T) {
	v := NewEnergyVAD(0.1)

	quiet := int16FrameOf(0, 0, 1, -1)
	res, err := v.Detect(context.Background(), quiet)
	require.NoError(t, err)
	require.False(t, res.IsSpeech)

	loud := int16FrameOf(20000, -20000, 18000, -18000)
	res, err = v.Detect(context.Background(), loud)
	require.NoError(t, err)
	require.True(t, res.IsSpeech)
	require.Greater(t, res.Confidence, 0.1)
}

func TestEnergyVADShortFrameIsSafe(t *testing.T) {
	v := NewEnergyVAD(0.1)
	res, err := v.Detect(context.Background(), []byte{0})
	require.NoError(t, err)
	require.False(t, res.IsSpeech)
}

func TestMagicBytesWakeWordMatchesAnywhereInFrame(t *testing.T) {
	w := NewMagicBytesWakeWord("hey-hub", []byte{0xDE, 0xAD})

	res, err := w.Scan(context.Background(), []byte{0, 0xDE, 0xAD, 0})
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.Equal(t, "hey-hub", res.Word)

	res, err = w.Scan(context.Background(), []byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.False(t, res.Matched)
}

func TestNopServicesPassThrough(t *testing.T) {
	e := NopEnhancer{}
	out, err := e.Enhance(context.Background(), []byte{9, 9})
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, out)

	d := NopDenoiser{}
	out, err = d.Denoise(context.Background(), []byte{1})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, out)
}
