// Package services defines the pluggable audio-processing contracts of
// spec.md §3.1/§4.5 (Converter, Enhancer, Denoiser, VAD, WakeWord,
// Recorder) and ships deterministic reference implementations that
// stand in for the concrete models spec.md marks as Out of scope.
package services

import (
	"context"
	"errors"
)

// ErrServiceUnavailable is the soft-error sentinel spec.md §4.5 calls
// for: a service that is temporarily unable to process (e.g. its
// backing model isn't loaded yet) returns this instead of panicking or
// silently passing audio through.
var ErrServiceUnavailable = errors.New("services: unavailable")

// Converter resamples/reformats PCM between two audio profiles.
type Converter interface {
	Convert(ctx context.Context, pcm []byte, fromRate, toRate, fromWidth, toWidth int) ([]byte, error)
}

// Enhancer improves signal quality (e.g. AGC, echo cancellation) ahead
// of VAD/ASR. Implementations may be no-ops.
type Enhancer interface {
	Enhance(ctx context.Context, pcm []byte) ([]byte, error)
}

// Denoiser removes background noise ahead of VAD/ASR.
type Denoiser interface {
	Denoise(ctx context.Context, pcm []byte) ([]byte, error)
}

// VADResult is one voice-activity decision over a single frame.
type VADResult struct {
	IsSpeech   bool
	Confidence float64
}

// VAD classifies fixed-size frames as speech/non-speech.
type VAD interface {
	Detect(ctx context.Context, frame []byte) (VADResult, error)
	// Reset clears any internal state (e.g. between sessions).
	Reset()
}

// WakeWordResult reports whether a wake phrase was matched in frame.
type WakeWordResult struct {
	Matched bool
	Word    string
	Score   float64
}

// WakeWord scans audio for a configured trigger phrase.
type WakeWord interface {
	Scan(ctx context.Context, frame []byte) (WakeWordResult, error)
}

// Recorder captures a session's audio to durable storage (spec.md
// §4.11's markers and pre-roll are owned by internal/recording; this
// is the narrower per-chunk sink contract recording.Sink implements).
type Recorder interface {
	Write(ctx context.Context, pcm []byte) error
	Close(ctx context.Context) error
}

// PassthroughConverter performs no resampling; it only validates that
// the requested conversion is a no-op, returning ErrServiceUnavailable
// otherwise. It stands in for a real resampler (out of scope per
// spec.md §6).
type PassthroughConverter struct{}

func (PassthroughConverter) Convert(ctx context.Context, pcm []byte, fromRate, toRate, fromWidth, toWidth int) ([]byte, error) {
	if fromRate != toRate || fromWidth != toWidth {
		return nil, ErrServiceUnavailable
	}
	return pcm, nil
}

// NopEnhancer returns audio unchanged.
type NopEnhancer struct{}

func (NopEnhancer) Enhance(ctx context.Context, pcm []byte) ([]byte, error) { return pcm, nil }

// NopDenoiser returns audio unchanged.
type NopDenoiser struct{}

func (NopDenoiser) Denoise(ctx context.Context, pcm []byte) ([]byte, error) { return pcm, nil }

// EnergyVAD is a deterministic amplitude-threshold VAD over 16-bit
// little-endian PCM: a frame is speech when its mean absolute sample
// value exceeds Threshold. It is a reference/test double standing in
// for Silero/TEN VAD models (spec.md §6 Non-goals: "no concrete VAD
// model is bundled").
type EnergyVAD struct {
	Threshold float64
}

func NewEnergyVAD(threshold float64) *EnergyVAD {
	return &EnergyVAD{Threshold: threshold}
}

func (v *EnergyVAD) Detect(ctx context.Context, frame []byte) (VADResult, error) {
	if len(frame) < 2 {
		return VADResult{}, nil
	}
	n := len(frame) / 2
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	mean := sum / float64(n)
	// Normalize against int16 full scale so Threshold is a 0..1 ratio.
	confidence := mean / 32768.0
	return VADResult{IsSpeech: confidence > v.Threshold, Confidence: confidence}, nil
}

func (v *EnergyVAD) Reset() {}

// MagicBytesWakeWord matches a fixed byte pattern anywhere in the
// frame. A reference/test double standing in for a trained wake-word
// model (spec.md §6 Non-goals).
type MagicBytesWakeWord struct {
	Word    string
	Pattern []byte
}

func NewMagicBytesWakeWord(word string, pattern []byte) *MagicBytesWakeWord {
	return &MagicBytesWakeWord{Word: word, Pattern: pattern}
}

func (w *MagicBytesWakeWord) Scan(ctx context.Context, frame []byte) (WakeWordResult, error) {
	if len(w.Pattern) == 0 || len(frame) < len(w.Pattern) {
		return WakeWordResult{}, nil
	}
	for i := 0; i+len(w.Pattern) <= len(frame); i++ {
		if bytesEqual(frame[i:i+len(w.Pattern)], w.Pattern) {
			return WakeWordResult{Matched: true, Word: w.Word, Score: 1.0}, nil
		}
	}
	return WakeWordResult{Matched: false, Word: w.Word}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
