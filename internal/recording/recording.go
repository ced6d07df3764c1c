// Package recording implements the recording service of spec.md
// §3.1/§4.12: a per-session capture sink with pre-roll/tail-padding
// content supplied by the caller (Effects seeds it via
// AudioQueue.GetBetween), timestamped markers, and size/time-based
// rotation, writing WAV containers via go-audio/wav.
package recording

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/asrhub/asrhub/internal/clock"
)

// Marker is a timestamped annotation recorded alongside the audio
// (spec.md §4.12: "add_marker stores (timestamp, type, data) in
// metadata").
type Marker struct {
	Timestamp float64
	Type      string
	Data      string
}

// Config parameterizes one recording sink.
type Config struct {
	Dir             string
	SampleRate      int
	BitDepth        int // bits per sample, e.g. 16
	Channels        int
	MaxFileBytes    int           // 0 = no size-based rotation
	MaxFileDuration time.Duration // 0 = no time-based rotation
}

// Sink is a writable per-session recording handle. It satisfies
// services.Recorder.
type Sink struct {
	cfg       Config
	sessionID string
	clock     clock.Clock

	mu           sync.Mutex
	file         *os.File
	enc          *wav.Encoder
	markers      []Marker
	bytesWritten int
	fileOpenedAt time.Time
	segment      int
	paths        []string
	closed       bool
}

// Open creates (or truncates) the first segment file for a session,
// keyed under cfg.Dir/<sessionID>/.
func Open(sessionID string, cfg Config, c clock.Clock) (*Sink, error) {
	s := &Sink{cfg: cfg, sessionID: sessionID, clock: c}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) openSegment() error {
	dir := filepath.Join(s.cfg.Dir, s.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recording: mkdir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("segment-%03d.wav", s.segment))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recording: create segment: %w", err)
	}

	enc := wav.NewEncoder(f, s.cfg.SampleRate, s.cfg.BitDepth, s.cfg.Channels, 1)

	s.file = f
	s.enc = enc
	s.bytesWritten = 0
	s.fileOpenedAt = time.Now()
	s.paths = append(s.paths, path)
	s.segment++
	return nil
}

// Write appends raw little-endian PCM to the current segment,
// rotating first if the segment would exceed MaxFileBytes/
// MaxFileDuration (spec.md §4.12: "rotation by time or size...the
// service may emit multiple file paths").
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("recording: sink closed")
	}

	if s.shouldRotateLocked(len(pcm)) {
		if err := s.closeSegmentLocked(); err != nil {
			return err
		}
		if err := s.openSegment(); err != nil {
			return err
		}
	}

	buf := pcmToIntBuffer(pcm, s.cfg.SampleRate, s.cfg.Channels, s.cfg.BitDepth)
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("recording: write: %w", err)
	}
	s.bytesWritten += len(pcm)
	return nil
}

func (s *Sink) shouldRotateLocked(incoming int) bool {
	if s.cfg.MaxFileBytes > 0 && s.bytesWritten+incoming > s.cfg.MaxFileBytes {
		return true
	}
	if s.cfg.MaxFileDuration > 0 && time.Since(s.fileOpenedAt) > s.cfg.MaxFileDuration {
		return true
	}
	return false
}

// AddMarker records a timestamped annotation against the session.
// Markers are kept in memory and returned by Markers; they are not
// written into the WAV segment files.
func (s *Sink) AddMarker(timestamp float64, markerType, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append(s.markers, Marker{Timestamp: timestamp, Type: markerType, Data: data})
}

// Markers returns a copy of the recorded markers.
func (s *Sink) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Marker{}, s.markers...)
}

// Paths returns every segment file path written so far.
func (s *Sink) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.paths...)
}

func (s *Sink) closeSegmentLocked() error {
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			return fmt.Errorf("recording: close encoder: %w", err)
		}
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Close finalizes the current segment; Effects calls it at session
// teardown. Closing an already closed sink is a no-op.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeSegmentLocked()
}

func pcmToIntBuffer(pcm []byte, sampleRate, channels, bitDepth int) *audio.IntBuffer {
	n := len(pcm) / 2
	data := make([]int, n)
	for i := 0; i < n; i++ {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
}
