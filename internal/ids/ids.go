// Package ids generates time-ordered unique identifiers for sessions,
// so lexical order matches creation order (spec.md §4.1) — the same
// trick the teacher's ws.GenerateSessionID used crypto/rand+hex for,
// widened here to embed a millisecond timestamp prefix.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewSessionID returns a lexically-sortable session identifier:
// a 12-hex-digit millisecond timestamp followed by 16 hex digits of
// randomness (via github.com/google/uuid's random source idiom,
// reimplemented here with crypto/rand to avoid coupling id generation
// to uuid's RFC4122 layout, which would scramble the ordering).
func NewSessionID() string {
	return NewSessionIDAt(time.Now())
}

// NewSessionIDAt is the deterministic-time variant, used by tests.
func NewSessionIDAt(t time.Time) string {
	ms := t.UnixMilli()
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failure is only possible if the OS entropy
		// source is unavailable; fall back to a zeroed suffix rather
		// than panicking a request-serving goroutine.
		suffix = make([]byte, 8)
	}
	return fmt.Sprintf("%012x%s", ms, hex.EncodeToString(suffix))
}
