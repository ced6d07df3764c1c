// Package audioqueue implements the per-session timestamped audio
// queue of spec.md §3.1/§4.3: an append-only, ordered sequence of PCM
// chunks with independent, non-destructive reader cursors and a
// retention horizon.
package audioqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/asrhub/asrhub/internal/clock"
)

var (
	// ErrClosed is returned by Push/PullBlocking once the session's
	// queue has been destroyed.
	ErrClosed = errors.New("audioqueue: queue closed")
	// ErrNotFound is returned when a session has no queue yet.
	ErrNotFound = errors.New("audioqueue: no such queue")
)

// Chunk is a TimestampedChunk (spec.md §3.1).
type Chunk struct {
	Timestamp float64
	Audio     []byte
	Duration  float64
}

// Retention bounds how much of a queue is kept.
type Retention struct {
	MaxSeconds float64 // 0 = unbounded
	MaxBytes   int     // 0 = unbounded
}

type cursor struct {
	pos    int // index into chunks of the NEXT chunk to deliver
	lagged bool
}

// Queue is one session's audio queue.
type Queue struct {
	clock     clock.Clock
	retention Retention

	mu            sync.Mutex
	chunks        []Chunk
	cursors       map[string]*cursor
	closed        bool
	lastTimestamp float64
	notify        chan struct{} // closed+replaced on every push to wake blocked pulls
}

// Manager owns one Queue per session.
type Manager struct {
	clock     clock.Clock
	retention Retention

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a queue manager; retention applies to every
// queue it lazily creates.
func NewManager(c clock.Clock, retention Retention) *Manager {
	return &Manager{clock: c, retention: retention, queues: make(map[string]*Queue)}
}

func newQueue(c clock.Clock, retention Retention) *Queue {
	return &Queue{
		clock:     c,
		retention: retention,
		cursors:   make(map[string]*cursor),
		notify:    make(chan struct{}),
	}
}

// getOrCreate returns the session's queue, creating it lazily
// (spec.md §3.3: "created lazily on first chunk push or on explicit
// create_queue").
func (m *Manager) getOrCreate(sessionID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		q = newQueue(m.clock, m.retention)
		m.queues[sessionID] = q
	}
	return q
}

// CreateQueue explicitly creates a session's queue (idempotent).
func (m *Manager) CreateQueue(sessionID string) {
	m.getOrCreate(sessionID)
}

// Destroy tears down a session's queue: every blocked pull wakes with
// ErrClosed, no further pushes are accepted.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	delete(m.queues, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// Push appends audio to the session's queue, assigning a timestamp
// from the clock, and returns that timestamp. Strictly monotonic
// within one queue; a timestamp collision is bumped by 1µs
// (spec.md §4.3).
func (m *Manager) Push(sessionID string, audio []byte, sampleRate, sampleWidth int) (float64, error) {
	q := m.getOrCreate(sessionID)
	return q.push(audio, sampleRate, sampleWidth)
}

const microsecond = 1e-6

func (q *Queue) push(audio []byte, sampleRate, sampleWidth int) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	ts := q.clock.Now()
	if ts <= q.lastTimestamp {
		ts = q.lastTimestamp + microsecond
	}
	q.lastTimestamp = ts

	var duration float64
	if sampleRate > 0 && sampleWidth > 0 {
		duration = float64(len(audio)) / float64(sampleRate*sampleWidth)
	}

	q.chunks = append(q.chunks, Chunk{Timestamp: ts, Audio: audio, Duration: duration})
	q.evictLocked()

	close(q.notify)
	q.notify = make(chan struct{})

	return ts, nil
}

// evictLocked drops chunks past the retention horizon and snaps any
// cursor left behind the eviction point forward, flagging it lagged.
// Must be called with q.mu held.
func (q *Queue) evictLocked() {
	if len(q.chunks) == 0 {
		return
	}

	evictUpTo := 0

	if q.retention.MaxSeconds > 0 {
		horizon := q.chunks[len(q.chunks)-1].Timestamp - q.retention.MaxSeconds
		for evictUpTo < len(q.chunks) && q.chunks[evictUpTo].Timestamp < horizon {
			evictUpTo++
		}
	}

	if q.retention.MaxBytes > 0 {
		total := 0
		for _, c := range q.chunks {
			total += len(c.Audio)
		}
		i := 0
		for total > q.retention.MaxBytes && i < len(q.chunks) {
			total -= len(q.chunks[i].Audio)
			i++
		}
		if i > evictUpTo {
			evictUpTo = i
		}
	}

	if evictUpTo == 0 {
		return
	}

	q.chunks = q.chunks[evictUpTo:]

	for _, c := range q.cursors {
		c.pos -= evictUpTo
		if c.pos < 0 {
			c.pos = 0
			c.lagged = true
		}
	}
}

// OpenReader idempotently creates (or returns) a named cursor. With no
// fromTimestamp given (nil), the cursor starts at the tail (only new
// chunks are delivered); otherwise it is positioned at the first
// chunk with Timestamp >= *fromTimestamp.
func (m *Manager) OpenReader(sessionID, readerID string, fromTimestamp *float64) error {
	q := m.getOrCreate(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if _, exists := q.cursors[readerID]; exists {
		return nil
	}

	c := &cursor{}
	if fromTimestamp == nil {
		c.pos = len(q.chunks)
	} else {
		pos := 0
		for pos < len(q.chunks) && q.chunks[pos].Timestamp < *fromTimestamp {
			pos++
		}
		c.pos = pos
	}
	q.cursors[readerID] = c
	return nil
}

// CloseReader removes a cursor.
func (m *Manager) CloseReader(sessionID, readerID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	delete(q.cursors, readerID)
	q.mu.Unlock()
}

// PullBlocking returns the next chunk strictly after the cursor,
// advancing it; blocks up to timeout; returns (Chunk{}, false, nil) on
// timeout. Non-destructive: other readers are unaffected.
func (m *Manager) PullBlocking(sessionID, readerID string, timeout time.Duration) (Chunk, bool, error) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	m.mu.Unlock()
	if !ok {
		return Chunk{}, false, ErrNotFound
	}

	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Chunk{}, false, ErrClosed
		}
		c, exists := q.cursors[readerID]
		if !exists {
			q.mu.Unlock()
			return Chunk{}, false, ErrNotFound
		}
		if c.pos < len(q.chunks) {
			chunk := q.chunks[c.pos]
			c.pos++
			q.mu.Unlock()
			return chunk, true, nil
		}
		notify := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Chunk{}, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return Chunk{}, false, nil
		}
	}
}

// ReaderStatus reports whether a reader was snapped forward by
// eviction since the last call; the flag is cleared on read.
func (m *Manager) ReaderStatus(sessionID, readerID string) (lagged bool, ok bool) {
	m.mu.Lock()
	q, exists := m.queues[sessionID]
	m.mu.Unlock()
	if !exists {
		return false, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	c, exists := q.cursors[readerID]
	if !exists {
		return false, false
	}
	lagged = c.lagged
	c.lagged = false
	return lagged, true
}

// GetBetween returns all chunks whose timestamps fall within the
// closed interval [start, end], without touching any cursor.
func (m *Manager) GetBetween(sessionID string, start, end float64) ([]Chunk, error) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Chunk
	for _, c := range q.chunks {
		if c.Timestamp >= start && c.Timestamp <= end {
			out = append(out, c)
		}
	}
	return out, nil
}
