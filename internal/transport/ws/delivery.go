package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/asrhub/asrhub/internal/logger"
)

// DeliveryConfig bounds one connection's outbound delivery, grounded on
// the teacher's internal/session/manager.go Session.SendQueue/sendLoop:
// a buffered channel drained by a dedicated goroutine, a message
// dropped rather than blocking the producer when the queue is full,
// and the connection torn down after a streak of consecutive write
// failures.
type DeliveryConfig struct {
	// SendMode is "queue" (default, async via a buffered channel) or
	// "direct" (write inline on the calling goroutine).
	SendMode string
	// QueueSize bounds the outbound channel in "queue" mode.
	QueueSize int
	// MaxSendErrors is the number of consecutive write failures before
	// the connection is closed. 0 disables the limit.
	MaxSendErrors int
	// SendTimeout bounds each underlying write, for Conn implementations
	// that support one (see timeoutSender). 0 disables the deadline.
	SendTimeout time.Duration
}

// timeoutSender is implemented by Conn adapters that can bound a single
// write (gorillaConn, by setting a write deadline around that one
// write); Conn implementations without a natural write
// deadline (frameConn, redisConn) are used without one.
type timeoutSender interface {
	SendWithTimeout(env Envelope, timeout time.Duration) error
}

// QueuedConn wraps a Conn with DeliveryConfig's bounded queue and error
// budget. Use NewQueuedConn in place of handing the raw Conn to
// NewSession.
type QueuedConn struct {
	underlying Conn
	cfg        DeliveryConfig
	onFatal    func()

	queue     chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	errCount  int32
}

// NewQueuedConn wraps underlying per cfg. onFatal is called at most
// once, by the first Close, which write also triggers when the error
// budget is exhausted; the caller uses it to tear down the physical
// connection (closing it unblocks the transport's read loop, which
// does its own cleanup).
func NewQueuedConn(underlying Conn, cfg DeliveryConfig, onFatal func()) *QueuedConn {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	qc := &QueuedConn{
		underlying: underlying,
		cfg:        cfg,
		onFatal:    onFatal,
		queue:      make(chan Envelope, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	if cfg.SendMode != "direct" {
		go qc.sendLoop()
	}
	return qc
}

// Send implements Conn. In "direct" mode it writes inline; otherwise it
// enqueues, dropping the message (logged, not an error to the caller)
// when the queue is full rather than back-pressuring the dispatcher.
func (q *QueuedConn) Send(env Envelope) error {
	if q.cfg.SendMode == "direct" {
		return q.write(env)
	}
	select {
	case q.queue <- env:
		return nil
	default:
		logger.Warn("ws_send_queue_full", "action", "dropped_envelope", "type", env.Type)
		return nil
	}
}

// Close stops the send loop and, the first time, invokes onFatal.
func (q *QueuedConn) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		if q.onFatal != nil {
			q.onFatal()
		}
	})
}

func (q *QueuedConn) sendLoop() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ws_send_loop_panicked", "recover", r)
		}
	}()
	for {
		select {
		case env := <-q.queue:
			_ = q.write(env)
		case <-q.done:
			return
		}
	}
}

func (q *QueuedConn) write(env Envelope) error {
	var err error
	if ts, ok := q.underlying.(timeoutSender); ok && q.cfg.SendTimeout > 0 {
		err = ts.SendWithTimeout(env, q.cfg.SendTimeout)
	} else {
		err = q.underlying.Send(env)
	}

	if err != nil {
		n := atomic.AddInt32(&q.errCount, 1)
		logger.Error("ws_send_failed", "error", err, "consecutive_errors", n)
		if q.cfg.MaxSendErrors > 0 && int(n) > q.cfg.MaxSendErrors {
			logger.Error("ws_too_many_send_errors", "action", "closing_connection")
			q.Close()
		}
		return err
	}
	atomic.StoreInt32(&q.errCount, 0)
	return nil
}
