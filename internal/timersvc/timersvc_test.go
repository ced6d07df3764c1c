package timersvc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartFiresCallbackOnce(t *testing.T) {
	m := New()
	var fired int32
	done := make(chan struct{})
	m.Start("s1", "awake", 10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestStartIsNoOpIfTimerExists(t *testing.T) {
	m := New()
	var calls int32
	m.Start("s1", "awake", time.Hour, func() { atomic.AddInt32(&calls, 1) })
	m.Start("s1", "awake", time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCancelPreventsFire(t *testing.T) {
	m := New()
	var fired int32
	m.Start("s1", "awake", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	m.Cancel("s1", "awake")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestCancelIsIdempotent(t *testing.T) {
	m := New()
	m.Cancel("s1", "nonexistent")
	m.Start("s1", "awake", time.Hour, func() {})
	m.Cancel("s1", "awake")
	m.Cancel("s1", "awake")
}

func TestResetRearmsWithNewDuration(t *testing.T) {
	m := New()
	done := make(chan struct{})
	m.Start("s1", "awake", time.Hour, func() { close(done) })
	m.Reset("s1", "awake", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reset timer never fired")
	}
}

func TestResetWithZeroDurationReusesOriginal(t *testing.T) {
	m := New()
	done := make(chan struct{})
	m.Start("s1", "awake", 10*time.Millisecond, func() { close(done) })
	m.Reset("s1", "awake", 0, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reset timer never fired")
	}
}

func TestRemainingReportsDecreasingValue(t *testing.T) {
	m := New()
	m.Start("s1", "awake", time.Hour, func() {})

	r1, ok := m.Remaining("s1", "awake")
	require.True(t, ok)
	time.Sleep(10 * time.Millisecond)
	r2, ok := m.Remaining("s1", "awake")
	require.True(t, ok)
	require.Less(t, r2, r1)

	_, ok = m.Remaining("s1", "nonexistent")
	require.False(t, ok)
}

func TestCancelAllStopsEverySessionTimer(t *testing.T) {
	m := New()
	var fired int32
	m.Start("s1", "awake", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	m.Start("s1", "recording", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	m.CancelAll("s1")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))

	_, ok := m.Remaining("s1", "awake")
	require.False(t, ok)
}

func TestDurationIsClampedToBounds(t *testing.T) {
	m := New()
	m.Start("s1", "awake", -5*time.Second, func() {})
	r, ok := m.Remaining("s1", "awake")
	require.True(t, ok)
	require.LessOrEqual(t, r, time.Duration(0)+time.Millisecond)

	m.Start("s2", "awake", 48*time.Hour, func() {})
	r2, ok := m.Remaining("s2", "awake")
	require.True(t, ok)
	require.LessOrEqual(t, r2, maxDuration)
}
