package providerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asrhub/asrhub/internal/clock"
)

// TestMain verifies every test shuts its pool down cleanly: the health
// checker and auto-scaler each run their own goroutine, and a pool that
// forgets to stop them would leak one per test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	closed   int32
	failProbe bool
}

func (b *fakeBackend) Transcribe(ctx context.Context, pcm []int16) (string, error) {
	return "", nil
}

func (b *fakeBackend) Probe(ctx context.Context) error {
	if b.failProbe {
		return errors.New("probe failed")
	}
	return nil
}

func (b *fakeBackend) Close() error {
	atomic.AddInt32(&b.closed, 1)
	return nil
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	c := clock.NewFake(0)
	p, err := New(cfg, func() (Backend, error) { return &fakeBackend{}, nil }, c)
	require.NoError(t, err)
	return p
}

func TestLeaseAndReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})
	defer p.Shutdown()

	lease, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease.Backend())

	stats := p.Stats()
	require.Equal(t, 1, stats.LeasedCount)

	lease.Release(context.Background())
	stats = p.Stats()
	require.Equal(t, 1, stats.Idle)
}

func TestLeaseGrowsUpToMaxSize(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 2, AcquireTimeout: time.Second})
	defer p.Shutdown()

	l1, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	l2, err := p.Lease(context.Background(), "s2", time.Second)
	require.NoError(t, err)
	require.NotEqual(t, l1.Backend(), nil)
	require.NotEqual(t, l2.Backend(), nil)

	require.Equal(t, 2, p.Stats().CurrentSize)
}

func TestLeaseTimesOutWhenExhausted(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})
	defer p.Shutdown()

	lease, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = p.Lease(context.Background(), "s2", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestPerSessionQuotaEnforced(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 2, AcquireTimeout: time.Second, PerSessionQuota: 1})
	defer p.Shutdown()

	_, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)

	_, err = p.Lease(context.Background(), "s1", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestWaiterIsServedWhenInstanceReleased(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})
	defer p.Shutdown()

	lease, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var secondErr error
	var gotLease *Lease
	go func() {
		defer wg.Done()
		gotLease, secondErr = p.Lease(context.Background(), "s2", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release(context.Background())
	wg.Wait()

	require.NoError(t, secondErr)
	require.NotNil(t, gotLease)
}

func TestRepeatedTranscriptionFailuresMarkUnhealthy(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second, UnhealthyFailureStreak: 2})
	defer p.Shutdown()

	lease, err := p.Lease(context.Background(), "s1", time.Second)
	require.NoError(t, err)

	lease.MarkTranscriptionError()
	lease.MarkTranscriptionError()
	lease.Release(context.Background())

	stats := p.Stats()
	require.Equal(t, 1, stats.Unhealthy)
}

func TestShutdownDrainsAndRejectsNewLeases(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})
	p.Shutdown()

	_, err := p.Lease(context.Background(), "s1", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrDraining)
}
