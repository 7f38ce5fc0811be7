package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_NilAdmitsEverything(t *testing.T) {
	var g *Gate
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestGate_BoundsConcurrency(t *testing.T) {
	g := NewGate(2, 0, 0)

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestGate_AcquireHonoursContext(t *testing.T) {
	g := NewGate(1, 0, 0)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_RateLimit(t *testing.T) {
	g := NewGate(0, 50, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := g.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}

	// burst of 1 at 50/s: the 2nd and 3rd wait ~20ms each
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGate_RateLimitCancelled(t *testing.T) {
	g := NewGate(0, 0.5, 1)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx)
	assert.Error(t, err)
}
