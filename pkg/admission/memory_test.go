package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrent holders never exceed the global or the per-channel bound.
func TestMemory_Bounds(t *testing.T) {
	const (
		globalCap  = 3
		channelCap = 2
		jobs       = 40
		channels   = 4
	)

	m := NewMemory(globalCap, channelCap)
	ctx := context.Background()

	var (
		inFlight   atomic.Int64
		maxGlobal  atomic.Int64
		perChannel [channels]atomic.Int64
		maxChannel [channels]atomic.Int64
		wg         sync.WaitGroup
	)

	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := int64(i % channels)
			require.NoError(t, m.Acquire(ctx, ch))

			n := inFlight.Add(1)
			for {
				old := maxGlobal.Load()
				if n <= old || maxGlobal.CompareAndSwap(old, n) {
					break
				}
			}
			c := perChannel[ch].Add(1)
			for {
				old := maxChannel[ch].Load()
				if c <= old || maxChannel[ch].CompareAndSwap(old, c) {
					break
				}
			}

			time.Sleep(2 * time.Millisecond)

			perChannel[ch].Add(-1)
			inFlight.Add(-1)
			m.Release(ch)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxGlobal.Load(), int64(globalCap))
	for i := range maxChannel {
		assert.LessOrEqual(t, maxChannel[i].Load(), int64(channelCap))
	}
	assert.Equal(t, int64(0), inFlight.Load())
}

// Per-channel waiters must not pin global slots: with the global capacity
// equal to the channel capacity, a second channel still makes progress
// while the first channel's queue is deep.
func TestMemory_ChannelWaitersDoNotStarveOthers(t *testing.T) {
	m := NewMemory(2, 1)
	ctx := context.Background()

	// Saturate channel 1 and pile up waiters on it.
	require.NoError(t, m.Acquire(ctx, 1))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx, 1); err == nil {
				m.Release(1)
			}
		}()
	}

	// Channel 2 must acquire promptly despite channel 1's backlog.
	acquireCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(acquireCtx, 2))
	m.Release(2)

	m.Release(1)
	wg.Wait()
}

func TestMemory_AcquireHonorsContext(t *testing.T) {
	m := NewMemory(1, 1)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1))

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := m.Acquire(blocked, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release(1)
}

// Releases racing a Reset never wedge the controller or go negative.
func TestMemory_ReleaseAfterResetIsSafe(t *testing.T) {
	m := NewMemory(2, 2)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1))
	require.NoError(t, m.Acquire(ctx, 1))

	m.Reset()

	// Stale releases from the pre-reset holders.
	m.Release(1)
	m.Release(1)

	// Full capacity is available again.
	for i := 0; i < 2; i++ {
		acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
		require.NoError(t, m.Acquire(acquireCtx, 1))
		cancel()
	}
}
