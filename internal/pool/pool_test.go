package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireReleaseInvariants(t *testing.T) {
	p, err := New(4, 64)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, uint32(0), stats.Allocated)
	assert.Equal(t, uint32(4), stats.Free)

	var handles []BlockHandle
	for i := 0; i < 4; i++ {
		h, ok := p.Acquire()
		require.True(t, ok)
		handles = append(handles, h)
	}

	stats = p.Stats()
	assert.Equal(t, uint32(4), stats.Allocated)
	assert.Equal(t, uint32(0), stats.Free)
	assert.EqualValues(t, stats.Allocated+stats.Free, stats.NumBlocks)

	// Exhaustion: fifth acquire fails.
	_, ok := p.Acquire()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), p.Stats().ExhaustedCount)

	// No two outstanding handles alias the same region.
	seen := map[uint32]bool{}
	for _, h := range handles {
		assert.False(t, seen[h.Index()])
		seen[h.Index()] = true
		assert.True(t, h.Index() < stats.NumBlocks)
	}

	for _, h := range handles {
		assert.True(t, p.Release(h))
	}

	stats = p.Stats()
	assert.Equal(t, uint32(0), stats.Allocated)
	assert.Equal(t, uint32(4), stats.Free)
}

func TestPool_DoubleReleaseIsContractViolation(t *testing.T) {
	p, err := New(2, 32)
	require.NoError(t, err)

	h, ok := p.Acquire()
	require.True(t, ok)
	require.True(t, p.Release(h))

	assert.False(t, p.Release(h))
	assert.Equal(t, uint64(1), p.Stats().ContractErrors)
}

func TestPool_DebugAssertionsPanicOnDoubleRelease(t *testing.T) {
	p, err := New(1, 16, WithDebugAssertions(true))
	require.NoError(t, err)

	h, ok := p.Acquire()
	require.True(t, ok)
	require.True(t, p.Release(h))

	assert.Panics(t, func() {
		p.Release(h)
	})
}

func TestPool_ReleaseZeroesBlock(t *testing.T) {
	p, err := New(1, 8)
	require.NoError(t, err)

	h, ok := p.Acquire()
	require.True(t, ok)
	copy(h.Bytes(), []byte("deadbeef"))

	require.True(t, p.Release(h))

	h2, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, make([]byte, 8), h2.Bytes())
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	const numBlocks = 64
	p, err := New(numBlocks, 16)
	require.NoError(t, err)

	const workers = 16
	const iterations = 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				h, ok := p.Acquire()
				if !ok {
					continue
				}
				b := h.Bytes()
				b[0] = 0xAB
				p.Release(h)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, uint32(0), stats.Allocated)
	assert.Equal(t, uint32(numBlocks), stats.Free)
	assert.Equal(t, uint64(0), stats.ContractErrors)
}
