// Package pool implements the fixed-block memory pool (C1): a
// pre-allocated arena of equal-size blocks with O(1) acquire/release
// and no steady-state heap churn. It is the allocator every capture
// source and consumer sink on the hot path draws from.
package pool

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/hft-netcore/internal/hfterrors"
)

// nilIndex marks an empty free-list link.
const nilIndex = ^uint32(0)

// descriptor is one block's bookkeeping entry. next threads the free
// list by index rather than pointer, so the list survives arena
// relocation and stays cache-dense.
type descriptor struct {
	inUse atomic.Uint32
	next  uint32
}

// BlockHandle is an exclusive reference to one block. The zero value
// is not a valid handle; handles are only produced by Pool.Acquire.
type BlockHandle struct {
	pool *Pool
	idx  uint32
}

// Index returns the handle's block index within its pool.
func (h BlockHandle) Index() uint32 { return h.idx }

// Valid reports whether h was issued by a pool (as opposed to being a
// zero value).
func (h BlockHandle) Valid() bool { return h.pool != nil }

// Bytes returns the block's backing storage. The slice is valid only
// while the caller holds the handle; it must not be retained past
// Release.
func (h BlockHandle) Bytes() []byte {
	return h.pool.blockBytes(h.idx)
}

// Stats is a point-in-time, lock-free snapshot of pool counters.
type Stats struct {
	NumBlocks      uint32
	BlockSize      uint32
	Allocated      uint32
	Free           uint32
	AcquireCount   uint64
	ReleaseCount   uint64
	ExhaustedCount uint64
	ContractErrors uint64
}

// Pool owns one contiguous arena of NumBlocks*BlockSize bytes plus a
// block-descriptor array, and a Treiber-stack free list CAS'd on a
// (index, generation) pair to defeat ABA. Chosen over a simple CAS'd
// index because producers and consumers run on distinct threads in
// the pipeline topology and the free list must tolerate concurrent
// acquire/release from both sides without a lock.
type Pool struct {
	arena       []byte
	descriptors []descriptor
	blockSize   uint32
	numBlocks   uint32

	// freeHead packs (generation uint32 << 32 | index uint32). index
	// == nilIndex means the free list is empty.
	freeHead atomic.Uint64

	allocated      atomic.Int64
	acquireCount   atomic.Uint64
	releaseCount   atomic.Uint64
	exhaustedCount atomic.Uint64
	contractErrors atomic.Uint64

	debugAssertions bool
	logger          *zap.Logger
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithDebugAssertions makes Release panic on a detected double-release
// or foreign handle instead of only counting it, for use in debug
// builds that want contract violations to fail loudly.
func WithDebugAssertions(enabled bool) Option {
	return func(p *Pool) { p.debugAssertions = enabled }
}

// New constructs a pool of numBlocks blocks of blockSize bytes each.
// Arena reservation failure is a startup failure and is reported as
// a *hfterrors.Error of KindStartup.
func New(numBlocks, blockSize uint32, opts ...Option) (pl *Pool, err error) {
	if numBlocks == 0 {
		return nil, hfterrors.New(hfterrors.KindStartup, "pool: numBlocks must be > 0")
	}
	if blockSize == 0 {
		return nil, hfterrors.New(hfterrors.KindStartup, "pool: blockSize must be > 0")
	}

	p := &Pool{
		blockSize:   blockSize,
		numBlocks:   numBlocks,
		descriptors: make([]descriptor, numBlocks),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if allocErr := p.allocateArena(numBlocks, blockSize); allocErr != nil {
		return nil, allocErr
	}

	for i := uint32(0); i < numBlocks; i++ {
		if i == numBlocks-1 {
			p.descriptors[i].next = nilIndex
		} else {
			p.descriptors[i].next = i + 1
		}
	}
	p.freeHead.Store(pack(0, 0))

	p.logger.Info("pool: constructed",
		zap.Uint32("num_blocks", numBlocks),
		zap.Uint32("block_size", blockSize))

	return p, nil
}

// allocateArena reserves the backing byte slice, converting an
// allocation panic (e.g. out of memory on a very large arena) into a
// startup error rather than crashing the process.
func (p *Pool) allocateArena(numBlocks, blockSize uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: arena allocation failed", zap.Any("panic", r))
			err = hfterrors.Newf(hfterrors.KindStartup, "pool: arena allocation failed: %v", r)
		}
	}()
	p.arena = make([]byte, uint64(numBlocks)*uint64(blockSize))
	return nil
}

// Prefault touches every page of the arena once, pulling it out of
// demand paging ahead of the hot path.
func (p *Pool) Prefault() {
	const pageSize = 4096
	for i := 0; i < len(p.arena); i += pageSize {
		p.arena[i] = p.arena[i]
	}
	if len(p.arena) > 0 {
		last := len(p.arena) - 1
		p.arena[last] = p.arena[last]
	}
}

// BlockSize returns the fixed size of every block in bytes.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// Capacity returns the total number of blocks in the pool.
func (p *Pool) Capacity() uint32 { return p.numBlocks }

func (p *Pool) blockBytes(idx uint32) []byte {
	start := uint64(idx) * uint64(p.blockSize)
	return p.arena[start : start+uint64(p.blockSize)]
}

// Acquire returns an exclusive handle to one unused block in O(1), or
// ok=false if the pool is exhausted. Exhaustion is expected under
// overload and is a non-fatal, counted condition.
func (p *Pool) Acquire() (handle BlockHandle, ok bool) {
	for {
		old := p.freeHead.Load()
		idx, gen := unpack(old)
		if idx == nilIndex {
			p.exhaustedCount.Add(1)
			return BlockHandle{}, false
		}

		next := p.descriptors[idx].next
		newHead := pack(next, gen+1)
		if p.freeHead.CompareAndSwap(old, newHead) {
			p.descriptors[idx].inUse.Store(1)
			p.allocated.Add(1)
			p.acquireCount.Add(1)
			return BlockHandle{pool: p, idx: idx}, true
		}
	}
}

// Release returns a block to the pool in O(1) and zeroes its bytes,
// since the arena may be reused across trust domains. Releasing a
// handle not issued by this pool, or releasing it twice, is a
// contract violation: it is always counted, and additionally panics
// when the pool was constructed WithDebugAssertions(true).
func (p *Pool) Release(handle BlockHandle) bool {
	if handle.pool != p || handle.idx >= p.numBlocks {
		p.reportContractViolation("release of handle not owned by this pool")
		return false
	}

	d := &p.descriptors[handle.idx]
	if !d.inUse.CompareAndSwap(1, 0) {
		p.reportContractViolation("double release of block")
		return false
	}

	clear(p.blockBytes(handle.idx))

	for {
		old := p.freeHead.Load()
		oldIdx, gen := unpack(old)
		d.next = oldIdx
		newHead := pack(handle.idx, gen+1)
		if p.freeHead.CompareAndSwap(old, newHead) {
			break
		}
	}

	p.allocated.Add(-1)
	p.releaseCount.Add(1)
	return true
}

func (p *Pool) reportContractViolation(msg string) {
	p.contractErrors.Add(1)
	if p.debugAssertions {
		panic(hfterrors.New(hfterrors.KindContractViolation, "pool: "+msg))
	}
	p.logger.Warn("pool: contract violation", zap.String("reason", msg))
}

// Stats returns a read-only, lock-free snapshot of pool counters.
func (p *Pool) Stats() Stats {
	allocated := p.allocated.Load()
	if allocated < 0 {
		allocated = 0
	}
	return Stats{
		NumBlocks:      p.numBlocks,
		BlockSize:      p.blockSize,
		Allocated:      uint32(allocated),
		Free:           p.numBlocks - uint32(allocated),
		AcquireCount:   p.acquireCount.Load(),
		ReleaseCount:   p.releaseCount.Load(),
		ExhaustedCount: p.exhaustedCount.Load(),
		ContractErrors: p.contractErrors.Load(),
	}
}

func pack(idx, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx)
}

func unpack(v uint64) (idx, gen uint32) {
	return uint32(v), uint32(v >> 32)
}
