// Package queue implements the lock-free bounded MPMC ring (C2) used
// for every hand-off in the pipeline: capture to parser, parser to
// consumer. It is a Vyukov-style bounded ring with a per-slot
// sequence number; no lock is ever taken and no allocation happens on
// a successful push or pop.
package queue

import (
	"sync/atomic"

	"github.com/abdoElHodaky/hft-netcore/internal/hfterrors"
)

type slot[T any] struct {
	seq   atomic.Uint64
	value T
	// Padding keeps adjacent slots off the same cache line under
	// contention; sized for the common 64-byte line.
	_ [64 - 8]byte
}

// Queue is a bounded multi-producer/multi-consumer ring of capacity
// slots, capacity a power of two so index masking replaces modulo.
type Queue[T any] struct {
	buffer   []slot[T]
	mask     uint64
	capacity uint64

	head atomic.Uint64
	tail atomic.Uint64

	pushFailures atomic.Uint64
	popFailures  atomic.Uint64
	pushOK       atomic.Uint64
	popOK        atomic.Uint64
}

// New constructs a Queue of the given capacity, which must be a power
// of two and at least 2. A non-power-of-two capacity is a contract
// violation at construction.
func New[T any](capacity uint32) (*Queue[T], error) {
	if capacity < 2 {
		return nil, hfterrors.New(hfterrors.KindContractViolation, "queue: capacity must be >= 2")
	}
	if capacity&(capacity-1) != 0 {
		return nil, hfterrors.Newf(hfterrors.KindContractViolation,
			"queue: capacity %d is not a power of two", capacity)
	}

	q := &Queue[T]{
		buffer:   make([]slot[T], capacity),
		mask:     uint64(capacity - 1),
		capacity: uint64(capacity),
	}
	for i := range q.buffer {
		q.buffer[i].seq.Store(uint64(i))
	}
	return q, nil
}

// TryPush enqueues v without blocking. It returns false iff the queue
// is full, in which case no state was advanced.
func (q *Queue[T]) TryPush(v T) bool {
	for {
		head := q.head.Load()
		s := &q.buffer[head&q.mask]
		seq := s.seq.Load()

		diff := int64(seq) - int64(head)
		switch {
		case diff == 0:
			if q.head.CompareAndSwap(head, head+1) {
				s.value = v
				s.seq.Store(head + 1)
				q.pushOK.Add(1)
				return true
			}
		case diff < 0:
			q.pushFailures.Add(1)
			return false
		}
		// diff > 0: another producer already claimed this slot; retry.
	}
}

// TryPop dequeues without blocking. It returns ok=false iff the queue
// is empty.
func (q *Queue[T]) TryPop() (value T, ok bool) {
	for {
		tail := q.tail.Load()
		s := &q.buffer[tail&q.mask]
		seq := s.seq.Load()

		diff := int64(seq) - int64(tail+1)
		switch {
		case diff == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				v := s.value
				var zero T
				s.value = zero
				s.seq.Store(tail + q.capacity)
				q.popOK.Add(1)
				return v, true
			}
		case diff < 0:
			q.popFailures.Add(1)
			var zero T
			return zero, false
		}
	}
}

// Capacity returns the fixed ring capacity.
func (q *Queue[T]) Capacity() uint32 { return uint32(q.capacity) }

// Size is an observational count of occupied slots; it may be stale
// under concurrent access.
func (q *Queue[T]) Size() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// IsFull is observational, like Size.
func (q *Queue[T]) IsFull() bool { return q.Size() >= int(q.capacity) }

// IsEmpty is observational, like Size.
func (q *Queue[T]) IsEmpty() bool { return q.Size() <= 0 }

// FillRatio returns Size()/Capacity() in [0,1], used by the
// orchestrator's shed-mode hysteresis.
func (q *Queue[T]) FillRatio() float64 {
	return float64(q.Size()) / float64(q.capacity)
}

// Stats is a read-only snapshot of queue counters.
type Stats struct {
	Capacity     uint32
	Size         int
	Enqueued     uint64
	Dequeued     uint64
	FailedPush   uint64
	FailedPop    uint64
}

// Stats returns a lock-free snapshot of the queue's counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Capacity:   q.Capacity(),
		Size:       q.Size(),
		Enqueued:   q.pushOK.Load(),
		Dequeued:   q.popOK.Load(),
		FailedPush: q.pushFailures.Load(),
		FailedPop:  q.popFailures.Load(),
	}
}
