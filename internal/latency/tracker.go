// Package latency implements the latency tracker (C4): a rolling
// window of latency samples backed by a fixed-size ring, with
// lifetime aggregates accumulated separately so percentile queries
// reflect only the trailing window while min/max/count stay global.
package latency

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// maxLatencyNs is the clamp ceiling: values above 2^32-1 ns (~4.29s)
// are clamped rather than recorded as-is.
const maxLatencyNs uint64 = 1<<32 - 1

// Sample is one recorded observation.
type Sample struct {
	CaptureTSNs     int64
	ObservedLatencyNs uint64
	ExchangeID      int
	ProtocolTag     string
}

// Stats is a read-only snapshot over the tracker's state: windowed
// percentiles plus lifetime (unwindowed) aggregates.
type Stats struct {
	Count          uint64
	Min            uint64
	Max            uint64
	Mean           float64
	StdDev         float64
	P50            uint64
	P95            uint64
	P99            uint64
	P999           uint64
	TargetUs       uint32
	ViolationRate  float64
	DroppedInvalid uint64
}

// Tracker is single-writer/many-reader: the window ring is mutated
// only by the writer goroutine; readers may observe a torn snapshot
// during Stats() — callers needing a consistent snapshot must
// serialize against the writer themselves.
type Tracker struct {
	logger *zap.Logger

	targetUs uint32

	mu        sync.Mutex // serializes ring writes and snapshot copies only
	ring      []uint64
	ringMeta  []sampleMeta
	capacity  int
	writePos  int
	filled    int

	count         atomic.Uint64
	min           atomic.Uint64
	max           atomic.Uint64
	sum           atomic.Uint64
	sumSquares    atomic.Uint64 // sum of (latency/1000)^2 in us^2, to bound overflow
	violations    atomic.Uint64
	droppedBadTS  atomic.Uint64
}

type sampleMeta struct {
	exchangeID int
	protocol   string
}

// New constructs a Tracker whose rolling window holds up to
// maxSamples latencies (default 10^5), reporting violations against
// targetUs microseconds.
func New(maxSamples int, targetUs uint32, logger *zap.Logger) *Tracker {
	if maxSamples <= 0 {
		maxSamples = 100000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		logger:   logger,
		targetUs: targetUs,
		ring:     make([]uint64, maxSamples),
		ringMeta: make([]sampleMeta, maxSamples),
		capacity: maxSamples,
	}
	t.min.Store(^uint64(0))
	return t
}

// Record stores a latency sample in O(1) amortized.
func (t *Tracker) Record(latencyNs uint64, exchangeID int, protocolTag string) {
	if latencyNs > maxLatencyNs {
		latencyNs = maxLatencyNs
	}

	t.mu.Lock()
	t.ring[t.writePos] = latencyNs
	t.ringMeta[t.writePos] = sampleMeta{exchangeID: exchangeID, protocol: protocolTag}
	t.writePos = (t.writePos + 1) % t.capacity
	if t.filled < t.capacity {
		t.filled++
	}
	t.mu.Unlock()

	t.count.Add(1)
	t.sum.Add(latencyNs)
	latencyUs := latencyNs / 1000
	t.sumSquares.Add(latencyUs * latencyUs)

	for {
		cur := t.min.Load()
		if latencyNs >= cur {
			break
		}
		if t.min.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	for {
		cur := t.max.Load()
		if latencyNs <= cur {
			break
		}
		if t.max.CompareAndSwap(cur, latencyNs) {
			break
		}
	}

	if t.targetUs > 0 && latencyUs > uint64(t.targetUs) {
		t.violations.Add(1)
	}
}

// RecordFromTimestamps computes recv-send and records it, dropping
// the sample (and counting it) when recv <= send.
func (t *Tracker) RecordFromTimestamps(sendNs, recvNs int64, exchangeID int, protocolTag string) bool {
	if recvNs <= sendNs {
		t.droppedBadTS.Add(1)
		return false
	}
	t.Record(uint64(recvNs-sendNs), exchangeID, protocolTag)
	return true
}

// percentileSnapshot copies the occupied ring region and sorts it.
// Sorting happens outside the lock; only the copy is serialized with
// the writer, bounding lock hold time.
func (t *Tracker) percentileSnapshot() []uint64 {
	t.mu.Lock()
	scratch := make([]uint64, t.filled)
	if t.filled < t.capacity {
		copy(scratch, t.ring[:t.filled])
	} else {
		// Ring is full: logical order doesn't matter for percentile
		// computation, only the value set, so a straight copy of the
		// backing array is sufficient.
		copy(scratch, t.ring)
	}
	t.mu.Unlock()

	sort.Slice(scratch, func(i, j int) bool { return scratch[i] < scratch[j] })
	return scratch
}

// Percentile returns the latency in microseconds at rank p (p in
// [0,100]) over the current trailing window, using a sort-based
// rank computation rather than a decaying estimator.
func (t *Tracker) Percentile(p float64) uint64 {
	scratch := t.percentileSnapshot()
	return percentileOf(scratch, p)
}

// percentileOf computes the p-th percentile (p in [0,100]) over an
// already-sorted window snapshot, in microseconds. The window is a
// bounded, materialized slice by construction, so stat.Quantile's
// batch, sorted-input contract fits directly; stat.Empirical matches
// the same nearest-occupied-rank behavior the tracker originally
// computed by hand.
func percentileOf(sorted []uint64, p float64) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	q := stat.Quantile(p/100, stat.Empirical, toFloat64(sorted), nil)
	return uint64(q) / 1000
}

func toFloat64(vs []uint64) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}

// Stats returns count, min, max, mean, sigma, and percentiles p50,
// p95, p99, p99.9 alongside the configured target and violation rate.
func (t *Tracker) Stats() Stats {
	sorted := t.percentileSnapshot()

	count := t.count.Load()
	min := t.min.Load()
	if min == ^uint64(0) {
		min = 0
	}
	max := t.max.Load()
	sum := t.sum.Load()

	// Lifetime mean/stddev come from running sum/sum-of-squares
	// accumulators rather than stat.MeanStdDev: the lifetime count is
	// unbounded and never retained as a slice, so there is nothing for
	// a batch statistics call to operate over without defeating the
	// O(1)-per-sample memory bound this accumulator exists for.
	var mean, stddev float64
	if count > 0 {
		mean = float64(sum) / float64(count)
		sumSquares := float64(t.sumSquares.Load())
		meanUs := mean / 1000
		variance := sumSquares/float64(count) - meanUs*meanUs
		if variance > 0 {
			stddev = math.Sqrt(variance) * 1000 // back to ns scale
		}
	}

	var violationRate float64
	if count > 0 {
		violationRate = float64(t.violations.Load()) / float64(count)
	}

	return Stats{
		Count:          count,
		Min:            min,
		Max:            max,
		Mean:           mean,
		StdDev:         stddev,
		P50:            percentileOf(sorted, 50),
		P95:            percentileOf(sorted, 95),
		P99:            percentileOf(sorted, 99),
		P999:           percentileOf(sorted, 99.9),
		TargetUs:       t.targetUs,
		ViolationRate:  violationRate,
		DroppedInvalid: t.droppedBadTS.Load(),
	}
}

// StatsByExchange returns Stats filtered to samples tagged with the
// given exchange id, computed over the currently occupied window.
func (t *Tracker) StatsByExchange(exchangeID int) Stats {
	t.mu.Lock()
	n := t.filled
	values := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		if t.ringMeta[i].exchangeID == exchangeID {
			values = append(values, t.ring[i])
		}
	}
	t.mu.Unlock()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	min := ^uint64(0)
	var max uint64
	var violations int
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		if t.targetUs > 0 && v/1000 > uint64(t.targetUs) {
			violations++
		}
	}
	var violationRate float64
	if len(values) == 0 {
		min = 0
	} else {
		violationRate = float64(violations) / float64(len(values))
	}

	// Unlike the lifetime aggregate in Stats, this is already a
	// materialized, bounded-by-window-size slice, so stat.MeanStdDev
	// is the right tool rather than a hand-rolled accumulator.
	var mean, stddev float64
	if len(values) > 0 {
		mean, stddev = stat.MeanStdDev(toFloat64(values), nil)
	}

	return Stats{
		Count:    uint64(len(values)),
		Min:      min,
		Max:      max,
		Mean:     mean,
		StdDev:   stddev,
		P50:      percentileOf(values, 50),
		P95:      percentileOf(values, 95),
		P99:      percentileOf(values, 99),
		P999:     percentileOf(values, 99.9),
		TargetUs: t.targetUs,

		ViolationRate: violationRate,
	}
}
