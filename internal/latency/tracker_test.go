package latency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_MinMaxMean(t *testing.T) {
	tr := New(1000, 500, nil)
	values := []uint64{10, 20, 30, 40, 50}
	for _, v := range values {
		tr.Record(v, 1, "TCP")
	}

	stats := tr.Stats()
	assert.Equal(t, uint64(5), stats.Count)
	assert.Equal(t, uint64(10), stats.Min)
	assert.Equal(t, uint64(50), stats.Max)
	assert.InDelta(t, 30.0, stats.Mean, 0.001)
}

func TestTracker_PercentileIsMonotonic(t *testing.T) {
	tr := New(1000, 0, nil)
	for i := 1; i <= 1000; i++ {
		tr.Record(uint64(i)*1000, 1, "TCP")
	}

	prev := uint64(0)
	for _, p := range []float64{1, 10, 25, 50, 75, 90, 99, 99.9} {
		v := tr.Percentile(p)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestTracker_WindowOverflowKeepsLifetimeMinMax(t *testing.T) {
	const window = 100000
	tr := New(window, 0, nil)

	for i := 1; i <= 200000; i++ {
		tr.Record(uint64(i)*1000, 1, "TCP")
	}

	stats := tr.Stats()
	assert.Equal(t, uint64(200000), stats.Count)
	assert.Equal(t, uint64(1000), stats.Min)     // lifetime min: first sample, 1us
	assert.Equal(t, uint64(200000000), stats.Max) // lifetime max: last sample, 200000us

	// Windowed p50 should reflect only the trailing 100000 samples,
	// i.e. values 100001..200000 us, so p50 sits near 150000us.
	assert.InDelta(t, 150000, stats.P50, 2000)
}

func TestTracker_InvalidTimestampsAreDropped(t *testing.T) {
	tr := New(1000, 0, nil)

	ok := tr.RecordFromTimestamps(100, 50, 1, "TCP") // recv < send
	assert.False(t, ok)
	ok = tr.RecordFromTimestamps(100, 100, 1, "TCP") // recv == send
	assert.False(t, ok)

	stats := tr.Stats()
	assert.Equal(t, uint64(0), stats.Count)
	assert.Equal(t, uint64(2), stats.DroppedInvalid)

	ok = tr.RecordFromTimestamps(100, 200, 1, "TCP")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tr.Stats().Count)
}

func TestTracker_ClampsExtremeLatencies(t *testing.T) {
	tr := New(10, 0, nil)
	tr.Record(^uint64(0), 1, "TCP") // far beyond 2^32-1

	stats := tr.Stats()
	assert.Equal(t, maxLatencyNs, stats.Max)
}

func TestTracker_StatsByExchangeFiltersSamples(t *testing.T) {
	tr := New(1000, 0, nil)
	for i := 0; i < 10; i++ {
		tr.Record(100, 1, "TCP")
	}
	for i := 0; i < 5; i++ {
		tr.Record(9999, 2, "UDP")
	}

	s1 := tr.StatsByExchange(1)
	assert.Equal(t, uint64(10), s1.Count)
	assert.Equal(t, uint64(100), s1.Max)

	s2 := tr.StatsByExchange(2)
	assert.Equal(t, uint64(5), s2.Count)
}

func TestTracker_ViolationRate(t *testing.T) {
	tr := New(1000, 50, nil) // target 50us
	tr.Record(10000, 1, "TCP")  // 10us, ok
	tr.Record(100000, 1, "TCP") // 100us, violation

	stats := tr.Stats()
	assert.InDelta(t, 0.5, stats.ViolationRate, 0.001)
}
