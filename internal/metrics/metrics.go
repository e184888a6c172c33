// Package metrics implements the read-only metrics surface (C7): a
// single struct aggregating counters from the pool, queues, parser,
// latency tracker, and pipeline shed counters. Readers copy the
// struct; no locks are taken here. Building a Snapshot is not fully
// lock-free: the latency tracker's Stats() holds its mutex while it
// copies the window, and the pipeline read-locks its sink table.
package metrics

import (
	"github.com/abdoElHodaky/hft-netcore/internal/latency"
	"github.com/abdoElHodaky/hft-netcore/internal/packet"
	"github.com/abdoElHodaky/hft-netcore/internal/pool"
	"github.com/abdoElHodaky/hft-netcore/internal/queue"
)

// ShedCounters counts dropped work per pipeline direction.
type ShedCounters struct {
	IngressDropped uint64
	EgressDropped  uint64
}

// Snapshot aggregates every counter exposed by the core.
type Snapshot struct {
	Pool    pool.Stats
	Ingress queue.Stats
	Egress  queue.Stats
	Parser  packet.Stats
	Latency latency.Stats
	Shed    ShedCounters
}

// Source is anything that can produce a metrics Snapshot. The
// pipeline orchestrator (C6) implements this by composing the stats
// accessors of the components it owns.
type Source interface {
	Snapshot() Snapshot
}
