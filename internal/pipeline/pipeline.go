// Package pipeline implements the orchestrator (C6): it wires capture
// sources, a fixed pool of parser workers, and one or more consumer
// sinks around the pool (C1), the bounded queues (C2), the parser
// (C3), and the latency tracker (C4), and owns the back-pressure /
// shed policy that keeps the pipeline bounded under overload.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdoElHodaky/hft-netcore/internal/hfterrors"
	"github.com/abdoElHodaky/hft-netcore/internal/latency"
	"github.com/abdoElHodaky/hft-netcore/internal/metrics"
	"github.com/abdoElHodaky/hft-netcore/internal/packet"
	"github.com/abdoElHodaky/hft-netcore/internal/pool"
	"github.com/abdoElHodaky/hft-netcore/internal/queue"
	"github.com/abdoElHodaky/hft-netcore/internal/registry"
)

// Config configures the orchestrator's worker count and back-pressure
// discipline.
type Config struct {
	ParserWorkers     int
	ShedHighWatermark float64
	ShedLowWatermark  float64
	BackoffSpins      int
	BackoffYieldAfter int
}

// Frame is what a capture source presents to the pipeline: an
// Ethernet II frame and, if the source provides one, its capture
// timestamp in nanoseconds. A zero timestamp means "not provided";
// Submit then stamps the frame with time.Now().UnixNano(), the same
// wall-clock reading the parser workers take as the receive time. It
// is not a monotonic clock reading, so a wall-clock step between the
// two readings shifts the recorded latency.
type Frame struct {
	Bytes       []byte
	CaptureTSNs int64
}

// EgressItem is what a consumer sink receives: a block handle plus
// its parsed record. The consumer must call Release exactly once.
type EgressItem struct {
	Handle pool.BlockHandle
	Record packet.ParsedRecord
}

type ingressItem struct {
	handle    pool.BlockHandle
	length    uint32
	captureTS int64
}

// shedGate implements a hysteresis rule: shed mode engages above the
// high watermark and clears below the low watermark, so a queue
// riding near one threshold doesn't flap.
type shedGate struct {
	high, low float64
	active    atomic.Bool
}

func (g *shedGate) update(ratio float64) {
	if g.active.Load() {
		if ratio < g.low {
			g.active.Store(false)
		}
		return
	}
	if ratio > g.high {
		g.active.Store(true)
	}
}

type sink struct {
	name    string
	egress  *queue.Queue[EgressItem]
	shed    shedGate
	dropped atomic.Uint64
}

// ConsumerSink is the consumer-facing handle for one downstream sink:
// a consumer thread pops items and must call Release exactly once per
// item.
type ConsumerSink struct {
	name   string
	egress *queue.Queue[EgressItem]
	pool   *pool.Pool
}

// TryReceive pops one item without blocking.
func (s *ConsumerSink) TryReceive() (EgressItem, bool) {
	return s.egress.TryPop()
}

// Release returns the item's block to the pool. Must be called
// exactly once per item received from TryReceive.
func (s *ConsumerSink) Release(item EgressItem) {
	s.pool.Release(item.Handle)
}

// Pipeline owns the pool, registry, parser, latency tracker, ingress
// queue, and every registered consumer sink's egress queue. It is the
// single object a process constructs at startup and threads reference
// by pointer, never by ambient global state.
type Pipeline struct {
	pool     *pool.Pool
	registry *registry.Registry
	parser   *packet.Parser
	tracker  *latency.Tracker
	ingress  *queue.Queue[ingressItem]
	cfg      Config
	logger   *zap.Logger

	mu        sync.RWMutex
	sinks     map[string]*sink
	sinkOrder []string

	shutdown       atomic.Bool
	ingressShed    shedGate
	ingressDropped atomic.Uint64

	captureMeter gometrics.Meter
	shedMeter    gometrics.Meter

	group *errgroup.Group
}

// New constructs a Pipeline bound to an already-constructed pool,
// registry, and latency tracker, with its own ingress queue of the
// given capacity.
func New(p *pool.Pool, reg *registry.Registry, tracker *latency.Tracker, ingressCapacity uint32, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ingress, err := queue.New[ingressItem](ingressCapacity)
	if err != nil {
		return nil, err
	}
	if cfg.ShedHighWatermark == 0 {
		cfg.ShedHighWatermark = 0.9
	}
	if cfg.ShedLowWatermark == 0 {
		cfg.ShedLowWatermark = 0.7
	}
	if cfg.ParserWorkers <= 0 {
		cfg.ParserWorkers = 1
	}

	return &Pipeline{
		pool:         p,
		registry:     reg,
		parser:       packet.New(reg),
		tracker:      tracker,
		ingress:      ingress,
		cfg:          cfg,
		logger:       logger,
		sinks:        make(map[string]*sink),
		ingressShed:  shedGate{high: cfg.ShedHighWatermark, low: cfg.ShedLowWatermark},
		captureMeter: gometrics.NewMeter(),
		shedMeter:    gometrics.NewMeter(),
	}, nil
}

// AddSink registers a downstream consumer with its own egress queue
// and returns the handle that consumer thread uses to drain it.
func (p *Pipeline) AddSink(name string, capacity uint32) (*ConsumerSink, error) {
	egress, err := queue.New[EgressItem](capacity)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sinks[name]; exists {
		return nil, hfterrors.Newf(hfterrors.KindContractViolation, "pipeline: sink %q already registered", name)
	}
	s := &sink{name: name, egress: egress, shed: shedGate{high: p.cfg.ShedHighWatermark, low: p.cfg.ShedLowWatermark}}
	p.sinks[name] = s
	p.sinkOrder = append(p.sinkOrder, name)

	return &ConsumerSink{name: name, egress: egress, pool: p.pool}, nil
}

// Submit is the capture actor's entry point: acquire a block, copy
// the frame, timestamp it, and push a handle onto the ingress queue,
// applying a bounded-spin / yield / shed discipline when the push
// fails.
func (p *Pipeline) Submit(frame Frame) bool {
	if p.shutdown.Load() {
		return false
	}

	h, ok := p.pool.Acquire()
	if !ok {
		p.ingressDropped.Add(1)
		p.shedMeter.Mark(1)
		return false
	}

	n := copy(h.Bytes(), frame.Bytes)
	ts := frame.CaptureTSNs
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	item := ingressItem{handle: h, length: uint32(n), captureTS: ts}

	if p.ingressShed.active.Load() {
		// Re-sample the current fill ratio even while shed is active:
		// TryPush only runs (and can clear the gate) on the path below,
		// so without this the gate would never see the queue drain and
		// would latch shed mode on permanently after one overload burst.
		p.ingressShed.update(p.ingress.FillRatio())
		if p.ingressShed.active.Load() {
			p.dropIngress(h)
			return false
		}
	}

	if p.ingress.TryPush(item) {
		p.captureMeter.Mark(1)
		p.ingressShed.update(p.ingress.FillRatio())
		return true
	}

	for spins := 0; spins < p.cfg.BackoffSpins; spins++ {
		runtime.Gosched()
		if p.ingress.TryPush(item) {
			p.captureMeter.Mark(1)
			p.ingressShed.update(p.ingress.FillRatio())
			return true
		}
	}
	time.Sleep(time.Microsecond)
	if p.ingress.TryPush(item) {
		p.captureMeter.Mark(1)
		p.ingressShed.update(p.ingress.FillRatio())
		return true
	}

	p.ingressShed.active.Store(true)
	p.dropIngress(h)
	return false
}

func (p *Pipeline) dropIngress(h pool.BlockHandle) {
	p.ingressDropped.Add(1)
	p.shedMeter.Mark(1)
	p.pool.Release(h)
}

// Start launches cfg.ParserWorkers parser-worker goroutines bound to
// ctx. It returns immediately; call Wait to block until every worker
// has drained and exited.
func (p *Pipeline) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.ParserWorkers; i++ {
		g.Go(func() error {
			return p.runParserWorker(gctx)
		})
	}
	p.group = g
}

// Wait blocks until every parser worker started by Start has exited.
func (p *Pipeline) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// Shutdown sets the shutdown flag polled between dequeues. Workers
// observing it drain their queue, release any held blocks, and exit;
// no work outlives the pool.
func (p *Pipeline) Shutdown() {
	p.shutdown.Store(true)
}

func (p *Pipeline) runParserWorker(ctx context.Context) error {
	spins := 0
	for {
		if p.shutdown.Load() {
			p.drainIngress()
			return nil
		}
		select {
		case <-ctx.Done():
			p.drainIngress()
			return ctx.Err()
		default:
		}

		item, ok := p.ingress.TryPop()
		if !ok {
			spins++
			if spins <= p.cfg.BackoffSpins {
				runtime.Gosched()
			} else {
				time.Sleep(time.Microsecond)
			}
			continue
		}
		spins = 0
		p.processItem(item)
	}
}

func (p *Pipeline) drainIngress() {
	for {
		item, ok := p.ingress.TryPop()
		if !ok {
			return
		}
		p.pool.Release(item.handle)
	}
}

func (p *Pipeline) processItem(item ingressItem) {
	frame := item.handle.Bytes()[:item.length]
	record, ok := p.parser.Parse(frame, item.captureTS)
	if !ok {
		p.pool.Release(item.handle)
		return
	}

	now := time.Now().UnixNano()
	p.tracker.RecordFromTimestamps(item.captureTS, now, record.ExchangeID, record.Protocol.String())

	p.mu.RLock()
	names := make([]string, len(p.sinkOrder))
	copy(names, p.sinkOrder)
	p.mu.RUnlock()

	if len(names) == 0 {
		p.pool.Release(item.handle)
		return
	}

	for i, name := range names {
		p.mu.RLock()
		s := p.sinks[name]
		p.mu.RUnlock()

		var h pool.BlockHandle
		if i == 0 {
			h = item.handle
		} else {
			var acquired bool
			h, acquired = p.pool.Acquire()
			if !acquired {
				s.dropped.Add(1)
				p.shedMeter.Mark(1)
				continue
			}
			copy(h.Bytes(), frame)
		}

		if s.shed.active.Load() {
			// Re-sample before committing to the drop, same reasoning
			// as the ingress gate: otherwise a sink that once crossed
			// the high watermark never sees its fill ratio again and
			// stays shed-active even after the consumer catches up.
			s.shed.update(s.egress.FillRatio())
		}
		if s.shed.active.Load() {
			s.dropped.Add(1)
			p.shedMeter.Mark(1)
			p.pool.Release(h)
			continue
		}

		egressItem := EgressItem{Handle: h, Record: record}
		if !s.egress.TryPush(egressItem) {
			s.dropped.Add(1)
			p.shedMeter.Mark(1)
			p.pool.Release(h)
		}
		s.shed.update(s.egress.FillRatio())
	}
}

// Snapshot implements metrics.Source, aggregating C1, C2 (ingress and
// the first registered sink's egress), C3, C4 and shed counters into
// a single read-only struct.
func (p *Pipeline) Snapshot() metrics.Snapshot {
	p.mu.RLock()
	var egress queue.Stats
	var egressDropped uint64
	for _, name := range p.sinkOrder {
		s := p.sinks[name]
		egressDropped += s.dropped.Load()
	}
	if len(p.sinkOrder) > 0 {
		egress = p.sinks[p.sinkOrder[0]].egress.Stats()
	}
	p.mu.RUnlock()

	return metrics.Snapshot{
		Pool:    p.pool.Stats(),
		Ingress: p.ingress.Stats(),
		Egress:  egress,
		Parser:  p.parser.Stats(),
		Latency: p.tracker.Stats(),
		Shed: metrics.ShedCounters{
			IngressDropped: p.ingressDropped.Load(),
			EgressDropped:  egressDropped,
		},
	}
}

// CaptureRate1 returns the one-minute exponentially weighted moving
// average of accepted Submit calls per second.
func (p *Pipeline) CaptureRate1() float64 { return p.captureMeter.Rate1() }

// ShedRate1 returns the one-minute EWMA of shed (dropped) frames per
// second, across both ingress and egress directions.
func (p *Pipeline) ShedRate1() float64 { return p.shedMeter.Rate1() }
