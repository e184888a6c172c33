// Package registry implements the exchange registry (C5): an
// immutable-after-construction map of {port -> exchange-id,
// latency-target} consulted by the packet parser for classification.
package registry

import "github.com/abdoElHodaky/hft-netcore/internal/hfterrors"

// Well-known exchange identifiers seeded by default.
const (
	Unknown = 0
	NYSE    = 1
	NASDAQ  = 2
	CBOE    = 3
)

// Protocol is the L4 transport an exchange descriptor expects.
type Protocol uint8

const (
	ProtocolAny Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// Descriptor describes one exchange: its identity, the hosts/ports it
// is reachable on, and its latency target in microseconds.
type Descriptor struct {
	ID              int
	Name            string
	Hosts           []string
	Ports           []uint16
	Protocol        Protocol
	LatencyTargetUs uint32
}

// Registry is immutable after construction; any update requires a
// full pipeline quiesce.
type Registry struct {
	byPort map[uint16]Descriptor
	byID   map[int]Descriptor
}

// DefaultDescriptors returns the seed exchanges NYSE, NASDAQ, and CBOE
// with their default port sets.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{ID: NYSE, Name: "NYSE", Ports: []uint16{4001, 9001, 8001, 7001}, Protocol: ProtocolAny, LatencyTargetUs: 500},
		{ID: NASDAQ, Name: "NASDAQ", Ports: []uint16{4002, 9002, 8002, 7002}, Protocol: ProtocolAny, LatencyTargetUs: 500},
		{ID: CBOE, Name: "CBOE", Ports: []uint16{4003, 9003, 8003, 7003}, Protocol: ProtocolAny, LatencyTargetUs: 500},
	}
}

// New builds a registry from the given descriptors. Expected set sizes
// are small (typically <= 16 ports per exchange) so lookup uses a
// flat map rather than anything fancier.
func New(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{
		byPort: make(map[uint16]Descriptor),
		byID:   make(map[int]Descriptor),
	}
	for _, d := range descriptors {
		if d.ID == Unknown {
			return nil, hfterrors.New(hfterrors.KindStartup, "registry: exchange id 0 is reserved for unknown")
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, hfterrors.Newf(hfterrors.KindStartup, "registry: duplicate exchange id %d", d.ID)
		}
		r.byID[d.ID] = d
		for _, port := range d.Ports {
			if existing, ok := r.byPort[port]; ok {
				return nil, hfterrors.Newf(hfterrors.KindStartup,
					"registry: port %d claimed by both %s and %s", port, existing.Name, d.Name)
			}
			r.byPort[port] = d
		}
	}
	return r, nil
}

// LookupByPorts classifies a packet from its destination and source
// ports. Destination wins on a match; source is tried otherwise. It
// returns (Descriptor{}, false) when neither port matches any
// configured exchange.
func (r *Registry) LookupByPorts(dstPort, srcPort uint16) (Descriptor, bool) {
	if d, ok := r.byPort[dstPort]; ok {
		return d, true
	}
	if d, ok := r.byPort[srcPort]; ok {
		return d, true
	}
	return Descriptor{}, false
}

// ByID returns the descriptor for an exchange id, if configured.
func (r *Registry) ByID(id int) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Len returns the number of configured exchanges.
func (r *Registry) Len() int { return len(r.byID) }
