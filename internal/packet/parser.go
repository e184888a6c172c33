// Package packet implements the zero-copy trading-packet parser (C3):
// a pure function from an Ethernet/IPv4/TCP|UDP frame to a
// ParsedRecord, classifying the exchange by port lookup against the
// exchange registry (C5) and FIX framing by the payload's "8=FIX"
// ASCII prefix. It performs no allocation and
// retains no reference to the input frame.
package packet

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/abdoElHodaky/hft-netcore/internal/registry"
)

// L4Protocol is the transport protocol carrying a trading message.
type L4Protocol uint8

const (
	ProtocolUnknown L4Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

func (p L4Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

const (
	etherTypeIPv4 = 0x0800
	ipv4ProtoTCP  = 6
	ipv4ProtoUDP  = 17

	ethHeaderLen  = 14
	minIPv4FrameLen = ethHeaderLen + 20
)

// ParsedRecord is an immutable, zero-allocation descriptor of a
// classified packet. It travels with the block handle that owns the
// underlying bytes and is discarded when that block is released.
type ParsedRecord struct {
	SrcAddr    [4]byte
	DstAddr    [4]byte
	SrcPort    uint16
	DstPort    uint16
	Protocol   L4Protocol
	ExchangeID int
	IsFIX      bool
	FrameLen   uint32
	CaptureTS  int64
}

// Stats is a read-only snapshot of parser counters.
type Stats struct {
	PacketsParsed     uint64
	BytesProcessed    uint64
	Rejected          uint64
	NonTradingSkipped uint64
}

// Parser classifies frames against a fixed exchange registry snapshot.
// State is limited to counters; the parser is otherwise a pure
// function of its inputs.
type Parser struct {
	registry *registry.Registry

	packetsParsed     atomic.Uint64
	bytesProcessed    atomic.Uint64
	rejected          atomic.Uint64
	nonTradingSkipped atomic.Uint64
}

// New constructs a Parser bound to the given exchange registry.
func New(reg *registry.Registry) *Parser {
	return &Parser{registry: reg}
}

// Parse walks an Ethernet II frame's L2->L4 headers and returns a
// ParsedRecord, or ok=false when the frame is too short, not IPv4,
// has IHL < 5, has a truncated L4 header, or matches no registered
// exchange port (non-trading traffic, counted separately from
// malformed-frame rejects).
func (p *Parser) Parse(frame []byte, captureTS int64) (record ParsedRecord, ok bool) {
	n := len(frame)
	p.bytesProcessed.Add(uint64(n))

	if n < ethHeaderLen {
		p.rejected.Add(1)
		return ParsedRecord{}, false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != etherTypeIPv4 {
		p.rejected.Add(1)
		return ParsedRecord{}, false
	}

	if n < minIPv4FrameLen {
		p.rejected.Add(1)
		return ParsedRecord{}, false
	}
	ipStart := ethHeaderLen
	versionIHL := frame[ipStart]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0F) * 4
	if version != 4 || ihl < 20 || n < ipStart+ihl {
		p.rejected.Add(1)
		return ParsedRecord{}, false
	}

	protocol := frame[ipStart+9]
	var srcAddr, dstAddr [4]byte
	copy(srcAddr[:], frame[ipStart+12:ipStart+16])
	copy(dstAddr[:], frame[ipStart+16:ipStart+20])

	l4Start := ipStart + ihl

	var srcPort, dstPort uint16
	var payloadStart int
	var proto L4Protocol

	switch protocol {
	case ipv4ProtoTCP:
		if n < l4Start+20 {
			p.rejected.Add(1)
			return ParsedRecord{}, false
		}
		srcPort = binary.BigEndian.Uint16(frame[l4Start : l4Start+2])
		dstPort = binary.BigEndian.Uint16(frame[l4Start+2 : l4Start+4])
		dataOffsetFlags := frame[l4Start+12]
		tcpHdrLen := int((dataOffsetFlags>>4)&0x0F) * 4
		if tcpHdrLen < 20 || n < l4Start+tcpHdrLen {
			p.rejected.Add(1)
			return ParsedRecord{}, false
		}
		payloadStart = l4Start + tcpHdrLen
		proto = ProtocolTCP

	case ipv4ProtoUDP:
		if n < l4Start+8 {
			p.rejected.Add(1)
			return ParsedRecord{}, false
		}
		srcPort = binary.BigEndian.Uint16(frame[l4Start : l4Start+2])
		dstPort = binary.BigEndian.Uint16(frame[l4Start+2 : l4Start+4])
		payloadStart = l4Start + 8
		proto = ProtocolUDP

	default:
		p.rejected.Add(1)
		return ParsedRecord{}, false
	}

	desc, matched := p.registry.LookupByPorts(dstPort, srcPort)
	if !matched {
		p.nonTradingSkipped.Add(1)
		return ParsedRecord{}, false
	}

	isFIX := false
	if payloadStart <= n {
		payload := frame[payloadStart:n]
		if len(payload) >= 8 &&
			payload[0] == '8' && payload[1] == '=' && payload[2] == 'F' &&
			payload[3] == 'I' && payload[4] == 'X' {
			isFIX = true
		}
	}

	p.packetsParsed.Add(1)
	return ParsedRecord{
		SrcAddr:    srcAddr,
		DstAddr:    dstAddr,
		SrcPort:    srcPort,
		DstPort:    dstPort,
		Protocol:   proto,
		ExchangeID: desc.ID,
		IsFIX:      isFIX,
		FrameLen:   uint32(n),
		CaptureTS:  captureTS,
	}, true
}

// Stats returns a lock-free snapshot of parser counters.
func (p *Parser) Stats() Stats {
	return Stats{
		PacketsParsed:     p.packetsParsed.Load(),
		BytesProcessed:    p.bytesProcessed.Load(),
		Rejected:          p.rejected.Load(),
		NonTradingSkipped: p.nonTradingSkipped.Load(),
	}
}
