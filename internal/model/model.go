// Package model holds the data types shared across NetGuard's packet-plane
// packages: the wire-level Packet and FlowKey, process attribution, and the
// accounting/limiting records keyed off a pid.
package model

import (
	"net"
	"time"
)

// Protocol identifies the L4 protocol of a flow.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Direction classifies a packet relative to the host.
type Direction uint8

const (
	DirInbound Direction = iota
	DirOutbound
	DirLoopback
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	case DirLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// UnknownPID is the reserved synthetic pid used when a flow cannot be
// attributed to a resolved process. It is a valid map key everywhere but is
// explicitly excluded from rule-based operations (limits, blocks).
const UnknownPID uint32 = 0

// FlowKey identifies a local endpoint: (protocol, local_addr, local_port).
type FlowKey struct {
	Proto     Protocol
	LocalAddr string // net.IP.String() form; avoids net.IP's non-comparable slice header
	LocalPort uint16
}

// NewFlowKey derives a FlowKey from a protocol, local IP and local port.
func NewFlowKey(proto Protocol, localIP net.IP, localPort uint16) FlowKey {
	return FlowKey{Proto: proto, LocalAddr: localIP.String(), LocalPort: localPort}
}

// Packet is the opaque captured L3 frame plus the metadata the packet plane
// needs for attribution, accounting and reinjection.
type Packet struct {
	Direction Direction
	Raw       []byte // backing buffer, owned until reinjection or drop

	// Addr is the backend-supplied opaque token identifying the kernel
	// source/sink; it must be round-tripped unchanged on reinjection.
	Addr any

	Proto   Protocol
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Length  int

	// Parsed is false when header parsing failed (malformed/truncated/
	// unsupported protocol); such packets are reinjected immediately with
	// no accounting, per spec.md §4.5 step 2.
	Parsed bool
}

// LocalEndpoint returns the FlowKey for the host side of the packet: the
// source for outbound traffic, the destination for inbound traffic.
func (p *Packet) LocalEndpoint() FlowKey {
	switch p.Direction {
	case DirOutbound:
		return NewFlowKey(p.Proto, p.SrcIP, p.SrcPort)
	default:
		return NewFlowKey(p.Proto, p.DstIP, p.DstPort)
	}
}

// ProcessEntry is the Resolver's view of a process owning one or more
// sockets.
type ProcessEntry struct {
	PID             uint32
	Name            string
	ExePath         string
	ConnectionCount uint32
	LastSeen        time.Time
}

// TrafficCounters is the Accounting Store's per-pid record.
type TrafficCounters struct {
	PID              uint32
	Name             string
	ExePath          string
	BytesSent        uint64
	BytesRecv        uint64
	UploadSpeedBps   float64
	DownloadSpeedBps float64
	ConnectionCount  uint32
	LastActive       time.Time
}

// BandwidthLimit is a per-pid cap; 0 in either direction means unlimited for
// that direction.
type BandwidthLimit struct {
	DownloadBps uint64
	UploadBps   uint64
}

// Unlimited reports whether neither direction is capped.
func (b BandwidthLimit) Unlimited() bool {
	return b.DownloadBps == 0 && b.UploadBps == 0
}

// CaptureMode is the Capture Engine's operating mode.
type CaptureMode uint8

const (
	ModeMonitor CaptureMode = iota
	ModeEnforce
)

func (m CaptureMode) String() string {
	switch m {
	case ModeMonitor:
		return "monitor"
	case ModeEnforce:
		return "enforce"
	default:
		return "unknown"
	}
}

// EngineState is the Capture Engine's state-machine position, §4.5.
type EngineState uint8

const (
	StateStopped EngineState = iota
	StateMonitor
	StateEnforce
	StateFaulted
)

func (s EngineState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateMonitor:
		return "monitor"
	case StateEnforce:
		return "enforce"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// TerminalAction names the fate of a packet processed by the engine. The
// engine does not use this type; it tracks the §8 invariant in_count ==
// reinject_count + drop_count through the counters Engine.Stats returns.
type TerminalAction uint8

const (
	ActionReinjectImmediate TerminalAction = iota
	ActionReinjectDelayed
	ActionDrop
)

// DropReason attributes a drop to a cause for the per-pid drop counters.
type DropReason uint8

const (
	DropReasonNone DropReason = iota
	DropReasonBlocked
	DropReasonQueueOverflow
)

func (r DropReason) String() string {
	switch r {
	case DropReasonBlocked:
		return "blocked"
	case DropReasonQueueOverflow:
		return "queue_overflow"
	default:
		return "none"
	}
}

// ThresholdEvent is the outbound event emitted when a pid's aggregate speed
// crosses a configured threshold for the first time in a cooldown window.
type ThresholdEvent struct {
	PID       uint32
	Name      string
	SpeedBps  float64
	Threshold float64
	At        time.Time
}

// RuleEntry is one row of the externally-persisted rules table (spec.md §6
// "Persisted state"). NetGuard reads these on startup; it does not define
// the on-disk format.
type RuleEntry struct {
	ExePath     string
	DownloadBps uint64
	UploadBps   uint64
	Blocked     bool
}
