// Package backend implements the Platform Backend capability (spec.md
// §4.1): open a capture session with a filter expression, receive packets,
// reinject them, and close. Two variants exist: a user-space intercept
// backend where every L3 packet for the host flows through user space and
// reinjection is mandatory, and a kernel-pipe backend where the kernel
// itself holds packets in shaping queues and the process only configures
// pipes and matching rules.
package backend

import (
	"errors"
	"fmt"

	"github.com/netguard/netguard/internal/model"
)

// Sentinel errors forming the Platform Backend error taxonomy (spec.md
// §4.1, §7).
var (
	ErrBackendUnavailable = errors.New("backend: driver unavailable")
	ErrPermissionDenied   = errors.New("backend: permission denied")
	ErrFilterInvalid      = errors.New("backend: invalid filter expression")
	ErrClosed             = errors.New("backend: closed")
	ErrInterrupted        = errors.New("backend: interrupted")
	ErrSendFailed         = errors.New("backend: send failed")
)

// Backend is the minimum common surface both variants implement. The
// kernel-shaping variant's SetPipe/ClearPipe are meaningful; the
// user-space variant's are no-ops (spec.md §9 "Two-backend polymorphism").
type Backend interface {
	// Recv returns the next packet or ErrClosed/ErrInterrupted. May block.
	Recv() (*model.Packet, error)
	// Send reinjects a packet previously received, preserving its opaque
	// address so the kernel routes it to the same interface/direction it
	// came from. Returns ErrSendFailed on a closed/broken send path.
	Send(p *model.Packet) error
	// SetPipe configures kernel-level shaping for a pid; no-op on
	// user-space backends.
	SetPipe(pid uint32, downBps, upBps uint64) error
	// ClearPipe removes kernel-level shaping for a pid; no-op on
	// user-space backends.
	ClearPipe(pid uint32) error
	// Close releases the handle. Must be safe to call more than once and
	// must run on every exit path (spec.md §4.1 "Drop behavior").
	Close() error
	// UsesKernelShaping reports whether SetPipe/ClearPipe are meaningful
	// on this backend; the Rate Limiter only runs its own token-bucket
	// logic when this is false (spec.md §9).
	UsesKernelShaping() bool
}

// Mode selects how the backend opens its capture session.
type Mode uint8

const (
	// ModePassive copies or passes packets through untouched.
	ModePassive Mode = iota
	// ModeIntercept subjects packets to block/rate-limit gating.
	ModeIntercept
)

// Filter is the internally-generated filter expression surface (spec.md
// §6 "Filter expression surface"). It is never exposed to end users.
type Filter struct {
	// AllTCPUDP selects "all TCP or UDP" traffic.
	AllTCPUDP bool
	// SinglePort, when AllTCPUDP is false, selects traffic matching a
	// single (protocol, port) pair — used during phased rollout. It takes
	// precedence over Ports.
	SinglePort *PortMatch
	// Ports is a generated disjunction of per-pid ports, used once a set
	// of limited/blocked pids is known.
	Ports []PortMatch
}

// PortMatch is one (protocol, port) pair in a Filter.
type PortMatch struct {
	Proto model.Protocol
	Port  uint16
}

// BPF renders the filter as a BPF expression, the grammar the pcap-based
// user-space backend understands natively. The kernel-pipe backend
// (pipe_darwin.go) does not use the filter: its anchor matches all traffic.
func (f Filter) BPF() string {
	if f.AllTCPUDP {
		return "tcp or udp"
	}
	if f.SinglePort != nil {
		return fmt.Sprintf("%s port %d", f.SinglePort.Proto, f.SinglePort.Port)
	}
	if len(f.Ports) == 0 {
		return "tcp or udp"
	}
	expr := ""
	for i, pm := range f.Ports {
		if i > 0 {
			expr += " or "
		}
		expr += fmt.Sprintf("(%s port %d)", pm.Proto, pm.Port)
	}
	return expr
}
