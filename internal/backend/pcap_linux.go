//go:build linux

package backend

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/netguard/netguard/internal/bufpool"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
)

// pcapAddr is the opaque reinjection token for the pcap backend: on this
// backend reinjection is just "write the frame bytes back out", so the
// token only needs to round-trip the original link type.
type pcapAddr struct {
	linkType layers.LinkType
}

// PcapBackend is the user-space intercept variant (spec.md §4.1, §9
// "Two-backend polymorphism" — the Windows-style driver where every L3
// packet for the host flows through user space and reinjection is
// mandatory). Grounded on the inactive-handle configuration sequence in
// KleaSCM-netscope's capture engine and the open/write/close lifecycle in
// xor-wmap's Injector.
type PcapBackend struct {
	log    *slog.Logger
	mu     sync.Mutex
	handle *pcap.Handle
	src    *gopacket.PacketSource
	closed bool

	// localAddrs holds every IP address assigned to this host, used to
	// tell outbound packets (local is the source) from inbound ones
	// (local is the destination) — spec.md §3's Direction field.
	localAddrs map[string]struct{}
}

// OpenPcap opens a live capture on iface with the given filter and mode.
// ModeIntercept and ModePassive both capture everything matching the
// filter; the distinction between monitor/enforce is made by the Capture
// Engine, not the backend (spec.md §4.5).
func OpenPcap(iface string, filter Filter, mode Mode, log *slog.Logger) (*PcapBackend, error) {
	log = netlog.Component(log, "backend.pcap")

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(65536); err != nil {
		return nil, fmt.Errorf("%w: snaplen: %v", ErrBackendUnavailable, err)
	}
	if err := inactive.SetPromisc(false); err != nil {
		return nil, fmt.Errorf("%w: promisc: %v", ErrBackendUnavailable, err)
	}
	if err := inactive.SetTimeout(pcap.BlockForever); err != nil {
		return nil, fmt.Errorf("%w: timeout: %v", ErrBackendUnavailable, err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		log.Warn("immediate mode unavailable", "err", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		if isPermissionErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: activate: %v", ErrBackendUnavailable, err)
	}

	bpf := filter.BPF()
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("%w: %q: %v", ErrFilterInvalid, bpf, err)
		}
	}

	log.Info("opened capture", "iface", iface, "mode", modeName(mode), "filter", bpf)

	addrs, err := localAddrSet()
	if err != nil {
		log.Warn("could not enumerate local addresses, direction detection degraded", "err", err)
	}

	return &PcapBackend{
		log:        log,
		handle:     handle,
		src:        gopacket.NewPacketSource(handle, handle.LinkType()),
		localAddrs: addrs,
	}, nil
}

// localAddrSet collects every IP address assigned to any local interface,
// grounded on the teacher's internal/platform/iface.go interface-walking
// style (net.Interfaces + Addrs per interface).
func localAddrSet() (map[string]struct{}, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	set := make(map[string]struct{})
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				if ipAddr := net.ParseIP(a.String()); ipAddr != nil {
					ip = ipAddr
				} else {
					continue
				}
			}
			set[ip.String()] = struct{}{}
		}
	}
	return set, nil
}

func modeName(m Mode) string {
	if m == ModeIntercept {
		return "intercept"
	}
	return "passive"
}

func isPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "permission") || strings.Contains(err.Error(), "Operation not permitted")
}

// Recv implements Backend.
func (b *PcapBackend) Recv() (*model.Packet, error) {
	b.mu.Lock()
	src := b.src
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	raw, ok := <-src.Packets()
	if !ok {
		return nil, ErrClosed
	}

	buf := bufpool.Buffers.Get()
	data := raw.Data()
	n := copy(buf, data)
	buf = buf[:n]

	pkt := &model.Packet{
		Raw:    buf,
		Addr:   pcapAddr{linkType: b.handle.LinkType()},
		Length: len(data),
	}
	parsePacketLayers(raw, pkt, b.localAddrs)
	return pkt, nil
}

// parsePacketLayers fills in L3/L4 fields. Parse failures leave
// pkt.Parsed=false so the caller reinjects without accounting (spec.md
// §4.5 step 2). localAddrs is the capturing host's own address set, used
// to tell outbound packets (local is the source) from inbound ones
// (local is the destination).
func parsePacketLayers(raw gopacket.Packet, pkt *model.Packet, localAddrs map[string]struct{}) {
	var srcIP, dstIP net.IP

	if ip4 := raw.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v := ip4.(*layers.IPv4)
		srcIP, dstIP = v.SrcIP, v.DstIP
	} else if ip6 := raw.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v := ip6.(*layers.IPv6)
		srcIP, dstIP = v.SrcIP, v.DstIP
	} else {
		return
	}

	var proto model.Protocol
	var srcPort, dstPort uint16
	if tcp := raw.Layer(layers.LayerTypeTCP); tcp != nil {
		v := tcp.(*layers.TCP)
		proto = model.ProtoTCP
		srcPort, dstPort = uint16(v.SrcPort), uint16(v.DstPort)
	} else if udp := raw.Layer(layers.LayerTypeUDP); udp != nil {
		v := udp.(*layers.UDP)
		proto = model.ProtoUDP
		srcPort, dstPort = uint16(v.SrcPort), uint16(v.DstPort)
	} else {
		return
	}

	pkt.Proto = proto
	pkt.SrcIP, pkt.DstIP = srcIP, dstIP
	pkt.SrcPort, pkt.DstPort = srcPort, dstPort
	pkt.Parsed = true
	pkt.Direction = packetDirection(srcIP, dstIP, localAddrs)
}

// packetDirection classifies a parsed packet by comparing its src/dst IPs
// against the host's own addresses. Loopback takes priority over
// outbound/inbound since both endpoints are local. An unrecognized src
// (neither address is local — e.g. localAddrs failed to populate) falls
// back to the zero value, DirInbound, rather than misreporting outbound.
func packetDirection(srcIP, dstIP net.IP, localAddrs map[string]struct{}) model.Direction {
	if srcIP.IsLoopback() || dstIP.IsLoopback() {
		return model.DirLoopback
	}
	if _, ok := localAddrs[srcIP.String()]; ok {
		return model.DirOutbound
	}
	if _, ok := localAddrs[dstIP.String()]; ok {
		return model.DirInbound
	}
	return model.DirInbound
}

// Send implements Backend: reinjects a previously-received packet.
func (b *PcapBackend) Send(p *model.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.handle == nil {
		return fmt.Errorf("%w", ErrSendFailed)
	}
	if err := b.handle.WritePacketData(p.Raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	bufpool.Buffers.Put(p.Raw[:cap(p.Raw)])
	return nil
}

// SetPipe is a no-op: the pcap backend has no kernel shaping queue, so
// rate limiting runs entirely in internal/limiter against it.
func (b *PcapBackend) SetPipe(pid uint32, downBps, upBps uint64) error { return nil }

// ClearPipe is a no-op for the same reason.
func (b *PcapBackend) ClearPipe(pid uint32) error { return nil }

// UsesKernelShaping implements Backend.
func (b *PcapBackend) UsesKernelShaping() bool { return false }

// Close releases the pcap handle. Safe to call more than once, and must
// run on every exit path including stack unwinding from a panic (spec.md
// §4.1 "Drop behavior") — callers install a recover()-based panic hook
// before opening the handle and call Close in that hook's defer chain
// (see internal/engine).
func (b *PcapBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.handle != nil {
		b.handle.Close()
		b.handle = nil
	}
	b.log.Info("capture handle closed")
	return nil
}
