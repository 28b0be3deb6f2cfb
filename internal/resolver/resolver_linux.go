//go:build linux

package resolver

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/mdlayher/netlink"

	"github.com/netguard/netguard/internal/model"
)

// Netlink SOCK_DIAG constants, grounded on the teacher's
// internal/platform/linux.go.
const (
	sockDiagByFamily = 20
	inetDiagInfo     = 2

	afINET  = 2
	afINET6 = 10

	ipprotoTCP = 6
	ipprotoUDP = 17

	allTCPStates = 0xFFF
)

type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      inetDiagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

// linuxEnumerator queries the kernel's inet_diag socket tables via netlink,
// falling back to parsing /proc/net/{tcp,udp} when inet_diag is
// unavailable, exactly as the teacher's LinuxPlatform does.
type linuxEnumerator struct {
	conn    *netlink.Conn
	useProc bool
}

func newPlatformEnumerator() enumerator {
	conn, err := netlink.Dial(4, nil) // NETLINK_SOCK_DIAG
	if err != nil {
		return &linuxEnumerator{useProc: true}
	}
	if probeErr := probeNetlinkDiag(conn); probeErr != nil {
		conn.Close()
		return &linuxEnumerator{useProc: true}
	}
	return &linuxEnumerator{conn: conn}
}

func probeNetlinkDiag(conn *netlink.Conn) error {
	req := inetDiagReqV2{Family: afINET, Protocol: ipprotoTCP, States: allTCPStates}
	reqBytes := (*[unsafe.Sizeof(req)]byte)(unsafe.Pointer(&req))[:]
	msg := netlink.Message{
		Header: netlink.Header{Type: sockDiagByFamily, Flags: netlink.Request | netlink.Dump},
		Data:   reqBytes,
	}
	_, err := conn.Execute(msg)
	return err
}

type socketRow struct {
	proto   model.Protocol
	localIP net.IP
	locPort uint16
	inode   uint64
}

func (e *linuxEnumerator) Enumerate() (map[model.FlowKey]model.ProcessEntry, error) {
	var rows []socketRow
	var err error
	if e.useProc {
		rows, err = queryFromProc()
	} else {
		rows, err = e.queryNetlink()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate sockets: %w", err)
	}

	inodeToPID, err := scanInodeOwners()
	if err != nil {
		return nil, fmt.Errorf("scan /proc: %w", err)
	}

	now := time.Now()
	counts := make(map[uint32]uint32)
	mapping := make(map[model.FlowKey]model.ProcessEntry, len(rows))
	for _, row := range rows {
		owner, ok := inodeToPID[row.inode]
		if !ok {
			continue
		}
		counts[owner.pid]++
		key := model.NewFlowKey(row.proto, row.localIP, row.locPort)
		mapping[key] = model.ProcessEntry{
			PID:      owner.pid,
			Name:     owner.name,
			ExePath:  owner.exePath,
			LastSeen: now,
		}
	}
	for key, entry := range mapping {
		entry.ConnectionCount = counts[entry.PID]
		mapping[key] = entry
	}
	return mapping, nil
}

func (e *linuxEnumerator) queryNetlink() ([]socketRow, error) {
	var all []socketRow
	for _, af := range []uint8{afINET, afINET6} {
		rows, err := e.queryFamily(af, ipprotoTCP, model.ProtoTCP)
		if err != nil {
			return nil, fmt.Errorf("query TCP af=%d: %w", af, err)
		}
		all = append(all, rows...)
	}
	for _, af := range []uint8{afINET, afINET6} {
		rows, err := e.queryFamily(af, ipprotoUDP, model.ProtoUDP)
		if err != nil {
			continue // UDP query failures are non-fatal on some kernels
		}
		all = append(all, rows...)
	}
	return all, nil
}

func (e *linuxEnumerator) queryFamily(family, protocol uint8, proto model.Protocol) ([]socketRow, error) {
	req := inetDiagReqV2{Family: family, Protocol: protocol, States: allTCPStates}
	if protocol == ipprotoTCP {
		req.Ext = 1 << (inetDiagInfo - 1)
	}
	reqBytes := (*[unsafe.Sizeof(req)]byte)(unsafe.Pointer(&req))[:]
	msg := netlink.Message{
		Header: netlink.Header{Type: sockDiagByFamily, Flags: netlink.Request | netlink.Dump},
		Data:   reqBytes,
	}
	msgs, err := e.conn.Execute(msg)
	if err != nil {
		return nil, err
	}

	var rows []socketRow
	for _, m := range msgs {
		row, err := parseDiagMsg(m.Data, family, proto)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseDiagMsg(data []byte, family uint8, proto model.Protocol) (socketRow, error) {
	var row socketRow
	if len(data) < int(unsafe.Sizeof(inetDiagMsg{})) {
		return row, fmt.Errorf("message too short: %d", len(data))
	}
	msg := (*inetDiagMsg)(unsafe.Pointer(&data[0]))

	row.proto = proto
	row.inode = uint64(msg.Inode)
	row.locPort = binary.BigEndian.Uint16(msg.ID.SPort[:])

	if family == afINET {
		row.localIP = net.IP(msg.ID.Src[:4]).To4()
	} else {
		ip := make(net.IP, 16)
		copy(ip, msg.ID.Src[:])
		row.localIP = ip
	}
	return row, nil
}

// queryFromProc parses /proc/net/{tcp,tcp6,udp,udp6}, the fallback path
// when inet_diag is unavailable (teacher's internal/platform/linux_proc_net.go).
func queryFromProc() ([]socketRow, error) {
	files := []struct {
		path   string
		family uint8
		proto  model.Protocol
	}{
		{"/proc/net/tcp", afINET, model.ProtoTCP},
		{"/proc/net/tcp6", afINET6, model.ProtoTCP},
		{"/proc/net/udp", afINET, model.ProtoUDP},
		{"/proc/net/udp6", afINET6, model.ProtoUDP},
	}

	var all []socketRow
	for _, pf := range files {
		rows, err := parseProcNetFile(pf.path, pf.family, pf.proto)
		if err != nil {
			if pf.proto == model.ProtoUDP {
				continue
			}
			return nil, fmt.Errorf("parse %s: %w", pf.path, err)
		}
		all = append(all, rows...)
	}
	return all, nil
}

func parseProcNetFile(path string, family uint8, proto model.Protocol) ([]socketRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []socketRow
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() { // header line
		return nil, scanner.Err()
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row, err := parseProcNetLine(line, family, proto)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func parseProcNetLine(line string, family uint8, proto model.Protocol) (socketRow, error) {
	var row socketRow
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return row, fmt.Errorf("too few fields: %d", len(fields))
	}

	localIP, localPort, err := parseProcAddr(fields[1], family)
	if err != nil {
		return row, fmt.Errorf("parse local addr: %w", err)
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return row, fmt.Errorf("parse inode: %w", err)
	}

	row.proto = proto
	row.localIP = localIP
	row.locPort = localPort
	row.inode = inode
	return row, nil
}

func parseProcAddr(s string, family uint8) (net.IP, uint16, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("invalid address format: %q", s)
	}
	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid port: %w", err)
	}
	ipBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid IP hex: %w", err)
	}

	var ip net.IP
	if family == afINET {
		if len(ipBytes) != 4 {
			return nil, 0, fmt.Errorf("expected 4 IP bytes, got %d", len(ipBytes))
		}
		ip = net.IPv4(ipBytes[3], ipBytes[2], ipBytes[1], ipBytes[0]).To4()
	} else {
		if len(ipBytes) != 16 {
			return nil, 0, fmt.Errorf("expected 16 IP bytes, got %d", len(ipBytes))
		}
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i*4+0] = ipBytes[i*4+3]
			ip[i*4+1] = ipBytes[i*4+2]
			ip[i*4+2] = ipBytes[i*4+1]
			ip[i*4+3] = ipBytes[i*4+0]
		}
	}
	return ip, uint16(port), nil
}

type procOwner struct {
	pid     uint32
	name    string
	exePath string
}

// scanInodeOwners walks /proc/[pid]/fd to build an inode→owning-process
// map, the same inode-to-pid join the teacher's ScanProcesses performs.
func scanInodeOwners() (map[uint64]procOwner, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	result := make(map[uint64]procOwner)
	for _, entry := range entries {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or permission denied; skip
		}

		var owner *procOwner
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := parseSocketInode(link)
			if !ok {
				continue
			}
			if owner == nil {
				o := processOwnerInfo(pid)
				owner = &o
			}
			result[inode] = *owner
		}
	}
	return result, nil
}

func parseSocketInode(link string) (uint64, bool) {
	if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
		return 0, false
	}
	n, err := strconv.ParseUint(link[len("socket:["):len(link)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func processOwnerInfo(pid uint32) procOwner {
	exePath, _ := os.Readlink(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "exe"))
	name := exePath
	if name == "" {
		if comm, err := os.ReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "comm")); err == nil {
			name = strings.TrimSpace(string(comm))
		}
	} else {
		name = filepath.Base(name)
	}
	return procOwner{pid: pid, name: name, exePath: exePath}
}
