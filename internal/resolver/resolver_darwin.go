//go:build darwin

package resolver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/netguard/netguard/internal/model"
)

const resolverCmdTimeout = 5 * time.Second

// execCommandContext is indirected so tests can stub out netstat/lsof, the
// same seam the teacher's darwin.go exec-wraps with.
var execCommandContext = exec.CommandContext

// darwinEnumerator builds the FlowKey → ProcessEntry mapping by running
// `netstat -anb` for the connection table and `lsof -i` for the pid/command
// join, grounded on the teacher's internal/platform/darwin.go and
// darwin_netstat.go.
type darwinEnumerator struct{}

func newPlatformEnumerator() enumerator {
	return &darwinEnumerator{}
}

type netstatRow struct {
	proto   model.Protocol
	localIP net.IP
	locPort uint16
}

func (e *darwinEnumerator) Enumerate() (map[model.FlowKey]model.ProcessEntry, error) {
	var rows []netstatRow
	for _, proto := range []model.Protocol{model.ProtoTCP, model.ProtoUDP} {
		out, err := runNetstat(proto)
		if err != nil {
			if proto == model.ProtoUDP {
				continue
			}
			return nil, fmt.Errorf("netstat: %w", err)
		}
		rows = append(rows, parseNetstatRows(out, proto)...)
	}

	lsofOut, err := runLsof()
	if err != nil {
		return nil, fmt.Errorf("lsof: %w", err)
	}
	owners := parseLsofOwners(lsofOut)

	now := time.Now()
	counts := make(map[uint32]uint32)
	mapping := make(map[model.FlowKey]model.ProcessEntry, len(rows))
	for _, row := range rows {
		owner, ok := owners[lsofKey{proto: row.proto, port: row.locPort}]
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

func runNetstat(proto model.Protocol) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolverCmdTimeout)
	defer cancel()

	protoFlag := "tcp"
	if proto == model.ProtoUDP {
		protoFlag = "udp"
	}
	out, err := execCommandContext(ctx, "netstat", "-anb", "-p", protoFlag).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseNetstatRows parses macOS `netstat -anb` connection-table output, e.g.:
//
//	Proto Recv-Q Send-Q  Local Address          Foreign Address        (state)
//	tcp4       0      0  192.168.1.5.443        10.0.0.1.52341         ESTABLISHED
//	tcp6       0      0  ::1.631                *.*                    LISTEN
func parseNetstatRows(output string, proto model.Protocol) []netstatRow {
	var rows []netstatRow
	scanner := bufio.NewScanner(strings.NewReader(output))

	headerFound := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Proto") || strings.Contains(line, "Local Address") {
			headerFound = true
			break
		}
	}
	if !headerFound {
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if !strings.HasPrefix(fields[0], "tcp") && !strings.HasPrefix(fields[0], "udp") {
			continue
		}
		isIPv6 := strings.HasSuffix(fields[0], "6")
		ip, port, err := parseNetstatAddr(fields[3], isIPv6)
		if err != nil || port == 0 {
			continue
		}
		rows = append(rows, netstatRow{proto: proto, localIP: ip, locPort: port})
	}
	return rows
}

func parseNetstatAddr(addr string, isIPv6 bool) (net.IP, uint16, error) {
	lastDot := strings.LastIndex(addr, ".")
	if lastDot < 0 {
		return nil, 0, fmt.Errorf("no dot in address: %q", addr)
	}
	ipPart := addr[:lastDot]
	portPart := addr[lastDot+1:]
	if portPart == "*" {
		portPart = "0"
	}
	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("parse port %q: %w", portPart, err)
	}
	if ipPart == "*" {
		return nil, uint16(port), nil
	}
	ip := net.ParseIP(ipPart)
	if ip == nil {
		if pct := strings.Index(ipPart, "%"); pct >= 0 {
			ip = net.ParseIP(ipPart[:pct])
		}
	}
	_ = isIPv6
	return ip, uint16(port), nil
}

type lsofKey struct {
	proto model.Protocol
	port  uint16
}

type lsofOwner struct {
	pid     uint32
	name    string
	exePath string
}

func runLsof() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolverCmdTimeout)
	defer cancel()

	out, err := execCommandContext(ctx, "lsof", "-i", "-n", "-P", "+c", "0", "-F", "pcnPtTn").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseLsofOwners parses `lsof -i -n -P +c 0 -F pcnPtTn` field output into a
// (proto, local port) → owning-process map, the same join the teacher's
// darwin.go performs between netstat's connection table and lsof's pid
// attribution.
func parseLsofOwners(output string) map[lsofKey]lsofOwner {
	result := make(map[lsofKey]lsofOwner)

	var pid uint32
	var command string
	var proto model.Protocol

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		field, value := line[0], line[1:]
		switch field {
		case 'p':
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				pid = uint32(v)
			}
		case 'c':
			command = value
		case 'P':
			switch strings.ToUpper(value) {
			case "TCP":
				proto = model.ProtoTCP
			case "UDP":
				proto = model.ProtoUDP
			}
		case 'n':
			port, ok := parseLsofLocalPort(value)
			if !ok || pid == 0 {
				continue
			}
			key := lsofKey{proto: proto, port: port}
			if _, exists := result[key]; !exists {
				result[key] = lsofOwner{pid: pid, name: command, exePath: command}
			}
		}
	}
	return result
}

// parseLsofLocalPort extracts the local port from lsof's name field, which
// looks like "ip:port->ip:port", "ip:port" (listening), or "*:port".
func parseLsofLocalPort(name string) (uint16, bool) {
	local := strings.SplitN(name, "->", 2)[0]

	if strings.HasPrefix(local, "[") {
		end := strings.Index(local, "]")
		if end < 0 || !strings.HasPrefix(local[end+1:], ":") {
			return 0, false
		}
		port, err := strconv.ParseUint(local[end+2:], 10, 16)
		if err != nil {
			return 0, false
		}
		return uint16(port), true
	}

	last := strings.LastIndex(local, ":")
	if last < 0 {
		return 0, false
	}
	portStr := local[last+1:]
	if portStr == "*" {
		return 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}
