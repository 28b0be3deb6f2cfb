//go:build darwin

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
)

const pipeCmdTimeout = 5 * time.Second

// execCommandContext is indirected so tests can stub it out, the same
// pattern xor-wmap's injector.go uses for its exec.Command seam.
var execCommandContext = exec.CommandContext

// PipeBackend is the kernel-pipe variant (spec.md §4.1, §9 — the BSD-style
// backend where the kernel's dummynet queues hold packets and the process
// only configures pipes and pf anchor rules; the process never sees packet
// payload). Grounded on the teacher's internal/platform/darwin.go exec-wrap
// style (exec.CommandContext, parse-or-degrade-non-fatally).
type PipeBackend struct {
	log    *slog.Logger
	anchor string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	pipes  map[uint32]struct{} // pids with an active pair of dummynet pipes
}

// OpenPipe installs a pf anchor for NetGuard and returns a handle. Unlike
// PcapBackend, this backend never delivers packets to user space: the
// kernel forwards traffic on its own, and Recv returns no packets at all
// (it blocks until Close). The filter argument is not used. This backend
// covers only the pipe/shape control path.
func OpenPipe(anchor string, filter Filter, mode Mode, log *slog.Logger) (*PipeBackend, error) {
	log = netlog.Component(log, "backend.pipe")

	if anchor == "" {
		anchor = "netguard"
	}

	ctx, cancel := context.WithTimeout(context.Background(), pipeCmdTimeout)
	defer cancel()

	rules := fmt.Sprintf("anchor \"%s\" all\n", anchor)
	cmd := execCommandContext(ctx, "pfctl", "-a", anchor, "-f", "-")
	cmd.Stdin = strings.NewReader(rules)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: pfctl load anchor: %v: %s", ErrBackendUnavailable, err, out)
	}

	if out, err := execCommandContext(ctx, "pfctl", "-e").CombinedOutput(); err != nil {
		// pf is very likely already enabled; pfctl -e exits nonzero for
		// "already enabled" too, so this is logged, not fatal.
		log.Debug("pfctl -e non-fatal", "out", string(out), "err", err)
	}

	log.Info("opened kernel pipe backend", "anchor", anchor, "mode", modeName(mode))

	return &PipeBackend{
		log:    log,
		anchor: anchor,
		done:   make(chan struct{}),
		pipes:  make(map[uint32]struct{}),
	}, nil
}

// Recv blocks until closed: this backend's normal traffic never transits
// user space, so there is nothing to read. Close unblocks it with
// ErrClosed.
func (b *PipeBackend) Recv() (*model.Packet, error) {
	b.mu.Lock()
	done := b.done
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	// No divert-socket helper wired up in this build; the kernel handles
	// all matched traffic itself. Block until shutdown.
	<-done
	return nil, ErrClosed
}

// Send is unreachable on this backend in the current build (see Recv) but
// is implemented for interface completeness and future divert-socket
// wiring: it would write the frame back to the anchor's divert socket.
func (b *PipeBackend) Send(p *model.Packet) error {
	return fmt.Errorf("%w: pipe backend has no pending reinjection", ErrSendFailed)
}

// SetPipe configures a dummynet pipe pair for pid's download/upload caps
// via dnctl. It adds no pf rule to NetGuard's anchor, so it does not route
// the pid's traffic through the pipes. 0 bps in a direction means unlimited
// for that direction (spec.md §4.4), which on dummynet means "no pipe",
// not "zero bandwidth".
func (b *PipeBackend) SetPipe(pid uint32, downBps, upBps uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w", ErrSendFailed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pipeCmdTimeout)
	defer cancel()

	inPipe, outPipe := dummynetPipeIDs(pid)

	if downBps > 0 {
		if err := runDnctl(ctx, "pipe", strconv.Itoa(inPipe), "config", "bw", bpsToKbit(downBps)); err != nil {
			return fmt.Errorf("%w: configure download pipe: %v", ErrBackendUnavailable, err)
		}
	}
	if upBps > 0 {
		if err := runDnctl(ctx, "pipe", strconv.Itoa(outPipe), "config", "bw", bpsToKbit(upBps)); err != nil {
			return fmt.Errorf("%w: configure upload pipe: %v", ErrBackendUnavailable, err)
		}
	}

	b.pipes[pid] = struct{}{}
	b.log.Info("pipe configured", "pid", pid, "download_bps", downBps, "upload_bps", upBps)
	return nil
}

// ClearPipe removes pid's dummynet pipes.
func (b *PipeBackend) ClearPipe(pid uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pipes[pid]; !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pipeCmdTimeout)
	defer cancel()

	inPipe, outPipe := dummynetPipeIDs(pid)
	_ = runDnctl(ctx, "pipe", strconv.Itoa(inPipe), "delete")
	_ = runDnctl(ctx, "pipe", strconv.Itoa(outPipe), "delete")

	delete(b.pipes, pid)
	b.log.Info("pipe cleared", "pid", pid)
	return nil
}

// UsesKernelShaping implements Backend: true here means set_bandwidth_limit
// delegates straight to SetPipe rather than running internal/limiter's
// token buckets (spec.md §9).
func (b *PipeBackend) UsesKernelShaping() bool { return true }

// Close tears down every configured pipe and flushes the anchor, so the
// kernel releases any held packets on every exit path (spec.md §4.1).
func (b *PipeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	ctx, cancel := context.WithTimeout(context.Background(), pipeCmdTimeout)
	defer cancel()

	for pid := range b.pipes {
		inPipe, outPipe := dummynetPipeIDs(pid)
		_ = runDnctl(ctx, "pipe", strconv.Itoa(inPipe), "delete")
		_ = runDnctl(ctx, "pipe", strconv.Itoa(outPipe), "delete")
	}
	_, _ = execCommandContext(ctx, "pfctl", "-a", b.anchor, "-F", "all").CombinedOutput()

	b.log.Info("pipe backend closed")
	return nil
}

func runDnctl(ctx context.Context, args ...string) error {
	out, err := execCommandContext(ctx, "dnctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}
	return nil
}

// dummynetPipeIDs derives a stable pair of dummynet pipe numbers from a
// pid: pipe 2N for inbound/download, 2N+1 for outbound/upload, offset
// above the low numbers reserved for manual pf.conf use.
func dummynetPipeIDs(pid uint32) (inPipe, outPipe int) {
	base := 10000 + int(pid%20000)*2
	return base, base + 1
}

func bpsToKbit(bps uint64) string {
	kbit := bps * 8 / 1000
	if kbit == 0 {
		kbit = 1
	}
	return strconv.FormatUint(kbit, 10) + "Kbit/s"
}
