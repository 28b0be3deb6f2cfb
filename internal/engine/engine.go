// Package engine implements the Capture Engine (spec.md §4.5): the
// coordinator that owns the backend handle, runs the single receive
// loop, and dispatches each packet through resolution, accounting, and
// monitor/enforce handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netguard/netguard/internal/accounting"
	"github.com/netguard/netguard/internal/backend"
	"github.com/netguard/netguard/internal/bufpool"
	"github.com/netguard/netguard/internal/limiter"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
	"github.com/netguard/netguard/internal/resolver"
)

// ErrInvalidTransition is returned by SetMode when the engine is
// Faulted; spec.md §4.5's state table only allows Faulted → Stopped.
var ErrInvalidTransition = errors.New("engine: invalid state transition")

// OpenBackendFunc opens a fresh backend handle for the given mode. It is
// supplied by the caller (main.go) so the engine stays
// decoupled from interface names, filter construction, and the
// platform-specific pcap/pipe choice.
type OpenBackendFunc func(mode model.CaptureMode) (backend.Backend, error)

// Engine is the Capture Engine coordinator.
type Engine struct {
	log         *slog.Logger
	openBackend OpenBackendFunc
	acct        *accounting.Store
	lim         *limiter.Limiter
	res         *resolver.Resolver

	shutdownDrainBudget time.Duration
	queueDepth          int

	mu      sync.Mutex
	state   model.EngineState
	be      backend.Backend
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	faultAt error

	blockMu  sync.RWMutex
	blockSet map[uint32]struct{}

	inCount       atomic.Uint64
	reinjectCount atomic.Uint64
	dropCount     atomic.Uint64
}

// New creates an Engine in the Stopped state. queueDepth sets the
// capacity of each rate-limited pid's per-direction throttle queue
// (spec.md §4.4); a non-positive value falls back to
// limiter.QueueDepth.
func New(openBackend OpenBackendFunc, acct *accounting.Store, res *resolver.Resolver, shutdownDrainBudget time.Duration, queueDepth int, log *slog.Logger) *Engine {
	if shutdownDrainBudget <= 0 {
		shutdownDrainBudget = 2 * time.Second
	}
	log = netlog.Component(log, "engine")
	e := &Engine{
		log:                 log,
		openBackend:         openBackend,
		acct:                acct,
		res:                 res,
		shutdownDrainBudget: shutdownDrainBudget,
		queueDepth:          queueDepth,
		state:               model.StateStopped,
		blockSet:            make(map[uint32]struct{}),
	}
	e.lim = limiter.New(e.reinject, shutdownDrainBudget, queueDepth, log)
	return e
}

// State returns the engine's current state.
func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns the §8 testable-invariant counters: in_count,
// reinject_count, drop_count. The invariant in_count == reinject_count +
// drop_count holds for every packet that completed processing (a packet
// mid-flight in a throttle queue is counted in neither sum yet).
func (e *Engine) Stats() (inCount, reinjectCount, dropCount uint64) {
	return e.inCount.Load(), e.reinjectCount.Load(), e.dropCount.Load()
}

// SetMode transitions the engine into Monitor or Enforce, always
// routing through Stopped first so the old handle is released before
// the new one opens (spec.md §4.5 "no overlapping kernel subscriptions").
func (e *Engine) SetMode(ctx context.Context, mode model.CaptureMode) error {
	e.mu.Lock()
	if e.state == model.StateFaulted {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine is faulted, call Stop first", ErrInvalidTransition)
	}
	e.mu.Unlock()

	e.stopLocked()

	be, err := e.openBackend(mode)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	e.mu.Lock()
	e.be = be
	if mode == model.ModeEnforce {
		e.state = model.StateEnforce
	} else {
		e.state = model.StateMonitor
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.recvLoop(runCtx, be, mode)

	e.log.Info("mode set", "mode", mode.String())
	return nil
}

// Stop transitions the engine to Stopped, releasing the backend handle
// on every exit path.
func (e *Engine) Stop() {
	e.stopLocked()
	e.mu.Lock()
	e.state = model.StateStopped
	e.mu.Unlock()
	e.lim.Stop()
}

// stopLocked cancels the running receive loop (if any) and waits for it
// to exit, closing the backend handle. Safe to call when already
// stopped.
func (e *Engine) stopLocked() {
	e.mu.Lock()
	cancel := e.cancel
	be := e.be
	e.cancel = nil
	e.be = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.shutdownDrainBudget):
		e.log.Warn("shutdown drain budget exceeded while stopping receive loop")
	}

	if be != nil {
		_ = be.Close()
	}
}

// Backend returns the currently active backend handle, or nil if the
// engine is Stopped or Faulted. Exposed so internal/control can reach
// SetPipe/ClearPipe directly on kernel-shaping backends (spec.md §9:
// "UsesKernelShaping() == true delegates straight to SetPipe rather
// than running internal/limiter's token buckets").
func (e *Engine) Backend() backend.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.be
}

// UsesKernelShaping reports whether the active backend shapes traffic
// in the kernel, in which case bandwidth limits bypass internal/limiter
// entirely.
func (e *Engine) UsesKernelShaping() bool {
	be := e.Backend()
	return be != nil && be.UsesKernelShaping()
}

// Block adds pid to the BlockSet (spec.md §4.4 "Block semantics"). pid 0,
// the synthetic unresolved-flow bucket, is excluded from rule-based
// operations (spec.md §9) and is silently rejected (ErrConfigRejected).
func (e *Engine) Block(pid uint32) {
	if pid == model.UnknownPID {
		e.log.Warn("refusing to block the unknown-pid bucket", "pid", pid)
		return
	}
	e.blockMu.Lock()
	e.blockSet[pid] = struct{}{}
	e.blockMu.Unlock()
}

// Unblock removes pid from the BlockSet.
func (e *Engine) Unblock(pid uint32) {
	if pid == model.UnknownPID {
		return
	}
	e.blockMu.Lock()
	delete(e.blockSet, pid)
	e.blockMu.Unlock()
}

// Blocked reports whether pid is currently in the BlockSet.
func (e *Engine) Blocked(pid uint32) bool {
	e.blockMu.RLock()
	defer e.blockMu.RUnlock()
	_, ok := e.blockSet[pid]
	return ok
}

// SetLimit installs a bandwidth limit for pid.
func (e *Engine) SetLimit(pid uint32, limit model.BandwidthLimit) {
	e.lim.SetLimit(pid, limit)
}

// RemoveLimit clears pid's bandwidth limit.
func (e *Engine) RemoveLimit(pid uint32) {
	e.lim.RemoveLimit(pid)
}

// recvLoop is the single capture task (spec.md §4.5 "Receive loop").
// Any panic is caught, logged, and triggers the fault path — fail-open
// for the host, per spec.md §4.5 "Fault handling".
func (e *Engine) recvLoop(ctx context.Context, be backend.Backend, mode model.CaptureMode) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("capture loop panicked", "panic", r)
			e.fault(fmt.Errorf("%w: capture loop panic: %v", ErrCaptureFatal, r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := be.Recv()
		if err != nil {
			if errors.Is(err, backend.ErrInterrupted) {
				continue
			}
			if errors.Is(err, backend.ErrClosed) {
				e.transitionStopped()
				return
			}
			e.fault(fmt.Errorf("%w: %v", ErrCaptureFatal, err))
			return
		}

		e.inCount.Add(1)

		if !pkt.Parsed {
			e.reinject(pkt)
			continue
		}

		pid, name, exe := model.UnknownPID, "", ""
		if entry, ok := e.res.Lookup(pkt.LocalEndpoint()); ok {
			pid, name, exe = entry.PID, entry.Name, entry.ExePath
		}
		if e.acct != nil {
			e.acct.Update(pid, name, exe, pkt.Direction, pkt.Length)
		}

		switch mode {
		case model.ModeMonitor:
			e.reinject(pkt)
		case model.ModeEnforce:
			e.dispatchEnforce(pid, pkt)
		}
	}
}

// dispatchEnforce implements spec.md §4.5 step 5's Enforce branch: block
// check, then limit check, then enqueue-or-reinject.
func (e *Engine) dispatchEnforce(pid uint32, pkt *model.Packet) {
	if e.Blocked(pid) {
		if e.acct != nil {
			e.acct.RecordDrop(pid, model.DropReasonBlocked)
		}
		e.drop(pkt)
		return
	}
	if !e.lim.HasLimit(pid) {
		e.reinject(pkt)
		return
	}
	if !e.lim.Enqueue(pid, pkt.Direction, pkt) {
		e.log.Warn("packet dropped", "err", ErrLimiterOverflow, "pid", pid)
		if e.acct != nil {
			e.acct.RecordDrop(pid, model.DropReasonQueueOverflow)
		}
		e.drop(pkt)
	}
}

// reinject sends pkt back out through the current backend handle. It is
// also the limiter's ReinjectFunc, called from throttle tasks after
// their computed wait.
func (e *Engine) reinject(pkt *model.Packet) error {
	e.mu.Lock()
	be := e.be
	e.mu.Unlock()
	if be == nil {
		e.dropCount.Add(1)
		return fmt.Errorf("reinject: no active backend")
	}
	if err := be.Send(pkt); err != nil {
		e.log.Warn("reinject failed", "err", err)
		e.dropCount.Add(1)
		return err
	}
	e.reinjectCount.Add(1)
	return nil
}

// drop records a packet's terminal fate as dropped and releases its
// buffer back to the pool.
func (e *Engine) drop(pkt *model.Packet) {
	e.dropCount.Add(1)
	if pkt.Raw != nil {
		bufpool.Buffers.Put(pkt.Raw[:cap(pkt.Raw)])
	}
}

// transitionStopped handles the "recv() returns Closed" fault-handling
// case (spec.md §4.5): the backend closed itself (e.g. interface
// removed), so the engine follows cleanly into Stopped rather than
// Faulted.
func (e *Engine) transitionStopped() {
	e.mu.Lock()
	if e.state != model.StateFaulted {
		e.state = model.StateStopped
	}
	e.be = nil
	e.mu.Unlock()
}

// fault transitions the engine to Faulted, recording the triggering
// error. Only Stop() can recover it (spec.md §4.5 state table).
func (e *Engine) fault(err error) {
	e.mu.Lock()
	e.state = model.StateFaulted
	e.faultAt = err
	be := e.be
	e.be = nil
	e.mu.Unlock()
	if be != nil {
		_ = be.Close()
	}
	e.log.Error("engine faulted", "err", err)
}

// FaultErr returns the error that triggered the Faulted state, or nil.
func (e *Engine) FaultErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faultAt
}
