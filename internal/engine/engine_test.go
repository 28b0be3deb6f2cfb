package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/netguard/netguard/internal/accounting"
	"github.com/netguard/netguard/internal/backend"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/resolver"
)

// fakeBackend is an in-memory backend.Backend for engine tests: Recv
// drains a channel fed by the test, Send records reinjected packets.
type fakeBackend struct {
	mu       sync.Mutex
	in       chan *model.Packet
	sent     []*model.Packet
	closed   bool
	closedCh chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{in: make(chan *model.Packet, 64), closedCh: make(chan struct{})}
}

func (f *fakeBackend) Recv() (*model.Packet, error) {
	select {
	case p, ok := <-f.in:
		if !ok {
			return nil, backend.ErrClosed
		}
		return p, nil
	case <-f.closedCh:
		return nil, backend.ErrClosed
	}
}

func (f *fakeBackend) Send(p *model.Packet) error {
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SetPipe(pid uint32, downBps, upBps uint64) error { return nil }
func (f *fakeBackend) ClearPipe(pid uint32) error                      { return nil }
func (f *fakeBackend) UsesKernelShaping() bool                         { return false }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEngine(be *fakeBackend) *Engine {
	acct := accounting.New(accounting.StalenessThreshold)
	res := resolver.New(time.Hour, nil) // tick never fires during the test
	open := func(mode model.CaptureMode) (backend.Backend, error) { return be, nil }
	return New(open, acct, res, time.Second, 0, nil)
}

func TestMonitorModeReinjectsImmediately(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)

	if err := e.SetMode(context.Background(), model.ModeMonitor); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if e.State() != model.StateMonitor {
		t.Fatalf("state = %v, want Monitor", e.State())
	}

	be.in <- &model.Packet{Parsed: true, Proto: model.ProtoTCP, Length: 100}

	deadline := time.Now().Add(time.Second)
	for be.sentCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if be.sentCount() != 1 {
		t.Fatalf("expected 1 reinjected packet in Monitor mode, got %d", be.sentCount())
	}

	in, reinj, drop := e.Stats()
	if in != 1 || reinj != 1 || drop != 0 {
		t.Fatalf("stats = in=%d reinj=%d drop=%d, want 1/1/0", in, reinj, drop)
	}
	e.Stop()
}

func TestUnparsedPacketReinjectsWithoutAccounting(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)
	e.SetMode(context.Background(), model.ModeMonitor)

	be.in <- &model.Packet{Parsed: false, Length: 40}

	deadline := time.Now().Add(time.Second)
	for be.sentCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if be.sentCount() != 1 {
		t.Fatalf("expected unparsed packet reinjected, got %d sent", be.sentCount())
	}
	if snap := e.acct.Snapshot(time.Second); len(snap) != 0 {
		t.Fatalf("expected no accounting entries for an unparsed packet, got %d", len(snap))
	}
	e.Stop()
}

func TestEnforceModeBlockedPidIsDropped(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)
	e.SetMode(context.Background(), model.ModeEnforce)
	e.Block(42)

	// dispatchEnforce is exercised directly with a resolved pid: the
	// resolver has no real connection-table entries in this test, so
	// routing a packet through recvLoop would always resolve to
	// UnknownPID regardless of what the test wants to block.
	e.dispatchEnforce(42, &model.Packet{Parsed: true, Proto: model.ProtoTCP, Length: 64})

	if be.sentCount() != 0 {
		t.Fatalf("expected no reinject for a blocked pid, got %d", be.sentCount())
	}
	_, _, drop := e.Stats()
	if drop != 1 {
		t.Fatalf("drop count = %d, want 1", drop)
	}
	if got := e.acct.Drops(42).Blocked; got != 1 {
		t.Fatalf("blocked drop counter = %d, want 1", got)
	}
	e.Stop()
}

// TestBlockUnknownPidIsRejected covers spec.md §9: pid 0, the synthetic
// unresolved-flow bucket, is excluded from rule-based operations. Block
// on it must be a no-op, so an unresolved packet keeps reinjecting
// normally instead of being dropped.
func TestBlockUnknownPidIsRejected(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)
	e.SetMode(context.Background(), model.ModeEnforce)
	e.Block(model.UnknownPID)

	if e.Blocked(model.UnknownPID) {
		t.Fatal("Block(UnknownPID) should be rejected, but Blocked(UnknownPID) = true")
	}

	e.dispatchEnforce(model.UnknownPID, &model.Packet{Parsed: true, Proto: model.ProtoTCP, Length: 64})

	if be.sentCount() != 1 {
		t.Fatalf("expected the unresolved packet to reinject normally, got %d sent", be.sentCount())
	}
	_, _, drop := e.Stats()
	if drop != 0 {
		t.Fatalf("drop count = %d, want 0", drop)
	}
	e.Stop()
}

func TestEnforceModeUnlimitedPidReinjectsImmediately(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)
	e.SetMode(context.Background(), model.ModeEnforce)

	be.in <- &model.Packet{Parsed: true, Proto: model.ProtoTCP, Length: 64}

	deadline := time.Now().Add(time.Second)
	for be.sentCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if be.sentCount() != 1 {
		t.Fatalf("expected immediate reinject for a pid with no active limit, got %d", be.sentCount())
	}
	e.Stop()
}

func TestSetModeGoesThroughStoppedReleasingOldHandle(t *testing.T) {
	be1 := newFakeBackend()
	be2 := newFakeBackend()
	calls := 0
	open := func(mode model.CaptureMode) (backend.Backend, error) {
		calls++
		if calls == 1 {
			return be1, nil
		}
		return be2, nil
	}
	acct := accounting.New(accounting.StalenessThreshold)
	res := resolver.New(time.Hour, nil)
	e := New(open, acct, res, time.Second, 0, nil)

	if err := e.SetMode(context.Background(), model.ModeMonitor); err != nil {
		t.Fatalf("first SetMode: %v", err)
	}
	if err := e.SetMode(context.Background(), model.ModeEnforce); err != nil {
		t.Fatalf("second SetMode: %v", err)
	}

	be1.mu.Lock()
	closed := be1.closed
	be1.mu.Unlock()
	if !closed {
		t.Fatal("expected the first backend handle to be closed before the second opened")
	}
	if e.State() != model.StateEnforce {
		t.Fatalf("state = %v, want Enforce", e.State())
	}
	e.Stop()
}

func TestFaultedStateRejectsSetModeUntilStopped(t *testing.T) {
	be := newFakeBackend()
	e := newTestEngine(be)
	e.SetMode(context.Background(), model.ModeMonitor)

	be.Close() // backend reports ErrClosed -> recv loop exits to Stopped, not Faulted

	deadline := time.Now().Add(time.Second)
	for e.State() != model.StateStopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Directly force a fault to exercise the Faulted->SetMode rejection path.
	e.fault(backend.ErrBackendUnavailable)
	if err := e.SetMode(context.Background(), model.ModeMonitor); err == nil {
		t.Fatal("expected SetMode to be rejected while Faulted")
	}
	e.Stop()
	if e.State() != model.StateStopped {
		t.Fatalf("state after Stop() = %v, want Stopped", e.State())
	}
}
