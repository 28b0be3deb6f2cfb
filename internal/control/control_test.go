package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netguard/netguard/internal/accounting"
	"github.com/netguard/netguard/internal/backend"
	"github.com/netguard/netguard/internal/engine"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/resolver"
)

type stubBackend struct {
	mu         sync.Mutex
	kernel     bool
	pipeCalls  []model.BandwidthLimit
	clearCalls []uint32
}

func (s *stubBackend) Recv() (*model.Packet, error) { return nil, backend.ErrClosed }
func (s *stubBackend) Send(p *model.Packet) error   { return nil }
func (s *stubBackend) SetPipe(pid uint32, downBps, upBps uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeCalls = append(s.pipeCalls, model.BandwidthLimit{DownloadBps: downBps, UploadBps: upBps})
	return nil
}
func (s *stubBackend) ClearPipe(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls = append(s.clearCalls, pid)
	return nil
}
func (s *stubBackend) UsesKernelShaping() bool { return s.kernel }
func (s *stubBackend) Close() error            { return nil }

func newTestController(t *testing.T, kernelShaping bool) (*Controller, *engine.Engine, *stubBackend) {
	t.Helper()
	be := &stubBackend{kernel: kernelShaping}
	open := func(mode model.CaptureMode) (backend.Backend, error) { return be, nil }
	acct := accounting.New(accounting.StalenessThreshold)
	res := resolver.New(time.Hour, nil)
	eng := engine.New(open, acct, res, time.Second, 0, nil)
	if err := eng.SetMode(context.Background(), model.ModeEnforce); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	c := New(eng, acct, res, Config{StatsTickInterval: 50 * time.Millisecond}, nil)
	return c, eng, be
}

func TestSetBandwidthLimitUsesLimiterWhenNotKernelShaping(t *testing.T) {
	c, eng, be := newTestController(t, false)
	defer eng.Stop()

	if err := c.SetBandwidthLimit(123, model.BandwidthLimit{UploadBps: 1000, DownloadBps: 2000}); err != nil {
		t.Fatalf("SetBandwidthLimit: %v", err)
	}
	if len(be.pipeCalls) != 0 {
		t.Fatalf("expected no SetPipe call on a non-kernel-shaping backend, got %d", len(be.pipeCalls))
	}
	limits := c.GetLimits()
	if limits[123].UploadBps != 1000 {
		t.Fatalf("GetLimits()[123].UploadBps = %d, want 1000", limits[123].UploadBps)
	}
}

func TestSetBandwidthLimitDelegatesToPipeWhenKernelShaping(t *testing.T) {
	c, eng, be := newTestController(t, true)
	defer eng.Stop()

	if err := c.SetBandwidthLimit(123, model.BandwidthLimit{UploadBps: 500, DownloadBps: 700}); err != nil {
		t.Fatalf("SetBandwidthLimit: %v", err)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.pipeCalls) != 1 {
		t.Fatalf("expected 1 SetPipe call, got %d", len(be.pipeCalls))
	}
	if be.pipeCalls[0].UploadBps != 500 || be.pipeCalls[0].DownloadBps != 700 {
		t.Fatalf("unexpected pipe call: %+v", be.pipeCalls[0])
	}
}

func TestRemoveBandwidthLimitClearsPipeWhenKernelShaping(t *testing.T) {
	c, eng, be := newTestController(t, true)
	defer eng.Stop()

	c.SetBandwidthLimit(9, model.BandwidthLimit{UploadBps: 1})
	if err := c.RemoveBandwidthLimit(9); err != nil {
		t.Fatalf("RemoveBandwidthLimit: %v", err)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.clearCalls) != 1 || be.clearCalls[0] != 9 {
		t.Fatalf("expected ClearPipe(9), got %+v", be.clearCalls)
	}
	if _, ok := c.GetLimits()[9]; ok {
		t.Fatal("expected limit removed from GetLimits()")
	}
}

func TestBlockUnblockProcess(t *testing.T) {
	c, eng, _ := newTestController(t, false)
	defer eng.Stop()

	c.BlockProcess(55)
	blocked := c.GetBlocked()
	if len(blocked) != 1 || blocked[0] != 55 {
		t.Fatalf("expected [55], got %v", blocked)
	}
	if !eng.Blocked(55) {
		t.Fatal("expected engine to reflect blocked pid")
	}

	c.UnblockProcess(55)
	if len(c.GetBlocked()) != 0 {
		t.Fatal("expected empty blocked list after unblock")
	}
	if eng.Blocked(55) {
		t.Fatal("expected engine to reflect unblocked pid")
	}
}

func TestStatsTickPopulatesSnapshot(t *testing.T) {
	c, eng, _ := newTestController(t, false)
	defer eng.Stop()

	acct := accounting.New(accounting.StalenessThreshold)
	_ = acct // the controller owns its own accounting store from newTestController

	c.Start(context.Background())
	defer c.Stop()

	// Drive a byte update through the same accounting store the
	// controller reads from.
	c.acct.Update(77, "app", "", model.DirOutbound, 100)
	time.Sleep(120 * time.Millisecond)
	snap := c.GetSnapshot()
	if len(snap) != 1 || snap[0].PID != 77 {
		t.Fatalf("expected the snapshot to hold pid 77 after at least one tick, got %+v", snap)
	}
}

func TestReconcileRulesRejectsStaleResolver(t *testing.T) {
	c, eng, be := newTestController(t, true)
	defer eng.Stop()

	// newTestController's resolver is never Start()ed, so it has never
	// ticked: ReconcileRules must refuse to trust it rather than silently
	// reconciling against an empty snapshot.
	err := c.ReconcileRules([]model.RuleEntry{
		{ExePath: "/usr/bin/nonexistent", DownloadBps: 1000, UploadBps: 1000},
	})
	if !errors.Is(err, engine.ErrResolverStale) {
		t.Fatalf("err = %v, want ErrResolverStale", err)
	}
	if len(be.pipeCalls) != 0 {
		t.Fatalf("expected no pipe calls against a stale resolver, got %d", len(be.pipeCalls))
	}
}

func TestReconcileRulesIgnoresUnresolvedExePath(t *testing.T) {
	c, eng, be := newTestController(t, true)
	defer eng.Stop()

	// Give the resolver one real tick so it's no longer stale.
	c.res.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.res.Stop()

	// The resolver's Snapshot() is still empty against a matching process
	// in this test harness, so reconciliation against a known-absent exe
	// path should be a safe no-op, not a panic.
	if err := c.ReconcileRules([]model.RuleEntry{
		{ExePath: "/usr/bin/nonexistent", DownloadBps: 1000, UploadBps: 1000},
	}); err != nil {
		t.Fatalf("ReconcileRules: %v", err)
	}
	if len(be.pipeCalls) != 0 {
		t.Fatalf("expected no pipe calls for an unresolved exe path, got %d", len(be.pipeCalls))
	}
}
