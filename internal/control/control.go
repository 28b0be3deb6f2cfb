// Package control implements the external command surface (spec.md
// §6): the set of operations a GUI shell or CLI drives the Capture
// Engine through, plus the rules-file startup reconciliation and
// threshold-exceeded event emission this distillation supplements
// (SPEC_FULL.md "Supplemented Features"). Command/stats vocabulary
// grounded on lomehong-kennel's interceptor-interfaces.go
// (InterceptorStats, mode enum, ProcessInfo attribution), translated
// into NetGuard's own model types.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netguard/netguard/internal/accounting"
	"github.com/netguard/netguard/internal/engine"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
	"github.com/netguard/netguard/internal/resolver"
)

// ThresholdEventFunc is called when a pid's aggregate speed crosses the
// configured threshold for the first time in a cooldown window.
type ThresholdEventFunc func(model.ThresholdEvent)

// Controller is the single entry point external callers (a GUI shell,
// a CLI, RPC handlers) drive NetGuard through.
type Controller struct {
	log  *slog.Logger
	eng  *engine.Engine
	acct *accounting.Store
	res  *resolver.Resolver

	statsTick          time.Duration
	threshold          float64
	thresholdCooldown  time.Duration
	onThreshold        ThresholdEventFunc
	resolverStaleAfter time.Duration

	mu        sync.Mutex
	limits    map[uint32]model.BandwidthLimit
	blocked   map[uint32]struct{}
	snapshot  []model.TrafficCounters
	lastFired map[uint32]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the tunables Controller needs beyond its collaborators.
type Config struct {
	StatsTickInterval time.Duration
	ThresholdBps      float64 // 0 disables threshold events
	ThresholdCooldown time.Duration
	OnThresholdEvent  ThresholdEventFunc

	// ResolverStaleAfter bounds how long a resolver mapping may go
	// without a successful refresh before ReconcileRules refuses to
	// trust it (ErrResolverStale). Defaults to 5s.
	ResolverStaleAfter time.Duration
}

// New creates a Controller wired to an already-constructed Engine,
// Accounting Store, and Resolver.
func New(eng *engine.Engine, acct *accounting.Store, res *resolver.Resolver, cfg Config, log *slog.Logger) *Controller {
	if cfg.StatsTickInterval <= 0 {
		cfg.StatsTickInterval = time.Second
	}
	if cfg.ThresholdCooldown <= 0 {
		cfg.ThresholdCooldown = 30 * time.Second
	}
	if cfg.ResolverStaleAfter <= 0 {
		cfg.ResolverStaleAfter = 5 * time.Second
	}
	return &Controller{
		log:                netlog.Component(log, "control"),
		eng:                eng,
		acct:               acct,
		res:                res,
		statsTick:          cfg.StatsTickInterval,
		threshold:          cfg.ThresholdBps,
		thresholdCooldown:  cfg.ThresholdCooldown,
		onThreshold:        cfg.OnThresholdEvent,
		resolverStaleAfter: cfg.ResolverStaleAfter,
		limits:             make(map[uint32]model.BandwidthLimit),
		blocked:            make(map[uint32]struct{}),
		lastFired:          make(map[uint32]time.Time),
	}
}

// Start launches the 1 s stats tick (spec.md §5 "one stats task") that
// refreshes the cached snapshot and runs threshold detection.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.statsTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop halts the stats tick task.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) tick() {
	snap := c.acct.Snapshot(c.statsTick)
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	c.checkThresholds(snap)
}

func (c *Controller) checkThresholds(snap []model.TrafficCounters) {
	if c.threshold <= 0 || c.onThreshold == nil {
		return
	}
	now := time.Now()
	for _, tc := range snap {
		speed := tc.UploadSpeedBps + tc.DownloadSpeedBps
		if speed < c.threshold {
			continue
		}

		c.mu.Lock()
		last, fired := c.lastFired[tc.PID]
		if fired && now.Sub(last) < c.thresholdCooldown {
			c.mu.Unlock()
			continue
		}
		c.lastFired[tc.PID] = now
		c.mu.Unlock()

		c.onThreshold(model.ThresholdEvent{
			PID:       tc.PID,
			Name:      tc.Name,
			SpeedBps:  speed,
			Threshold: c.threshold,
			At:        now,
		})
	}
}

// SetMode implements the set_mode command (spec.md §6).
func (c *Controller) SetMode(ctx context.Context, mode model.CaptureMode) error {
	return c.eng.SetMode(ctx, mode)
}

// SetBandwidthLimit implements set_bandwidth_limit. When the active
// backend shapes traffic in the kernel it delegates straight to
// SetPipe; otherwise it drives internal/limiter's token buckets
// (spec.md §9).
func (c *Controller) SetBandwidthLimit(pid uint32, limit model.BandwidthLimit) error {
	if pid == model.UnknownPID {
		return fmt.Errorf("%w: pid 0 is reserved for unresolved flows", engine.ErrConfigRejected)
	}

	c.mu.Lock()
	c.limits[pid] = limit
	c.mu.Unlock()

	if c.eng.UsesKernelShaping() {
		be := c.eng.Backend()
		if be == nil {
			return fmt.Errorf("control: no active backend to configure a pipe on")
		}
		return be.SetPipe(pid, limit.DownloadBps, limit.UploadBps)
	}
	c.eng.SetLimit(pid, limit)
	return nil
}

// RemoveBandwidthLimit implements remove_bandwidth_limit.
func (c *Controller) RemoveBandwidthLimit(pid uint32) error {
	if pid == model.UnknownPID {
		return fmt.Errorf("%w: pid 0 is reserved for unresolved flows", engine.ErrConfigRejected)
	}

	c.mu.Lock()
	delete(c.limits, pid)
	c.mu.Unlock()

	if c.eng.UsesKernelShaping() {
		be := c.eng.Backend()
		if be == nil {
			return nil
		}
		return be.ClearPipe(pid)
	}
	c.eng.RemoveLimit(pid)
	return nil
}

// BlockProcess implements block_process. pid 0, the synthetic
// unresolved-flow bucket, is excluded from rule-based operations
// (spec.md §9) and is silently rejected.
func (c *Controller) BlockProcess(pid uint32) {
	if pid == model.UnknownPID {
		c.log.Warn("refusing to block the unknown-pid bucket", "err", engine.ErrConfigRejected)
		return
	}
	c.mu.Lock()
	c.blocked[pid] = struct{}{}
	c.mu.Unlock()
	c.eng.Block(pid)
}

// UnblockProcess implements unblock_process.
func (c *Controller) UnblockProcess(pid uint32) {
	if pid == model.UnknownPID {
		return
	}
	c.mu.Lock()
	delete(c.blocked, pid)
	c.mu.Unlock()
	c.eng.Unblock(pid)
}

// GetSnapshot implements get_snapshot: the traffic counters as of the
// most recent stats tick (may lag "live" by up to one tick, per
// spec.md §5).
func (c *Controller) GetSnapshot() []model.TrafficCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TrafficCounters, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// GetLimits implements get_limits.
func (c *Controller) GetLimits() map[uint32]model.BandwidthLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]model.BandwidthLimit, len(c.limits))
	for pid, l := range c.limits {
		out[pid] = l
	}
	return out
}

// GetBlocked implements get_blocked.
func (c *Controller) GetBlocked() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.blocked))
	for pid := range c.blocked {
		out = append(out, pid)
	}
	return out
}

// ReconcileRules applies a persisted rules table to the processes the
// resolver currently knows about, matching on exe path (SPEC_FULL.md
// "Rules-file startup reconciliation"). NetGuard does not define the
// on-disk rules format; callers decode it and hand in []model.RuleEntry.
func (c *Controller) ReconcileRules(rules []model.RuleEntry) error {
	if len(rules) == 0 {
		return nil
	}
	if c.res.Stale(c.resolverStaleAfter) {
		return fmt.Errorf("%w: resolver mapping older than %s", engine.ErrResolverStale, c.resolverStaleAfter)
	}
	byExe := make(map[string]model.RuleEntry, len(rules))
	for _, r := range rules {
		byExe[r.ExePath] = r
	}

	for _, proc := range c.res.Snapshot() {
		rule, ok := byExe[proc.ExePath]
		if !ok {
			continue
		}
		if rule.Blocked {
			c.BlockProcess(proc.PID)
			continue
		}
		limit := model.BandwidthLimit{DownloadBps: rule.DownloadBps, UploadBps: rule.UploadBps}
		if !limit.Unlimited() {
			if err := c.SetBandwidthLimit(proc.PID, limit); err != nil {
				c.log.Warn("reconcile: set limit failed", "pid", proc.PID, "exe_path", proc.ExePath, "err", err)
			}
		}
	}
	return nil
}
