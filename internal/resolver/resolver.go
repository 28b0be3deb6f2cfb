// Package resolver implements the Process-Endpoint Resolver (spec.md
// §4.2): a periodic sampler that maintains a FlowKey → ProcessEntry
// mapping by querying the OS's TCP/UDP connection tables.
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
)

// enumerator is implemented per-platform: it queries the OS socket tables
// and returns a fresh FlowKey → ProcessEntry mapping for one tick.
type enumerator interface {
	Enumerate() (map[model.FlowKey]model.ProcessEntry, error)
}

// Resolver maintains the current FlowKey → ProcessEntry mapping, refreshed
// on a configurable tick (default 500ms, spec.md §4.2).
type Resolver struct {
	log    *slog.Logger
	enum   enumerator
	tick   time.Duration
	onTick func() // test hook, invoked after each successful tick

	current  atomic.Pointer[map[model.FlowKey]model.ProcessEntry]
	lastTick atomic.Int64 // unix nanos of the last successful refresh

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Resolver using the platform-appropriate enumerator.
func New(tick time.Duration, log *slog.Logger) *Resolver {
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	r := &Resolver{
		log:  netlog.Component(log, "resolver"),
		enum: newPlatformEnumerator(),
		tick: tick,
	}
	empty := map[model.FlowKey]model.ProcessEntry{}
	r.current.Store(&empty)
	return r
}

// Start launches the background tick loop. Call Stop to terminate it.
func (r *Resolver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()

		r.refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refresh()
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Resolver) refresh() {
	mapping, err := r.enum.Enumerate()
	if err != nil {
		r.log.Warn("enumerate failed, keeping previous mapping", "err", err)
		return
	}
	// Swap atomically so Lookup never observes a partially-built map
	// (spec.md §4.2 "swapped atomically").
	r.current.Store(&mapping)
	r.lastTick.Store(time.Now().UnixNano())
	if r.onTick != nil {
		r.onTick()
	}
}

// Stale reports whether maxAge has elapsed since the last successful
// refresh, or the resolver has never ticked at all. Callers that trust
// Snapshot/Lookup for a rule-based operation should check this first
// (spec.md §4.2); a stale mapping means the mapping may no longer
// reflect which pid owns which flow.
func (r *Resolver) Stale(maxAge time.Duration) bool {
	last := r.lastTick.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > maxAge
}

// Lookup returns the current entry for key, or (ProcessEntry{}, false) if
// unknown. Callers attribute unknown flows to the synthetic pid 0 bucket
// (spec.md §4.2 "Lookup semantics").
func (r *Resolver) Lookup(key model.FlowKey) (model.ProcessEntry, bool) {
	mapping := r.current.Load()
	if mapping == nil {
		return model.ProcessEntry{}, false
	}
	entry, ok := (*mapping)[key]
	return entry, ok
}

// Snapshot returns every currently-known process entry, deduplicated by
// pid. Used by rules-file startup reconciliation (spec.md §6).
func (r *Resolver) Snapshot() []model.ProcessEntry {
	mapping := r.current.Load()
	if mapping == nil {
		return nil
	}
	byPID := make(map[uint32]model.ProcessEntry)
	for _, entry := range *mapping {
		byPID[entry.PID] = entry
	}
	out := make([]model.ProcessEntry, 0, len(byPID))
	for _, e := range byPID {
		out = append(out, e)
	}
	return out
}
