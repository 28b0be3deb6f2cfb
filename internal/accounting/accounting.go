// Package accounting implements the Traffic Accounting Store (spec.md
// §4.3): a concurrent pid → TrafficCounters map updated once per
// classified packet by the capture task and snapshotted once per second
// by the stats tick.
package accounting

import (
	"sync"
	"time"

	"github.com/netguard/netguard/internal/model"
)

// StalenessThreshold is the default age past which an entry with no
// recent activity is evicted on snapshot (spec.md §4.3 "10 s").
const StalenessThreshold = 10 * time.Second

// entry is the store's internal per-pid record. Byte counters are
// accessed under entry.mu rather than atomics: try_consume-adjacent
// snapshot math (current - prev) / elapsed needs a consistent pair of
// reads, which a single mutex gives cheaply at this cardinality (one
// entry per distinct process, not per packet).
type entry struct {
	mu sync.Mutex

	pid     uint32
	name    string
	exePath string

	bytesSent uint64
	bytesRecv uint64
	prevSent  uint64
	prevRecv  uint64

	sentSpeed float64
	recvSpeed float64

	connCount  uint32
	lastActive time.Time

	droppedOverflow uint64
	droppedBlocked  uint64
}

// Store is the concurrent pid→TrafficCounters map. A striped map
// (sync.Map) avoids the global lock spec.md §4.3 forbids: updates for
// different pids never contend, and Snapshot only briefly locks each
// entry it visits.
type Store struct {
	staleness time.Duration
	entries   sync.Map // uint32 -> *entry
}

// New creates an empty Store. staleness <= 0 uses StalenessThreshold.
func New(staleness time.Duration) *Store {
	if staleness <= 0 {
		staleness = StalenessThreshold
	}
	return &Store{staleness: staleness}
}

func (s *Store) load(pid uint32) *entry {
	if v, ok := s.entries.Load(pid); ok {
		return v.(*entry)
	}
	e := &entry{pid: pid, lastActive: time.Now()}
	actual, _ := s.entries.LoadOrStore(pid, e)
	return actual.(*entry)
}

// Update records length bytes transferred by pid in direction, creating
// the entry lazily if it doesn't exist yet (spec.md §4.3 "Update
// contract"). name/exePath are attached opportunistically so the store
// doesn't need a synchronous resolver lookup on every packet; pass ""
// when unknown and a later call with a resolved name wins.
func (s *Store) Update(pid uint32, name, exePath string, direction model.Direction, length int) {
	e := s.load(pid)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch direction {
	case model.DirInbound:
		e.bytesRecv += uint64(length)
	default:
		e.bytesSent += uint64(length)
	}
	e.lastActive = time.Now()
	if name != "" {
		e.name = name
	}
	if exePath != "" {
		e.exePath = exePath
	}
}

// RecordDrop increments the per-pid drop counter attributed to reason
// (spec.md §7 LimiterOverflow, §4.4 block semantics). Blocked-pid
// traffic still calls Update for attempted bytes per the chosen Open
// Question resolution (DESIGN.md); RecordDrop is the separate,
// non-byte-count signal get_snapshot exposes alongside it.
func (s *Store) RecordDrop(pid uint32, reason model.DropReason) {
	e := s.load(pid)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch reason {
	case model.DropReasonQueueOverflow:
		e.droppedOverflow++
	case model.DropReasonBlocked:
		e.droppedBlocked++
	}
}

// SetConnectionCount records the resolver's current view of pid's open
// connection count, surfaced on TrafficCounters for display.
func (s *Store) SetConnectionCount(pid uint32, count uint32) {
	e := s.load(pid)
	e.mu.Lock()
	e.connCount = count
	e.mu.Unlock()
}

// Snapshot computes per-tick speeds and returns every live entry,
// evicting anything idle past the staleness threshold (spec.md §4.3
// "Snapshot contract"). elapsed is normally 1s (the stats tick period);
// the caller supplies it so Snapshot doesn't need a clock tick of its
// own to measure the interval since the previous call.
func (s *Store) Snapshot(elapsed time.Duration) []model.TrafficCounters {
	if elapsed <= 0 {
		elapsed = time.Second
	}
	now := time.Now()
	elapsedSec := elapsed.Seconds()

	var out []model.TrafficCounters
	s.entries.Range(func(key, value any) bool {
		pid := key.(uint32)
		e := value.(*entry)

		e.mu.Lock()
		if now.Sub(e.lastActive) > s.staleness {
			e.mu.Unlock()
			s.entries.Delete(pid)
			return true
		}

		e.sentSpeed = float64(e.bytesSent-e.prevSent) / elapsedSec
		e.recvSpeed = float64(e.bytesRecv-e.prevRecv) / elapsedSec
		e.prevSent = e.bytesSent
		e.prevRecv = e.bytesRecv

		out = append(out, model.TrafficCounters{
			PID:              pid,
			Name:             e.name,
			ExePath:          e.exePath,
			BytesSent:        e.bytesSent,
			BytesRecv:        e.bytesRecv,
			UploadSpeedBps:   e.sentSpeed,
			DownloadSpeedBps: e.recvSpeed,
			ConnectionCount:  e.connCount,
			LastActive:       e.lastActive,
		})
		e.mu.Unlock()
		return true
	})
	return out
}

// DropStats reports pid's cumulative drop counts by reason, recording
// LimiterOverflow/block attribution without treating it as a propagated
// error (spec.md §7). It is read through Store.Drops; get_snapshot
// (control.Controller.GetSnapshot) does not include it.
type DropStats struct {
	PID           uint32
	QueueOverflow uint64
	Blocked       uint64
}

// Drops returns the current drop counters for pid, or a zero-valued
// DropStats if pid has no entry.
func (s *Store) Drops(pid uint32) DropStats {
	v, ok := s.entries.Load(pid)
	if !ok {
		return DropStats{PID: pid}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return DropStats{PID: pid, QueueOverflow: e.droppedOverflow, Blocked: e.droppedBlocked}
}
