package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netguard/netguard/internal/model"
)

func TestUpdateAccumulatesPerDirection(t *testing.T) {
	s := New(StalenessThreshold)
	s.Update(100, "curl", "/usr/bin/curl", model.DirOutbound, 500)
	s.Update(100, "curl", "/usr/bin/curl", model.DirInbound, 1500)
	s.Update(100, "", "", model.DirOutbound, 250)

	snap := s.Snapshot(time.Second)
	require.Len(t, snap, 1)
	tc := snap[0]
	assert.EqualValues(t, 750, tc.BytesSent)
	assert.EqualValues(t, 1500, tc.BytesRecv)
	assert.Equal(t, "curl", tc.Name)
	assert.Equal(t, "/usr/bin/curl", tc.ExePath)
}

func TestSnapshotComputesPerTickSpeed(t *testing.T) {
	s := New(StalenessThreshold)
	s.Update(7, "", "", model.DirOutbound, 1000)
	first := s.Snapshot(time.Second)
	require.Len(t, first, 1)
	assert.Equal(t, float64(1000), first[0].UploadSpeedBps)

	s.Update(7, "", "", model.DirOutbound, 2000)
	second := s.Snapshot(2 * time.Second)
	require.Len(t, second, 1)
	assert.Equal(t, float64(1000), second[0].UploadSpeedBps, "2000 bytes / 2s")
	assert.EqualValues(t, 3000, second[0].BytesSent)
}

func TestSnapshotEvictsStaleEntries(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Update(42, "", "", model.DirInbound, 10)

	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot(time.Second)
	assert.Empty(t, snap)

	_, ok := s.entries.Load(uint32(42))
	assert.False(t, ok, "evicted entry should be removed from the map")
}

func TestRecordDropTracksReasonsSeparately(t *testing.T) {
	s := New(StalenessThreshold)
	s.RecordDrop(1, model.DropReasonQueueOverflow)
	s.RecordDrop(1, model.DropReasonQueueOverflow)
	s.RecordDrop(1, model.DropReasonBlocked)

	drops := s.Drops(1)
	assert.EqualValues(t, 2, drops.QueueOverflow)
	assert.EqualValues(t, 1, drops.Blocked)
}

func TestDropsOnUnknownPIDIsZeroValue(t *testing.T) {
	s := New(StalenessThreshold)
	drops := s.Drops(999)
	assert.Zero(t, drops.QueueOverflow)
	assert.Zero(t, drops.Blocked)
}

func TestBlockedTrafficStillRecordsAttemptedBytes(t *testing.T) {
	// spec.md §4.4 Open Question resolution: blocked pids still have
	// their attempted bytes counted (DESIGN.md "record attempted bytes").
	s := New(StalenessThreshold)
	s.Update(5, "blocked-app", "", model.DirOutbound, 4096)
	s.RecordDrop(5, model.DropReasonBlocked)

	snap := s.Snapshot(time.Second)
	require.Len(t, snap, 1)
	assert.EqualValues(t, 4096, snap[0].BytesSent)
	assert.EqualValues(t, 1, s.Drops(5).Blocked)
}

func TestConnectionCountIsSurfacedOnSnapshot(t *testing.T) {
	s := New(StalenessThreshold)
	s.Update(3, "", "", model.DirOutbound, 1)
	s.SetConnectionCount(3, 4)

	snap := s.Snapshot(time.Second)
	require.Len(t, snap, 1)
	assert.EqualValues(t, 4, snap[0].ConnectionCount)
}
