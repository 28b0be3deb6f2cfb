package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/netguard/netguard/internal/model"
)

func collectingReinject() (ReinjectFunc, func() []*model.Packet) {
	var mu sync.Mutex
	var got []*model.Packet
	fn := func(p *model.Packet) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	}
	return fn, func() []*model.Packet {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*model.Packet, len(got))
		copy(out, got)
		return out
	}
}

func TestSetLimitThenEnqueueReinjectsInOrder(t *testing.T) {
	reinject, collected := collectingReinject()
	l := New(reinject, time.Second, 0, nil)

	l.SetLimit(100, model.BandwidthLimit{UploadBps: 1_000_000, DownloadBps: 1_000_000})
	if !l.HasLimit(100) {
		t.Fatal("expected pid 100 to have an active limit")
	}

	for i := 0; i < 5; i++ {
		pkt := &model.Packet{Length: 64}
		if !l.Enqueue(100, model.DirOutbound, pkt) {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(collected()) < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(collected()); got != 5 {
		t.Fatalf("expected 5 reinjected packets, got %d", got)
	}

	l.Stop()
}

func TestCustomQueueDepthOverridesDefault(t *testing.T) {
	reinject := func(p *model.Packet) error {
		time.Sleep(50 * time.Millisecond) // slow consumer so the queue fills
		return nil
	}
	l := New(reinject, time.Second, 4, nil)
	l.SetLimit(11, model.BandwidthLimit{UploadBps: 1})

	admitted := 0
	for i := 0; i < QueueDepth; i++ {
		if !l.Enqueue(11, model.DirOutbound, &model.Packet{Length: 1}) {
			break
		}
		admitted++
	}
	if admitted >= QueueDepth {
		t.Fatalf("expected a queueDepth=4 limiter to tail-drop well before the default QueueDepth, admitted %d", admitted)
	}

	l.Stop()
}

func TestEnqueueWithNoLimitReturnsFalse(t *testing.T) {
	reinject, _ := collectingReinject()
	l := New(reinject, time.Second, 0, nil)

	if l.Enqueue(42, model.DirOutbound, &model.Packet{Length: 10}) {
		t.Fatal("enqueue for an unlimited pid should return false")
	}
}

func TestEnqueueTailDropsOnFullQueue(t *testing.T) {
	reinject := func(p *model.Packet) error {
		time.Sleep(50 * time.Millisecond) // slow consumer so the queue fills
		return nil
	}
	l := New(reinject, time.Second, 0, nil)
	l.SetLimit(7, model.BandwidthLimit{UploadBps: 1})

	ok := true
	for i := 0; i < QueueDepth+10 && ok; i++ {
		ok = l.Enqueue(7, model.DirOutbound, &model.Packet{Length: 1})
	}
	if ok {
		t.Fatal("expected queue to eventually be full and tail-drop")
	}

	l.Stop()
}

func TestRemoveLimitDrainsWithoutGating(t *testing.T) {
	reinject, collected := collectingReinject()
	l := New(reinject, time.Second, 0, nil)

	// A very small fill rate so packets would normally wait a long time.
	l.SetLimit(9, model.BandwidthLimit{UploadBps: 1})
	for i := 0; i < 3; i++ {
		l.Enqueue(9, model.DirOutbound, &model.Packet{Length: 1000})
	}

	l.RemoveLimit(9)

	if got := len(collected()); got != 3 {
		t.Fatalf("expected all 3 packets drained on removal, got %d", got)
	}
	if l.HasLimit(9) {
		t.Fatal("pid should no longer have an active limit after removal")
	}
}

func TestBucketBypassesWhenFillRateZero(t *testing.T) {
	b := newBucket(0)
	if wait := b.tryConsume(1000); wait != 0 {
		t.Fatalf("zero fill rate should bypass gating, got wait=%v", wait)
	}
}

func TestBucketAdmitsOversizedPacketAfterDraining(t *testing.T) {
	b := newBucket(1000) // capacity = 2000 bytes
	wait := b.tryConsume(5000)
	if wait <= 0 {
		t.Fatal("an oversized packet should still require a nonzero wait, not be dropped")
	}
}
