package frameslot

import (
	"sync"
	"testing"
	"time"

	"github.com/visiona/multicam/internal/backend"
)

func frameAt(seq uint64, ts time.Time) (*backend.Frame, time.Time) {
	return &backend.Frame{Seq: seq, Timestamp: ts}, ts
}

func TestSlotLastWriteWins(t *testing.T) {
	slot := New()
	base := time.Now()

	for i := 1; i <= 5; i++ {
		slot.Publish(frameAt(uint64(i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	rec, ok := slot.Peek()
	if !ok {
		t.Fatal("expected a frame after publishing")
	}
	if rec.Frame.Seq != 5 {
		t.Errorf("expected newest frame (seq 5), got seq %d", rec.Frame.Seq)
	}
	if got := slot.Overwrites(); got != 4 {
		t.Errorf("expected 4 overwrites of unconsumed frames, got %d", got)
	}
}

func TestSlotPeekOnEmpty(t *testing.T) {
	slot := New()
	if _, ok := slot.Peek(); ok {
		t.Error("Peek on empty slot reported a frame")
	}
	if _, ok := slot.TakeIfNew(time.Time{}); ok {
		t.Error("TakeIfNew on empty slot reported a frame")
	}
}

func TestSlotTakeIfNewDedup(t *testing.T) {
	slot := New()
	ts := time.Now()
	slot.Publish(frameAt(1, ts))

	rec, ok := slot.TakeIfNew(time.Time{})
	if !ok {
		t.Fatal("first take should see the frame")
	}

	// Same lastSeen: the frame was already delivered.
	if _, ok := slot.TakeIfNew(rec.Timestamp); ok {
		t.Error("second take with updated lastSeen returned a duplicate")
	}

	// A newer publish becomes visible again.
	slot.Publish(frameAt(2, ts.Add(time.Millisecond)))
	rec2, ok := slot.TakeIfNew(rec.Timestamp)
	if !ok || rec2.Frame.Seq != 2 {
		t.Fatalf("expected to take seq 2, got ok=%v rec=%+v", ok, rec2)
	}
}

func TestSlotConsumedFrameNotCountedAsOverwrite(t *testing.T) {
	slot := New()
	ts := time.Now()

	slot.Publish(frameAt(1, ts))
	if _, ok := slot.TakeIfNew(time.Time{}); !ok {
		t.Fatal("take failed")
	}
	slot.Publish(frameAt(2, ts.Add(time.Millisecond)))

	if got := slot.Overwrites(); got != 0 {
		t.Errorf("replacing a consumed frame counted as overwrite: %d", got)
	}
}

func TestSlotPeekDoesNotConsume(t *testing.T) {
	slot := New()
	ts := time.Now()
	slot.Publish(frameAt(1, ts))

	if _, ok := slot.Peek(); !ok {
		t.Fatal("peek failed")
	}
	slot.Publish(frameAt(2, ts.Add(time.Millisecond)))

	if got := slot.Overwrites(); got != 1 {
		t.Errorf("peeked-only frame should still count as overwritten, got %d", got)
	}
}

func TestSlotConcurrentPublishTake(t *testing.T) {
	slot := New()
	base := time.Now()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			slot.Publish(frameAt(uint64(i), base.Add(time.Duration(i))))
		}
	}()

	var taken int
	var lastSeen time.Time
	var lastSeq uint64
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			rec, ok := slot.TakeIfNew(lastSeen)
			if !ok {
				continue
			}
			if rec.Frame.Seq <= lastSeq {
				t.Errorf("takes went backwards: %d after %d", rec.Frame.Seq, lastSeq)
				return
			}
			lastSeq = rec.Frame.Seq
			lastSeen = rec.Timestamp
			taken++
		}
	}()

	wg.Wait()
	t.Logf("took %d of %d published frames, %d overwrites", taken, n, slot.Overwrites())
}
