package metrics

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRateNeedsTwoSamples(t *testing.T) {
	acc := NewAccumulator()
	base := time.Now()

	// No samples: everything zero.
	acc.Touch("cam-1")
	r := acc.Snapshot()[0]
	if r.ReadFPS != 0 || r.TotalFramesRead != 0 {
		t.Errorf("untouched source reported fps=%.2f count=%d", r.ReadFPS, r.TotalFramesRead)
	}

	// One sample establishes the time base only.
	acc.RecordRead("cam-1", base)
	r = acc.Snapshot()[0]
	if r.ReadFPS != 0 {
		t.Errorf("single sample produced fps=%.2f, want 0", r.ReadFPS)
	}
	if r.TotalFramesRead != 1 {
		t.Errorf("count = %d, want 1", r.TotalFramesRead)
	}

	// Two samples one second apart: one frame over one second.
	acc.RecordRead("cam-1", base.Add(time.Second))
	r = acc.Snapshot()[0]
	if r.ReadFPS < 0.99 || r.ReadFPS > 1.01 {
		t.Errorf("read fps = %.4f, want ~1.0", r.ReadFPS)
	}
}

func TestRateExcludesFirstSampleFromCount(t *testing.T) {
	acc := NewAccumulator()
	base := time.Now()

	// 11 frames over 1 second: rate counts the 10 intervals, not 11 frames.
	for i := 0; i <= 10; i++ {
		acc.RecordRead("cam-1", base.Add(time.Duration(i)*100*time.Millisecond))
	}
	r := acc.Snapshot()[0]
	if r.ReadFPS < 9.9 || r.ReadFPS > 10.1 {
		t.Errorf("read fps = %.4f, want ~10.0", r.ReadFPS)
	}
	if r.TotalFramesRead != 11 {
		t.Errorf("count = %d, want 11", r.TotalFramesRead)
	}
}

func TestDeliveryTracksDistinctFrames(t *testing.T) {
	acc := NewAccumulator()
	base := time.Now()

	for i := 0; i < 10; i++ {
		acc.RecordRead("cam-1", base.Add(time.Duration(i)*10*time.Millisecond))
	}
	// The consumer only saw every other frame.
	for i := 0; i < 10; i += 2 {
		captured := base.Add(time.Duration(i) * 10 * time.Millisecond)
		acc.RecordDelivery("cam-1", captured, captured.Add(time.Millisecond))
	}

	r := acc.Snapshot()[0]
	if r.TotalFramesDelivered != 5 {
		t.Errorf("delivered = %d, want 5", r.TotalFramesDelivered)
	}
	if r.TotalFramesDelivered > r.TotalFramesRead {
		t.Errorf("delivered (%d) exceeds read (%d)", r.TotalFramesDelivered, r.TotalFramesRead)
	}
	if r.DeliveryFPS >= r.ReadFPS {
		t.Errorf("delivery fps (%.2f) should trail read fps (%.2f) here", r.DeliveryFPS, r.ReadFPS)
	}
}

func TestReconnectsAndLost(t *testing.T) {
	acc := NewAccumulator()
	acc.RecordReconnect("cam-1")
	acc.RecordReconnect("cam-1")
	acc.MarkLost("cam-1")
	acc.MarkLost("cam-1") // idempotent

	r := acc.Snapshot()[0]
	if r.Reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", r.Reconnects)
	}
	if !r.Lost {
		t.Error("source not marked lost")
	}
}

func TestSnapshotSortedByName(t *testing.T) {
	acc := NewAccumulator()
	for _, id := range []string{"cam-3", "cam-1", "cam-2"} {
		acc.Touch(id)
	}
	reports := acc.Snapshot()
	for i, want := range []string{"cam-1", "cam-2", "cam-3"} {
		if reports[i].Source != want {
			t.Errorf("reports[%d] = %s, want %s", i, reports[i].Source, want)
		}
	}
}

func TestMergePreservesWorkerReport(t *testing.T) {
	acc := NewAccumulator()
	in := SourceReport{
		Source:               "cam-remote",
		ReadFPS:              24.5,
		DeliveryFPS:          20.0,
		TotalFramesRead:      245,
		TotalFramesDelivered: 200,
		Reconnects:           1,
	}
	acc.Merge(in)

	// The worker measured the rates; Snapshot must report them verbatim.
	if out := acc.Snapshot()[0]; out != in {
		t.Errorf("merged report changed: got %+v, want %+v", out, in)
	}
}

func TestSourceReportJSONRoundTrip(t *testing.T) {
	in := SourceReport{Source: "cam-1", ReadFPS: 25, TotalFramesRead: 100, Lost: true}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out SourceReport
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip changed the report: %+v != %+v", out, in)
	}
}
