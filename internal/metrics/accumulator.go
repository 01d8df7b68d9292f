// Package metrics accumulates per-source throughput counters and exposes
// them both as end-of-run reports and as Prometheus series.
//
// Two rates are tracked per source. Read FPS measures what the capture loop
// pulled from the backend; delivery FPS measures the distinct frames a
// consumer actually observed. The gap between them is the drop rate of the
// latest-frame-wins hand-off.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SourceReport is the per-source summary emitted at the end of a run.
type SourceReport struct {
	Source               string  `json:"source"`
	ReadFPS              float64 `json:"read_fps"`
	DeliveryFPS          float64 `json:"delivery_fps"`
	TotalFramesRead      uint64  `json:"total_frames_read"`
	TotalFramesDelivered uint64  `json:"total_frames_delivered"`
	Reconnects           uint64  `json:"reconnects"`
	Lost                 bool    `json:"lost"`
}

// series tracks one event stream: a count plus the first and last event
// times. The first event only establishes the time base, so the rate is
// (count-1)/(last-first) and needs at least two events to be defined.
type series struct {
	count uint64
	first time.Time
	last  time.Time
}

func (s *series) record(at time.Time) {
	if s.count == 0 {
		s.first = at
	}
	s.last = at
	s.count++
}

func (s *series) rate() float64 {
	if s.count < 2 {
		return 0
	}
	elapsed := s.last.Sub(s.first).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.count-1) / elapsed
}

type perSource struct {
	reads      series
	deliveries series
	reconnects uint64
	lost       bool

	// Rates merged from a worker report. Workers measure in their own
	// process; the parent carries the reported values verbatim instead of
	// reconstructing sample times.
	merged      bool
	readFPS     float64
	deliveryFPS float64
}

// Accumulator collects per-source counters. Safe for concurrent use; every
// execution strategy funnels its events through one of these.
type Accumulator struct {
	mu      sync.Mutex
	sources map[string]*perSource
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{sources: make(map[string]*perSource)}
}

func (a *Accumulator) get(sourceID string) *perSource {
	ps, ok := a.sources[sourceID]
	if !ok {
		ps = &perSource{}
		a.sources[sourceID] = ps
	}
	return ps
}

// Touch ensures the source appears in Snapshot even if no event is ever
// recorded for it.
func (a *Accumulator) Touch(sourceID string) {
	a.mu.Lock()
	a.get(sourceID)
	a.mu.Unlock()
}

// RecordRead counts one frame pulled from the backend at the given time.
func (a *Accumulator) RecordRead(sourceID string, at time.Time) {
	a.mu.Lock()
	a.get(sourceID).reads.record(at)
	a.mu.Unlock()

	framesReadTotal.WithLabelValues(sourceID).Inc()
}

// RecordDelivery counts one distinct frame observed by a consumer. The
// capture timestamp and observation time together give the delivery latency.
func (a *Accumulator) RecordDelivery(sourceID string, capturedAt, observedAt time.Time) {
	a.mu.Lock()
	a.get(sourceID).deliveries.record(capturedAt)
	a.mu.Unlock()

	framesDeliveredTotal.WithLabelValues(sourceID).Inc()
	if lag := observedAt.Sub(capturedAt); lag >= 0 {
		deliveryLatency.WithLabelValues(sourceID).Observe(lag.Seconds())
		slog.Debug("metrics: frame delivered", "source", sourceID, "latency", lag)
	}
}

// RecordReconnect counts one reconnect cycle for the source.
func (a *Accumulator) RecordReconnect(sourceID string) {
	a.mu.Lock()
	a.get(sourceID).reconnects++
	a.mu.Unlock()

	reconnectsTotal.WithLabelValues(sourceID).Inc()
}

// MarkLost flags the source as permanently lost.
func (a *Accumulator) MarkLost(sourceID string) {
	a.mu.Lock()
	ps := a.get(sourceID)
	already := ps.lost
	ps.lost = true
	a.mu.Unlock()

	if !already {
		sourcesLostTotal.Inc()
	}
}

// Merge folds an externally produced report into the accumulator. Used by
// the multi-process strategy, where workers measure in their own process and
// ship totals and rates back; the reported rates are carried verbatim.
func (a *Accumulator) Merge(r SourceReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ps := a.get(r.Source)
	ps.reads.count = r.TotalFramesRead
	ps.deliveries.count = r.TotalFramesDelivered
	ps.reconnects = r.Reconnects
	ps.lost = r.Lost
	ps.merged = true
	ps.readFPS = r.ReadFPS
	ps.deliveryFPS = r.DeliveryFPS
}

// Snapshot returns the per-source reports sorted by source name.
func (a *Accumulator) Snapshot() []SourceReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	reports := make([]SourceReport, 0, len(a.sources))
	for id, ps := range a.sources {
		readFPS, deliveryFPS := ps.reads.rate(), ps.deliveries.rate()
		if ps.merged {
			readFPS, deliveryFPS = ps.readFPS, ps.deliveryFPS
		}
		reports = append(reports, SourceReport{
			Source:               id,
			ReadFPS:              readFPS,
			DeliveryFPS:          deliveryFPS,
			TotalFramesRead:      ps.reads.count,
			TotalFramesDelivered: ps.deliveries.count,
			Reconnects:           ps.reconnects,
			Lost:                 ps.lost,
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Source < reports[j].Source })
	return reports
}
