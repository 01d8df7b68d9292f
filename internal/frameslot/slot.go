// Package frameslot provides the single-slot frame mailbox shared between a
// capture loop and its consumers. The slot holds exactly the newest frame:
// publishing overwrites unconditionally, reading never blocks, and a
// consumed marker lets pull-based consumers skip frames they already saw.
package frameslot

import (
	"sync"
	"time"

	"github.com/visiona/multicam/internal/backend"
)

// Record is one published frame plus the capture timestamp used for
// staleness checks and delivery dedup.
type Record struct {
	Frame     *backend.Frame
	Timestamp time.Time
}

// Slot is a latest-frame-wins mailbox. One producer publishes, any number of
// consumers peek or take. Memory stays bounded at one frame regardless of
// the producer/consumer rate mismatch.
type Slot struct {
	mu         sync.Mutex
	rec        Record
	hasFrame   bool
	consumed   bool
	overwrites uint64
}

// New returns an empty slot.
func New() *Slot {
	return &Slot{}
}

// Publish stores frame as the current record, replacing whatever was there.
// Replacing a frame no consumer has taken counts as an overwrite; that
// counter is the observable drop signal for a slow consumer.
func (s *Slot) Publish(frame *backend.Frame, capturedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFrame && !s.consumed {
		s.overwrites++
	}
	s.rec = Record{Frame: frame, Timestamp: capturedAt}
	s.hasFrame = true
	s.consumed = false
}

// Peek returns the current record without consuming it. ok is false when
// nothing has ever been published.
func (s *Slot) Peek() (rec Record, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.hasFrame
}

// TakeIfNew returns the current record only when its capture timestamp is
// newer than lastSeen, marking it consumed. The frame stays in the slot so a
// late-joining consumer can still Peek it; consumed only gates the overwrite
// counter and repeat takes by the same consumer.
func (s *Slot) TakeIfNew(lastSeen time.Time) (rec Record, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFrame || !s.rec.Timestamp.After(lastSeen) {
		return Record{}, false
	}
	s.consumed = true
	return s.rec, true
}

// Overwrites reports how many published frames were replaced before any
// consumer took them.
func (s *Slot) Overwrites() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwrites
}
