// Package capture implements the per-source read loop: connect with a retry
// budget, pull frames into a latest-frame slot, recover broken sessions, and
// give up only when a full reconnect budget is exhausted.
//
// The loop is written as an explicit state machine driven by Step so the
// same code serves every execution strategy: a dedicated goroutine calls Run,
// a round-robin scheduler calls Step once per source per turn. Equivalence
// between strategies falls out of sharing this one implementation.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/visiona/multicam/internal/backend"
	"github.com/visiona/multicam/internal/frameslot"
	"github.com/visiona/multicam/internal/source"
)

// Phase is the loop lifecycle phase.
type Phase int

const (
	// Idle means the loop has not attempted its first connect yet.
	Idle Phase = iota
	// Connecting means a connect budget is being spent.
	Connecting
	// Streaming means frames are being pulled from a live connection.
	Streaming
	// Stopped is terminal: cancelled, or the source was declared lost.
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config carries the loop's tunables. Zero values are replaced by defaults
// in Normalize.
type Config struct {
	// MaxAttempts is the connect budget per connect cycle.
	MaxAttempts int
	// RetryInterval is the pause between connect attempts.
	RetryInterval time.Duration
	// PullTimeout bounds each single frame read.
	PullTimeout time.Duration
	// TimeoutBudget is how many consecutive read timeouts are tolerated
	// before the session is declared broken and reconnected.
	TimeoutBudget int
}

// Normalize fills zero fields with the defaults.
func (c Config) Normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 2 * time.Second
	}
	if c.TimeoutBudget <= 0 {
		c.TimeoutBudget = 3
	}
	return c
}

// Events are the loop's outward notifications. Nil funcs are skipped.
type Events struct {
	// OnRead fires once per frame pulled from the backend, including the
	// probing frame that seeds the slot after a connect.
	OnRead func(at time.Time)
	// OnReconnect fires when a live session breaks and a reconnect cycle
	// starts. It does not fire for the initial connect.
	OnReconnect func()
	// OnLost fires once when a connect budget is exhausted and the loop
	// gives up on the source. It does not fire on cancellation.
	OnLost func()
}

// Loop drives one source. Not safe for concurrent Step calls; each loop has
// exactly one driver.
type Loop struct {
	conn   *source.Connection
	slot   *frameslot.Slot
	cfg    Config
	events Events

	phase         Phase
	timeoutStreak int
	reconnects    uint64
}

// New creates a loop in the Idle phase.
func New(conn *source.Connection, slot *frameslot.Slot, cfg Config, events Events) *Loop {
	return &Loop{
		conn:   conn,
		slot:   slot,
		cfg:    cfg.Normalize(),
		events: events,
	}
}

// Phase returns the current lifecycle phase.
func (l *Loop) Phase() Phase { return l.phase }

// Reconnects returns how many reconnect cycles the loop has started.
func (l *Loop) Reconnects() uint64 { return l.reconnects }

// Slot returns the loop's output mailbox.
func (l *Loop) Slot() *frameslot.Slot { return l.slot }

// Source returns the source this loop drives.
func (l *Loop) Source() source.Source { return l.conn.Source() }

// Close stops the loop and releases its connection without marking the
// source lost. Called by the driver; not safe concurrently with Step.
func (l *Loop) Close() {
	l.stop()
}

// Run drives the loop until it stops.
func (l *Loop) Run(ctx context.Context) {
	for l.Step(ctx) {
	}
}

// Step advances the state machine by one action: one connect cycle, or one
// bounded frame pull. It returns false once the loop has reached Stopped.
//
// Cancellation stops the loop quietly; only an exhausted connect budget
// declares the source lost.
func (l *Loop) Step(ctx context.Context) bool {
	if l.phase == Stopped {
		return false
	}

	if ctx.Err() != nil {
		l.stop()
		return false
	}

	switch l.phase {
	case Idle, Connecting:
		l.stepConnect(ctx)
	case Streaming:
		l.stepPull(ctx)
	}
	return l.phase != Stopped
}

func (l *Loop) stepConnect(ctx context.Context) {
	l.phase = Connecting

	err := l.conn.Connect(ctx, l.cfg.MaxAttempts, l.cfg.RetryInterval)
	if err == nil {
		// The probing frame is real captured data: publish it so consumers
		// see the source immediately, and count it as a read. The read is
		// recorded before the frame becomes visible, so a consumer taking
		// it can never observe delivered > read.
		if probe := l.conn.TakeProbe(); probe != nil {
			l.emitRead(probe.Timestamp)
			l.slot.Publish(probe, probe.Timestamp)
		}
		l.timeoutStreak = 0
		l.phase = Streaming
		return
	}

	if ctx.Err() != nil {
		l.stop()
		return
	}

	if errors.Is(err, source.ErrConnectFailed) {
		slog.Error("capture: source lost, giving up",
			"source", l.conn.Source().Name,
			"error", err,
		)
		l.stop()
		if l.events.OnLost != nil {
			l.events.OnLost()
		}
		return
	}

	// Unexpected connect error (closed connection, bad budget). Terminal.
	slog.Error("capture: connect aborted", "source", l.conn.Source().Name, "error", err)
	l.stop()
}

func (l *Loop) stepPull(ctx context.Context) {
	frame, err := l.conn.PullFrame(ctx, l.cfg.PullTimeout)
	if err == nil {
		// Record the read before publishing: once the frame is in the slot
		// a concurrent consumer may deliver it immediately, and delivered
		// must never outrun read.
		l.emitRead(frame.Timestamp)
		l.slot.Publish(frame, frame.Timestamp)
		l.timeoutStreak = 0
		return
	}

	if ctx.Err() != nil {
		l.stop()
		return
	}

	if errors.Is(err, backend.ErrTimeout) {
		l.timeoutStreak++
		if l.timeoutStreak < l.cfg.TimeoutBudget {
			return
		}
		slog.Warn("capture: read timeout budget exhausted, reconnecting",
			"source", l.conn.Source().Name,
			"consecutive_timeouts", l.timeoutStreak,
		)
	} else {
		slog.Warn("capture: read failed, reconnecting",
			"source", l.conn.Source().Name,
			"error", err,
		)
	}

	l.timeoutStreak = 0
	l.reconnects++
	if l.events.OnReconnect != nil {
		l.events.OnReconnect()
	}
	l.phase = Connecting
}

func (l *Loop) emitRead(at time.Time) {
	if l.events.OnRead != nil {
		l.events.OnRead(at)
	}
}

func (l *Loop) stop() {
	if l.phase == Stopped {
		return
	}
	l.conn.Close()
	l.phase = Stopped
}
