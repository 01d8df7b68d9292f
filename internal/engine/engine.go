// Package engine orchestrates capture across many sources under one of
// three interchangeable execution strategies: a single-goroutine round-robin,
// one goroutine per source, or one OS process per source. All three share the
// same per-source capture loop, so strategy choice affects scheduling only,
// never per-source semantics.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/visiona/multicam/internal/backend"
	"github.com/visiona/multicam/internal/capture"
	"github.com/visiona/multicam/internal/frameslot"
	"github.com/visiona/multicam/internal/metrics"
	"github.com/visiona/multicam/internal/source"
)

// Strategy selects the execution model.
type Strategy string

const (
	// Sequential drives all sources from one goroutine, round-robin.
	Sequential Strategy = "sequential"
	// Threads runs one capture goroutine per source.
	Threads Strategy = "threads"
	// Procs runs one worker process per source.
	Procs Strategy = "procs"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Sequential, Threads, Procs:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("engine: unknown strategy %q (want sequential, threads or procs)", s)
	}
}

// Consumer receives delivered frames and loss notifications. Implementations
// must not retain the frame slice past the call, and must be safe for
// concurrent calls: under the threads strategy OnSourceLost arrives from a
// capture goroutine while OnFrame arrives from the consumer goroutine.
type Consumer interface {
	OnFrame(sourceID string, frame *backend.Frame, capturedAt time.Time)
	OnSourceLost(sourceID string)
}

// nopConsumer stands in when the caller only wants metrics.
type nopConsumer struct{}

func (nopConsumer) OnFrame(string, *backend.Frame, time.Time) {}
func (nopConsumer) OnSourceLost(string)                       {}

// Options configures a run.
type Options struct {
	Sources  []source.Source
	Backend  backend.Backend
	Strategy Strategy

	// Duration bounds the streaming portion of the run. Zero means run
	// until the context is cancelled.
	Duration time.Duration

	Capture capture.Config

	// PollInterval is the consumer polling cadence for the threads
	// strategy. Defaults to 10ms.
	PollInterval time.Duration

	// WorkerCommand builds the command for one worker process under the
	// procs strategy; typically the running binary re-executed with a
	// worker subcommand. The context carries the parent's grace deadline.
	// Required when Strategy is Procs.
	WorkerCommand func(ctx context.Context, src source.Source) *exec.Cmd
}

// Engine runs one multi-source capture session.
type Engine struct {
	opts     Options
	consumer Consumer
	acc      *metrics.Accumulator
}

// New validates options fail-fast and returns a ready engine. A nil consumer
// is allowed and means metrics-only operation.
func New(opts Options, consumer Consumer) (*Engine, error) {
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("engine: no sources configured")
	}
	seen := make(map[string]struct{}, len(opts.Sources))
	for _, src := range opts.Sources {
		if src.Name == "" || src.URI == "" {
			return nil, fmt.Errorf("engine: source needs both name and URI, got %q / %q", src.Name, src.URI)
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("engine: duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	if opts.Backend == nil && opts.Strategy != Procs {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Strategy == Procs && opts.WorkerCommand == nil {
		return nil, fmt.Errorf("engine: procs strategy requires a worker command")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	opts.Capture = opts.Capture.Normalize()

	if consumer == nil {
		consumer = nopConsumer{}
	}
	return &Engine{
		opts:     opts,
		consumer: consumer,
		acc:      metrics.NewAccumulator(),
	}, nil
}

// Run executes the session and returns the per-source reports. The reports
// cover every configured source, including ones that were lost.
func (e *Engine) Run(ctx context.Context) ([]metrics.SourceReport, error) {
	// Every source appears in the final report even if it never connects.
	for _, src := range e.opts.Sources {
		e.acc.Touch(src.Name)
	}

	var err error
	switch e.opts.Strategy {
	case Sequential, Threads:
		bounded, cancel := e.boundedCtx(ctx)
		defer cancel()
		if e.opts.Strategy == Sequential {
			err = e.runSequential(bounded)
		} else {
			err = e.runThreads(bounded)
		}
	case Procs:
		// Workers enforce the duration themselves; the parent only holds
		// a looser grace deadline so stragglers cannot hang the run.
		err = e.runProcs(ctx)
	}
	if err != nil {
		return nil, err
	}
	return e.acc.Snapshot(), nil
}

// boundedCtx applies the run duration for the in-process strategies.
func (e *Engine) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.Duration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.Duration)
}

// sourceRuntime bundles the per-source pieces for the in-process strategies.
type sourceRuntime struct {
	src      source.Source
	loop     *capture.Loop
	lastSeen time.Time
}

func (e *Engine) buildRuntimes() []*sourceRuntime {
	runtimes := make([]*sourceRuntime, 0, len(e.opts.Sources))
	for _, src := range e.opts.Sources {
		src := src
		conn := source.NewConnection(src, e.opts.Backend, e.opts.Capture.PullTimeout)
		slot := frameslot.New()
		loop := capture.New(conn, slot, e.opts.Capture, capture.Events{
			OnRead:      func(at time.Time) { e.acc.RecordRead(src.Name, at) },
			OnReconnect: func() { e.acc.RecordReconnect(src.Name) },
			OnLost: func() {
				e.acc.MarkLost(src.Name)
				e.consumer.OnSourceLost(src.Name)
			},
		})
		runtimes = append(runtimes, &sourceRuntime{src: src, loop: loop})
	}
	return runtimes
}

func (e *Engine) closeRuntimes(runtimes []*sourceRuntime) {
	for _, rt := range runtimes {
		rt.loop.Close()
	}
}

// consumerPass takes at most one new frame from each source's slot,
// deduplicating by capture timestamp so a frame is delivered once no matter
// how often the pass runs.
func (e *Engine) consumerPass(runtimes []*sourceRuntime) {
	now := time.Now()
	for _, rt := range runtimes {
		rec, ok := rt.loop.Slot().TakeIfNew(rt.lastSeen)
		if !ok {
			continue
		}
		rt.lastSeen = rec.Timestamp
		e.acc.RecordDelivery(rt.src.Name, rec.Timestamp, now)
		e.consumer.OnFrame(rt.src.Name, rec.Frame, rec.Timestamp)
	}
}
