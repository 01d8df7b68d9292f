package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visiona/multicam/internal/metrics"
	"github.com/visiona/multicam/internal/source"
)

// runProcs spawns one worker process per source and merges the reports the
// workers print to stdout. Workers enforce the run duration themselves; the
// parent holds a looser grace deadline covering the duration plus a full
// connect budget, so a worker stuck in retries is reaped rather than waited
// on forever.
//
// A worker that crashes or prints garbage takes down only its own source:
// the source is reported lost and the rest of the run proceeds.
func (e *Engine) runProcs(ctx context.Context) error {
	if e.opts.Duration > 0 {
		grace := e.opts.Duration + e.connectBudget() + 10*time.Second
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	slog.Info("engine: multi-process run starting", "sources", len(e.opts.Sources))

	var g errgroup.Group
	for _, src := range e.opts.Sources {
		src := src
		g.Go(func() error {
			report, err := e.runWorkerProcess(ctx, src)
			if err != nil {
				slog.Error("engine: worker failed, source lost",
					"source", src.Name,
					"error", err,
				)
				e.acc.MarkLost(src.Name)
				e.consumer.OnSourceLost(src.Name)
				return nil
			}
			e.acc.Merge(report)
			if report.Lost {
				e.consumer.OnSourceLost(src.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("engine: multi-process run finished")
	return nil
}

// connectBudget is the worst-case time one full connect cycle may take.
func (e *Engine) connectBudget() time.Duration {
	attempts := time.Duration(e.opts.Capture.MaxAttempts)
	return attempts * (e.opts.Capture.RetryInterval + e.opts.Capture.PullTimeout)
}

// runWorkerProcess runs one worker to completion and decodes its report.
// stdout is reserved for the JSON report; worker logs go to stderr.
func (e *Engine) runWorkerProcess(ctx context.Context, src source.Source) (metrics.SourceReport, error) {
	cmd := e.opts.WorkerCommand(ctx, src)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		return metrics.SourceReport{}, fmt.Errorf("worker process: %w", err)
	}

	var report metrics.SourceReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &report); err != nil {
		return metrics.SourceReport{}, fmt.Errorf("worker report: %w (output %q)", err, stdout.String())
	}
	if report.Source != src.Name {
		return metrics.SourceReport{}, fmt.Errorf("worker report: source %q, expected %q", report.Source, src.Name)
	}
	return report, nil
}

// RunWorker executes the single-source body of a worker process: the same
// capture loop the in-process strategies use, wrapped so the caller gets one
// report back to print. Strategy equivalence between procs and threads rests
// on this reuse.
func RunWorker(ctx context.Context, opts Options, consumer Consumer) (metrics.SourceReport, error) {
	if len(opts.Sources) != 1 {
		return metrics.SourceReport{}, fmt.Errorf("engine: worker takes exactly one source, got %d", len(opts.Sources))
	}
	opts.Strategy = Threads
	opts.WorkerCommand = nil

	eng, err := New(opts, consumer)
	if err != nil {
		return metrics.SourceReport{}, err
	}
	reports, err := eng.Run(ctx)
	if err != nil {
		return metrics.SourceReport{}, err
	}
	return reports[0], nil
}
