package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// runThreads runs one capture goroutine per source plus a single consumer
// goroutine polling the slots. The consumer owns all lastSeen state, so the
// capture goroutines never touch anything but their own loop and slot.
func (e *Engine) runThreads(ctx context.Context) error {
	runtimes := e.buildRuntimes()

	slog.Info("engine: threaded run starting",
		"sources", len(runtimes),
		"poll_interval", e.opts.PollInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	captureDone := make(chan struct{})

	captureGroup, captureCtx := errgroup.WithContext(gctx)
	for _, rt := range runtimes {
		rt := rt
		captureGroup.Go(func() error {
			rt.loop.Run(captureCtx)
			return nil
		})
	}

	g.Go(func() error {
		defer close(captureDone)
		return captureGroup.Wait()
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.consumerPass(runtimes)
			case <-captureDone:
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// One last pass for frames published after the consumer's final tick.
	e.consumerPass(runtimes)
	e.closeRuntimes(runtimes)

	slog.Info("engine: threaded run finished")
	return nil
}
