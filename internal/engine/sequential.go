package engine

import (
	"context"
	"log/slog"

	"github.com/visiona/multicam/internal/capture"
)

// runSequential drives every source from the calling goroutine: one state
// machine step per source per round, then one consumer pass. A source that
// stalls in a connect attempt delays the whole round.
func (e *Engine) runSequential(ctx context.Context) error {
	runtimes := e.buildRuntimes()

	slog.Info("engine: sequential run starting", "sources", len(runtimes))

	for {
		active := 0
		for _, rt := range runtimes {
			if rt.loop.Phase() == capture.Stopped {
				continue
			}
			if rt.loop.Step(ctx) {
				active++
			}
		}
		e.consumerPass(runtimes)

		if active == 0 || ctx.Err() != nil {
			break
		}
	}

	// The loops have stopped; collect anything still sitting in the slots.
	e.consumerPass(runtimes)
	e.closeRuntimes(runtimes)

	slog.Info("engine: sequential run finished")
	return nil
}
