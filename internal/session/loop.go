package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// autoContinueDelay is the pause between consecutive sessions.
const autoContinueDelay = 3 * time.Second

// RunLoop runs sessions until the agent blocks, halts, fails or finishes.
// The iteration cap is re-read from the workspace each pass so it can be
// adjusted between sessions.
func (o *Orchestrator) RunLoop(ctx context.Context) (*Result, error) {
	var last *Result

	for iteration := 1; ; iteration++ {
		info, err := o.store.LoadWorkspaceInfo()
		if err != nil {
			return nil, err
		}
		if info.MaxIterations > 0 && iteration > info.MaxIterations {
			o.logger.Info("reached max iterations", zap.Int("max", info.MaxIterations))
			if last == nil {
				last = &Result{Status: StatusContinue}
			}
			return last, nil
		}

		o.logger.Info("starting session", zap.Int("iteration", iteration))
		res, err := o.RunSession(ctx)
		if err != nil {
			return nil, err
		}
		last = res

		if res.Status != StatusContinue {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(autoContinueDelay):
		}
	}
}
