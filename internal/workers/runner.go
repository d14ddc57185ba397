package workers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker is one scheduled job. RunOnce must be idempotent and safe to run
// concurrently with another instance on the same tick.
type Worker interface {
	Name() string
	Interval() time.Duration
	RunOnce(ctx context.Context) error
}

// Run drives a worker on its interval until context cancellation. A failing
// tick is logged and never stops the loop.
func Run(ctx context.Context, worker Worker, logger *zap.Logger) error {
	ticker := time.NewTicker(worker.Interval())
	defer ticker.Stop()

	for {
		if err := worker.RunOnce(ctx); err != nil {
			logger.Error("worker tick failed",
				zap.String("worker", worker.Name()),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
