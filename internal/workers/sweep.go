package workers

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

// HoldSweeper expires stale holds on a fixed interval.
type HoldSweeper struct {
	service  *credits.Service
	logger   *zap.Logger
	interval time.Duration
	nowFn    func() time.Time
}

// NewHoldSweeper wires the sweep worker.
func NewHoldSweeper(service *credits.Service, logger *zap.Logger, interval time.Duration) *HoldSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &HoldSweeper{
		service:  service,
		logger:   logger,
		interval: interval,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the worker in logs.
func (sweeper *HoldSweeper) Name() string { return "hold_sweep" }

// Interval returns the tick interval.
func (sweeper *HoldSweeper) Interval() time.Duration { return sweeper.interval }

// RunOnce expires every stale hold it can see. Per-hold failures are isolated
// inside ExpireStaleHolds; only a failure to list surfaces here.
func (sweeper *HoldSweeper) RunOnce(ctx context.Context) error {
	expired, err := sweeper.service.ExpireStaleHolds(ctx, sweeper.nowFn())
	if err != nil {
		return err
	}
	if expired > 0 {
		sweeper.logger.Info("expired stale holds", zap.Int("count", expired))
	}
	return nil
}
