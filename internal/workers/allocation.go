package workers

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

const (
	defaultAllocationInterval = time.Hour
	allocationBatchSize       = 500
)

// Allocator grants each eligible account its tier-based credit amount at most
// once per calendar month. Re-running within the same period is a no-op per
// account: the service's calendar-month guard trips and the worker treats
// that as success.
type Allocator struct {
	service  *credits.Service
	store    credits.Store
	logger   *zap.Logger
	interval time.Duration
	nowFn    func() time.Time
}

// NewAllocator wires the periodic allocation worker.
func NewAllocator(service *credits.Service, store credits.Store, logger *zap.Logger, interval time.Duration) *Allocator {
	if interval <= 0 {
		interval = defaultAllocationInterval
	}
	return &Allocator{
		service:  service,
		store:    store,
		logger:   logger,
		interval: interval,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the worker in logs.
func (allocator *Allocator) Name() string { return "monthly_allocation" }

// Interval returns the tick interval.
func (allocator *Allocator) Interval() time.Duration { return allocator.interval }

// RunOnce allocates for every account due this period. Each account is its
// own transaction; one failure does not abort the batch.
func (allocator *Allocator) RunOnce(ctx context.Context) error {
	now := allocator.nowFn()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	accounts, err := allocator.store.ListAccountsDueAllocation(ctx, periodStart, allocationBatchSize)
	if err != nil {
		return err
	}
	granted := 0
	for _, account := range accounts {
		userID, err := credits.NewUserID(account.UserID)
		if err != nil {
			allocator.logger.Warn("skipping account with invalid user id",
				zap.String("account_id", account.AccountID),
				zap.Error(err),
			)
			continue
		}
		if _, err := allocator.service.ApplyMonthlyAllocation(ctx, userID, now); err != nil {
			if errors.Is(err, credits.ErrAllocationAlreadyApplied) {
				continue
			}
			allocator.logger.Error("allocation failed",
				zap.String("account_id", account.AccountID),
				zap.Error(err),
			)
			continue
		}
		granted++
	}
	if granted > 0 {
		allocator.logger.Info("monthly allocations granted", zap.Int("count", granted))
	}
	return nil
}
