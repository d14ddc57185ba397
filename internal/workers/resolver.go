package workers

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

const (
	defaultResolverInterval = 5 * time.Minute
	defaultStalenessCutoff  = time.Hour
	resolverBatchSize       = 200
)

// PendingResolver settles transaction records stuck in pending past the
// staleness threshold. Usage records flip to completed; anything else gets a
// compensating reversal and flips to failed.
type PendingResolver struct {
	service   *credits.Service
	store     credits.Store
	logger    *zap.Logger
	interval  time.Duration
	staleness time.Duration
	nowFn     func() time.Time
}

// NewPendingResolver wires the resolver worker.
func NewPendingResolver(service *credits.Service, store credits.Store, logger *zap.Logger, interval, staleness time.Duration) *PendingResolver {
	if interval <= 0 {
		interval = defaultResolverInterval
	}
	if staleness <= 0 {
		staleness = defaultStalenessCutoff
	}
	return &PendingResolver{
		service:   service,
		store:     store,
		logger:    logger,
		interval:  interval,
		staleness: staleness,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the worker in logs.
func (resolver *PendingResolver) Name() string { return "pending_resolver" }

// Interval returns the tick interval.
func (resolver *PendingResolver) Interval() time.Duration { return resolver.interval }

// RunOnce settles every stale pending record it can see. Each record is its
// own transaction; one failure does not abort the batch.
func (resolver *PendingResolver) RunOnce(ctx context.Context) error {
	cutoff := resolver.nowFn().Add(-resolver.staleness).Unix()
	stale, err := resolver.store.ListStalePendingTransactions(ctx, cutoff, resolverBatchSize)
	if err != nil {
		return err
	}
	completed := 0
	reversed := 0
	for _, record := range stale {
		outcome, err := resolver.service.SettleStalePending(ctx, record.TransactionID)
		if err != nil {
			resolver.logger.Error("pending settlement failed",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case credits.SettleOutcomeCompleted:
			completed++
		case credits.SettleOutcomeReversed:
			reversed++
		}
	}
	if completed > 0 || reversed > 0 {
		resolver.logger.Info("stale pending records settled",
			zap.Int("completed", completed),
			zap.Int("reversed", reversed),
		)
	}
	return nil
}
