package audit

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

// Emitter records the outcome of every ledger operation without influencing
// it. It implements credits.OperationLogger: a structured log line per
// operation plus an in-process counter by operation and status.
type Emitter struct {
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]int64
}

// NewEmitter wires an Emitter over a zap logger.
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{
		logger:   logger,
		counters: make(map[string]int64),
	}
}

// LogOperation records one operation outcome.
func (emitter *Emitter) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.HoldID != "" {
		fields = append(fields, zap.String("hold_id", entry.HoldID))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		emitter.logger.Warn("ledger operation", fields...)
	} else {
		emitter.logger.Info("ledger operation", fields...)
	}

	emitter.mu.Lock()
	emitter.counters[entry.Operation+"."+entry.Status]++
	emitter.mu.Unlock()
}

// Snapshot returns a copy of the operation counters keyed by
// "operation.status".
func (emitter *Emitter) Snapshot() map[string]int64 {
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	snapshot := make(map[string]int64, len(emitter.counters))
	for key, value := range emitter.counters {
		snapshot[key] = value
	}
	return snapshot
}
