package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval = 30 * time.Second
	syncBatchSize       = 100
)

// RecordPublisher pushes one transaction record to the external store. A nil
// return means the write is confirmed durable on the other side.
type RecordPublisher interface {
	Publish(ctx context.Context, record credits.Transaction) error
}

// ExternalSyncer pushes unsynced transaction records to the external store
// and flips synced_to_external only after a confirmed write. Records are
// processed one at a time so a failure never marks later, unattempted records
// as synced, and confirmed records are never re-processed.
type ExternalSyncer struct {
	store     credits.Store
	publisher RecordPublisher
	logger    *zap.Logger
	interval  time.Duration
}

// NewExternalSyncer wires the sync worker.
func NewExternalSyncer(store credits.Store, publisher RecordPublisher, logger *zap.Logger, interval time.Duration) *ExternalSyncer {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &ExternalSyncer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
	}
}

// Name identifies the worker in logs.
func (syncer *ExternalSyncer) Name() string { return "external_sync" }

// Interval returns the tick interval.
func (syncer *ExternalSyncer) Interval() time.Duration { return syncer.interval }

// RunOnce syncs one batch. A record that fails to publish stays unsynced and
// is retried on the next tick.
func (syncer *ExternalSyncer) RunOnce(ctx context.Context) error {
	unsynced, err := syncer.store.ListUnsyncedTransactions(ctx, syncBatchSize)
	if err != nil {
		return err
	}
	synced := 0
	failed := 0
	for _, record := range unsynced {
		if err := syncer.publisher.Publish(ctx, record); err != nil {
			failed++
			syncer.logger.Warn("external publish failed; will retry",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err),
			)
			continue
		}
		if err := syncer.store.MarkTransactionSynced(ctx, record.TransactionID); err != nil {
			failed++
			syncer.logger.Error("mark synced failed",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err),
			)
			continue
		}
		synced++
	}
	if synced > 0 || failed > 0 {
		syncer.logger.Info("external sync batch processed",
			zap.Int("synced", synced),
			zap.Int("failed", failed),
		)
	}
	if failed > 0 {
		return credits.WrapError("worker", "external_sync", "publish", fmt.Errorf("%w: %d records", credits.ErrExternalSyncFailure, failed))
	}
	return nil
}

// KafkaPublisher implements RecordPublisher over a Kafka topic. Messages are
// keyed by account so one account's records stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher over the given brokers and topic. The
// writer requires acknowledgement from all in-sync replicas before Publish
// reports success.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish sends the record as a JSON message.
func (publisher *KafkaPublisher) Publish(ctx context.Context, record credits.Transaction) error {
	payload, err := json.Marshal(syncEnvelope{
		TransactionID:  record.TransactionID,
		AccountID:      record.AccountID,
		Amount:         record.Amount,
		BalanceAfter:   record.BalanceAfter,
		Type:           record.Type.String(),
		Status:         record.Status.String(),
		Description:    record.Description,
		Endpoint:       record.Endpoint,
		CreatedUnixUTC: record.CreatedUnixUTC,
	})
	if err != nil {
		return err
	}
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.AccountID),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}

type syncEnvelope struct {
	TransactionID  string `json:"transaction_id"`
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Description    string `json:"description,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
