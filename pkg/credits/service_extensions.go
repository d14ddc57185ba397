package credits

import (
	"context"
	"fmt"
	"time"
)

// SettleOutcome reports how a stale pending record was settled.
type SettleOutcome string

const (
	SettleOutcomeCompleted SettleOutcome = "completed"
	SettleOutcomeReversed  SettleOutcome = "reversed"
	SettleOutcomeSkipped   SettleOutcome = "skipped"
)

// ApplyMonthlyAllocation credits the account's tier allocation for the
// calendar month containing now (UTC). At most one allocation per account per
// calendar month; a second call in the same month returns
// ErrAllocationAlreadyApplied with no balance change.
func (service *Service) ApplyMonthlyAllocation(ctx context.Context, userID UserID, now time.Time) (Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Transaction{}, err
	}
	var record Transaction
	var granted int64
	operationError := service.withAccountLock(ctx, account.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		if allocationApplied(locked.LastAllocationAt, now) {
			return ErrAllocationAlreadyApplied
		}
		grant := locked.Tier.MonthlyAllocation()
		granted = grant
		newBalance := locked.CreditsBalance + grant
		if err := txStore.UpdateBalance(ctx, locked.AccountID, newBalance); err != nil {
			return err
		}
		if err := txStore.SetLastAllocationAt(ctx, locked.AccountID, now.UTC()); err != nil {
			return err
		}
		record, err = txStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      locked.AccountID,
			Amount:         grant,
			BalanceAfter:   newBalance,
			Type:           TransactionMonthlyAllocation,
			Status:         TransactionStatusCompleted,
			Description:    fmt.Sprintf("monthly allocation (%s tier)", locked.Tier),
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationAllocate,
		UserID:        userID.String(),
		AccountID:     account.AccountID,
		TransactionID: record.TransactionID,
		Amount:        granted,
		Type:          TransactionMonthlyAllocation,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return record, nil
}

// SettleStalePending resolves one pending transaction record. Usage-type
// records keep their already-applied balance effect and flip to completed;
// any other type is compensated: the balance effect is reversed by a refund
// record and the original flips to failed with a note. Safe to run more than
// once; a record settled by a concurrent worker is skipped.
func (service *Service) SettleStalePending(ctx context.Context, transactionID string) (SettleOutcome, error) {
	record, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return SettleOutcomeSkipped, err
	}
	if record.Status != TransactionStatusPending {
		return SettleOutcomeSkipped, nil
	}
	outcome, operationError := service.settlePending(ctx, record)
	service.logOperation(ctx, OperationLog{
		Operation:     operationResolve,
		AccountID:     record.AccountID,
		TransactionID: record.TransactionID,
		Amount:        record.Amount,
		Type:          record.Type,
		Status:        string(outcome),
		Error:         operationError,
	})
	return outcome, operationError
}

func (service *Service) settlePending(ctx context.Context, record Transaction) (SettleOutcome, error) {
	if record.Type.IsUsage() {
		err := service.store.SetTransactionStatus(ctx, record.TransactionID, TransactionStatusPending, TransactionStatusCompleted, "settled by pending resolver")
		if err != nil {
			if IsBusinessCondition(err) {
				return SettleOutcomeSkipped, nil
			}
			return SettleOutcomeSkipped, err
		}
		return SettleOutcomeCompleted, nil
	}
	err := service.withAccountLock(ctx, record.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		newBalance := locked.CreditsBalance - record.Amount
		if newBalance < 0 {
			return WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
		}
		// Reversing a pending credit debits the balance, so the result must
		// still cover the active holds. While it cannot, the record stays
		// pending and the reversal is retried after the holds lapse.
		if record.Amount > 0 {
			holds, err := txStore.SumActiveHolds(ctx, locked.AccountID)
			if err != nil {
				return err
			}
			if newBalance < holds {
				return InsufficientCreditsError{Required: record.Amount, Available: locked.CreditsBalance - holds}
			}
		}
		// The status CAS doubles as the idempotency guard: if another worker
		// already settled the record, the transaction aborts with no credit.
		if err := txStore.SetTransactionStatus(ctx, record.TransactionID, TransactionStatusPending, TransactionStatusFailed, "reversed by pending resolver"); err != nil {
			return err
		}
		if err := txStore.UpdateBalance(ctx, locked.AccountID, newBalance); err != nil {
			return err
		}
		_, err := txStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      locked.AccountID,
			Amount:         -record.Amount,
			BalanceAfter:   newBalance,
			Type:           TransactionHoldReleaseRefund,
			Status:         TransactionStatusCompleted,
			Description:    fmt.Sprintf("reversal of stale pending transaction %s", record.TransactionID),
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	if err != nil {
		if IsBusinessCondition(err) {
			return SettleOutcomeSkipped, nil
		}
		return SettleOutcomeSkipped, err
	}
	return SettleOutcomeReversed, nil
}

func allocationApplied(lastAllocationAt *time.Time, now time.Time) bool {
	if lastAllocationAt == nil {
		return false
	}
	last := lastAllocationAt.UTC()
	current := now.UTC()
	return last.Year() == current.Year() && last.Month() == current.Month()
}
