package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PlaceHold reserves credits against the available balance ahead of
// uncertain-cost work. The balance itself does not move.
func (service *Service) PlaceHold(ctx context.Context, userID UserID, amount CreditAmount, ttl time.Duration) (Hold, error) {
	// Expiry is stored at second precision; anything shorter would create a
	// hold that is already expired.
	if ttl < time.Second {
		return Hold{}, fmt.Errorf("%w: must be at least one second", ErrInvalidHoldTTL)
	}
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Hold{}, err
	}
	var hold Hold
	operationError := service.withAccountLock(ctx, account.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		holds, err := txStore.SumActiveHolds(ctx, locked.AccountID)
		if err != nil {
			return err
		}
		available, err := calculateAvailable(locked.CreditsBalance, holds)
		if err != nil {
			return err
		}
		if available < amount.Int64() {
			return InsufficientCreditsError{Required: amount.Int64(), Available: available}
		}
		now := service.nowFn()
		hold, err = txStore.CreateHold(ctx, HoldInput{
			AccountID:        locked.AccountID,
			Amount:           amount.Int64(),
			ExpiresAtUnixUTC: now + int64(ttl/time.Second),
			CreatedUnixUTC:   now,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPlaceHold,
		UserID:    userID.String(),
		AccountID: account.AccountID,
		HoldID:    hold.HoldID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	return hold, nil
}

// CommitHold converts an active hold into a real debit of actualAmount and
// writes the hold_commit record. The debit cannot fail for lack of funds
// because the hold already reserved at least that amount; an actualAmount
// below the hold amount simply never debits the remainder.
func (service *Service) CommitHold(ctx context.Context, holdID HoldID, actualAmount CreditAmount, description string, options ...RecordOption) (Transaction, error) {
	applied := applyRecordOptions(options)
	hold, err := service.store.GetHold(ctx, holdID.String())
	if err != nil {
		return Transaction{}, err
	}
	var record Transaction
	operationError := service.withAccountLock(ctx, hold.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		current, err := txStore.GetHold(ctx, holdID.String())
		if err != nil {
			return err
		}
		if !current.IsActive {
			return WrapError("service", "hold", "commit", ErrHoldNotActive)
		}
		if actualAmount.Int64() > current.Amount {
			return fmt.Errorf("%w: commit amount %d exceeds held %d", ErrInvalidCreditAmount, actualAmount.Int64(), current.Amount)
		}
		newBalance := locked.CreditsBalance - actualAmount.Int64()
		if newBalance < 0 {
			return WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
		}
		if err := txStore.UpdateBalance(ctx, locked.AccountID, newBalance); err != nil {
			return err
		}
		record, err = txStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      locked.AccountID,
			Amount:         -actualAmount.Int64(),
			BalanceAfter:   newBalance,
			Type:           TransactionHoldCommit,
			Status:         TransactionStatusCompleted,
			Description:    description,
			Endpoint:       applied.endpoint,
			MetadataJSON:   applied.metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		return txStore.DeactivateHold(ctx, holdID.String(), &record.TransactionID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommitHold,
		AccountID:     hold.AccountID,
		HoldID:        holdID.String(),
		TransactionID: record.TransactionID,
		Amount:        -actualAmount.Int64(),
		Type:          TransactionHoldCommit,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return record, nil
}

// ReleaseHold cancels an active hold. No balance change; the reserved amount
// returns to availability.
func (service *Service) ReleaseHold(ctx context.Context, holdID HoldID) error {
	hold, err := service.store.GetHold(ctx, holdID.String())
	if err != nil {
		return err
	}
	operationError := service.withAccountLock(ctx, hold.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		current, err := txStore.GetHold(ctx, holdID.String())
		if err != nil {
			return err
		}
		if !current.IsActive {
			return WrapError("service", "hold", "release", ErrHoldNotActive)
		}
		return txStore.DeactivateHold(ctx, holdID.String(), nil)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseHold,
		AccountID: hold.AccountID,
		HoldID:    holdID.String(),
		Amount:    hold.Amount,
		Error:     operationError,
	})
	return operationError
}

// ExpireStaleHolds transitions active holds whose expiry has passed, each in
// its own account-locked transaction. A hold committed or released
// concurrently is rechecked under the lock and left alone. A failure on one
// hold does not abort the others; the count of expired holds is returned.
func (service *Service) ExpireStaleHolds(ctx context.Context, now time.Time) (int, error) {
	stale, err := service.store.ListExpiredHolds(ctx, now.Unix(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, hold := range stale {
		transitioned, err := service.expireOne(ctx, hold, now.Unix())
		if err != nil || transitioned {
			service.logOperation(ctx, OperationLog{
				Operation: operationExpireHold,
				AccountID: hold.AccountID,
				HoldID:    hold.HoldID,
				Amount:    hold.Amount,
				Error:     err,
			})
		}
		if transitioned {
			expired++
		}
	}
	return expired, nil
}

func (service *Service) expireOne(ctx context.Context, hold Hold, nowUnixUTC int64) (bool, error) {
	transitioned := false
	err := service.withAccountLock(ctx, hold.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		current, err := txStore.GetHold(ctx, hold.HoldID)
		if err != nil {
			if errors.Is(err, ErrHoldNotFound) {
				return nil
			}
			return err
		}
		// Only an Active hold past its expiry may be expired; anything else
		// was transitioned by another path.
		if !current.IsActive || current.ExpiresAtUnixUTC >= nowUnixUTC {
			return nil
		}
		if err := txStore.DeactivateHold(ctx, hold.HoldID, nil); err != nil {
			if errors.Is(err, ErrHoldNotActive) {
				return nil
			}
			return err
		}
		transitioned = true
		return nil
	})
	return transitioned, err
}
