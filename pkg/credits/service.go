package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store. All mutations of the same
// account are serialized by the account row lock taken in withAccountLock;
// mutations of different accounts proceed in parallel.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	lockTimeout time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, lockTimeout: defaultLockTimeout}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// RecordOption customizes the transaction record written by Credit and Debit.
type RecordOption func(*recordOptions)

type recordOptions struct {
	endpoint string
	metadata string
	status   TransactionStatus
}

// WithEndpoint tags the record with the calling endpoint or feature.
func WithEndpoint(endpoint string) RecordOption {
	return func(options *recordOptions) {
		options.endpoint = endpoint
	}
}

// WithMetadata attaches request metadata to the record.
func WithMetadata(metadata MetadataJSON) RecordOption {
	return func(options *recordOptions) {
		options.metadata = metadata.String()
	}
}

// WithPendingStatus writes the record as pending. The balance effect applies
// immediately; the caller confirms via CompleteTransaction or the resolver
// worker settles it after the staleness threshold.
func WithPendingStatus() RecordOption {
	return func(options *recordOptions) {
		options.status = TransactionStatusPending
	}
}

func applyRecordOptions(options []RecordOption) recordOptions {
	applied := recordOptions{metadata: "{}", status: TransactionStatusCompleted}
	for _, option := range options {
		if option != nil {
			option(&applied)
		}
	}
	return applied
}

// GetOrCreateBalance returns the account's balance view, creating a zero
// balance on first use.
func (service *Service) GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	holds, err := service.store.SumActiveHolds(ctx, account.AccountID)
	if err != nil {
		return Balance{}, err
	}
	available, err := calculateAvailable(account.CreditsBalance, holds)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:        account.AccountID,
		CreditsBalance:   account.CreditsBalance,
		ActiveHolds:      holds,
		AvailableCredits: available,
		Tier:             account.Tier,
	}, nil
}

// Credit increases the balance and writes the audit record. Never fails for
// lack of funds.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CreditAmount, transactionType TransactionType, description string, options ...RecordOption) (Transaction, error) {
	applied := applyRecordOptions(options)
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Transaction{}, err
	}
	var record Transaction
	operationError := service.withAccountLock(ctx, account.AccountID, func(ctx context.Context, txStore Store, locked Account) error {
		newBalance := locked.CreditsBalance + amount.Int64()
		if err := txStore.UpdateBalance(ctx, locked.AccountID, newBalance); err != nil {
			return err
		}
		record, err = txStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      locked.AccountID,
			Amount:         amount.Int64(),
			BalanceAfter:   newBalance,
			Type:           transactionType,
			Status:         applied.status,
			Description:    description,
			Endpoint:       applied.endpoint,
			MetadataJSON:   applied.metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCredit,
		UserID:        userID.String(),
		AccountID:     account.AccountID,
		TransactionID: record.TransactionID,
		Amount:        amount.Int64(),
		Type:          transactionType,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return record, nil
}

// Debit decreases the balance if the available balance covers the amount. The
// availability check and the write run under the same account lock.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CreditAmount, transactionType TransactionType, description string, options ...RecordOption) (Transaction, error) {
	applied := applyRecordOptions(options)
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return Transaction{}, err
	}
	var record Transaction
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
		newBalance := locked.CreditsBalance - amount.Int64()
		if err := txStore.UpdateBalance(ctx, locked.AccountID, newBalance); err != nil {
			return err
		}
		record, err = txStore.InsertTransaction(ctx, TransactionInput{
			AccountID:      locked.AccountID,
			Amount:         -amount.Int64(),
			BalanceAfter:   newBalance,
			Type:           transactionType,
			Status:         applied.status,
			Description:    description,
			Endpoint:       applied.endpoint,
			MetadataJSON:   applied.metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		UserID:        userID.String(),
		AccountID:     account.AccountID,
		TransactionID: record.TransactionID,
		Amount:        -amount.Int64(),
		Type:          transactionType,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return record, nil
}

// HasSufficientCredits reports whether the available balance covers the
// amount. Advisory only: the balance may change before a subsequent debit.
// Callers needing a guarantee must place a hold.
func (service *Service) HasSufficientCredits(ctx context.Context, userID UserID, amount CreditAmount) (bool, error) {
	balance, err := service.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.AvailableCredits >= amount.Int64(), nil
}

// CompleteTransaction flips a pending record to completed.
func (service *Service) CompleteTransaction(ctx context.Context, transactionID string) error {
	operationError := service.store.SetTransactionStatus(ctx, transactionID, TransactionStatusPending, TransactionStatusCompleted, "")
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		TransactionID: transactionID,
		Error:         operationError,
	})
	return operationError
}

// ListTransactions lists an account's records before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
}

// withAccountLock runs fn inside a transaction holding the exclusive account
// row lock. The wait is bounded by the configured lock timeout; hitting it
// surfaces ErrLockTimeout with no partial mutation.
func (service *Service) withAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, txStore Store, locked Account) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, service.lockTimeout)
	defer cancel()
	err := service.store.WithTx(lockCtx, func(ctx context.Context, txStore Store) error {
		locked, lockErr := txStore.LockBalance(ctx, accountID)
		if lockErr != nil {
			return lockErr
		}
		return fn(ctx, txStore, locked)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && lockCtx.Err() != nil {
		return WrapError("service", "account", "lock_timeout", ErrLockTimeout)
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func calculateAvailable(total int64, holds int64) (int64, error) {
	available := total - holds
	if available < 0 {
		return 0, WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	}
	return available, nil
}
