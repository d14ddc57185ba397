package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectHold        = "hold"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSumHolds       = "sum_active_holds"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements credits.Store using GORM. On postgres, LockBalance takes a
// row lock with SELECT FOR UPDATE; on sqlite the transaction's single-writer
// serialization provides the same per-account contract.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount returns the account row for the user, creating a zero
// balance on first use. Concurrent calls race on the unique user index; the
// loser of the race retries the lookup.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	var model AccountBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err == nil {
		return mapAccount(model)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	model = AccountBalance{
		UserID:           userID,
		CreditsBalance:   0,
		SubscriptionTier: credits.TierFree.String(),
	}
	createErr := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(createErr) {
		var existing AccountBalance
		if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&existing).Error; err != nil {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
		return mapAccount(existing)
	}
	if createErr != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
	}
	return mapAccount(model)
}

// GetAccount fetches an account row by id.
func (store *Store) GetAccount(ctx context.Context, accountID string) (credits.Account, error) {
	var model AccountBalance
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// LockBalance fetches the account row under an exclusive lock. Only valid
// inside WithTx.
func (store *Store) LockBalance(ctx context.Context, accountID string) (credits.Account, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model AccountBalance
	if err := query.Where("account_id = ?", accountID).Take(&model).Error; err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// UpdateBalance writes the new balance. A negative value never commits.
func (store *Store) UpdateBalance(ctx context.Context, accountID string, newBalance int64) error {
	if newBalance < 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ?", accountID).
		Update("credits_balance", newBalance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// SetLastAllocationAt records the allocation timestamp for the period guard.
func (store *Store) SetLastAllocationAt(ctx context.Context, accountID string, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ?", accountID).
		Update("last_allocation_at", at.UTC())
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	return nil
}

// SumActiveHolds totals the active hold amounts for an account.
func (store *Store) SumActiveHolds(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ? AND is_active = ?", accountID, true).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumHolds, err)
	}
	return sum.Total, nil
}

// InsertTransaction appends an audit record.
func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	model := CreditTransaction{
		AccountID:     input.AccountID,
		AmountCredits: input.Amount,
		BalanceAfter:  input.BalanceAfter,
		Type:          input.Type.String(),
		Status:        input.Status.String(),
		Description:   input.Description,
		Endpoint:      input.Endpoint,
		Metadata:      metadataJSON(input.MetadataJSON),
		CreatedAt:     time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() || input.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(model)
}

// GetTransaction fetches a transaction record by id.
func (store *Store) GetTransaction(ctx context.Context, transactionID string) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

// SetTransactionStatus flips a record's status with a compare-and-swap on the
// expected current status. Zero rows affected means another writer settled
// the record first.
func (store *Store) SetTransactionStatus(ctx context.Context, transactionID string, from, to credits.TransactionStatus, note string) error {
	updates := map[string]interface{}{"status": to.String()}
	if note != "" {
		updates["failure_note"] = note
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, credits.ErrTransactionNotPending)
	}
	return nil
}

// MarkTransactionSynced flips synced_to_external after a confirmed external
// write. Idempotent.
func (store *Store) MarkTransactionSynced(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ?", transactionID).
		Update("synced_to_external", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	return nil
}

// ListTransactions lists an account's records before a cutoff, newest first.
func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

// ListStalePendingTransactions lists pending records older than the cutoff.
func (store *Store) ListStalePendingTransactions(ctx context.Context, olderThanUnixUTC int64, limit int) ([]credits.Transaction, error) {
	cutoff := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", credits.TransactionStatusPending.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

// ListUnsyncedTransactions lists records not yet pushed to the external store.
func (store *Store) ListUnsyncedTransactions(ctx context.Context, limit int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("synced_to_external = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

// CreateHold inserts an active hold.
func (store *Store) CreateHold(ctx context.Context, input credits.HoldInput) (credits.Hold, error) {
	model := CreditHold{
		AccountID:     input.AccountID,
		AmountCredits: input.Amount,
		IsActive:      true,
		ExpiresAt:     time.Unix(input.ExpiresAtUnixUTC, 0).UTC(),
		CreatedAt:     time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return mapHold(model), nil
}

// GetHold fetches a hold by id.
func (store *Store) GetHold(ctx context.Context, holdID string) (credits.Hold, error) {
	var model CreditHold
	err := store.db.WithContext(ctx).
		Where("hold_id = ?", holdID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
		}
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return mapHold(model), nil
}

// DeactivateHold transitions an active hold to inactive with a
// compare-and-swap; a non-nil transactionID links the commit record. Zero
// rows affected means the hold was already transitioned elsewhere.
func (store *Store) DeactivateHold(ctx context.Context, holdID string, transactionID *string) error {
	updates := map[string]interface{}{"is_active": false}
	if transactionID != nil {
		updates["transaction_id"] = *transactionID
	}
	result := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Where("hold_id = ? AND is_active = ?", holdID, true).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, credits.ErrHoldNotActive)
	}
	return nil
}

// ListExpiredHolds lists active holds whose expiry has passed.
func (store *Store) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditHold
	err := store.db.WithContext(ctx).
		Where("is_active = ? AND expires_at < ?", true, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]credits.Hold, 0, len(rows))
	for _, row := range rows {
		holds = append(holds, mapHold(row))
	}
	return holds, nil
}

// ListAccountsDueAllocation lists accounts whose last allocation predates the
// period start (or never happened).
func (store *Store) ListAccountsDueAllocation(ctx context.Context, periodStart time.Time, limit int) ([]credits.Account, error) {
	var rows []AccountBalance
	err := store.db.WithContext(ctx).
		Where("last_allocation_at IS NULL OR last_allocation_at < ?", periodStart.UTC()).
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]credits.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model AccountBalance) (credits.Account, error) {
	tier, err := credits.ParseSubscriptionTier(model.SubscriptionTier)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credits.Account{
		AccountID:        model.AccountID,
		UserID:           model.UserID,
		CreditsBalance:   model.CreditsBalance,
		Tier:             tier,
		LastAllocationAt: model.LastAllocationAt,
		ExternalRef:      model.ExternalRef,
	}, nil
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(model.Type)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	status, err := credits.ParseTransactionStatus(model.Status)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return credits.Transaction{
		TransactionID:    model.TransactionID,
		AccountID:        model.AccountID,
		Amount:           model.AmountCredits,
		BalanceAfter:     model.BalanceAfter,
		Type:             transactionType,
		Status:           status,
		Description:      model.Description,
		Endpoint:         model.Endpoint,
		MetadataJSON:     string(model.Metadata),
		SyncedToExternal: model.SyncedToExternal,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapTransactions(rows []CreditTransaction) ([]credits.Transaction, error) {
	records := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		record, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func mapHold(model CreditHold) credits.Hold {
	return credits.Hold{
		HoldID:           model.HoldID,
		AccountID:        model.AccountID,
		Amount:           model.AmountCredits,
		IsActive:         model.IsActive,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		TransactionID:    model.TransactionID,
	}
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
