package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreditAmount is a strictly positive quantity of credits.
type CreditAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// HoldID identifies a hold.
type HoldID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates the business reason for a balance change.
type TransactionType string

const (
	TransactionUsage             TransactionType = "usage"
	TransactionMonthlyAllocation TransactionType = "monthly_allocation"
	TransactionSubscriptionAdd   TransactionType = "subscription_addition"
	TransactionHoldCommit        TransactionType = "hold_commit"
	TransactionHoldReleaseRefund TransactionType = "hold_release_refund"
	TransactionAPIUsage          TransactionType = "api_usage"
	TransactionFeatureAccess     TransactionType = "feature_access"
)

// TransactionStatus defines the transaction record lifecycle.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// SubscriptionTier determines the monthly credit allocation.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierBasic      SubscriptionTier = "basic"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// Account is the stored balance row for one user.
type Account struct {
	AccountID        string
	UserID           string
	CreditsBalance   int64
	Tier             SubscriptionTier
	LastAllocationAt *time.Time
	ExternalRef      string
}

// Balance is the caller-facing view: nominal and available credits.
type Balance struct {
	AccountID        string
	CreditsBalance   int64
	ActiveHolds      int64
	AvailableCredits int64
	Tier             SubscriptionTier
}

// Transaction is an immutable audit record of a balance change.
type Transaction struct {
	TransactionID    string
	AccountID        string
	Amount           int64
	BalanceAfter     int64
	Type             TransactionType
	Status           TransactionStatus
	Description      string
	Endpoint         string
	MetadataJSON     string
	SyncedToExternal bool
	CreatedUnixUTC   int64
}

// Hold is a temporary reservation against available balance.
type Hold struct {
	HoldID           string
	AccountID        string
	Amount           int64
	IsActive         bool
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
	TransactionID    *string
}

// TransactionInput carries the fields for a new transaction record.
type TransactionInput struct {
	AccountID      string
	Amount         int64
	BalanceAfter   int64
	Type           TransactionType
	Status         TransactionStatus
	Description    string
	Endpoint       string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// HoldInput carries the fields for a new hold.
type HoldInput struct {
	AccountID        string
	Amount           int64
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionUsage, TransactionMonthlyAllocation, TransactionSubscriptionAdd,
		TransactionHoldCommit, TransactionHoldReleaseRefund, TransactionAPIUsage,
		TransactionFeatureAccess:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsUsage reports whether the type records metered consumption. The pending
// resolver trusts the already-applied balance effect for these.
func (transactionType TransactionType) IsUsage() bool {
	switch transactionType {
	case TransactionUsage, TransactionAPIUsage, TransactionFeatureAccess:
		return true
	}
	return false
}

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Terminal reports whether the status may no longer change.
func (status TransactionStatus) Terminal() bool {
	return status == TransactionStatusCompleted || status == TransactionStatusFailed
}

// ParseSubscriptionTier validates a stored tier.
func ParseSubscriptionTier(raw string) (SubscriptionTier, error) {
	switch SubscriptionTier(raw) {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return SubscriptionTier(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionTier, raw)
}

// String returns the stored representation.
func (tier SubscriptionTier) String() string {
	return string(tier)
}

// MonthlyAllocation returns the credits granted per calendar month for the tier.
func (tier SubscriptionTier) MonthlyAllocation() int64 {
	switch tier {
	case TierBasic:
		return monthlyAllocationBasic
	case TierPremium:
		return monthlyAllocationPremium
	case TierEnterprise:
		return monthlyAllocationEnterprise
	default:
		return monthlyAllocationFree
	}
}

// Store is the persistence contract used by Service. All mutation methods are
// only valid inside WithTx; LockBalance serializes writers per account.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	LockBalance(ctx context.Context, accountID string) (Account, error)
	UpdateBalance(ctx context.Context, accountID string, newBalance int64) error
	SetLastAllocationAt(ctx context.Context, accountID string, at time.Time) error
	SumActiveHolds(ctx context.Context, accountID string) (int64, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	SetTransactionStatus(ctx context.Context, transactionID string, from, to TransactionStatus, note string) error
	MarkTransactionSynced(ctx context.Context, transactionID string) error
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListStalePendingTransactions(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Transaction, error)
	ListUnsyncedTransactions(ctx context.Context, limit int) ([]Transaction, error)
	CreateHold(ctx context.Context, input HoldInput) (Hold, error)
	GetHold(ctx context.Context, holdID string) (Hold, error)
	DeactivateHold(ctx context.Context, holdID string, transactionID *string) error
	ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error)
	ListAccountsDueAllocation(ctx context.Context, periodStart time.Time, limit int) ([]Account, error)
}
