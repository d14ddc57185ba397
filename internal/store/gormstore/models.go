package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance represents the account_balances table. One row per user,
// mutated only through the service's account-locked operations.
type AccountBalance struct {
	AccountID        string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;uniqueIndex:uniq_account_user"`
	CreditsBalance   int64      `gorm:"not null;default:0"`
	SubscriptionTier string     `gorm:"not null;default:'free'"`
	LastAllocationAt *time.Time `gorm:"index"`
	ExternalRef      string     `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

func (account *AccountBalance) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. Rows are append
// only; status and synced_to_external are the only mutable columns.
type CreditTransaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"type:uuid;not null;index:idx_tx_account_created,priority:1"`
	AmountCredits    int64          `gorm:"not null"`
	BalanceAfter     int64          `gorm:"not null"`
	Type             string         `gorm:"not null"`
	Status           string         `gorm:"not null;index:idx_tx_status_created,priority:1"`
	Description      string         `gorm:""`
	Endpoint         string         `gorm:""`
	Metadata         datatypes.JSON `gorm:"not null"`
	FailureNote      string         `gorm:""`
	SyncedToExternal bool           `gorm:"not null;default:false;index"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_tx_account_created,priority:2;index:idx_tx_status_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditHold mirrors the credit_holds table.
type CreditHold struct {
	HoldID        string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"type:uuid;not null;index"`
	AmountCredits int64     `gorm:"not null"`
	IsActive      bool      `gorm:"not null;default:true;index:idx_holds_active_expiry,priority:1"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_holds_active_expiry,priority:2"`
	TransactionID *string   `gorm:"type:uuid"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (CreditHold) TableName() string { return "credit_holds" }

func (hold *CreditHold) BeforeCreate(tx *gorm.DB) error {
	if hold.HoldID == "" {
		hold.HoldID = uuid.NewString()
	}
	return nil
}
