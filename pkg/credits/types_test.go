package credits

import (
	"errors"
	"testing"
)

func TestNewUserIDValidation(test *testing.T) {
	test.Parallel()

	userID, err := NewUserID("  user-7  ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if userID.String() != "user-7" {
		test.Fatalf("normalized id = %q", userID.String())
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("blank id error = %v, want ErrInvalidUserID", err)
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()

	if _, err := NewCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("zero amount error = %v", err)
	}
	if _, err := NewCreditAmount(-5); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("negative amount error = %v", err)
	}
	amount, err := NewCreditAmount(1)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if amount.Int64() != 1 {
		test.Fatalf("amount = %d", amount.Int64())
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()

	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("empty metadata normalized to %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("malformed metadata error = %v", err)
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()

	for _, raw := range []string{"usage", "monthly_allocation", "subscription_addition", "hold_commit", "hold_release_refund", "api_usage", "feature_access"} {
		if _, err := ParseTransactionType(raw); err != nil {
			test.Fatalf("type %q rejected: %v", raw, err)
		}
	}
	if _, err := ParseTransactionType("refund"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("unknown type error = %v", err)
	}
}

func TestTransactionTypeUsageClassification(test *testing.T) {
	test.Parallel()

	usageTypes := []TransactionType{TransactionUsage, TransactionAPIUsage, TransactionFeatureAccess}
	for _, transactionType := range usageTypes {
		if !transactionType.IsUsage() {
			test.Fatalf("type %s should classify as usage", transactionType)
		}
	}
	nonUsageTypes := []TransactionType{TransactionMonthlyAllocation, TransactionSubscriptionAdd, TransactionHoldCommit, TransactionHoldReleaseRefund}
	for _, transactionType := range nonUsageTypes {
		if transactionType.IsUsage() {
			test.Fatalf("type %s should not classify as usage", transactionType)
		}
	}
}

func TestTransactionStatusTerminal(test *testing.T) {
	test.Parallel()

	if TransactionStatusPending.Terminal() {
		test.Fatal("pending is not terminal")
	}
	if !TransactionStatusCompleted.Terminal() || !TransactionStatusFailed.Terminal() {
		test.Fatal("completed and failed are terminal")
	}
}

func TestParseSubscriptionTier(test *testing.T) {
	test.Parallel()

	for _, raw := range []string{"free", "basic", "premium", "enterprise"} {
		if _, err := ParseSubscriptionTier(raw); err != nil {
			test.Fatalf("tier %q rejected: %v", raw, err)
		}
	}
	if _, err := ParseSubscriptionTier("platinum"); !errors.Is(err, ErrInvalidSubscriptionTier) {
		test.Fatalf("unknown tier error = %v", err)
	}
}
