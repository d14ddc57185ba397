package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

const errorMismatchMessage = "%s: error = %v, want %v"

var errStoreFailure = errors.New("store failure")

func TestServiceOperationsPropagateStoreErrors(test *testing.T) {
	test.Parallel()

	const (
		caseNameCreditAccountLookup = "credit_account_lookup_fails"
		caseNameCreditBalanceWrite  = "credit_balance_write_fails"
		caseNameCreditInsertRecord  = "credit_insert_record_fails"
		caseNameDebitSumHolds       = "debit_sum_holds_fails"
		caseNamePlaceHoldCreate     = "place_hold_create_fails"
		caseNameCommitHoldLookup    = "commit_hold_lookup_fails"
		caseNameReleaseDeactivate   = "release_deactivate_fails"
		caseNameSweepList           = "sweep_list_fails"
		caseNameBalanceLock         = "balance_lock_fails"
	)

	testCases := []struct {
		name      string
		configure func(store *stubStore)
		invoke    func(service *Service, store *stubStore) error
	}{
		{
			name:      caseNameCreditAccountLookup,
			configure: func(store *stubStore) { store.getAccountError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.Credit(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), TransactionSubscriptionAdd, "")
				return err
			},
		},
		{
			name:      caseNameCreditBalanceWrite,
			configure: func(store *stubStore) { store.updateBalanceError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.Credit(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), TransactionSubscriptionAdd, "")
				return err
			},
		},
		{
			name:      caseNameCreditInsertRecord,
			configure: func(store *stubStore) { store.insertError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.Credit(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), TransactionSubscriptionAdd, "")
				return err
			},
		},
		{
			name:      caseNameDebitSumHolds,
			configure: func(store *stubStore) { store.sumHoldsError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.Debit(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), TransactionUsage, "")
				return err
			},
		},
		{
			name:      caseNamePlaceHoldCreate,
			configure: func(store *stubStore) { store.createHoldError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.PlaceHold(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), time.Minute)
				return err
			},
		},
		{
			name:      caseNameCommitHoldLookup,
			configure: func(store *stubStore) { store.getHoldError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.CommitHold(context.Background(), mustHoldID(test, "hold-1"), mustAmount(test, 5), "")
				return err
			},
		},
		{
			name: caseNameReleaseDeactivate,
			configure: func(store *stubStore) {
				store.holds["hold-1"] = Hold{HoldID: "hold-1", AccountID: store.accountID, Amount: 5, IsActive: true}
				store.deactivateHoldError = errStoreFailure
			},
			invoke: func(service *Service, _ *stubStore) error {
				return service.ReleaseHold(context.Background(), mustHoldID(test, "hold-1"))
			},
		},
		{
			name:      caseNameSweepList,
			configure: func(store *stubStore) { store.listHoldsError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.ExpireStaleHolds(context.Background(), time.Unix(1_700_000_100, 0))
				return err
			},
		},
		{
			name:      caseNameBalanceLock,
			configure: func(store *stubStore) { store.lockBalanceError = errStoreFailure },
			invoke: func(service *Service, _ *stubStore) error {
				_, err := service.Debit(context.Background(), mustUserID(test, testUser), mustAmount(test, 10), TransactionUsage, "")
				return err
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test, 1000)
			testCase.configure(store)
			service := mustNewService(test, store)
			err := testCase.invoke(service, store)
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, testCase.name, err, errStoreFailure)
			}
		})
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()

	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("nil store error = %v, want ErrInvalidServiceConfig", err)
	}
	if _, err := NewService(newStubStore(test, 0), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("nil clock error = %v, want ErrInvalidServiceConfig", err)
	}
}

func TestErrorClassificationHelpers(test *testing.T) {
	test.Parallel()

	if !IsBusinessCondition(InsufficientCreditsError{Required: 5, Available: 1}) {
		test.Fatal("insufficient credits should be a business condition")
	}
	if !IsBusinessCondition(WrapError("service", "hold", "commit", ErrHoldNotActive)) {
		test.Fatal("wrapped hold-not-active should be a business condition")
	}
	if IsBusinessCondition(ErrLockTimeout) {
		test.Fatal("lock timeout is not a business condition")
	}
	if !IsRetryable(WrapError("service", "account", "lock_timeout", ErrLockTimeout)) {
		test.Fatal("wrapped lock timeout should be retryable")
	}
	if IsRetryable(ErrHoldNotFound) {
		test.Fatal("hold not found is not retryable")
	}
}

func TestOperationErrorExposesSegments(test *testing.T) {
	test.Parallel()

	wrapped := WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("wrapped error %v is not an OperationError", wrapped)
	}
	if operationError.Operation() != "service" || operationError.Subject() != "balance" || operationError.Code() != "negative_available" {
		test.Fatalf("segments = %s/%s/%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if WrapError("service", "balance", "code", nil) != nil {
		test.Fatal("wrapping nil should return nil")
	}
}
