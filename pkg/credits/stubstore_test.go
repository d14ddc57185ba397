package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx serializes callers the way the
// account row lock does in the real store, so concurrency tests exercise the
// same contract; waiting respects context cancellation.
type stubStore struct {
	txSem chan struct{}
	mu    sync.Mutex

	accountID    string
	accounts     map[string]Account
	transactions map[string]Transaction
	txOrder      []string
	holds        map[string]Hold
	nextID       int

	getAccountError     error
	lockBalanceError    error
	sumHoldsError       error
	insertError         error
	updateBalanceError  error
	createHoldError     error
	getHoldError        error
	deactivateHoldError error
	listHoldsError      error
	setStatusError      error
	listError           error
}

func newStubStore(test *testing.T, openingBalance int64) *stubStore {
	test.Helper()
	store := &stubStore{
		txSem:        make(chan struct{}, 1),
		accountID:    "acct-1",
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		holds:        make(map[string]Hold),
	}
	store.accounts[store.accountID] = Account{
		AccountID:      store.accountID,
		UserID:         "user-1",
		CreditsBalance: openingBalance,
		Tier:           TierFree,
	}
	return store
}

func (store *stubStore) generateID(prefix string) string {
	store.nextID++
	return fmt.Sprintf("%s-%d", prefix, store.nextID)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	select {
	case store.txSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-store.txSem }()
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	for _, account := range store.accounts {
		if account.UserID == userID {
			return account, nil
		}
	}
	account := Account{
		AccountID: store.generateID("acct"),
		UserID:    userID,
		Tier:      TierFree,
	}
	store.accounts[account.AccountID] = account
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("account %s not found", accountID)
	}
	return account, nil
}

func (store *stubStore) LockBalance(_ context.Context, accountID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lockBalanceError != nil {
		return Account{}, store.lockBalanceError
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("account %s not found", accountID)
	}
	return account, nil
}

func (store *stubStore) UpdateBalance(_ context.Context, accountID string, newBalance int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s not found", accountID)
	}
	account.CreditsBalance = newBalance
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) SetLastAllocationAt(_ context.Context, accountID string, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s not found", accountID)
	}
	allocated := at
	account.LastAllocationAt = &allocated
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) SumActiveHolds(_ context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sumHoldsError != nil {
		return 0, store.sumHoldsError
	}
	var total int64
	for _, hold := range store.holds {
		if hold.AccountID == accountID && hold.IsActive {
			total += hold.Amount
		}
	}
	return total, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	record := Transaction{
		TransactionID:  store.generateID("tx"),
		AccountID:      input.AccountID,
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter,
		Type:           input.Type,
		Status:         input.Status,
		Description:    input.Description,
		Endpoint:       input.Endpoint,
		MetadataJSON:   input.MetadataJSON,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.transactions[record.TransactionID] = record
	store.txOrder = append(store.txOrder, record.TransactionID)
	return record, nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return record, nil
}

func (store *stubStore) SetTransactionStatus(_ context.Context, transactionID string, from, to TransactionStatus, note string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.setStatusError != nil {
		return store.setStatusError
	}
	record, ok := store.transactions[transactionID]
	if !ok || record.Status != from {
		return ErrTransactionNotPending
	}
	record.Status = to
	store.transactions[transactionID] = record
	return nil
}

func (store *stubStore) MarkTransactionSynced(_ context.Context, transactionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	record.SyncedToExternal = true
	store.transactions[transactionID] = record
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	records := make([]Transaction, 0)
	for index := len(store.txOrder) - 1; index >= 0 && len(records) < limit; index-- {
		record := store.transactions[store.txOrder[index]]
		if record.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && record.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *stubStore) ListStalePendingTransactions(_ context.Context, olderThanUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	records := make([]Transaction, 0)
	for _, id := range store.txOrder {
		record := store.transactions[id]
		if record.Status == TransactionStatusPending && record.CreatedUnixUTC < olderThanUnixUTC && len(records) < limit {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *stubStore) ListUnsyncedTransactions(_ context.Context, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	records := make([]Transaction, 0)
	for _, id := range store.txOrder {
		record := store.transactions[id]
		if !record.SyncedToExternal && len(records) < limit {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *stubStore) CreateHold(_ context.Context, input HoldInput) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createHoldError != nil {
		return Hold{}, store.createHoldError
	}
	hold := Hold{
		HoldID:           store.generateID("hold"),
		AccountID:        input.AccountID,
		Amount:           input.Amount,
		IsActive:         true,
		ExpiresAtUnixUTC: input.ExpiresAtUnixUTC,
		CreatedUnixUTC:   input.CreatedUnixUTC,
	}
	store.holds[hold.HoldID] = hold
	return hold, nil
}

func (store *stubStore) GetHold(_ context.Context, holdID string) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getHoldError != nil {
		return Hold{}, store.getHoldError
	}
	hold, ok := store.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) DeactivateHold(_ context.Context, holdID string, transactionID *string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deactivateHoldError != nil {
		return store.deactivateHoldError
	}
	hold, ok := store.holds[holdID]
	if !ok || !hold.IsActive {
		return ErrHoldNotActive
	}
	hold.IsActive = false
	hold.TransactionID = transactionID
	store.holds[holdID] = hold
	return nil
}

func (store *stubStore) ListExpiredHolds(_ context.Context, nowUnixUTC int64, limit int) ([]Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listHoldsError != nil {
		return nil, store.listHoldsError
	}
	holds := make([]Hold, 0)
	for _, hold := range store.holds {
		if hold.IsActive && hold.ExpiresAtUnixUTC < nowUnixUTC && len(holds) < limit {
			holds = append(holds, hold)
		}
	}
	return holds, nil
}

func (store *stubStore) ListAccountsDueAllocation(_ context.Context, periodStart time.Time, limit int) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	accounts := make([]Account, 0)
	for _, account := range store.accounts {
		if len(accounts) >= limit {
			break
		}
		if account.LastAllocationAt == nil || account.LastAllocationAt.Before(periodStart) {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

func (store *stubStore) mustBalance(test *testing.T, accountID string) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account.CreditsBalance
}

func (store *stubStore) mustHold(test *testing.T, holdID string) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID]
	if !ok {
		test.Fatalf("hold %s not found", holdID)
	}
	return hold
}

func (store *stubStore) accountTransactions(accountID string) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	records := make([]Transaction, 0)
	for _, id := range store.txOrder {
		record := store.transactions[id]
		if record.AccountID == accountID {
			records = append(records, record)
		}
	}
	return records
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustHoldID(test *testing.T, raw string) HoldID {
	test.Helper()
	holdID, err := NewHoldID(raw)
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	return holdID
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}
