package credits

import "time"

const (
	operationCredit      = "credit"
	operationDebit       = "debit"
	operationPlaceHold   = "place_hold"
	operationCommitHold  = "commit_hold"
	operationReleaseHold = "release_hold"
	operationExpireHold  = "expire_hold"
	operationAllocate    = "allocate"
	operationResolve     = "resolve_pending"
	operationComplete    = "complete_transaction"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	monthlyAllocationFree       int64 = 100
	monthlyAllocationBasic      int64 = 1_000
	monthlyAllocationPremium    int64 = 5_000
	monthlyAllocationEnterprise int64 = 25_000

	defaultLockTimeout = 5 * time.Second

	sweepBatchSize = 200
)
