package services

import "errors"

// Error taxonomy for the wallet core. Storage errors wrap these sentinels so
// callers can branch with errors.Is while the original cause stays attached
// for logging.
var (
	// ErrInvalidAmount rejects a non-positive amount before any storage access.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds means a debit would overdraw the account. The
	// balance and ledger are untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound means the account was never initialized; callers must
	// EnsureWallet first. Treated as a usage error, not a user condition.
	ErrNotFound = errors.New("account not found")

	// ErrConflict means optimistic-lock contention persisted past the retry
	// limit.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrNetworkUnavailable marks a remote commit failure that is recovered
	// through the offline queue, never surfaced as a hard payment failure.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUnauthenticated means no account identity was supplied.
	ErrUnauthenticated = errors.New("unauthenticated")
)
