package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dayan73a/Kashless/internal/models"
)

// maxConflictRetries bounds the optimistic-lock retry loop before the
// contention is surfaced as ErrConflict.
const maxConflictRetries = 3

// LedgerStore is the durable, atomic storage of accounts and their
// append-only ledger entries. Every balance change goes through
// AppendEntryAtomic; the account row and the entry are written in one SQL
// transaction, guarded by the account version.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// InitializeAccount creates a zero-balance account if absent. Calling it on
// an existing account is a no-op and never resets the balance.
func (s *LedgerStore) InitializeAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 1, $2, $2)
		ON CONFLICT (id) DO NOTHING`,
		accountID, time.Now())
	if err != nil {
		return fmt.Errorf("initialize account %s: %w", accountID, err)
	}
	return nil
}

// ReadBalance returns the current balance in cents.
func (s *LedgerStore) ReadBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// AppendEntryAtomic applies one credit or debit: it reads the balance,
// writes the new ledger entry carrying the resulting balance, and updates
// the account row, all in a single transaction. Concurrent calls against the
// same account serialize through the version guard; losers retry with a
// fresh read.
func (s *LedgerStore) AppendEntryAtomic(ctx context.Context, accountID string, direction models.EntryDirection, amountCents int64, metadata models.Metadata) (int64, string, error) {
	if amountCents <= 0 {
		return 0, "", fmt.Errorf("amount %d: %w", amountCents, ErrInvalidAmount)
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		newBalance, entryID, err := s.appendOnce(ctx, accountID, direction, amountCents, metadata)
		if err == nil {
			return newBalance, entryID, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, "", err
		}
		lastErr = err
	}
	return 0, "", lastErr
}

func (s *LedgerStore) appendOnce(ctx context.Context, accountID string, direction models.EntryDirection, amountCents int64, metadata models.Metadata) (int64, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM accounts WHERE id = $1`, accountID).
		Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("read account: %w", err)
	}

	var newBalance int64
	switch direction {
	case models.EntryDebit:
		if amountCents > balance {
			return 0, "", fmt.Errorf("balance %d, requested %d: %w", balance, amountCents, ErrInsufficientFunds)
		}
		newBalance = balance - amountCents
	case models.EntryCredit:
		newBalance = balance + amountCents
	default:
		return 0, "", fmt.Errorf("unknown entry direction %q", direction)
	}

	entryID := uuid.New().String()
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, direction, amount_cents, balance_after, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, accountID, string(direction), amountCents, newBalance, metadata, now)
	if err != nil {
		return 0, "", fmt.Errorf("insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
	if err != nil {
		return 0, "", fmt.Errorf("update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, "", err
	}
	if rowsAffected == 0 {
		return 0, "", fmt.Errorf("account %s version %d: %w", accountID, version, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("commit ledger tx: %w", err)
	}
	return newBalance, entryID, nil
}

// AppendRefundAtomic credits back a refunded amount exactly once per
// originating transaction. The existing-refund check runs inside the same
// transaction as the credit, so a concurrent attempt either sees the entry
// already or loses the version race, retries, and then sees it. Returns
// created = false when the refund was already recorded, with the balance
// and entry id of that earlier credit.
func (s *LedgerStore) AppendRefundAtomic(ctx context.Context, accountID string, amountCents int64, refundOf string, metadata models.Metadata) (int64, string, bool, error) {
	if amountCents <= 0 {
		return 0, "", false, fmt.Errorf("amount %d: %w", amountCents, ErrInvalidAmount)
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		balance, entryID, created, err := s.appendRefundOnce(ctx, accountID, amountCents, refundOf, metadata)
		if err == nil {
			return balance, entryID, created, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, "", false, err
		}
		lastErr = err
	}
	return 0, "", false, lastErr
}

func (s *LedgerStore) appendRefundOnce(ctx context.Context, accountID string, amountCents int64, refundOf string, metadata models.Metadata) (int64, string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", false, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM accounts WHERE id = $1`, accountID).
		Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return 0, "", false, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("read account: %w", err)
	}

	existing, err := findRefundEntry(ctx, tx, accountID, refundOf)
	if err != nil {
		return 0, "", false, err
	}
	if existing != nil {
		return existing.BalanceAfter, existing.ID, false, nil
	}

	newBalance := balance + amountCents
	entryID := uuid.New().String()
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, direction, amount_cents, balance_after, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, accountID, string(models.EntryCredit), amountCents, newBalance, metadata, now)
	if err != nil {
		return 0, "", false, fmt.Errorf("insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
	if err != nil {
		return 0, "", false, fmt.Errorf("update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, "", false, err
	}
	if rowsAffected == 0 {
		return 0, "", false, fmt.Errorf("account %s version %d: %w", accountID, version, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", false, fmt.Errorf("commit ledger tx: %w", err)
	}
	return newBalance, entryID, true, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// findRefundEntry looks for an existing credit entry tagged with the given
// originating transaction id.
func findRefundEntry(ctx context.Context, q rowQuerier, accountID, refundOf string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, direction, amount_cents, balance_after, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND direction = 'credit' AND metadata->>'refund_of' = $2
		LIMIT 1`,
		accountID, refundOf).
		Scan(&entry.ID, &entry.AccountID, &entry.Direction, &entry.AmountCents,
			&entry.BalanceAfter, &entry.Metadata, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find refund entry: %w", err)
	}
	return &entry, nil
}

// ListEntries returns the newest entries for an account, most recent first.
func (s *LedgerStore) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, direction, amount_cents, balance_after, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Direction, &entry.AmountCents,
			&entry.BalanceAfter, &entry.Metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
