package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is a free-form key/value bag stored as jsonb alongside ledger
// entries (reason, machine reference, source, refund tags).
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, m)
}

type EntryDirection string

const (
	EntryCredit EntryDirection = "credit"
	EntryDebit  EntryDirection = "debit"
)

// Account holds a single user's prepaid balance in cents. The balance is
// mutated only through ledger entries appended by the wallet service.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is the immutable record of one balance change. Entries are
// append-only; BalanceAfter of the newest entry always equals the account
// balance.
type LedgerEntry struct {
	ID           string         `json:"id" db:"id"`
	AccountID    string         `json:"account_id" db:"account_id"`
	Direction    EntryDirection `json:"direction" db:"direction"`
	AmountCents  int64          `json:"amount_cents" db:"amount_cents"`
	BalanceAfter int64          `json:"balance_after" db:"balance_after"`
	Metadata     Metadata       `json:"metadata" db:"metadata"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}
