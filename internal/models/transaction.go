package models

import (
	"fmt"
	"time"
)

type TransactionType string

const (
	TxPayment TransactionType = "payment"
	TxTopup   TransactionType = "topup"
	TxRefund  TransactionType = "refund"
)

type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxActive  TransactionStatus = "active"
	TxSettled TransactionStatus = "settled"
	TxFailed  TransactionStatus = "failed"
)

// Transaction is the business-facing record of a payment, top-up or refund.
// The accounting-facing record is the LedgerEntry; one logical payment
// produces exactly one of each. Amounts are stored as unsigned magnitudes
// with an explicit sign.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	ClientRef   string            `json:"client_ref" db:"client_ref"` // stable dedup key, unique in the log
	AccountID   string            `json:"account_id" db:"account_id"`
	BusinessID  string            `json:"business_id,omitempty" db:"business_id"`
	MachineID   string            `json:"machine_id,omitempty" db:"machine_id"`
	Type        TransactionType   `json:"type" db:"type"`
	AmountCents int64             `json:"amount_cents" db:"amount_cents"`
	Sign        string            `json:"sign" db:"sign"` // "+" or "-"
	Status      TransactionStatus `json:"status" db:"status"`
	StartTime   *time.Time        `json:"start_time,omitempty" db:"start_time"`
	EndTime     *time.Time        `json:"end_time,omitempty" db:"end_time"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// OfflineQueueItem wraps a transaction payload that could not reach the
// transaction log at creation time. The wallet debit already happened when
// the item was queued; replay is record-only.
type OfflineQueueItem struct {
	ClientRef   string          `json:"clientRef"`
	AccountID   string          `json:"accountId"`
	BusinessID  string          `json:"businessId,omitempty"`
	MachineID   string          `json:"machineId,omitempty"`
	Type        TransactionType `json:"type"`
	AmountCents int64           `json:"amountCents"`
	Minutes     int             `json:"minutes,omitempty"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	SavedAt     int64           `json:"savedAt"` // unix millis, set on enqueue
}

// DedupKey identifies a logical submission regardless of retries: the same
// account paying the same amount at the same machine.
func (i OfflineQueueItem) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", i.AccountID, i.MachineID, i.AmountCents)
}
