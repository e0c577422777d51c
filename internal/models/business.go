package models

import (
	"database/sql"
	"time"
)

// Business is a machine operator (laundromat, café). Commission is either a
// fixed fee in cents or a percentage; fixed takes precedence when both are
// set. Nulls mean "use the configured default".
type Business struct {
	ID                    string          `json:"id" db:"id"`
	OwnerID               string          `json:"owner_id" db:"owner_id"`
	Name                  string          `json:"name" db:"name"`
	CommissionFixedCents  sql.NullInt64   `json:"-" db:"commission_fixed_cents"`
	CommissionPct         sql.NullFloat64 `json:"-" db:"commission_pct"`
	AvailableBalanceCents int64           `json:"available_balance_cents" db:"available_balance_cents"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

type PeriodKind string

const (
	PeriodDaily  PeriodKind = "daily"
	PeriodWeekly PeriodKind = "weekly"
)

// BusinessStatsAggregate is the derived per-business per-period summary,
// maintained by increments and recomputable from the transaction log.
type BusinessStatsAggregate struct {
	BusinessID       string     `json:"business_id" db:"business_id"`
	PeriodKind       PeriodKind `json:"period_kind" db:"period_kind"`
	PeriodKey        string     `json:"period_key" db:"period_key"`
	SalesCents       int64      `json:"sales_cents" db:"sales_cents"`
	CommissionsCents int64      `json:"commissions_cents" db:"commissions_cents"`
	TopupsCents      int64      `json:"topups_cents" db:"topups_cents"`
	LastUpdate       time.Time  `json:"last_update" db:"last_update"`
}

// Machine maps a physical machine to its business and tracks its last known
// usage state.
type Machine struct {
	ID              string     `json:"id" db:"id"`
	BusinessID      string     `json:"business_id" db:"business_id"`
	Status          string     `json:"status" db:"status"` // available | in-use
	CurrentUser     string     `json:"current_user,omitempty" db:"current_user"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
	LastTransaction string     `json:"last_transaction,omitempty" db:"last_transaction"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

type User struct {
	ID        int    `json:"id" example:"1"`
	Email     string `json:"email" example:"user@example.com"`
	FirstName string `json:"FirstName" example:"John"`
	LastName  string `json:"LastName" example:"Doe"`
	AccountID string `json:"AccountId"` // wallet account identifier
}
