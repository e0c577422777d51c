package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/models"
	"github.com/dayan73a/Kashless/internal/stream"
)

const defaultListLimit = 50

// TransactionService owns the business-facing transaction log. Writes are
// idempotent by client_ref: replaying an already recorded transaction is a
// silent no-op, which is what makes offline reconciliation safe to retry.
type TransactionService struct {
	db    *sql.DB
	stats *StatsService
	hub   *stream.Hub
	log   zerolog.Logger
}

func NewTransactionService(db *sql.DB, stats *StatsService, hub *stream.Hub, log zerolog.Logger) *TransactionService {
	return &TransactionService{
		db:    db,
		stats: stats,
		hub:   hub,
		log:   log.With().Str("component", "transactions").Logger(),
	}
}

// RecordTransaction appends a transaction to the log. Returns false when a
// record with the same client_ref already exists; in that case nothing is
// written and no aggregates move.
func (s *TransactionService) RecordTransaction(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.ClientRef == "" {
		tx.ClientRef = tx.ID
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Sign == "" {
		if tx.Type == models.TxPayment {
			tx.Sign = "-"
		} else {
			tx.Sign = "+"
		}
	}

	// The stored row has to carry the business so a later full rescan of the
	// log rebuilds the same aggregates the incremental path maintained.
	if tx.BusinessID == "" && tx.MachineID != "" {
		var businessID sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT business_id FROM machines WHERE id = $1`, tx.MachineID).Scan(&businessID)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("resolve machine business: %w", err)
		}
		tx.BusinessID = businessID.String
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, client_ref, account_id, business_id, machine_id, type, amount_cents, sign, status, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_ref) DO NOTHING`,
		tx.ID, tx.ClientRef, tx.AccountID, nullIfEmpty(tx.BusinessID), nullIfEmpty(tx.MachineID),
		string(tx.Type), tx.AmountCents, tx.Sign, string(tx.Status), tx.StartTime, tx.EndTime, tx.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("record transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		s.log.Info().
			Str("client_ref", tx.ClientRef).
			Msg("transaction already recorded, skipping")
		return false, nil
	}

	// Aggregates move only with the insert that won; replays never
	// double-count.
	if s.stats != nil {
		if err := s.stats.ApplyTransaction(ctx, tx); err != nil {
			s.log.Error().Err(err).
				Str("transaction_id", tx.ID).
				Msg("stats update failed, aggregates can be recomputed")
		}
	}

	if s.hub != nil {
		s.hub.Publish(stream.Event{
			Type:      "transaction",
			AccountID: tx.AccountID,
			Payload:   tx,
		})
	}

	return true, nil
}

// CommitOffline replays a queued item into the log. The wallet debit already
// happened on the device, so this is record-only; the item's saved timestamp
// becomes the transaction time.
func (s *TransactionService) CommitOffline(ctx context.Context, item *models.OfflineQueueItem) error {
	createdAt := time.UnixMilli(item.SavedAt)
	var startTime *time.Time
	if item.Minutes > 0 && item.EndTime != nil {
		st := item.EndTime.Add(-time.Duration(item.Minutes) * time.Minute)
		startTime = &st
	}

	tx := &models.Transaction{
		ID:          uuid.New().String(),
		ClientRef:   item.ClientRef,
		AccountID:   item.AccountID,
		BusinessID:  item.BusinessID,
		MachineID:   item.MachineID,
		Type:        item.Type,
		AmountCents: item.AmountCents,
		Status:      models.TxSettled,
		StartTime:   startTime,
		EndTime:     item.EndTime,
		CreatedAt:   createdAt,
	}

	_, err := s.RecordTransaction(ctx, tx)
	return err
}

// ReflectMachineStatus mirrors a committed payment onto the machine row.
func (s *TransactionService) ReflectMachineStatus(ctx context.Context, item *models.OfflineQueueItem) error {
	if item.MachineID == "" || item.Type != models.TxPayment {
		return nil
	}

	status := "in-use"
	if item.EndTime != nil && item.EndTime.Before(time.Now()) {
		status = "available"
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE machines
		SET status = $1, current_user = $2, end_time = $3, last_transaction = $4, updated_at = $5
		WHERE id = $6`,
		status, item.AccountID, item.EndTime, item.ClientRef, time.Now(), item.MachineID)
	if err != nil {
		return fmt.Errorf("update machine %s: %w", item.MachineID, err)
	}
	return nil
}

// MarkFailed flips a transaction's status after a refund reversed it.
func (s *TransactionService) MarkFailed(ctx context.Context, txID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1 WHERE id = $2`,
		string(models.TxFailed), txID)
	if err != nil {
		return fmt.Errorf("mark transaction failed: %w", err)
	}
	return nil
}

// GetByID fetches one transaction.
func (s *TransactionService) GetByID(ctx context.Context, txID string) (*models.Transaction, error) {
	var tx models.Transaction
	var businessID, machineID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_ref, account_id, business_id, machine_id, type, amount_cents, sign, status, start_time, end_time, created_at
		FROM transactions WHERE id = $1`,
		txID).
		Scan(&tx.ID, &tx.ClientRef, &tx.AccountID, &businessID, &machineID,
			&tx.Type, &tx.AmountCents, &tx.Sign, &tx.Status, &tx.StartTime, &tx.EndTime, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction: %w", err)
	}
	tx.BusinessID = businessID.String
	tx.MachineID = machineID.String
	return &tx, nil
}

type transactionFilter struct {
	AccountID  string
	BusinessID string
	Status     string
	Limit      int
}

func (s *TransactionService) list(ctx context.Context, f transactionFilter) ([]models.Transaction, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	query := `
		SELECT id, client_ref, account_id, business_id, machine_id, type, amount_cents, sign, status, start_time, end_time, created_at
		FROM transactions WHERE 1=1`
	args := []any{}
	n := 0
	if f.AccountID != "" {
		n++
		query += fmt.Sprintf(" AND account_id = $%d", n)
		args = append(args, f.AccountID)
	}
	if f.BusinessID != "" {
		n++
		query += fmt.Sprintf(" AND business_id = $%d", n)
		args = append(args, f.BusinessID)
	}
	if f.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		var businessID, machineID sql.NullString
		if err := rows.Scan(&tx.ID, &tx.ClientRef, &tx.AccountID, &businessID, &machineID,
			&tx.Type, &tx.AmountCents, &tx.Sign, &tx.Status, &tx.StartTime, &tx.EndTime, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.BusinessID = businessID.String
		tx.MachineID = machineID.String
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// HTTP handlers

// GetTransaction fetches a single transaction by id
// @Summary Get transaction
// @Tags transactions
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [get]
func (s *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	if txID == "" {
		SendErrorResponse(w, "Transaction ID is required", http.StatusBadRequest, nil)
		return
	}

	tx, err := s.GetByID(r.Context(), txID)
	if err != nil {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListTransactions lists transactions filtered by account, business or status
// @Summary List transactions
// @Tags transactions
// @Produce json
// @Param businessId query string false "Business ID filter"
// @Param status query string false "Status filter"
// @Param limit query int false "Page size" default(50)
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /transactions [get]
func (s *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	filter := transactionFilter{
		AccountID:  accountID,
		BusinessID: r.URL.Query().Get("businessId"),
		Status:     r.URL.Query().Get("status"),
		Limit:      limit,
	}

	txs, err := s.list(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("transaction list failed")
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetRecentTransactions returns the latest activity for the authenticated account
// @Summary Recent transactions
// @Tags transactions
// @Produce json
// @Success 200 {object} object{transactions=[]models.Transaction}
// @Failure 401 {object} ErrorResponse
// @Router /transactions/recent [get]
func (s *TransactionService) GetRecentTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txs, err := s.list(r.Context(), transactionFilter{AccountID: accountID, Limit: 10})
	if err != nil {
		s.log.Error().Err(err).Msg("recent transactions failed")
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"transactions": txs})
}
