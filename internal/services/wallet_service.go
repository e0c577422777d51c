package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/audit"
	"github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/models"
	"github.com/dayan73a/Kashless/internal/stream"
)

// TransactionRecorder is the slice of the transaction log the wallet needs:
// appending a business-facing record for a top-up.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, tx *models.Transaction) (bool, error)
}

// DebitResult is returned by a successful debit.
type DebitResult struct {
	NewBalanceCents int64  `json:"newBalanceCents"`
	EntryID         string `json:"entryId"`
}

// WalletService is the public money-movement API. Balances change only
// through Credit, Debit and Refund; there is no blind write path.
type WalletService struct {
	ledger    *LedgerStore
	txlog     TransactionRecorder
	hub       *stream.Hub
	audit     *audit.Logger
	validator *ValidationHelper
	log       zerolog.Logger
}

func NewWalletService(ledger *LedgerStore, txlog TransactionRecorder, hub *stream.Hub, auditLogger *audit.Logger, log zerolog.Logger) *WalletService {
	return &WalletService{
		ledger:    ledger,
		txlog:     txlog,
		hub:       hub,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		log:       log.With().Str("component", "wallet").Logger(),
	}
}

// EnsureWallet initializes the account if needed. Safe to call on every
// session start.
func (s *WalletService) EnsureWallet(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrUnauthenticated
	}
	return s.ledger.InitializeAccount(ctx, accountID)
}

// Balance returns the current balance in cents.
func (s *WalletService) Balance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, ErrUnauthenticated
	}
	return s.ledger.ReadBalance(ctx, accountID)
}

// Credit adds funds and returns the new balance.
func (s *WalletService) Credit(ctx context.Context, accountID string, amountCents int64, metadata models.Metadata) (int64, error) {
	if accountID == "" {
		return 0, ErrUnauthenticated
	}
	if amountCents <= 0 {
		return 0, fmt.Errorf("credit amount %d: %w", amountCents, ErrInvalidAmount)
	}

	newBalance, entryID, err := s.ledger.AppendEntryAtomic(ctx, accountID, models.EntryCredit, amountCents, metadata)
	if err != nil {
		s.audit.LogError(entryID, accountID, err)
		return 0, err
	}

	s.audit.LogMovement(entryID, accountID, "credit", amountCents, "SUCCESS")
	s.publishBalance(accountID, newBalance)
	return newBalance, nil
}

// Debit removes funds, failing with ErrInsufficientFunds when the balance
// would go negative.
func (s *WalletService) Debit(ctx context.Context, accountID string, amountCents int64, metadata models.Metadata) (*DebitResult, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("debit amount %d: %w", amountCents, ErrInvalidAmount)
	}

	newBalance, entryID, err := s.ledger.AppendEntryAtomic(ctx, accountID, models.EntryDebit, amountCents, metadata)
	if err != nil {
		if !errors.Is(err, ErrInsufficientFunds) {
			s.audit.LogError(entryID, accountID, err)
		}
		return nil, err
	}

	s.audit.LogMovement(entryID, accountID, "debit", amountCents, "SUCCESS")
	s.publishBalance(accountID, newBalance)
	return &DebitResult{NewBalanceCents: newBalance, EntryID: entryID}, nil
}

// Refund credits back a failed payment, exactly once per originating
// transaction id. The duplicate check and the credit share one ledger
// transaction, so concurrent retries for the same txID cannot double-credit;
// a repeat invocation returns the balance recorded by the first.
func (s *WalletService) Refund(ctx context.Context, accountID string, amountCents int64, txID string, metadata models.Metadata) (int64, error) {
	if accountID == "" {
		return 0, ErrUnauthenticated
	}
	if txID == "" {
		return 0, fmt.Errorf("refund requires the originating transaction id")
	}
	if amountCents <= 0 {
		return 0, fmt.Errorf("refund amount %d: %w", amountCents, ErrInvalidAmount)
	}

	if metadata == nil {
		metadata = models.Metadata{}
	}
	metadata["reason"] = "refund_failed_vend"
	metadata["refund_of"] = txID

	newBalance, entryID, created, err := s.ledger.AppendRefundAtomic(ctx, accountID, amountCents, txID, metadata)
	if err != nil {
		s.audit.LogError(entryID, accountID, err)
		return 0, fmt.Errorf("refund for transaction %s: %w", txID, err)
	}
	if !created {
		s.log.Info().
			Str("account_id", accountID).
			Str("transaction_id", txID).
			Str("entry_id", entryID).
			Msg("refund already recorded, skipping")
		return newBalance, nil
	}

	s.audit.LogMovement(entryID, accountID, "credit", amountCents, "SUCCESS")
	s.publishBalance(accountID, newBalance)
	return newBalance, nil
}

func (s *WalletService) publishBalance(accountID string, balanceCents int64) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(stream.Event{
		Type:         "balance",
		AccountID:    accountID,
		BalanceCents: balanceCents,
	})
}

// HTTP handlers

type topUpRequest struct {
	AmountCents int64  `json:"amountCents" validate:"required,gt=0"`
	BusinessID  string `json:"businessId,omitempty"`
	Source      string `json:"source,omitempty"`
}

// GetBalance returns the wallet balance for the authenticated account
// @Summary Get wallet balance
// @Description Retrieve the authenticated user's wallet balance in cents
// @Tags wallet
// @Produce json
// @Success 200 {object} object{balanceCents=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.EnsureWallet(r.Context(), accountID); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("ensure wallet failed")
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	balance, err := s.Balance(r.Context(), accountID)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("balance read failed")
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balanceCents": balance})
}

// GetLedger lists recent ledger entries for the authenticated account
// @Summary Wallet ledger history
// @Description Latest ledger entries for the authenticated wallet, newest first
// @Tags wallet
// @Produce json
// @Param limit query int false "Page size" default(50)
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /wallet/ledger [get]
func (s *WalletService) GetLedger(w http.ResponseWriter, r *http.Request) {
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

	entries, err := s.ledger.ListEntries(r.Context(), accountID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("ledger list failed")
		SendErrorResponse(w, "Failed to list ledger entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// TopUp credits the authenticated wallet
// @Summary Top up wallet
// @Description Add funds to the authenticated user's wallet
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body topUpRequest true "Top-up request"
// @Success 200 {object} object{balanceCents=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/topup [post]
func (s *WalletService) TopUp(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req topUpRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.EnsureWallet(r.Context(), accountID); err != nil {
		SendErrorResponse(w, "Failed to top up", http.StatusInternalServerError, nil)
		return
	}

	source := req.Source
	if source == "" {
		source = "topup"
	}

	balance, err := s.Credit(r.Context(), accountID, req.AmountCents, models.Metadata{"source": source})
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
			return
		}
		SendErrorResponse(w, "Failed to top up", http.StatusInternalServerError, nil)
		return
	}

	// Business-facing record; aggregation failures never undo the credit.
	if s.txlog != nil {
		now := time.Now()
		_, err = s.txlog.RecordTransaction(r.Context(), &models.Transaction{
			ID:          uuid.New().String(),
			AccountID:   accountID,
			BusinessID:  req.BusinessID,
			Type:        models.TxTopup,
			AmountCents: req.AmountCents,
			Sign:        "+",
			Status:      models.TxSettled,
			CreatedAt:   now,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("topup transaction record failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balanceCents": balance})
}
