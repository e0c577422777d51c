package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/audit"
	"github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/models"
)

// Paid amount converts to machine time at 5 minutes per euro.
const minutesPer100Cents = 5

// OfflineEnqueuer accepts transactions that could not reach the log.
type OfflineEnqueuer interface {
	Enqueue(ctx context.Context, item *models.OfflineQueueItem) error
}

// PaymentRecorder is the transaction-log surface the payment flow uses.
type PaymentRecorder interface {
	RecordTransaction(ctx context.Context, tx *models.Transaction) (bool, error)
	ReflectMachineStatus(ctx context.Context, item *models.OfflineQueueItem) error
	GetByID(ctx context.Context, txID string) (*models.Transaction, error)
	MarkFailed(ctx context.Context, txID string) error
}

// PaymentService orchestrates a purchase: debit the wallet, activate the
// machine, record the transaction. Activation failure refunds the debit;
// recording failure queues the record for reconciliation. After the debit
// succeeds the user never sees a hard failure from the recording side.
type PaymentService struct {
	wallet    *WalletService
	activator MachineActivator
	recorder  PaymentRecorder
	queue     OfflineEnqueuer
	audit     *audit.Logger
	validator *ValidationHelper
	log       zerolog.Logger
}

func NewPaymentService(wallet *WalletService, activator MachineActivator, recorder PaymentRecorder, queue OfflineEnqueuer, auditLogger *audit.Logger, log zerolog.Logger) *PaymentService {
	return &PaymentService{
		wallet:    wallet,
		activator: activator,
		recorder:  recorder,
		queue:     queue,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		log:       log.With().Str("component", "payments").Logger(),
	}
}

// PaymentRequest is the body of POST /payments.
type PaymentRequest struct {
	MachineID   string `json:"machineId" validate:"required"`
	BusinessID  string `json:"businessId,omitempty"`
	AmountCents int64  `json:"amountCents" validate:"required,gt=0"`
}

// PaymentResult reports a completed purchase.
type PaymentResult struct {
	TransactionID   string     `json:"transactionId"`
	Minutes         int        `json:"minutes"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	NewBalanceCents int64      `json:"newBalanceCents"`
	Queued          bool       `json:"queued,omitempty"`
}

// clientRef derives the stable dedup key for a payment: retries of the same
// submission land in the same 10-second bucket and collapse to one record.
func clientRef(accountID, machineID string, amountCents int64, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", accountID, machineID, amountCents, at.Unix()/10)
}

// Pay runs the purchase flow for one machine activation.
func (s *PaymentService) Pay(ctx context.Context, accountID string, req *PaymentRequest) (*PaymentResult, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payment amount %d: %w", req.AmountCents, ErrInvalidAmount)
	}

	minutes := int(req.AmountCents * minutesPer100Cents / 100)
	if minutes <= 0 {
		return nil, fmt.Errorf("amount %d buys no time: %w", req.AmountCents, ErrInvalidAmount)
	}

	if err := s.wallet.EnsureWallet(ctx, accountID); err != nil {
		return nil, err
	}

	txID := uuid.New().String()
	startTime := time.Now()
	endTime := startTime.Add(time.Duration(minutes) * time.Minute)

	debit, err := s.wallet.Debit(ctx, accountID, req.AmountCents, models.Metadata{
		"machine":     req.MachineID,
		"transaction": txID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.activator.Activate(ctx, req.MachineID, minutes); err != nil {
		s.log.Warn().Err(err).
			Str("machine_id", req.MachineID).
			Str("transaction_id", txID).
			Msg("activation failed, compensating debit")
		s.compensate(ctx, accountID, req.AmountCents, txID, req.MachineID)
		return nil, fmt.Errorf("machine activation failed: %w", err)
	}

	balance := debit.NewBalanceCents
	tx := &models.Transaction{
		ID:          txID,
		ClientRef:   clientRef(accountID, req.MachineID, req.AmountCents, startTime),
		AccountID:   accountID,
		BusinessID:  req.BusinessID,
		MachineID:   req.MachineID,
		Type:        models.TxPayment,
		AmountCents: req.AmountCents,
		Sign:        "-",
		Status:      models.TxActive,
		StartTime:   &startTime,
		EndTime:     &endTime,
		CreatedAt:   startTime,
	}

	item := &models.OfflineQueueItem{
		ClientRef:   tx.ClientRef,
		AccountID:   accountID,
		BusinessID:  req.BusinessID,
		MachineID:   req.MachineID,
		Type:        models.TxPayment,
		AmountCents: req.AmountCents,
		Minutes:     minutes,
		EndTime:     &endTime,
	}

	queued := false
	if _, err := s.recorder.RecordTransaction(ctx, tx); err != nil {
		recordErr := fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		s.log.Warn().Err(recordErr).
			Str("transaction_id", txID).
			Msg("transaction log unreachable, queueing for reconciliation")
		if qErr := s.queue.Enqueue(ctx, item); qErr != nil {
			// Debit stands and the machine is running; losing the record
			// entirely is an audit event, not a user-facing failure.
			s.audit.LogError(txID, accountID, fmt.Errorf("record and queue both failed: %w", qErr))
		}
		queued = true
	} else {
		if err := s.recorder.ReflectMachineStatus(ctx, item); err != nil {
			s.log.Warn().Err(err).
				Str("machine_id", req.MachineID).
				Msg("machine status update failed")
		}
	}

	return &PaymentResult{
		TransactionID:   txID,
		Minutes:         minutes,
		EndTime:         &endTime,
		NewBalanceCents: balance,
		Queued:          queued,
	}, nil
}

// compensate returns the debited amount after a failed activation. A refund
// that itself fails leaves the user short; that is logged as critical for
// operator follow-up, never retried blindly.
func (s *PaymentService) compensate(ctx context.Context, accountID string, amountCents int64, txID, machineID string) {
	_, err := s.wallet.Refund(ctx, accountID, amountCents, txID, models.Metadata{
		"machine": machineID,
	})
	if err != nil {
		s.audit.LogCompensationFailure(txID, accountID, amountCents, err)
	}
}

// RefundRecorded reverses a previously recorded payment: the wallet gets the
// amount back, a refund transaction undoes the business aggregates, and the
// payment is marked failed so it never counts as a completed sale. Safe to
// repeat; both the wallet credit and the refund record are deduplicated.
func (s *PaymentService) RefundRecorded(ctx context.Context, accountID, txID string) (int64, error) {
	tx, err := s.recorder.GetByID(ctx, txID)
	if err != nil {
		return 0, err
	}
	if tx.AccountID != accountID {
		return 0, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if tx.Type != models.TxPayment {
		return 0, fmt.Errorf("transaction %s is a %s, only payments can be refunded", txID, tx.Type)
	}

	balance, err := s.wallet.Refund(ctx, accountID, tx.AmountCents, txID, models.Metadata{
		"machine": tx.MachineID,
	})
	if err != nil {
		return 0, err
	}

	if _, err := s.recorder.RecordTransaction(ctx, &models.Transaction{
		ID:          uuid.New().String(),
		ClientRef:   "refund:" + txID,
		AccountID:   accountID,
		BusinessID:  tx.BusinessID,
		MachineID:   tx.MachineID,
		Type:        models.TxRefund,
		AmountCents: tx.AmountCents,
		Sign:        "+",
		Status:      models.TxSettled,
		CreatedAt:   time.Now(),
	}); err != nil {
		s.log.Error().Err(err).Str("transaction_id", txID).Msg("refund record failed, aggregates will drift until recompute")
	}

	if err := s.recorder.MarkFailed(ctx, txID); err != nil {
		s.log.Error().Err(err).Str("transaction_id", txID).Msg("failed to mark payment refunded")
	}

	s.audit.LogMovement(txID, accountID, "refund", tx.AmountCents, "SUCCESS")
	return balance, nil
}

// CreatePayment handles a purchase request
// @Summary Pay for a machine activation
// @Description Debit the wallet and start the machine; failed activations are refunded
// @Tags payments
// @Accept json
// @Produce json
// @Param request body PaymentRequest true "Payment request"
// @Success 200 {object} PaymentResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /payments [post]
func (s *PaymentService) CreatePayment(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PaymentRequest
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

	result, err := s.Pay(r.Context(), accountID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient funds", http.StatusPaymentRequired, nil)
		default:
			SendErrorResponse(w, "Payment failed", http.StatusBadGateway, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RefundPayment reverses a recorded payment
// @Summary Refund a payment
// @Description Credit the wallet back for a recorded payment and mark it failed
// @Tags payments
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} object{balanceCents=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/{txId}/refund [post]
func (s *PaymentService) RefundPayment(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")
	if txID == "" {
		SendErrorResponse(w, "Transaction ID is required", http.StatusBadRequest, nil)
		return
	}

	balance, err := s.RefundRecorded(r.Context(), accountID, txID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		s.log.Error().Err(err).Str("transaction_id", txID).Msg("refund failed")
		SendErrorResponse(w, "Refund failed", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balanceCents": balance})
}
