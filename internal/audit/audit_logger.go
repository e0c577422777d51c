package audit

import (
	"time"

	"github.com/rs/zerolog"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

// Logger emits structured audit events for every money movement. Audit lines
// are the operator-facing trail; they are written even when the triggering
// request ultimately fails.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger()}
}

func (a *Logger) LogMovement(transactionID, accountID string, direction string, amount int64, status string) {
	a.emit(Event{
		Timestamp:     time.Now(),
		EventType:     "MOVEMENT",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        status,
		Details:       map[string]string{"direction": direction},
	})
}

func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.emit(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

// LogCompensationFailure records the one condition that must escalate beyond
// local recovery: a user was debited, the machine never started, and the
// automatic refund also failed. Retrying blindly risks a double refund.
func (a *Logger) LogCompensationFailure(transactionID, accountID string, amount int64, err error) {
	a.log.Error().
		Str("transaction_id", transactionID).
		Str("account_id", accountID).
		Int64("amount_cents", amount).
		Err(err).
		Msg("CRITICAL: refund compensation failed, manual intervention required")
	a.emit(Event{
		Timestamp:     time.Now(),
		EventType:     "COMPENSATION_FAILURE",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) emit(event Event) {
	a.log.Info().
		Str("event_type", event.EventType).
		Str("transaction_id", event.TransactionID).
		Str("account_id", event.AccountID).
		Int64("amount_cents", event.Amount).
		Str("status", event.Status).
		Interface("details", event.Details).
		Msg("AUDIT")
}
