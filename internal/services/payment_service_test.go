package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dayan73a/Kashless/internal/audit"
	"github.com/dayan73a/Kashless/internal/models"
)

func newTestPayment(t *testing.T, activator *MockActivator, recorder *MockRecorder, queue *MockEnqueuer) (*PaymentService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, dbmock, err := sqlmock.New()
	assert.NoError(t, err)

	auditLogger := audit.NewLogger(zerolog.Nop())
	wallet := NewWalletService(NewLedgerStore(db), nil, nil, auditLogger, zerolog.Nop())
	svc := NewPaymentService(wallet, activator, recorder, queue, auditLogger, zerolog.Nop())
	return svc, dbmock, func() { db.Close() }
}

func expectEnsureWallet(dbmock sqlmock.Sqlmock, accountID string) {
	dbmock.ExpectExec("INSERT INTO accounts").
		WithArgs(accountID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLedgerAppend(dbmock sqlmock.Sqlmock, accountID string, balance int64, version int, direction string, amount, newBalance int64) {
	dbmock.ExpectBegin()
	dbmock.ExpectQuery("SELECT balance, version FROM accounts WHERE id = \\$1").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(balance, version))
	dbmock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), accountID, direction, amount, newBalance, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	dbmock.ExpectExec("SET balance = \\$1, version = version \\+ 1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	dbmock.ExpectCommit()
}

func expectRefundAppend(dbmock sqlmock.Sqlmock, accountID string, balance int64, version int, amount, newBalance int64) {
	dbmock.ExpectBegin()
	dbmock.ExpectQuery("SELECT balance, version FROM accounts WHERE id = \\$1").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(balance, version))
	dbmock.ExpectQuery("FROM ledger_entries").
		WithArgs(accountID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "direction", "amount_cents", "balance_after", "metadata", "created_at"}))
	dbmock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), accountID, "credit", amount, newBalance, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	dbmock.ExpectExec("SET balance = \\$1, version = version \\+ 1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	dbmock.ExpectCommit()
}

func TestPaymentService_Pay(t *testing.T) {
	req := &PaymentRequest{MachineID: "washer-3", BusinessID: "biz1", AmountCents: 250}

	t.Run("successful payment records online", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, dbmock, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		expectEnsureWallet(dbmock, "acc1")
		expectLedgerAppend(dbmock, "acc1", 1000, 1, "debit", 250, 750)

		activator.On("Activate", mock.Anything, "washer-3", 12).Return(nil)
		recorder.On("RecordTransaction", mock.Anything, mock.Anything).Return(true, nil)
		recorder.On("ReflectMachineStatus", mock.Anything, mock.Anything).Return(nil)

		result, err := svc.Pay(context.Background(), "acc1", req)
		assert.NoError(t, err)
		assert.Equal(t, 12, result.Minutes)
		assert.Equal(t, int64(750), result.NewBalanceCents)
		assert.False(t, result.Queued)
		queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("activation failure refunds the debit", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, dbmock, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		expectEnsureWallet(dbmock, "acc1")
		// Debit 250 from a 1000 balance.
		expectLedgerAppend(dbmock, "acc1", 1000, 1, "debit", 250, 750)

		activator.On("Activate", mock.Anything, "washer-3", 12).Return(errors.New("controller offline"))

		// Refund path: no prior refund for this transaction, then the credit.
		expectRefundAppend(dbmock, "acc1", 750, 2, 250, 1000)

		_, err := svc.Pay(context.Background(), "acc1", req)
		assert.Error(t, err)
		recorder.AssertNotCalled(t, "RecordTransaction", mock.Anything, mock.Anything)
		queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("record failure queues for reconciliation", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, dbmock, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		expectEnsureWallet(dbmock, "acc1")
		expectLedgerAppend(dbmock, "acc1", 1000, 1, "debit", 250, 750)

		activator.On("Activate", mock.Anything, "washer-3", 12).Return(nil)
		recorder.On("RecordTransaction", mock.Anything, mock.Anything).Return(false, errors.New("database unreachable"))
		queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(item *models.OfflineQueueItem) bool {
			return item.AccountID == "acc1" && item.MachineID == "washer-3" && item.AmountCents == 250
		})).Return(nil)

		result, err := svc.Pay(context.Background(), "acc1", req)
		assert.NoError(t, err)
		assert.True(t, result.Queued)
		queue.AssertExpectations(t)
		recorder.AssertNotCalled(t, "ReflectMachineStatus", mock.Anything, mock.Anything)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("insufficient funds never touches the machine", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, dbmock, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		expectEnsureWallet(dbmock, "acc1")
		dbmock.ExpectBegin()
		dbmock.ExpectQuery("SELECT balance, version FROM accounts WHERE id = \\$1").
			WithArgs("acc1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(100, 1))
		dbmock.ExpectRollback()

		_, err := svc.Pay(context.Background(), "acc1", req)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		activator.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("amount below one minute is rejected", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, _, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		_, err := svc.Pay(context.Background(), "acc1", &PaymentRequest{MachineID: "washer-3", AmountCents: 10})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestPaymentService_RefundRecorded(t *testing.T) {
	recorded := &models.Transaction{
		ID:          "tx1",
		ClientRef:   "ref1",
		AccountID:   "acc1",
		BusinessID:  "biz1",
		MachineID:   "washer-3",
		Type:        models.TxPayment,
		AmountCents: 250,
		Status:      models.TxSettled,
	}

	t.Run("credits wallet and reverses the record", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, dbmock, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		recorder.On("GetByID", mock.Anything, "tx1").Return(recorded, nil)

		expectRefundAppend(dbmock, "acc1", 750, 2, 250, 1000)

		recorder.On("RecordTransaction", mock.Anything, mock.MatchedBy(func(tx *models.Transaction) bool {
			return tx.Type == models.TxRefund && tx.ClientRef == "refund:tx1" && tx.AmountCents == 250
		})).Return(true, nil)
		recorder.On("MarkFailed", mock.Anything, "tx1").Return(nil)

		balance, err := svc.RefundRecorded(context.Background(), "acc1", "tx1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
		recorder.AssertExpectations(t)
		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("someone else's payment reads as not found", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, _, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		recorder.On("GetByID", mock.Anything, "tx1").Return(recorded, nil)

		_, err := svc.RefundRecorded(context.Background(), "acc2", "tx1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("only payments can be refunded", func(t *testing.T) {
		activator := new(MockActivator)
		recorder := new(MockRecorder)
		queue := new(MockEnqueuer)
		svc, _, cleanup := newTestPayment(t, activator, recorder, queue)
		defer cleanup()

		topup := &models.Transaction{ID: "tx2", AccountID: "acc1", Type: models.TxTopup, AmountCents: 500}
		recorder.On("GetByID", mock.Anything, "tx2").Return(topup, nil)

		_, err := svc.RefundRecorded(context.Background(), "acc1", "tx2")
		assert.Error(t, err)
	})
}

func TestClientRef(t *testing.T) {
	base := int64(1700000000)
	at := func(sec int64) string {
		return clientRef("acc1", "washer-3", 400, time.Unix(sec, 0))
	}

	// Retries inside the same 10-second bucket collapse.
	assert.Equal(t, at(base), at(base+5))
	// A later submission is a new payment.
	assert.NotEqual(t, at(base), at(base+20))
}
