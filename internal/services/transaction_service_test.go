package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/dayan73a/Kashless/internal/models"
)

func newTestTransactionService(t *testing.T) (*TransactionService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	svc := NewTransactionService(db, nil, nil, zerolog.Nop())
	return svc, mock, func() { db.Close() }
}

func TestTransactionService_RecordTransaction(t *testing.T) {
	t.Run("first write inserts", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		inserted, err := svc.RecordTransaction(context.Background(), &models.Transaction{
			ClientRef:   "ref1",
			AccountID:   "acc1",
			Type:        models.TxPayment,
			AmountCents: 400,
			Status:      models.TxSettled,
		})
		assert.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay with same client_ref is a no-op", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 0))

		inserted, err := svc.RecordTransaction(context.Background(), &models.Transaction{
			ClientRef:   "ref1",
			AccountID:   "acc1",
			Type:        models.TxPayment,
			AmountCents: 400,
			Status:      models.TxSettled,
		})
		assert.NoError(t, err)
		assert.False(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("machine-only payment stores the resolved business", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		mock.ExpectQuery("SELECT business_id FROM machines WHERE id = \\$1").
			WithArgs("washer-3").
			WillReturnRows(sqlmock.NewRows([]string{"business_id"}).AddRow("biz1"))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "ref1", "acc1", "biz1", "washer-3", "payment", int64(400), "-", "settled", nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		tx := &models.Transaction{
			ClientRef:   "ref1",
			AccountID:   "acc1",
			MachineID:   "washer-3",
			Type:        models.TxPayment,
			AmountCents: 400,
			Status:      models.TxSettled,
		}
		inserted, err := svc.RecordTransaction(context.Background(), tx)
		assert.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "biz1", tx.BusinessID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unregistered machine records without a business", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		mock.ExpectQuery("SELECT business_id FROM machines WHERE id = \\$1").
			WithArgs("ghost-9").
			WillReturnRows(sqlmock.NewRows([]string{"business_id"}))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		tx := &models.Transaction{
			ClientRef:   "ref2",
			AccountID:   "acc1",
			MachineID:   "ghost-9",
			Type:        models.TxPayment,
			AmountCents: 400,
			Status:      models.TxSettled,
		}
		inserted, err := svc.RecordTransaction(context.Background(), tx)
		assert.NoError(t, err)
		assert.True(t, inserted)
		assert.Empty(t, tx.BusinessID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("defaults are filled in", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		tx := &models.Transaction{
			AccountID:   "acc1",
			Type:        models.TxPayment,
			AmountCents: 400,
			Status:      models.TxSettled,
		}
		_, err := svc.RecordTransaction(context.Background(), tx)
		assert.NoError(t, err)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, tx.ID, tx.ClientRef)
		assert.Equal(t, "-", tx.Sign)
		assert.False(t, tx.CreatedAt.IsZero())
	})
}

func TestTransactionService_CommitOffline(t *testing.T) {
	svc, mock, cleanup := newTestTransactionService(t)
	defer cleanup()

	savedAt := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	end := savedAt.Add(20 * time.Minute)

	mock.ExpectQuery("SELECT business_id FROM machines WHERE id = \\$1").
		WithArgs("washer-3").
		WillReturnRows(sqlmock.NewRows([]string{"business_id"}).AddRow("biz1"))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := svc.CommitOffline(context.Background(), &models.OfflineQueueItem{
		ClientRef:   "ref1",
		AccountID:   "acc1",
		MachineID:   "washer-3",
		Type:        models.TxPayment,
		AmountCents: 400,
		Minutes:     20,
		EndTime:     &end,
		SavedAt:     savedAt.UnixMilli(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionService_ReflectMachineStatus(t *testing.T) {
	t.Run("payment updates the machine row", func(t *testing.T) {
		svc, mock, cleanup := newTestTransactionService(t)
		defer cleanup()

		end := time.Now().Add(15 * time.Minute)
		mock.ExpectExec("UPDATE machines").
			WithArgs("in-use", "acc1", &end, "ref1", sqlmock.AnyArg(), "washer-3").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := svc.ReflectMachineStatus(context.Background(), &models.OfflineQueueItem{
			ClientRef:   "ref1",
			AccountID:   "acc1",
			MachineID:   "washer-3",
			Type:        models.TxPayment,
			AmountCents: 400,
			EndTime:     &end,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("items without a machine are skipped", func(t *testing.T) {
		svc, _, cleanup := newTestTransactionService(t)
		defer cleanup()

		err := svc.ReflectMachineStatus(context.Background(), &models.OfflineQueueItem{
			ClientRef: "ref1",
			Type:      models.TxTopup,
		})
		assert.NoError(t, err)
	})
}
