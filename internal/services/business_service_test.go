package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/dayan73a/Kashless/internal/config"
)

func newTestBusiness(t *testing.T) (*BusinessService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	stats := NewStatsService(db, config.CommissionConfig{DefaultPct: 0.03}, zerolog.Nop())
	svc := NewBusinessService(db, stats, zerolog.Nop())
	return svc, mock, func() { db.Close() }
}

func TestBusinessService_RangeStats(t *testing.T) {
	t.Run("today reads the daily bucket", func(t *testing.T) {
		svc, mock, cleanup := newTestBusiness(t)
		defer cleanup()

		today := time.Now().UTC().Format("20060102")
		mock.ExpectQuery("FROM business_stats").
			WithArgs("biz1", "daily", today).
			WillReturnRows(sqlmock.NewRows([]string{"sales_cents", "commissions_cents", "topups_cents", "last_update"}).
				AddRow(2000, 60, 500, time.Now()))

		stats, err := svc.rangeStats(context.Background(), "biz1", "today")
		assert.NoError(t, err)
		assert.Equal(t, int64(2000), stats.SalesCents)
		assert.Equal(t, int64(60), stats.CommissionsCents)
		assert.Equal(t, int64(1940), stats.NetCents)
	})

	t.Run("month sums the daily buckets", func(t *testing.T) {
		svc, mock, cleanup := newTestBusiness(t)
		defer cleanup()

		prefix := time.Now().UTC().Format("200601") + "%"
		mock.ExpectQuery("FROM business_stats").
			WithArgs("biz1", prefix).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "sum", "sum"}).AddRow(9000, 270, 1200))

		stats, err := svc.rangeStats(context.Background(), "biz1", "month")
		assert.NoError(t, err)
		assert.Equal(t, int64(9000), stats.SalesCents)
		assert.Equal(t, int64(270), stats.CommissionsCents)
		assert.Equal(t, int64(1200), stats.TopupsCents)
	})

	t.Run("unknown range is rejected", func(t *testing.T) {
		svc, _, cleanup := newTestBusiness(t)
		defer cleanup()

		_, err := svc.rangeStats(context.Background(), "biz1", "year")
		assert.Error(t, err)
	})
}

func TestBusinessService_UpdateCommission(t *testing.T) {
	t.Run("sets a fixed fee", func(t *testing.T) {
		svc, mock, cleanup := newTestBusiness(t)
		defer cleanup()

		fixed := int64(25)
		mock.ExpectExec("UPDATE businesses SET commission_fixed_cents").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "biz1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.updateCommission(context.Background(), "biz1", &fixed, nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown business", func(t *testing.T) {
		svc, mock, cleanup := newTestBusiness(t)
		defer cleanup()

		mock.ExpectExec("UPDATE businesses SET commission_fixed_cents").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := svc.updateCommission(context.Background(), "missing", nil, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBusinessService_RegisterMachine(t *testing.T) {
	svc, mock, cleanup := newTestBusiness(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO machines").
		WithArgs("washer-3", "biz1", "available", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	machine, err := svc.registerMachine(context.Background(), "biz1", "washer-3")
	assert.NoError(t, err)
	assert.Equal(t, "washer-3", machine.ID)
	assert.Equal(t, "available", machine.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
