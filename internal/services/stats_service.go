package services

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/config"
	"github.com/dayan73a/Kashless/internal/models"
)

// StatsService maintains the per-business sales aggregates. Increments run
// alongside transaction recording; RecomputeAggregates rebuilds the same
// numbers from the transaction log alone.
type StatsService struct {
	db  *sql.DB
	cfg config.CommissionConfig
	log zerolog.Logger
}

func NewStatsService(db *sql.DB, cfg config.CommissionConfig, log zerolog.Logger) *StatsService {
	return &StatsService{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "stats").Logger(),
	}
}

// Period keys are always derived in UTC so devices in different timezones
// aggregate into the same buckets.

func dayKeyUTC(t time.Time) string {
	return t.UTC().Format("20060102")
}

func weekKeyUTC(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-%02d", year, week)
}

// commissionFor resolves the commission for a gross sale. A business-level
// fixed fee wins over a business-level percentage; with neither set, the
// platform defaults apply in the same order.
func (s *StatsService) commissionFor(biz *models.Business, grossCents int64) int64 {
	if biz != nil {
		if biz.CommissionFixedCents.Valid {
			return biz.CommissionFixedCents.Int64
		}
		if biz.CommissionPct.Valid {
			return int64(math.Round(float64(grossCents) * biz.CommissionPct.Float64))
		}
	}
	if s.cfg.DefaultFixedCents > 0 {
		return s.cfg.DefaultFixedCents
	}
	return int64(math.Round(float64(grossCents) * s.cfg.DefaultPct))
}

// ApplyTransaction folds one recorded transaction into the daily and weekly
// aggregates of its business. Payments add gross to sales, commission to
// commissions, and net to the business available balance. Top-ups only count
// toward topups. Refund transactions reverse the original payment's
// contribution.
func (s *StatsService) ApplyTransaction(ctx context.Context, tx *models.Transaction) error {
	businessID := tx.BusinessID
	if businessID == "" && tx.MachineID != "" {
		resolved, err := s.businessForMachine(ctx, tx.MachineID)
		if err != nil {
			return err
		}
		businessID = resolved
	}
	if businessID == "" {
		// Nothing to aggregate against; wallet-only movement.
		return nil
	}

	at := tx.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	var sales, commissions, topups, net int64
	switch tx.Type {
	case models.TxPayment:
		biz, err := s.getBusiness(ctx, businessID)
		if err != nil {
			return err
		}
		commission := s.commissionFor(biz, tx.AmountCents)
		sales = tx.AmountCents
		commissions = commission
		net = tx.AmountCents - commission
	case models.TxTopup:
		topups = tx.AmountCents
	case models.TxRefund:
		biz, err := s.getBusiness(ctx, businessID)
		if err != nil {
			return err
		}
		commission := s.commissionFor(biz, tx.AmountCents)
		sales = -tx.AmountCents
		commissions = -commission
		net = -(tx.AmountCents - commission)
	default:
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}

	if err := s.upsertAggregate(ctx, businessID, models.PeriodDaily, dayKeyUTC(at), sales, commissions, topups, at); err != nil {
		return err
	}
	if err := s.upsertAggregate(ctx, businessID, models.PeriodWeekly, weekKeyUTC(at), sales, commissions, topups, at); err != nil {
		return err
	}

	if net != 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE businesses
			SET available_balance_cents = available_balance_cents + $1
			WHERE id = $2`,
			net, businessID)
		if err != nil {
			return fmt.Errorf("update business balance: %w", err)
		}
	}
	return nil
}

func (s *StatsService) upsertAggregate(ctx context.Context, businessID string, kind models.PeriodKind, key string, sales, commissions, topups int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_stats (business_id, period_kind, period_key, sales_cents, commissions_cents, topups_cents, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (business_id, period_kind, period_key) DO UPDATE SET
			sales_cents = business_stats.sales_cents + EXCLUDED.sales_cents,
			commissions_cents = business_stats.commissions_cents + EXCLUDED.commissions_cents,
			topups_cents = business_stats.topups_cents + EXCLUDED.topups_cents,
			last_update = EXCLUDED.last_update`,
		businessID, string(kind), key, sales, commissions, topups, at)
	if err != nil {
		return fmt.Errorf("upsert %s aggregate %s: %w", kind, key, err)
	}
	return nil
}

// GetAggregate reads a single period bucket. A missing bucket reads as all
// zeros.
func (s *StatsService) GetAggregate(ctx context.Context, businessID string, kind models.PeriodKind, key string) (*models.BusinessStatsAggregate, error) {
	agg := &models.BusinessStatsAggregate{
		BusinessID: businessID,
		PeriodKind: kind,
		PeriodKey:  key,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT sales_cents, commissions_cents, topups_cents, last_update
		FROM business_stats
		WHERE business_id = $1 AND period_kind = $2 AND period_key = $3`,
		businessID, string(kind), key).
		Scan(&agg.SalesCents, &agg.CommissionsCents, &agg.TopupsCents, &agg.LastUpdate)
	if err == sql.ErrNoRows {
		return agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read aggregate: %w", err)
	}
	return agg, nil
}

// RecomputeAggregates rebuilds every bucket for a business by replaying its
// transaction log through the same arithmetic the incremental path uses.
// Drift repair tool; not part of the request path.
func (s *StatsService) RecomputeAggregates(ctx context.Context, businessID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_ref, account_id, business_id, machine_id, type, amount_cents, sign, status, created_at
		FROM transactions
		WHERE business_id = $1
		ORDER BY created_at ASC`,
		businessID)
	if err != nil {
		return fmt.Errorf("scan transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.ClientRef, &tx.AccountID, &tx.BusinessID, &tx.MachineID,
			&tx.Type, &tx.AmountCents, &tx.Sign, &tx.Status, &tx.CreatedAt); err != nil {
			return err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM business_stats WHERE business_id = $1`, businessID); err != nil {
		return fmt.Errorf("reset aggregates: %w", err)
	}

	biz, err := s.getBusiness(ctx, businessID)
	if err != nil {
		return err
	}

	// Replay applies every transaction the way the incremental path did at
	// record time. A refunded payment contributes as payment plus refund,
	// netting to zero, same as the live increments.
	for i := range txs {
		tx := &txs[i]
		var sales, commissions, topups int64
		switch tx.Type {
		case models.TxPayment:
			commission := s.commissionFor(biz, tx.AmountCents)
			sales = tx.AmountCents
			commissions = commission
		case models.TxTopup:
			topups = tx.AmountCents
		case models.TxRefund:
			commission := s.commissionFor(biz, tx.AmountCents)
			sales = -tx.AmountCents
			commissions = -commission
		default:
			continue
		}
		if err := s.upsertAggregate(ctx, businessID, models.PeriodDaily, dayKeyUTC(tx.CreatedAt), sales, commissions, topups, tx.CreatedAt); err != nil {
			return err
		}
		if err := s.upsertAggregate(ctx, businessID, models.PeriodWeekly, weekKeyUTC(tx.CreatedAt), sales, commissions, topups, tx.CreatedAt); err != nil {
			return err
		}
	}

	s.log.Info().Str("business_id", businessID).Int("transactions", len(txs)).Msg("aggregates recomputed")
	return nil
}

func (s *StatsService) getBusiness(ctx context.Context, businessID string) (*models.Business, error) {
	var biz models.Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, commission_fixed_cents, commission_pct, available_balance_cents, created_at
		FROM businesses WHERE id = $1`,
		businessID).
		Scan(&biz.ID, &biz.OwnerID, &biz.Name, &biz.CommissionFixedCents,
			&biz.CommissionPct, &biz.AvailableBalanceCents, &biz.CreatedAt)
	if err == sql.ErrNoRows {
		// Unknown business still aggregates with platform defaults.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read business: %w", err)
	}
	return &biz, nil
}

func (s *StatsService) businessForMachine(ctx context.Context, machineID string) (string, error) {
	var businessID string
	err := s.db.QueryRowContext(ctx,
		`SELECT business_id FROM machines WHERE id = $1`, machineID).Scan(&businessID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve machine business: %w", err)
	}
	return businessID, nil
}
