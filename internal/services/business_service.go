package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/models"
)

// BusinessService manages operator onboarding, commission settings, the
// machine registry and the dashboard stats reads.
type BusinessService struct {
	db        *sql.DB
	stats     *StatsService
	validator *ValidationHelper
	log       zerolog.Logger
}

func NewBusinessService(db *sql.DB, stats *StatsService, log zerolog.Logger) *BusinessService {
	return &BusinessService{
		db:        db,
		stats:     stats,
		validator: NewValidationHelper(),
		log:       log.With().Str("component", "business").Logger(),
	}
}

func (s *BusinessService) createBusiness(ctx context.Context, ownerID, name string) (*models.Business, error) {
	biz := &models.Business{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO businesses (id, owner_id, name, available_balance_cents, created_at)
		VALUES ($1, $2, $3, 0, $4)`,
		biz.ID, biz.OwnerID, biz.Name, biz.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create business: %w", err)
	}
	return biz, nil
}

func (s *BusinessService) updateCommission(ctx context.Context, businessID string, fixedCents *int64, pct *float64) error {
	var fixed sql.NullInt64
	if fixedCents != nil {
		fixed = sql.NullInt64{Int64: *fixedCents, Valid: true}
	}
	var percentage sql.NullFloat64
	if pct != nil {
		percentage = sql.NullFloat64{Float64: *pct, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE businesses SET commission_fixed_cents = $1, commission_pct = $2 WHERE id = $3`,
		fixed, percentage, businessID)
	if err != nil {
		return fmt.Errorf("update commission: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("business %s: %w", businessID, ErrNotFound)
	}
	return nil
}

func (s *BusinessService) registerMachine(ctx context.Context, businessID, machineID string) (*models.Machine, error) {
	if machineID == "" {
		machineID = uuid.New().String()
	}
	machine := &models.Machine{
		ID:         machineID,
		BusinessID: businessID,
		Status:     "available",
		UpdatedAt:  time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, business_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET business_id = EXCLUDED.business_id`,
		machine.ID, machine.BusinessID, machine.Status, machine.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("register machine: %w", err)
	}
	return machine, nil
}

type statsRange struct {
	SalesCents       int64 `json:"salesCents"`
	CommissionsCents int64 `json:"commissionsCents"`
	TopupsCents      int64 `json:"topupsCents"`
	NetCents         int64 `json:"netCents"`
}

// rangeStats answers the dashboard ranges. Today and week read their single
// bucket; month sums the daily buckets of the current UTC month.
func (s *BusinessService) rangeStats(ctx context.Context, businessID, rangeName string) (*statsRange, error) {
	now := time.Now().UTC()

	switch rangeName {
	case "today":
		agg, err := s.stats.GetAggregate(ctx, businessID, models.PeriodDaily, dayKeyUTC(now))
		if err != nil {
			return nil, err
		}
		return toRange(agg.SalesCents, agg.CommissionsCents, agg.TopupsCents), nil
	case "week":
		agg, err := s.stats.GetAggregate(ctx, businessID, models.PeriodWeekly, weekKeyUTC(now))
		if err != nil {
			return nil, err
		}
		return toRange(agg.SalesCents, agg.CommissionsCents, agg.TopupsCents), nil
	case "month":
		monthPrefix := now.Format("200601") + "%"
		var sales, commissions, topups int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(sales_cents), 0), COALESCE(SUM(commissions_cents), 0), COALESCE(SUM(topups_cents), 0)
			FROM business_stats
			WHERE business_id = $1 AND period_kind = 'daily' AND period_key LIKE $2`,
			businessID, monthPrefix).
			Scan(&sales, &commissions, &topups)
		if err != nil {
			return nil, fmt.Errorf("month stats: %w", err)
		}
		return toRange(sales, commissions, topups), nil
	default:
		return nil, fmt.Errorf("unknown range %q", rangeName)
	}
}

func toRange(sales, commissions, topups int64) *statsRange {
	return &statsRange{
		SalesCents:       sales,
		CommissionsCents: commissions,
		TopupsCents:      topups,
		NetCents:         sales - commissions,
	}
}

type machineUsage struct {
	MachineID  string `json:"machineId"`
	SalesCents int64  `json:"salesCents"`
	Uses       int    `json:"uses"`
}

func (s *BusinessService) topMachines(ctx context.Context, businessID string, since time.Time, limit int) ([]machineUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, COALESCE(SUM(amount_cents), 0), COUNT(*)
		FROM transactions
		WHERE business_id = $1 AND type = 'payment' AND status != 'failed' AND machine_id IS NOT NULL AND created_at >= $2
		GROUP BY machine_id
		ORDER BY SUM(amount_cents) DESC
		LIMIT $3`,
		businessID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top machines: %w", err)
	}
	defer rows.Close()

	usages := []machineUsage{}
	for rows.Next() {
		var u machineUsage
		if err := rows.Scan(&u.MachineID, &u.SalesCents, &u.Uses); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

func (s *BusinessService) ownsBusiness(ctx context.Context, ownerID, businessID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM businesses WHERE id = $1 AND owner_id = $2`,
		businessID, ownerID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HTTP handlers

type createBusinessRequest struct {
	Name string `json:"name" validate:"required,min=2,max=100"`
}

// CreateBusiness registers a new operator business
// @Summary Create business
// @Tags businesses
// @Accept json
// @Produce json
// @Param request body createBusinessRequest true "Business details"
// @Success 201 {object} models.Business
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /businesses [post]
func (s *BusinessService) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req createBusinessRequest
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

	biz, err := s.createBusiness(r.Context(), ownerID, req.Name)
	if err != nil {
		s.log.Error().Err(err).Msg("business creation failed")
		SendErrorResponse(w, "Failed to create business", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(biz)
}

type updateCommissionRequest struct {
	FixedCents *int64   `json:"fixedCents,omitempty" validate:"omitempty,gte=0"`
	Pct        *float64 `json:"pct,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// UpdateCommission sets the business commission override
// @Summary Update commission
// @Description Set a fixed fee (cents) or a percentage; fixed takes precedence when both are set
// @Tags businesses
// @Accept json
// @Produce json
// @Param businessId path string true "Business ID"
// @Param request body updateCommissionRequest true "Commission settings"
// @Success 200 {object} object{status=string}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /businesses/{businessId}/commission [put]
func (s *BusinessService) UpdateCommission(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	businessID := chi.URLParam(r, "businessId")

	owns, err := s.ownsBusiness(r.Context(), ownerID, businessID)
	if err != nil {
		SendErrorResponse(w, "Failed to update commission", http.StatusInternalServerError, nil)
		return
	}
	if !owns {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req updateCommissionRequest
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

	if err := s.updateCommission(r.Context(), businessID, req.FixedCents, req.Pct); err != nil {
		SendErrorResponse(w, "Failed to update commission", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "updated"})
}

// GetStats returns dashboard figures for a business
// @Summary Business stats
// @Tags businesses
// @Produce json
// @Param businessId path string true "Business ID"
// @Param range query string false "today | week | month" default(today)
// @Success 200 {object} object{range=string,stats=statsRange,topMachines=[]machineUsage}
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /businesses/{businessId}/stats [get]
func (s *BusinessService) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	businessID := chi.URLParam(r, "businessId")

	owns, err := s.ownsBusiness(r.Context(), ownerID, businessID)
	if err != nil {
		SendErrorResponse(w, "Failed to read stats", http.StatusInternalServerError, nil)
		return
	}
	if !owns {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "today"
	}

	stats, err := s.rangeStats(r.Context(), businessID, rangeName)
	if err != nil {
		SendErrorResponse(w, "Invalid range", http.StatusBadRequest, nil)
		return
	}

	since := rangeStart(rangeName, time.Now().UTC())
	top, err := s.topMachines(r.Context(), businessID, since, 5)
	if err != nil {
		s.log.Warn().Err(err).Msg("top machines query failed")
		top = []machineUsage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"range":       rangeName,
		"stats":       stats,
		"topMachines": top,
	})
}

func rangeStart(rangeName string, now time.Time) time.Time {
	switch rangeName {
	case "week":
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return now.AddDate(0, 0, -(weekday - 1)).Truncate(24 * time.Hour)
	case "month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now.Truncate(24 * time.Hour)
	}
}

type registerMachineRequest struct {
	MachineID string `json:"machineId,omitempty"`
}

// RegisterMachine adds a machine to a business
// @Summary Register machine
// @Tags machines
// @Accept json
// @Produce json
// @Param businessId path string true "Business ID"
// @Param request body registerMachineRequest false "Machine details"
// @Success 201 {object} models.Machine
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /businesses/{businessId}/machines [post]
func (s *BusinessService) RegisterMachine(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	businessID := chi.URLParam(r, "businessId")

	owns, err := s.ownsBusiness(r.Context(), ownerID, businessID)
	if err != nil {
		SendErrorResponse(w, "Failed to register machine", http.StatusInternalServerError, nil)
		return
	}
	if !owns {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	var req registerMachineRequest
	if r.Body != nil {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
		if err := dec.Decode(&req); err != nil && err != io.EOF {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
	}

	machine, err := s.registerMachine(r.Context(), businessID, req.MachineID)
	if err != nil {
		s.log.Error().Err(err).Msg("machine registration failed")
		SendErrorResponse(w, "Failed to register machine", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(machine)
}
