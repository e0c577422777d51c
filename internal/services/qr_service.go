package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/dayan73a/Kashless/internal/middleware"
)

// qrTTL bounds how long a printed-or-displayed code stays scannable before a
// fresh one is needed.
const qrTTL = 5 * time.Minute

// QRService issues scannable machine codes. A customer scans the sticker on
// the machine and lands directly in the payment flow with machine and
// business prefilled.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
	log   zerolog.Logger
}

func NewQRService(db *sql.DB, redisClient *redis.Client, log zerolog.Logger) *QRService {
	return &QRService{
		db:    db,
		redis: redisClient,
		log:   log.With().Str("component", "qr").Logger(),
	}
}

func (s *QRService) generateMachineQR(ctx context.Context, machineID string) (string, string, error) {
	var businessID string
	err := s.db.QueryRowContext(ctx,
		`SELECT business_id FROM machines WHERE id = $1`, machineID).Scan(&businessID)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("machine %s: %w", machineID, ErrNotFound)
	}
	if err != nil {
		return "", "", err
	}

	qrData := map[string]any{
		"machineId":  machineID,
		"businessId": businessID,
		"timestamp":  time.Now().Unix(),
		"nonce":      generateNonce(),
	}

	jsonData, err := json.Marshal(qrData)
	if err != nil {
		return "", "", err
	}

	qrCode := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("qr:%s", qrCode)
	if err := s.redis.Set(ctx, key, jsonData, qrTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(qrCode, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return qrCode, qrImage, nil
}

func (s *QRService) resolveQRCode(ctx context.Context, qrData string) (map[string]any, error) {
	key := fmt.Sprintf("qr:%s", qrData)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

// HTTP handlers

// GenerateMachineQR issues a scannable code for a machine
// @Summary Generate machine QR code
// @Tags machines
// @Produce json
// @Param machineId path string true "Machine ID"
// @Success 200 {object} object{qrCode=string,qrImage=string}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /machines/{machineId}/qr [get]
func (s *QRService) GenerateMachineQR(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	machineID := chi.URLParam(r, "machineId")
	if machineID == "" {
		SendErrorResponse(w, "Machine ID is required", http.StatusBadRequest, nil)
		return
	}

	qrCode, qrImage, err := s.generateMachineQR(r.Context(), machineID)
	if err != nil {
		s.log.Warn().Err(err).Str("machine_id", machineID).Msg("qr generation failed")
		SendErrorResponse(w, "Failed to generate QR code", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"qrCode":  qrCode,
		"qrImage": qrImage,
	})
}

type processQRRequest struct {
	QRCode string `json:"qrCode" validate:"required"`
}

// ProcessQRCode resolves a scanned code to its machine
// @Summary Resolve scanned QR code
// @Tags machines
// @Accept json
// @Produce json
// @Param request body processQRRequest true "Scanned code"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /machines/qr/resolve [post]
func (s *QRService) ProcessQRCode(w http.ResponseWriter, r *http.Request) {
	var req processQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QRCode == "" {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	result, err := s.resolveQRCode(r.Context(), req.QRCode)
	if err != nil {
		SendErrorResponse(w, "Invalid or expired QR code", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
