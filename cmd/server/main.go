package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/dayan73a/Kashless/docs"
	"github.com/dayan73a/Kashless/internal/audit"
	"github.com/dayan73a/Kashless/internal/config"
	"github.com/dayan73a/Kashless/internal/database"
	"github.com/dayan73a/Kashless/internal/handlers"
	"github.com/dayan73a/Kashless/internal/logger"
	mW "github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/services"
	"github.com/dayan73a/Kashless/internal/stream"
)

// @title Kashless API
// @version 1.0
// @description Prepaid wallet and offline reconciliation backend for unattended machines
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("commission.default_fixed_cents", "COMMISSION_DEFAULT_FIXED_CENTS")
	viper.BindEnv("commission.default_pct", "COMMISSION_DEFAULT_PCT")
	viper.BindEnv("machine_gateway.base_url", "MACHINE_GATEWAY_BASE_URL")
	viper.BindEnv("reconciler.interval", "RECONCILER_INTERVAL")
	viper.BindEnv("device.id", "DEVICE_ID")

	log := logger.NewWithConfig(logger.Config{
		Level:  viper.GetString("LOG_LEVEL"),
		Pretty: viper.GetBool("LOG_PRETTY"),
	})

	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("config file not found, using defaults")
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Kashless API"
	docs.SwaggerInfo.Description = "Prepaid wallet and offline reconciliation backend for unattended machines"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	viper.SetDefault("device.id", "server")

	auditLogger := audit.NewLogger(log)
	hub := stream.NewHub(log)

	ledgerStore := services.NewLedgerStore(db)
	statsService := services.NewStatsService(db, config.LoadCommissionConfig(), log)
	transactionService := services.NewTransactionService(db, statsService, hub, log)
	walletService := services.NewWalletService(ledgerStore, transactionService, hub, auditLogger, log)
	offlineQueue := services.NewOfflineQueue(redisClient, viper.GetString("device.id"), log)
	machineGateway := services.NewMachineGateway(config.LoadGatewayConfig(), log)
	paymentService := services.NewPaymentService(walletService, machineGateway, transactionService, offlineQueue, auditLogger, log)
	businessService := services.NewBusinessService(db, statsService, log)
	authService := services.NewAuthService(db, redisClient, walletService, log)
	qrService := services.NewQRService(db, redisClient, log)
	wsHandler := handlers.NewWSHandler(hub, log)

	reconciler := services.NewReconciler(transactionService, offlineQueue, config.LoadReconcilerConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/machines/qr/resolve", qrService.ProcessQRCode)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/ledger", walletService.GetLedger)
			r.Post("/wallet/topup", walletService.TopUp)

			r.Post("/payments", paymentService.CreatePayment)
			r.Post("/payments/{txId}/refund", paymentService.RefundPayment)

			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/recent", transactionService.GetRecentTransactions)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)

			r.Post("/businesses", businessService.CreateBusiness)
			r.Get("/businesses/{businessId}/stats", businessService.GetStats)
			r.Put("/businesses/{businessId}/commission", businessService.UpdateCommission)
			r.Post("/businesses/{businessId}/machines", businessService.RegisterMachine)

			r.Get("/machines/{machineId}/qr", qrService.GenerateMachineQR)

			// Manual reconciliation trigger, same drain the background
			// loop runs.
			r.Post("/offline/sync", func(w http.ResponseWriter, r *http.Request) {
				committed, err := reconciler.DrainOnce(r.Context())
				pending, lenErr := offlineQueue.Len(r.Context())
				if lenErr != nil {
					log.Warn().Err(lenErr).Msg("queue length read failed")
				}
				w.Header().Set("Content-Type", "application/json")
				if err != nil {
					w.WriteHeader(http.StatusAccepted)
					json.NewEncoder(w).Encode(map[string]any{
						"committed": committed,
						"pending":   pending,
						"error":     err.Error(),
					})
					return
				}
				json.NewEncoder(w).Encode(map[string]any{
					"committed": committed,
					"pending":   pending,
				})
			})

			r.Get("/ws", wsHandler.Subscribe)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Str("port", port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
