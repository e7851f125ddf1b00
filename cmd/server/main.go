package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/betledger/settlement/internal/config"
	"github.com/betledger/settlement/internal/database"
	"github.com/betledger/settlement/internal/handlers"
	"github.com/betledger/settlement/internal/logger"
	mW "github.com/betledger/settlement/internal/middleware"
	"github.com/betledger/settlement/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.SetConfigType("env")
	viper.AutomaticEnv() // allow environment variables to override .env

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
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")
	viper.BindEnv("server.port", "PORT")
	config.BindEnv()

	configErr := viper.ReadInConfig()

	log := logger.Init()
	if configErr != nil {
		log.WithError(configErr).Info("Config file not found, using defaults and environment")
	}

	viper.SetDefault("server.port", "8080")
	cfg := config.LoadSettlementConfig()

	db, err := database.Open(database.GetConfig())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.WithError(err).Fatal("Failed to migrate database")
	}

	redisClient := database.InitRedis(context.Background())
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	publisher := services.NewEventPublisher(redisClient)
	limits := services.NewLimitEnforcer(db)
	wallets := services.NewWalletStore(db, limits, cfg)
	jackpots := services.NewJackpotEngine(db, redisClient, wallets, cfg, nil)
	engine := services.NewSettlementEngine(db, wallets, limits, jackpots, publisher, cfg)
	gateway := services.NewHTTPPaymentGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayToken)
	withdrawals := services.NewWithdrawalService(db, wallets, gateway, publisher, cfg)

	settlementHandler := handlers.NewSettlementHandler(engine)
	walletHandler := handlers.NewWalletHandler(wallets, withdrawals)
	limitHandler := handlers.NewLimitHandler(limits)
	jackpotHandler := handlers.NewJackpotHandler(jackpots)

	outbox := services.NewOutboxWorker(withdrawals, cfg.OutboxInterval)
	outbox.Start(context.Background())

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/api/v1", handlers.Routes(settlementHandler, walletHandler, limitHandler, jackpotHandler))

	port := viper.GetString("server.port")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // covers one payment rail round trip
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.WithField("port", port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	outbox.Stop()

	log.Info("Server stopped")
}
