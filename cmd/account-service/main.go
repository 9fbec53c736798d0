package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bankstack/backend/internal/config"
	"github.com/bankstack/backend/internal/database"
	"github.com/bankstack/backend/internal/events"
	eventskafka "github.com/bankstack/backend/internal/events/kafka"
	"github.com/bankstack/backend/internal/ledger"
	mW "github.com/bankstack/backend/internal/middleware"
	"github.com/bankstack/backend/internal/services"
	"github.com/bankstack/backend/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	codec, err := token.NewCodec(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		log.Fatalf("Failed to initialize token codec: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBroker != "" {
		kafkaPublisher := eventskafka.NewPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		log.Printf("Publishing transfer events to %s (%s)", cfg.KafkaBroker, cfg.KafkaTopic)
	}

	ledgerStore := ledger.NewPostgresStore(db, cfg.TreasuryAccount)
	accountService := services.NewAccountService(db, ledgerStore, publisher, cfg)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(codec, redisClient))

			r.Get("/me", accountService.Me)
			r.Post("/accounts", accountService.OpenAccount)
			r.Get("/accounts/{accountId}/balance", accountService.Balance)
			r.Get("/accounts/{accountId}/history", accountService.History)
			r.Post("/transfers", accountService.Transfer)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Account service starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Account service shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Account service stopped")
}
