package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/events"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/internal/publisher"
	"github.com/vidrelay/vidrelay/internal/relay"
	"github.com/vidrelay/vidrelay/internal/storage"
	"github.com/vidrelay/vidrelay/internal/tracing"
)

func main() {
	// .env is optional, real deployments configure through the environment
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if cfg.Tracing.Enabled {
		closer, err := tracing.Init(cfg.Tracing)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
	}

	ctx := context.Background()

	creds, err := credstore.New(ctx, cfg.Mongo)
	if err != nil {
		logger.Fatalf("Failed to connect to credential store: %v", err)
	}
	defer creds.Close(ctx)

	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	stager, err := storage.NewStager(stor, cfg.Uploader.ScratchDir, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize stager: %v", err)
	}

	states, err := auth.NewRedisStateStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer states.Close()

	authSvc := auth.New(cfg.OAuth, creds, states, logger)

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	var emitter *events.Emitter
	if cfg.Events.Enabled {
		emitter, err = events.New(cfg.Events)
		if err != nil {
			logger.Fatalf("Failed to connect to event broker: %v", err)
		}
		defer emitter.Close()
	}

	pub := publisher.New(cfg.Uploader, logger)

	var eventSink relay.EventPublisher
	if emitter != nil {
		eventSink = emitter
	}
	relaySvc := relay.NewService(creds, authSvc, stager, pub, repo, eventSink, logger)

	api := newAPI(cfg, authSvc, relaySvc, pub, creds, repo, db, logger)
	router := api.setupRouter()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
