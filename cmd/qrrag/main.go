package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/admin"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/auth"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/logger"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/scheduler"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/server"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/whisk"
)

func main() {
	// A missing .env is fine; environment variables may come from anywhere.
	_ = godotenv.Load()

	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	cacheSvc, err := cache.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing cache database", "error", err)
		os.Exit(1)
	}
	log.Info("Cache database initialized", "type", cfg.Database.Type)

	tokenStore, err := store.New(cfg.Storage.TokensFile, log)
	if err != nil {
		log.Error("Error loading token store", "error", err)
		os.Exit(1)
	}
	log.Info("Token store loaded", "tokens", tokenStore.Len(), "file", cfg.Storage.TokensFile)

	engine := auth.NewEngine(tokenStore, log)

	ctx := context.Background()
	whiskClient, err := whisk.NewClient(ctx, cfg, cacheSvc, log)
	if err != nil {
		log.Error("Error creating generation client", "error", err)
		os.Exit(1)
	}

	sweep := scheduler.New(cacheSvc, cfg, log)
	if err := sweep.Start(); err != nil {
		log.Error("Error starting scheduler", "error", err)
		os.Exit(1)
	}
	log.Info("Scheduler started")

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(server.Recovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	api := server.New(engine, whiskClient, cfg, log)
	api.Register(router)
	admin.SetupRoutes(router, tokenStore, cacheSvc, cfg, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sweep.Stop()
	if err := whiskClient.Close(); err != nil {
		log.Warn("Error closing generation client", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exiting")
}
