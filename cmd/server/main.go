package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"inboxzero/internal/bootstrap"
	"inboxzero/internal/config"
	"inboxzero/internal/handler"
	"inboxzero/internal/httpserver"
	"inboxzero/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting inbox zero server...",
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("scheduler_backend", cfg.Scheduler.Backend),
		zap.Bool("intake_async", cfg.Intake.Async),
	)

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log, true)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}

	handlers := httpserver.Handlers{
		Webhook: handler.NewWebhookHandler(app.Processor, cfg.Google.WebhookToken, log),
		Rules:   handler.NewRuleHandler(app.Rules, app.Runner, app.Providers, log),
		OAuth:   handler.NewOAuthHandler(app.Providers, app.Accounts, cfg.JWT.Secret, cfg.Env != "local", log),
	}
	if app.Verifier != nil {
		handlers.Scheduled = handler.NewScheduledActionHandler(app.Scheduler, app.Verifier, cfg.Server.BaseURL, log)
	} else {
		handlers.Scheduled = handler.NewScheduledActionHandler(app.Scheduler, nil, cfg.Server.BaseURL, log)
	}
	router := httpserver.NewRouter(handlers, app.Accounts, cfg.JWT.Secret, app.DB)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	app.Close()
	log.Info("Server shutdown complete")
}
