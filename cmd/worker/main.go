package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rahulbk/email-delivery-service/internal/config"
	"github.com/rahulbk/email-delivery-service/internal/queue"
	"github.com/rahulbk/email-delivery-service/internal/store"
	"github.com/rahulbk/email-delivery-service/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.SMTPHost == "" {
		logger.Error("SMTP_HOST is required for the worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	q := queue.New(redisStore.Client(), logger)
	sender := worker.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	processor := worker.NewProcessor(pgStore, q, sender, cfg.RetryBaseDelay, cfg.SendTimeout, logger)

	pool := worker.NewPool(cfg.NumWorkers, processor, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(q, pool, cfg.QueueVisibility, logger)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Start(ctx)
		close(dispatcherDone)
	}()

	reconciler := worker.NewReconciler(pgStore, q, cfg.SweepInterval, cfg.SweepGrace, cfg.RetryBaseDelay, logger)
	go reconciler.Start(ctx)

	logger.Info("worker started",
		"num_workers", cfg.NumWorkers,
		"max_attempts", cfg.MaxAttempts,
		"base_delay", cfg.RetryBaseDelay.String(),
	)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	cancel()
	// The dispatcher must drain before the pool stops so no submit is in
	// flight when the workers go away.
	<-dispatcherDone
	pool.Stop()
	logger.Info("worker stopped")
}
