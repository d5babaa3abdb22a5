package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bilancio/internal/allocation"
	"bilancio/internal/amqp"
	"bilancio/internal/config"
	applog "bilancio/internal/log"
	"bilancio/internal/services"
	"bilancio/internal/storage"
	"bilancio/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()

	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(cfg.LogLevel),
		Component: "bilancio-worker",
	})
	applog.SetDefault(logger)

	logger.Info("Starting bilancio-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	defaultTotal, err := decimal.NewFromString(cfg.DefaultTotalBudget)
	if err != nil {
		logger.Error("Invalid default total budget", "value", cfg.DefaultTotalBudget, "error", err)
		os.Exit(1)
	}

	allocator := allocation.New(allocation.DefaultPolicy())
	service := services.NewBudgetService(repo, allocator, amqpClient, defaultTotal)
	regenWorker := worker.NewRegenWorker(service, amqpClient, cfg.RegenInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return regenWorker.Consume(ctx)
	})
	g.Go(func() error {
		return regenWorker.Tick(ctx)
	})

	logger.Info("Worker running", "queue", cfg.AMQPQueue, "interval", cfg.RegenInterval.String())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}
