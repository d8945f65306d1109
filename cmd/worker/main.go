package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careline_backend/internal/callevents"
	"careline_backend/internal/events"
	"careline_backend/internal/notification"
	"careline_backend/internal/reconcile"
	"careline_backend/internal/storage"
	"careline_backend/platform/config"
	"careline_backend/platform/db"
	"careline_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting reconcile worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)

	alerts := notification.NewAlertService(cfg, log)
	alerts.Subscribe(eventBus)

	var audioStore callevents.AudioStore
	if cfg.IsMinIOEnabled() {
		store, err := storage.NewAudioService(cfg)
		if err != nil {
			log.Error("failed to initialize audio storage", "error", err)
			panic("failed to initialize audio storage: " + err.Error())
		}
		audioStore = store
	}

	// The worker replays deliveries through the same pipeline as the webhook.
	// No scheduler is wired: a delivery that fails again waits for asynq's
	// own task retry instead of fanning out new tasks.
	repo := callevents.NewRepository(pool)
	resolver := callevents.NewResolver(repo, log)
	classifier := callevents.NewClassifier(cfg)
	service := callevents.NewService(repo, resolver, classifier, nil, audioStore, eventBus, log)

	worker, err := reconcile.NewWorker(cfg, service, log)
	if err != nil {
		log.Error("failed to initialize reconcile worker", "error", err)
		panic("failed to initialize reconcile worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
