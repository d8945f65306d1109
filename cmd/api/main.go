package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careline_backend/internal/callevents"
	"careline_backend/internal/calls"
	"careline_backend/internal/directory"
	"careline_backend/internal/events"
	apphttp "careline_backend/internal/http"
	"careline_backend/internal/http/router"
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
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, "migrations")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	reconcileClient, closeReconcile := initReconcileClient(cfg, log)
	if closeReconcile != nil {
		defer closeReconcile()
	}

	audioStore := initAudioStore(ctx, cfg, log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	// Ops alerting subscribes to domain events (not HTTP-facing)
	alerts := notification.NewAlertService(cfg, log)
	alerts.Subscribe(eventBus)

	calleventsRepo := callevents.NewRepository(pool)
	resolver := callevents.NewResolver(calleventsRepo, log)
	classifier := callevents.NewClassifier(cfg)
	calleventsService := callevents.NewService(calleventsRepo, resolver, classifier,
		schedulerOrNil(reconcileClient), audioStoreOrNil(audioStore), eventBus, log)
	verifier := callevents.NewSignatureVerifier(cfg)
	calleventsModule := callevents.NewModule(callevents.NewHandler(calleventsService, verifier, log))

	directoryModule := directory.NewModule(directory.NewHandler(
		directory.NewService(directory.NewRepository(pool), log)))

	callsModule := calls.NewModule(calls.NewHandler(
		calls.NewRepository(pool), signerOrNil(audioStore), log))

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			calleventsModule,
			directoryModule,
			callsModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownCtx
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initReconcileClient(cfg config.SchedulerConfig, log *logger.Logger) (*reconcile.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; delayed reconciliation disabled")
		return nil, nil
	}

	client, err := reconcile.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize reconcile client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func initAudioStore(ctx context.Context, cfg config.MinIOConfig, log *logger.Logger) *storage.AudioService {
	if !cfg.IsMinIOEnabled() {
		log.Warn("MinIO not configured; inline call audio will not be stored")
		return nil
	}

	audioStore, err := storage.NewAudioService(cfg)
	if err != nil {
		log.Error("failed to initialize audio storage", "error", err)
		panic("failed to initialize audio storage: " + err.Error())
	}

	if err := withRetry(ctx, log, "ensure call-audio bucket", 5, 2*time.Second, func() error {
		return audioStore.EnsureBucketExists(ctx)
	}); err != nil {
		log.Error("failed to ensure call-audio bucket", "error", err)
		panic("failed to ensure call-audio bucket: " + err.Error())
	}
	log.Info("audio storage initialized", "bucket", cfg.GetMinioBucketCallAudio())
	return audioStore
}

// The typed-nil guards keep the service's nil checks meaningful when the
// optional integrations are disabled.
func schedulerOrNil(client *reconcile.Client) callevents.ReconcileScheduler {
	if client == nil {
		return nil
	}
	return client
}

func audioStoreOrNil(store *storage.AudioService) callevents.AudioStore {
	if store == nil {
		return nil
	}
	return store
}

func signerOrNil(store *storage.AudioService) calls.AudioURLSigner {
	if store == nil {
		return nil
	}
	return store
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
