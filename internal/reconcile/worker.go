package reconcile

import (
	"context"
	"fmt"

	"careline_backend/platform/config"
	"careline_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Reconciler replays one audited delivery through the resolution pipeline.
// Implemented by the callevents service.
type Reconciler interface {
	Reconcile(ctx context.Context, auditID uuid.UUID) error
}

// Worker consumes reconcile tasks from the queue.
type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	reconciler Reconciler
	log        *logger.Logger
}

// NewWorker creates the reconcile worker.
func NewWorker(cfg config.SchedulerConfig, reconciler Reconciler, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:     server,
		mux:        mux,
		reconciler: reconciler,
		log:        log,
	}

	mux.HandleFunc(TaskCallEventReconcile, w.handleReconcile)

	return w, nil
}

func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCallEventReconcilePayload(task)
	if err != nil {
		return err
	}

	auditID, err := uuid.Parse(payload.AuditID)
	if err != nil {
		return err
	}

	w.log.Info("reconciling audited delivery", "audit_id", auditID)
	return w.reconciler.Reconcile(ctx, auditID)
}

// Run serves the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("reconcile worker stopped", "error", err)
	}
}
