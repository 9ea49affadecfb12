package dag

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Worker polls the run queue, claims runs, and executes them while keeping
// the claim alive with heartbeats. Cancellation requested from another pod
// is observed at the next heartbeat and cancels the run context.
type Worker struct {
	id                string
	podID             string
	store             RunStore
	engine            *Engine
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// WorkerConfig configures one worker.
type WorkerConfig struct {
	ID                string
	PodID             string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// NewWorker builds a worker.
func NewWorker(cfg WorkerConfig, store RunStore, engine *Engine, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Worker{
		id:                cfg.ID,
		podID:             cfg.PodID,
		store:             store,
		engine:            engine,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            logger.With("component", "dag-worker", "worker_id", cfg.ID),
	}
}

// Run polls until ctx is cancelled. Each idle poll sleeps the poll interval
// plus jitter so workers on the same schedule spread their queries.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		run, err := w.store.ClaimNextRun(ctx, w.podID)
		switch {
		case errors.Is(err, ErrNoRunsAvailable):
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
		default:
			w.execute(ctx, run)
			continue
		}

		jitter := time.Duration(rand.Int63n(int64(w.pollInterval) / 2))
		select {
		case <-time.After(w.pollInterval + jitter):
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one claimed run under a cancellable context fed by the
// heartbeat loop.
func (w *Worker) execute(ctx context.Context, run *Run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, run.ID, cancel)
	}()

	if err := w.engine.ExecuteRun(runCtx, run); err != nil {
		w.logger.Error("run execution failed", "run_id", run.ID, "error", err)
	}
	cancel()
	<-hbDone
}

// heartbeat refreshes the claim until the run context ends and cancels the
// run when another pod requested cancellation.
func (w *Worker) heartbeat(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cancelRequested, err := w.store.Heartbeat(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("heartbeat failed", "run_id", runID, "error", err)
			continue
		}
		if cancelRequested {
			w.logger.Info("cancellation requested, stopping run", "run_id", runID)
			cancel()
			return
		}
	}
}
