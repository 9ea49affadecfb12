package dag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool runs a fixed set of workers plus a background sweep that
// requeues runs whose worker stopped heartbeating.
type WorkerPool struct {
	cfg     PoolRunnerConfig
	store   RunStore
	engine  *Engine
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// PoolRunnerConfig configures the worker pool.
type PoolRunnerConfig struct {
	PodID             string
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// OrphanThreshold is how stale a heartbeat must be before the run is
	// requeued. It must comfortably exceed the heartbeat interval.
	OrphanThreshold time.Duration
	SweepInterval   time.Duration
}

// NewWorkerPool builds a pool.
func NewWorkerPool(cfg PoolRunnerConfig, store RunStore, engine *Engine, logger *slog.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &WorkerPool{
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: logger.With("component", "dag-pool", "pod_id", cfg.PodID),
	}
}

// Start requeues this pod's leftover runs from an earlier unclean shutdown,
// then launches the workers and the orphan sweep.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}

	n, err := p.store.RequeuePodRuns(ctx, p.cfg.PodID)
	if err != nil {
		return fmt.Errorf("requeue leftover runs: %w", err)
	}
	if n > 0 {
		p.logger.Info("requeued leftover runs from previous instance", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		w := NewWorker(WorkerConfig{
			ID:                fmt.Sprintf("%s-w%d", p.cfg.PodID, i),
			PodID:             p.cfg.PodID,
			PollInterval:      p.cfg.PollInterval,
			HeartbeatInterval: p.cfg.HeartbeatInterval,
		}, p.store, p.engine, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(runCtx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepOrphans(runCtx)
	}()

	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight runs to wind down or
// ctx to expire, whichever comes first.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown timed out: %w", ctx.Err())
	}
}

// sweepOrphans periodically requeues runs with stale heartbeats.
func (p *WorkerPool) sweepOrphans(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		staleBefore := time.Now().Add(-p.cfg.OrphanThreshold)
		n, err := p.store.RequeueOrphans(ctx, staleBefore)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("orphan sweep failed", "error", err)
			}
			continue
		}
		if n > 0 {
			p.logger.Warn("requeued orphaned runs", "count", n)
		}
	}
}

// Health summarises queue depth for the health endpoint.
type Health struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Health reports the current queue depth.
func (p *WorkerPool) Health(ctx context.Context) (Health, error) {
	var h Health
	var err error
	if h.Queued, err = p.store.CountByStatus(ctx, RunStatusQueued); err != nil {
		return h, err
	}
	if h.Running, err = p.store.CountByStatus(ctx, RunStatusRunning); err != nil {
		return h, err
	}
	return h, nil
}
