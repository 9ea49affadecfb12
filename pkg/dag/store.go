package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunStore persists workflow runs and recorded task results. The engine
// replays completed tasks from recorded outputs after a crash instead of
// re-executing them.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// ClaimNextRun atomically claims the oldest queued run for podID.
	// Returns ErrNoRunsAvailable when the queue is empty.
	ClaimNextRun(ctx context.Context, podID string) (*Run, error)

	// Heartbeat refreshes the claim and reports whether cancellation has
	// been requested for the run.
	Heartbeat(ctx context.Context, runID string) (cancelRequested bool, err error)

	SetRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// RequestCancel flags a queued or running run for cancellation.
	// Returns false when the run is already terminal.
	RequestCancel(ctx context.Context, runID string) (bool, error)

	// RequeueOrphans resets running runs whose heartbeat is older than
	// staleBefore back to queued so another worker resumes them.
	RequeueOrphans(ctx context.Context, staleBefore time.Time) (int, error)

	// RequeuePodRuns requeues running runs owned by podID; called once at
	// startup to recover work lost to an unclean shutdown of this pod.
	RequeuePodRuns(ctx context.Context, podID string) (int, error)

	CountByStatus(ctx context.Context, status RunStatus) (int, error)

	// TaskOutput returns the recorded output of a previously succeeded
	// task, if any.
	TaskOutput(ctx context.Context, runID, taskKey string) (json.RawMessage, bool, error)

	SaveTaskResult(ctx context.Context, runID, taskKey, name string, status TaskStatus, attempt int, output json.RawMessage, errMsg string) error
}

// Store is the Postgres-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, workflow, transcript_id, input, status, pod_id, error, total_steps,
	cancel_requested, created_at, started_at, completed_at, last_heartbeat_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Workflow, &r.TranscriptID, &r.Input, &r.Status, &r.PodID,
		&r.Error, &r.TotalSteps, &r.CancelRequested, &r.CreatedAt, &r.StartedAt,
		&r.CompletedAt, &r.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	return &r, nil
}

// CreateRun inserts a queued run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow, transcript_id, input, status, total_steps, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		run.ID, run.Workflow, run.TranscriptID, run.Input, run.Status, run.TotalSteps)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	return scanRun(row)
}

// ClaimNextRun claims the oldest queued run using FOR UPDATE SKIP LOCKED so
// concurrent workers never double-claim.
func (s *Store) ClaimNextRun(ctx context.Context, podID string) (*Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM workflow_runs
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		RunStatusQueued).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRunsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("query queued run: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE workflow_runs
		 SET status = $2, pod_id = $3, started_at = now(), last_heartbeat_at = now()
		 WHERE id = $1
		 RETURNING `+runColumns,
		id, RunStatusRunning, podID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

// Heartbeat refreshes last_heartbeat_at and reports pending cancellation.
func (s *Store) Heartbeat(ctx context.Context, runID string) (bool, error) {
	var cancelRequested bool
	err := s.pool.QueryRow(ctx,
		`UPDATE workflow_runs SET last_heartbeat_at = now()
		 WHERE id = $1
		 RETURNING cancel_requested`,
		runID).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat run %s: %w", runID, err)
	}
	return cancelRequested, nil
}

// SetRunStatus writes the run status; terminal statuses stamp completed_at.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	var errArg *string
	if errMsg != "" {
		errArg = &errMsg
	}
	var tag string
	if status.Terminal() {
		tag = `UPDATE workflow_runs SET status = $2, error = $3, completed_at = now() WHERE id = $1`
	} else {
		tag = `UPDATE workflow_runs SET status = $2, error = $3 WHERE id = $1`
	}
	ct, err := s.pool.Exec(ctx, tag, runID, status, errArg)
	if err != nil {
		return fmt.Errorf("set run %s status %s: %w", runID, status, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RequestCancel flags a non-terminal run for cancellation. Queued runs are
// cancelled immediately; running runs are cancelled by their worker at the
// next heartbeat.
func (s *Store) RequestCancel(ctx context.Context, runID string) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET cancel_requested = TRUE,
		     status = CASE WHEN status = $2 THEN $3::text ELSE status END
		 WHERE id = $1 AND status IN ($2, $4)`,
		runID, RunStatusQueued, RunStatusCancelled, RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel of run %s: %w", runID, err)
	}
	return ct.RowsAffected() > 0, nil
}

// RequeueOrphans resets stale running runs to queued. Recorded task outputs
// survive, so the next worker replays completed tasks instead of redoing
// them.
func (s *Store) RequeueOrphans(ctx context.Context, staleBefore time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $1, pod_id = NULL, last_heartbeat_at = NULL
		 WHERE status = $2 AND last_heartbeat_at < $3`,
		RunStatusQueued, RunStatusRunning, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue orphan runs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// RequeuePodRuns requeues running runs owned by podID.
func (s *Store) RequeuePodRuns(ctx context.Context, podID string) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $1, pod_id = NULL, last_heartbeat_at = NULL
		 WHERE status = $2 AND pod_id = $3`,
		RunStatusQueued, RunStatusRunning, podID)
	if err != nil {
		return 0, fmt.Errorf("requeue pod runs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// CountByStatus counts runs in the given status.
func (s *Store) CountByStatus(ctx context.Context, status RunStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM workflow_runs WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// TaskOutput returns a previously recorded successful output.
func (s *Store) TaskOutput(ctx context.Context, runID, taskKey string) (json.RawMessage, bool, error) {
	var out json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM workflow_tasks
		 WHERE run_id = $1 AND task_key = $2 AND status = $3`,
		runID, taskKey, TaskStatusSucceeded).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load task output %s/%s: %w", runID, taskKey, err)
	}
	return out, true, nil
}

// SaveTaskResult upserts the task row for (run, key).
func (s *Store) SaveTaskResult(ctx context.Context, runID, taskKey, name string, status TaskStatus, attempt int, output json.RawMessage, errMsg string) error {
	var errArg *string
	if errMsg != "" {
		errArg = &errMsg
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_tasks (run_id, task_key, name, status, attempt, output, error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (run_id, task_key) DO UPDATE
		 SET status = EXCLUDED.status, attempt = EXCLUDED.attempt,
		     output = EXCLUDED.output, error = EXCLUDED.error, updated_at = now()`,
		runID, taskKey, name, status, attempt, output, errArg)
	if err != nil {
		return fmt.Errorf("save task result %s/%s: %w", runID, taskKey, err)
	}
	return nil
}
