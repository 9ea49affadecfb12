// Package dag is the workflow engine: it schedules typed tasks on labeled
// worker pools with rate-limit buckets, classified retries, fan-out/join
// combinators, and replay-safe resume from recorded task outputs.
package dag

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no queued workflow runs exist.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrWorkflowNotFound indicates a run references an unregistered workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTaskNotFound indicates an Execute call referenced an unregistered task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRunNotFound indicates the referenced workflow run does not exist.
	ErrRunNotFound = errors.New("run not found")
)

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

// Workflow run statuses.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle status of a single task attempt.
type TaskStatus string

// Task statuses. failed_retryable exists only in progress events; the
// store records terminal states.
const (
	TaskStatusQueued          TaskStatus = "queued"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusSucceeded       TaskStatus = "succeeded"
	TaskStatusFailedRetryable TaskStatus = "failed_retryable"
	TaskStatusFailedTerminal  TaskStatus = "failed_terminal"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// Run is one workflow run row.
type Run struct {
	ID              string
	Workflow        string
	TranscriptID    string
	Input           json.RawMessage
	Status          RunStatus
	PodID           *string
	Error           *string
	TotalSteps      int
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastHeartbeatAt *time.Time
}

// TaskContext carries per-task identity into handlers. EventID derives
// deterministic event ids so transcript writes replay idempotently.
type TaskContext struct {
	RunID        string
	TranscriptID string
	TaskKey      string
	Attempt      int
}

// EventID derives a deterministic event id from the task identity and a
// label. Retries and replays of the same task produce the same ids, so the
// event log deduplicates their appends.
func (tc *TaskContext) EventID(label string) string {
	return tc.RunID + ":" + tc.TaskKey + ":" + label
}

// HandlerFunc is a task body. It must be deterministic with respect to its
// input: replaying with the same input after a successful run must produce
// an equivalent output.
type HandlerFunc func(ctx context.Context, tc *TaskContext, input json.RawMessage) (json.RawMessage, error)

// TaskSpec declares a task type: its pool, rate bucket, timeout, retry
// budget, progress step, and handler. The registry is built once at
// startup; the workflow is data, not code.
type TaskSpec struct {
	Name       string
	Pool       string
	Bucket     string
	Timeout    time.Duration
	MaxRetries int
	StepIndex  int
	StepName   string
	Handler    HandlerFunc
}

// WorkflowFunc drives one workflow run through its DAG using the
// RunContext combinators.
type WorkflowFunc func(ctx context.Context, rc *RunContext, input json.RawMessage) error

// WorkflowSpec names a workflow and fixes its progress step count.
type WorkflowSpec struct {
	Name       string
	TotalSteps int
	Run        WorkflowFunc
}

// StepInfo identifies a progress step. Fan-out siblings share one index.
type StepInfo struct {
	Name       string
	Index      int
	TotalSteps int
}

// ProgressSink receives task and run transitions. Emission is
// fire-and-forget: sink failures never fail the task.
type ProgressSink interface {
	TaskTransition(ctx context.Context, run *Run, step StepInfo, status TaskStatus, detail string)
	RunTransition(ctx context.Context, run *Run, status RunStatus, errMsg string)
}

// NopSink discards all progress.
type NopSink struct{}

func (NopSink) TaskTransition(context.Context, *Run, StepInfo, TaskStatus, string) {}
func (NopSink) RunTransition(context.Context, *Run, RunStatus, string)             {}
