package dag

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerClaimsAndExecutesQueuedRun(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry()
	done := make(chan struct{})
	reg.RegisterWorkflow(WorkflowSpec{
		Name: "wf",
		Run: func(context.Context, *RunContext, json.RawMessage) error {
			close(done)
			return nil
		},
	})
	eng := newTestEngine(t, reg, store)
	run := queueRun(t, store, "wf", `{}`)

	w := NewWorker(WorkerConfig{
		ID:           "w1",
		PodID:        "pod-1",
		PollInterval: 10 * time.Millisecond,
	}, store, eng, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never executed the queued run")
	}
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerObservesCancelRequestViaHeartbeat(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry()
	started := make(chan struct{})
	reg.RegisterTask(TaskSpec{
		Name:    "wait",
		Timeout: time.Minute,
		Handler: func(ctx context.Context, _ *TaskContext, _ json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	reg.RegisterWorkflow(WorkflowSpec{
		Name: "wf",
		Run: func(ctx context.Context, rc *RunContext, _ json.RawMessage) error {
			_, err := rc.ExecuteRaw(ctx, "wait", nil)
			return err
		},
	})
	eng := newTestEngine(t, reg, store)
	run := queueRun(t, store, "wf", `{}`)

	w := NewWorker(WorkerConfig{
		ID:                "w1",
		PodID:             "pod-1",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, store, eng, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	<-started
	ok, err := store.RequestCancel(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == RunStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerPoolHealthCountsRuns(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry()
	eng := newTestEngine(t, reg, store)
	queueRun(t, store, "a", `{}`)
	r := queueRun(t, store, "b", `{}`)
	r.Status = RunStatusRunning

	p := NewWorkerPool(PoolRunnerConfig{PodID: "pod-1"}, store, eng, testLogger())
	h, err := p.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.Queued)
	assert.Equal(t, 1, h.Running)
}
