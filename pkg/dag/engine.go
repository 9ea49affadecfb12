package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Engine executes workflow runs. Tasks are scheduled through labeled pools
// and rate buckets, retried per their classified errors, and recorded so a
// requeued run replays finished work instead of redoing it.
type Engine struct {
	registry *Registry
	store    RunStore
	pools    *Pools
	buckets  *Buckets
	sink     ProgressSink
	logger   *slog.Logger
}

// NewEngine assembles an engine. A nil sink discards progress.
func NewEngine(registry *Registry, store RunStore, pools *Pools, buckets *Buckets, sink ProgressSink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{
		registry: registry,
		store:    store,
		pools:    pools,
		buckets:  buckets,
		sink:     sink,
		logger:   logger.With("component", "dag-engine"),
	}
}

// ExecuteRun drives a claimed run to a terminal status. The caller cancels
// ctx to honor external cancellation; ExecuteRun maps that to the cancelled
// status rather than an error.
func (e *Engine) ExecuteRun(ctx context.Context, run *Run) error {
	wf, ok := e.registry.Workflow(run.Workflow)
	if !ok {
		msg := fmt.Sprintf("workflow %q is not registered", run.Workflow)
		if err := e.store.SetRunStatus(ctx, run.ID, RunStatusFailed, msg); err != nil {
			return err
		}
		e.sink.RunTransition(ctx, run, RunStatusFailed, msg)
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, run.Workflow)
	}

	e.sink.RunTransition(ctx, run, RunStatusRunning, "")
	e.logger.Info("run started",
		"run_id", run.ID, "workflow", run.Workflow, "transcript_id", run.TranscriptID)

	rc := &RunContext{eng: e, run: run, seen: make(map[string]int)}
	wfErr := wf.Run(ctx, rc, run.Input)

	// Terminal bookkeeping must survive a cancelled run context.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case wfErr == nil:
		if err := e.store.SetRunStatus(finCtx, run.ID, RunStatusCompleted, ""); err != nil {
			return err
		}
		e.sink.RunTransition(finCtx, run, RunStatusCompleted, "")
		e.logger.Info("run completed", "run_id", run.ID)
		return nil
	case Classify(wfErr) == ClassCancelled:
		// A cancelled context means either the user asked to cancel or the
		// worker is shutting down. Only the former is terminal: an
		// interrupted run stays running so the requeue sweep picks it up.
		fresh, err := e.store.GetRun(finCtx, run.ID)
		if err != nil {
			return err
		}
		if !fresh.CancelRequested {
			e.logger.Info("run interrupted, left for requeue", "run_id", run.ID)
			return nil
		}
		if err := e.store.SetRunStatus(finCtx, run.ID, RunStatusCancelled, ""); err != nil {
			return err
		}
		e.sink.RunTransition(finCtx, run, RunStatusCancelled, "")
		e.logger.Info("run cancelled", "run_id", run.ID)
		return nil
	default:
		if err := e.store.SetRunStatus(finCtx, run.ID, RunStatusFailed, wfErr.Error()); err != nil {
			return err
		}
		e.sink.RunTransition(finCtx, run, RunStatusFailed, wfErr.Error())
		e.logger.Error("run failed", "run_id", run.ID, "error", wfErr)
		return wfErr
	}
}

// RunContext is handed to a WorkflowFunc and exposes the task combinators.
// The workflow function drives it from a single goroutine; fan-out branches
// run concurrently inside FanOut but their keys are assigned up front.
type RunContext struct {
	eng  *Engine
	run  *Run
	seen map[string]int
}

// Run returns the run being executed.
func (rc *RunContext) Run() *Run { return rc.run }

// nextKey derives the persistent task key for an execution of name. Keys
// must be stable across replays, so they depend only on execution order.
func (rc *RunContext) nextKey(name string) string {
	n := rc.seen[name]
	rc.seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s#%d", name, n+1)
}

// ExecuteRaw runs a single task with raw JSON input and output.
func (rc *RunContext) ExecuteRaw(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	spec, ok := rc.eng.registry.Task(name)
	if !ok {
		return nil, Fatal(fmt.Errorf("%w: %s", ErrTaskNotFound, name))
	}
	return rc.eng.runTask(ctx, rc.run, spec, rc.nextKey(name), input)
}

// FanOutRaw runs one task per input concurrently and joins the results.
// outputs[i] and errs[i] correspond to inputs[i] regardless of completion
// order. The returned error is non-nil only when a branch failed fatally or
// the run was cancelled; permanent and exhausted-transient branch failures
// land in errs so the workflow can continue with partial results.
func (rc *RunContext) FanOutRaw(ctx context.Context, name string, inputs []json.RawMessage) ([]json.RawMessage, []error, error) {
	spec, ok := rc.eng.registry.Task(name)
	if !ok {
		return nil, nil, Fatal(fmt.Errorf("%w: %s", ErrTaskNotFound, name))
	}

	base := rc.nextKey(name)
	keys := make([]string, len(inputs))
	for i := range inputs {
		keys[i] = fmt.Sprintf("%s[%d]", base, i)
	}

	outputs := make([]json.RawMessage, len(inputs))
	errs := make([]error, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		g.Go(func() error {
			out, err := rc.eng.runTask(gctx, rc.run, spec, keys[i], inputs[i])
			outputs[i] = out
			errs[i] = err
			if err != nil {
				switch Classify(err) {
				case ClassFatal, ClassCancelled:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outputs, errs, err
	}
	return outputs, errs, nil
}

// Execute runs a single task with typed input and output.
func Execute[I, O any](ctx context.Context, rc *RunContext, name string, in I) (O, error) {
	var zero O
	raw, err := json.Marshal(in)
	if err != nil {
		return zero, Fatal(fmt.Errorf("marshal %s input: %w", name, err))
	}
	out, err := rc.ExecuteRaw(ctx, name, raw)
	if err != nil {
		return zero, err
	}
	var typed O
	if err := json.Unmarshal(out, &typed); err != nil {
		return zero, Fatal(fmt.Errorf("unmarshal %s output: %w", name, err))
	}
	return typed, nil
}

// FanOut runs one task per input concurrently with typed inputs and
// outputs. errs[i] reports branch i's failure; outputs[i] is the zero value
// for failed branches.
func FanOut[I, O any](ctx context.Context, rc *RunContext, name string, inputs []I) ([]O, []error, error) {
	raws := make([]json.RawMessage, len(inputs))
	for i, in := range inputs {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, nil, Fatal(fmt.Errorf("marshal %s input %d: %w", name, i, err))
		}
		raws[i] = raw
	}
	rawOuts, errs, err := rc.FanOutRaw(ctx, name, raws)
	if err != nil {
		return nil, errs, err
	}
	outs := make([]O, len(inputs))
	for i, raw := range rawOuts {
		if errs[i] != nil || raw == nil {
			continue
		}
		if uerr := json.Unmarshal(raw, &outs[i]); uerr != nil {
			errs[i] = Fatal(fmt.Errorf("unmarshal %s output %d: %w", name, i, uerr))
		}
	}
	for _, berr := range errs {
		if berr != nil && Classify(berr) == ClassFatal {
			return outs, errs, berr
		}
	}
	return outs, errs, nil
}

// runTask executes one task attempt loop: replay check, rate bucket, pool
// slot, timeout, classified retries, recorded result.
func (e *Engine) runTask(ctx context.Context, run *Run, spec *TaskSpec, key string, input json.RawMessage) (json.RawMessage, error) {
	log := e.logger.With("run_id", run.ID, "task", key)
	step := StepInfo{Name: spec.StepName, Index: spec.StepIndex, TotalSteps: run.TotalSteps}

	// Replay: a requeued run skips tasks that already succeeded.
	if out, ok, err := e.store.TaskOutput(ctx, run.ID, key); err != nil {
		return nil, Transient(err)
	} else if ok {
		log.Info("task replayed from recorded output")
		e.sink.TaskTransition(ctx, run, step, TaskStatusSucceeded, "replayed")
		return out, nil
	}

	e.sink.TaskTransition(ctx, run, step, TaskStatusRunning, "")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= spec.MaxRetries; attempt++ {
		out, err := e.attempt(ctx, spec, run, key, attempt, input)
		if err == nil {
			if serr := e.store.SaveTaskResult(ctx, run.ID, key, spec.Name, TaskStatusSucceeded, attempt, out, ""); serr != nil {
				return nil, Transient(serr)
			}
			e.sink.TaskTransition(ctx, run, step, TaskStatusSucceeded, "")
			return out, nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassCancelled:
			e.record(ctx, run.ID, key, spec.Name, TaskStatusCancelled, attempt, err)
			e.sink.TaskTransition(ctx, run, step, TaskStatusCancelled, "")
			return nil, err
		case ClassPermanent, ClassFatal:
			e.record(ctx, run.ID, key, spec.Name, TaskStatusFailedTerminal, attempt, err)
			e.sink.TaskTransition(ctx, run, step, TaskStatusFailedTerminal, err.Error())
			log.Error("task failed", "class", Classify(err).String(), "attempt", attempt, "error", err)
			return nil, err
		}

		// Transient: retry if budget remains.
		if attempt == spec.MaxRetries {
			break
		}
		delay := bo.NextBackOff()
		if after := retryAfterOf(err); after > 0 {
			delay = after
		}
		e.sink.TaskTransition(ctx, run, step, TaskStatusFailedRetryable, err.Error())
		log.Warn("task attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			e.record(ctx, run.ID, key, spec.Name, TaskStatusCancelled, attempt, ctx.Err())
			return nil, &Error{Class: ClassCancelled, Err: ctx.Err()}
		}
	}

	// Retry budget exhausted: the branch fails terminally.
	exhausted := Permanent(fmt.Errorf("task %s failed after %d attempts: %w", key, spec.MaxRetries, lastErr))
	e.record(ctx, run.ID, key, spec.Name, TaskStatusFailedTerminal, spec.MaxRetries, exhausted)
	e.sink.TaskTransition(ctx, run, step, TaskStatusFailedTerminal, exhausted.Error())
	log.Error("task retry budget exhausted", "attempts", spec.MaxRetries, "error", lastErr)
	return nil, exhausted
}

// attempt runs one handler invocation under bucket, pool, and timeout.
func (e *Engine) attempt(ctx context.Context, spec *TaskSpec, run *Run, key string, attempt int, input json.RawMessage) (json.RawMessage, error) {
	// Bucket wait precedes the pool slot so rate-limited work does not
	// hold a slot while idle.
	if err := e.buckets.Wait(ctx, spec.Bucket); err != nil {
		return nil, &Error{Class: ClassCancelled, Err: err}
	}
	release, err := e.pools.Acquire(ctx, spec.Pool)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Class: ClassCancelled, Err: err}
		}
		return nil, Fatal(err)
	}
	defer release()

	tctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	tc := &TaskContext{
		RunID:        run.ID,
		TranscriptID: run.TranscriptID,
		TaskKey:      key,
		Attempt:      attempt,
	}
	out, err := spec.Handler(tctx, tc, input)
	if err != nil {
		// A deadline on the task context with the parent still live is
		// this task's timeout, not an external cancellation.
		if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, Transient(fmt.Errorf("task %s timed out after %s", key, spec.Timeout))
		}
		if ctx.Err() != nil {
			return nil, &Error{Class: ClassCancelled, Err: ctx.Err()}
		}
		return nil, err
	}
	return out, nil
}

// record persists a terminal task state, logging rather than failing when
// the write itself errors.
func (e *Engine) record(ctx context.Context, runID, key, name string, status TaskStatus, attempt int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.SaveTaskResult(wctx, runID, key, name, status, attempt, nil, msg); err != nil {
		e.logger.Error("failed to record task state",
			"run_id", runID, "task", key, "status", status, "error", err)
	}
}
