package pipeline

import (
	"context"
	"log/slog"

	"github.com/reflector-media/reflector/pkg/dag"
	"github.com/reflector-media/reflector/pkg/models"
)

// EventAppender is the slice of the transcript service the sink needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, transcriptID, eventID, eventName string, payload any) (*models.TranscriptEvent, error)
}

// EventSink broadcasts engine progress through the transcript event log so
// connected clients watch the pipeline advance. Emission is fire-and-forget:
// a failed append is logged and the pipeline moves on.
type EventSink struct {
	events EventAppender
	logger *slog.Logger
}

// NewEventSink creates the sink.
func NewEventSink(events EventAppender, logger *slog.Logger) *EventSink {
	return &EventSink{events: events, logger: logger.With("component", "pipeline-sink")}
}

// TaskTransition emits a PIPELINE_PROGRESS event.
func (s *EventSink) TaskTransition(ctx context.Context, run *dag.Run, step dag.StepInfo, status dag.TaskStatus, detail string) {
	_, err := s.events.AppendEvent(ctx, run.TranscriptID, "", models.EventPipelineProgress,
		models.PipelineProgressPayload{
			Step:       step.Name,
			StepIndex:  step.Index,
			TotalSteps: step.TotalSteps,
			Status:     string(status),
			Detail:     detail,
		})
	if err != nil {
		s.logger.Warn("progress event dropped",
			"transcript_id", run.TranscriptID, "step", step.Name, "error", err)
	}
}

// RunTransition emits a DAG_STATUS event and mirrors the run state onto the
// transcript status: a starting run marks it processing, a failed run marks
// it errored. Completion does not touch the status; the finalize step owns
// the ended transition.
func (s *EventSink) RunTransition(ctx context.Context, run *dag.Run, status dag.RunStatus, errMsg string) {
	_, err := s.events.AppendEvent(ctx, run.TranscriptID, "", models.EventDAGStatus,
		models.DAGStatusPayload{RunID: run.ID, Status: string(status), Error: errMsg})
	if err != nil {
		s.logger.Warn("run status event dropped",
			"transcript_id", run.TranscriptID, "run_id", run.ID, "error", err)
	}

	var next models.TranscriptStatus
	switch status {
	case dag.RunStatusRunning:
		next = models.TranscriptStatusProcessing
	case dag.RunStatusFailed:
		next = models.TranscriptStatusError
	default:
		return
	}
	if _, err := s.events.AppendEvent(ctx, run.TranscriptID, "", models.EventStatus,
		models.StatusPayload{Status: next}); err != nil {
		s.logger.Warn("status event dropped",
			"transcript_id", run.TranscriptID, "status", next, "error", err)
	}
}
