// Package pipeline composes the transcription workflow: recording lookup,
// track padding, mixdown, waveform, per-track transcription, merge, topic
// detection, title/summary generation, translation, finalisation, and
// notifications. Steps are tasks on the workflow engine; all transcript
// output flows through the event log.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/reflector-media/reflector/pkg/audio"
	"github.com/reflector-media/reflector/pkg/blob"
	"github.com/reflector-media/reflector/pkg/clients"
	"github.com/reflector-media/reflector/pkg/coord"
	"github.com/reflector-media/reflector/pkg/dag"
	"github.com/reflector-media/reflector/pkg/models"
	"github.com/reflector-media/reflector/pkg/notify"
	"github.com/reflector-media/reflector/pkg/services"
)

// WorkflowDiarization is the registered workflow name.
const WorkflowDiarization = "diarization_pipeline"

// TotalSteps is the progress denominator. The title/summary pair shares
// one step index.
const TotalSteps = 13

// Pool labels and bucket names.
const (
	PoolLLM      = "llm-io"
	PoolCPUHeavy = "cpu-heavy"
	BucketLLM    = "llm"
	BucketASR    = "asr"
)

// PoolConfigs sizes the worker pools: LLM calls overlap, audio assembly
// serialises.
func PoolConfigs() []dag.PoolConfig {
	return []dag.PoolConfig{
		{Label: PoolLLM, Slots: 8},
		{Label: PoolCPUHeavy, Slots: 1},
	}
}

// BucketConfigs declares the shared rate buckets.
func BucketConfigs() []dag.BucketConfig {
	return []dag.BucketConfig{
		{Name: BucketLLM, PerSec: rate.Limit(2), Burst: 2},
		{Name: BucketASR, PerSec: rate.Limit(4), Burst: 4},
	}
}

// TranscriptStore is the slice of the transcript service the pipeline uses.
// Satisfied by *services.TranscriptService.
type TranscriptStore interface {
	GetByID(ctx context.Context, id string) (*models.Transcript, error)
	AppendEvent(ctx context.Context, transcriptID, eventID, eventName string, payload any) (*models.TranscriptEvent, error)
	SetWorkflowRunID(ctx context.Context, transcriptID, runID string) (bool, error)
}

// RecordingStore is the slice of the recording service the pipeline uses.
type RecordingStore interface {
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	SetStatus(ctx context.Context, recordingID string, status models.RecordingStatus) error
	SetDuration(ctx context.Context, recordingID string, seconds float64) error
}

// MeetingStore is the slice of the meeting service the pipeline uses.
type MeetingStore interface {
	Participants(ctx context.Context, meetingID string) ([]*models.Participant, error)
}

// Deps is everything the pipeline steps reach for.
type Deps struct {
	Transcripts TranscriptStore
	Recordings  RecordingStore
	Meetings    MeetingStore
	Blobs       blob.Store
	Codec       audio.Codec
	Transcriber clients.Transcriber
	Diarizer    clients.Diarizer // optional; used for single-track recordings
	Translator  clients.Translator
	Generator   clients.Generator
	Notifier    *notify.Service
	Coord       *coord.Coordinator
	Runs        dag.RunStore
	Logger      *slog.Logger
}

// Pipeline binds the dependencies to the step handlers.
type Pipeline struct {
	Deps
	logger *slog.Logger
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{Deps: deps, logger: deps.Logger.With("component", "pipeline")}
}

// runInput is the workflow run input.
type runInput struct {
	TranscriptID string `json:"transcript_id"`
	RecordingID  string `json:"recording_id"`
}

// Register installs the tasks and the workflow into a registry.
func (p *Pipeline) Register(reg *dag.Registry) {
	type t = dag.TaskSpec
	for _, spec := range []t{
		{Name: "get_recording", StepIndex: 0, Timeout: 60 * time.Second, Handler: p.getRecording},
		{Name: "get_participants", StepIndex: 1, Timeout: 60 * time.Second, Handler: p.getParticipants},
		{Name: "pad_track", StepIndex: 2, Pool: PoolCPUHeavy, Timeout: 600 * time.Second, Handler: p.padTrack},
		{Name: "mixdown", StepIndex: 3, Pool: PoolCPUHeavy, Timeout: 600 * time.Second, Handler: p.mixdown},
		{Name: "waveform", StepIndex: 4, Pool: PoolCPUHeavy, Timeout: 300 * time.Second, Handler: p.waveform},
		{Name: "transcribe_track", StepIndex: 5, Bucket: BucketASR, Timeout: 300 * time.Second, Handler: p.transcribeTrack},
		{Name: "merge", StepIndex: 6, Timeout: 120 * time.Second, Handler: p.merge},
		{Name: "detect_topics", StepIndex: 7, Pool: PoolLLM, Bucket: BucketLLM, Timeout: 180 * time.Second, Handler: p.detectTopics},
		{Name: "generate_title", StepIndex: 8, Pool: PoolLLM, Bucket: BucketLLM, Timeout: 120 * time.Second, Handler: p.generateTitle},
		{Name: "generate_summary", StepIndex: 8, Pool: PoolLLM, Bucket: BucketLLM, Timeout: 180 * time.Second, Handler: p.generateSummary},
		{Name: "translate", StepIndex: 9, Pool: PoolLLM, Timeout: 300 * time.Second, Handler: p.translate},
		{Name: "finalize", StepIndex: 10, Timeout: 120 * time.Second, Handler: p.finalize},
		{Name: "post_zulip", StepIndex: 11, Timeout: 60 * time.Second, Handler: p.postZulip},
		{Name: "send_webhook", StepIndex: 12, Timeout: 60 * time.Second, Handler: p.sendWebhook},
	} {
		reg.RegisterTask(spec)
	}

	reg.RegisterWorkflow(dag.WorkflowSpec{
		Name:       WorkflowDiarization,
		TotalSteps: TotalSteps,
		Run:        p.run,
	})
}

// run drives one transcript through the pipeline.
func (p *Pipeline) run(ctx context.Context, rc *dag.RunContext, input json.RawMessage) error {
	var in runInput
	if err := json.Unmarshal(input, &in); err != nil {
		return dag.Fatal(fmt.Errorf("decode run input: %w", err))
	}

	rec, err := dag.Execute[getRecordingIn, getRecordingOut](ctx, rc, "get_recording",
		getRecordingIn{RecordingID: in.RecordingID})
	if err != nil {
		return err
	}
	if len(rec.Tracks) == 0 {
		// Nothing was captured. The transcript still ends cleanly: an
		// empty WebVTT document, null title and summaries, status ended.
		p.logger.Info("recording has no tracks, finalising empty transcript",
			"transcript_id", in.TranscriptID, "recording_id", in.RecordingID)
		return p.finish(ctx, rc, in.TranscriptID, nil)
	}

	parts, err := dag.Execute[getParticipantsIn, getParticipantsOut](ctx, rc, "get_participants",
		getParticipantsIn{MeetingID: rec.MeetingID})
	if err != nil {
		return err
	}
	speakers := speakerNames(parts.Participants)

	// Pad every track onto the common zero timeline. Failed tracks drop
	// out; the meeting is still usable from the remaining ones.
	padIns := make([]padTrackIn, len(rec.Tracks))
	for i, tr := range rec.Tracks {
		padIns[i] = padTrackIn{TranscriptID: in.TranscriptID, Prefix: rec.Prefix, Track: tr}
	}
	padOuts, padErrs, err := dag.FanOut[padTrackIn, padTrackOut](ctx, rc, "pad_track", padIns)
	if err != nil {
		return err
	}
	var padded []padTrackOut
	for i, out := range padOuts {
		if padErrs[i] != nil {
			p.logger.Warn("track dropped from assembly",
				"transcript_id", in.TranscriptID, "track", rec.Tracks[i].Key, "error", padErrs[i])
			continue
		}
		padded = append(padded, out)
	}
	if len(padded) == 0 {
		return dag.Fatal(fmt.Errorf("all %d tracks failed to pad", len(rec.Tracks)))
	}

	paddedKeys := make([]string, len(padded))
	for i, out := range padded {
		paddedKeys[i] = out.PaddedKey
	}
	mix, err := dag.Execute[mixdownIn, mixdownOut](ctx, rc, "mixdown",
		mixdownIn{TranscriptID: in.TranscriptID, RecordingID: in.RecordingID, PaddedKeys: paddedKeys})
	if err != nil {
		return err
	}

	if _, err := dag.Execute[waveformIn, waveformOut](ctx, rc, "waveform",
		waveformIn{TranscriptID: in.TranscriptID, AudioKey: mix.AudioKey}); err != nil {
		return err
	}

	t, err := p.Transcripts.GetByID(ctx, in.TranscriptID)
	if err != nil {
		return dag.Fatal(fmt.Errorf("load transcript: %w", err))
	}

	trIns := make([]transcribeIn, len(padded))
	for i, out := range padded {
		trIns[i] = transcribeIn{
			PaddedKey: out.PaddedKey,
			Speaker:   out.Index,
			Language:  t.SourceLanguage,
			// A single-track recording carries every voice; diarize the
			// mix to recover speaker turns.
			Diarize: len(padded) == 1,
		}
	}
	trOuts, trErrs, err := dag.FanOut[transcribeIn, transcribeOut](ctx, rc, "transcribe_track", trIns)
	if err != nil {
		return err
	}
	tracks := make([][]models.Word, 0, len(trOuts))
	for i, out := range trOuts {
		if trErrs[i] != nil {
			p.logger.Warn("track transcription failed",
				"transcript_id", in.TranscriptID, "track", padded[i].PaddedKey, "error", trErrs[i])
			continue
		}
		tracks = append(tracks, out.Words)
	}
	if len(tracks) == 0 {
		return dag.Fatal(fmt.Errorf("no track produced a transcription"))
	}

	merged, err := dag.Execute[mergeIn, mergeOut](ctx, rc, "merge",
		mergeIn{TranscriptID: in.TranscriptID, Tracks: tracks})
	if err != nil {
		return err
	}

	chunks := chunkWords(merged.Words, topicChunkWords)
	dtIns := make([]detectTopicsIn, len(chunks))
	for i, chunk := range chunks {
		dtIns[i] = detectTopicsIn{TranscriptID: in.TranscriptID, Words: chunk, Speakers: speakers}
	}
	dtOuts, dtErrs, err := dag.FanOut[detectTopicsIn, detectTopicsOut](ctx, rc, "detect_topics", dtIns)
	if err != nil {
		return err
	}
	var topics []models.Topic
	for i, out := range dtOuts {
		if dtErrs[i] != nil {
			p.logger.Warn("topic chunk failed",
				"transcript_id", in.TranscriptID, "chunk", i, "error", dtErrs[i])
			continue
		}
		topics = append(topics, out.Topics...)
	}

	// Title and summary run as a parallel pair on one progress step.
	titleCh := make(chan error, 1)
	go func() {
		_, terr := dag.Execute[titleIn, titleOut](ctx, rc, "generate_title",
			titleIn{TranscriptID: in.TranscriptID, Topics: topics})
		titleCh <- terr
	}()
	_, sumErr := dag.Execute[summaryIn, summaryOut](ctx, rc, "generate_summary",
		summaryIn{TranscriptID: in.TranscriptID, Topics: topics, Speakers: speakers})
	titleErr := <-titleCh
	if sumErr != nil {
		return sumErr
	}
	if titleErr != nil {
		return titleErr
	}

	if _, err := dag.Execute[translateIn, translateOut](ctx, rc, "translate",
		translateIn{
			TranscriptID: in.TranscriptID,
			Topics:       topics,
			Source:       t.SourceLanguage,
			Target:       t.TargetLanguage,
		}); err != nil {
		return err
	}

	return p.finish(ctx, rc, in.TranscriptID, merged.Words)
}

// finish runs the closing steps: finalise the transcript, then fire the
// notifiers. Also the whole pipeline for a trackless recording.
func (p *Pipeline) finish(ctx context.Context, rc *dag.RunContext, transcriptID string, words []models.Word) error {
	if _, err := dag.Execute[finalizeIn, finalizeOut](ctx, rc, "finalize",
		finalizeIn{TranscriptID: transcriptID, Words: words}); err != nil {
		return err
	}

	// Notifications are fail-open inside their handlers.
	if _, err := dag.Execute[notifyIn, notifyOut](ctx, rc, "post_zulip",
		notifyIn{TranscriptID: transcriptID}); err != nil {
		return err
	}
	_, err := dag.Execute[notifyIn, notifyOut](ctx, rc, "send_webhook",
		notifyIn{TranscriptID: transcriptID})
	return err
}

// topicChunkWords is the fan-out granularity for topic detection.
const topicChunkWords = 400

func chunkWords(words []models.Word, size int) [][]models.Word {
	if len(words) == 0 {
		return nil
	}
	var out [][]models.Word
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		out = append(out, words[start:end])
	}
	return out
}

// speakerNames maps track indices to display names.
func speakerNames(participants []models.Participant) map[int]string {
	out := make(map[int]string, len(participants))
	for _, p := range participants {
		if p.TrackIndex != nil && p.DisplayName != "" {
			out[*p.TrackIndex] = p.DisplayName
		}
	}
	return out
}

// Start queues the pipeline for a transcript, serialised per room so
// concurrent triggers cannot double-start. Returns the run id; when a run
// is already attached to the transcript the existing id is returned and
// nothing is queued.
func (p *Pipeline) Start(ctx context.Context, transcriptID, recordingID, roomID string) (string, error) {
	var runID string
	start := func(ctx context.Context) error {
		t, err := p.Transcripts.GetByID(ctx, transcriptID)
		if err != nil {
			return err
		}
		if t.Locked {
			return services.ErrLocked
		}
		if t.WorkflowRunID != nil {
			runID = *t.WorkflowRunID
			return nil
		}

		runID = uuid.NewString()
		input, err := json.Marshal(runInput{TranscriptID: transcriptID, RecordingID: recordingID})
		if err != nil {
			return fmt.Errorf("encode run input: %w", err)
		}
		if err := p.Runs.CreateRun(ctx, &dag.Run{
			ID:           runID,
			Workflow:     WorkflowDiarization,
			TranscriptID: transcriptID,
			Input:        input,
			TotalSteps:   TotalSteps,
		}); err != nil {
			return err
		}
		if _, err := p.Transcripts.SetWorkflowRunID(ctx, transcriptID, runID); err != nil {
			return err
		}
		p.logger.Info("Pipeline queued",
			"transcript_id", transcriptID, "recording_id", recordingID, "run_id", runID)
		return nil
	}

	var err error
	if p.Coord != nil && roomID != "" {
		err = p.Coord.WithLock(ctx, coord.RoomLockKey(roomID), coord.DefaultLockTTL, start)
	} else {
		err = start(ctx)
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

// Cancel requests cancellation of the transcript's attached run. The run id
// stays on the transcript: the binding is permanent so the run's history
// remains addressable after cancellation.
func (p *Pipeline) Cancel(ctx context.Context, transcriptID string) error {
	t, err := p.Transcripts.GetByID(ctx, transcriptID)
	if err != nil {
		return err
	}
	if t.WorkflowRunID == nil {
		return nil
	}
	_, err = p.Runs.RequestCancel(ctx, *t.WorkflowRunID)
	return err
}
