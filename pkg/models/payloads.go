package models

// Event payload shapes. Data carried by a TranscriptEvent is one of these,
// keyed by the event name.

// TranscriptPayload carries a batch of live words (TRANSCRIPT).
type TranscriptPayload struct {
	Words []Word `json:"words"`
}

// StatusPayload carries a status transition (STATUS).
type StatusPayload struct {
	Status TranscriptStatus `json:"status"`
}

// DurationPayload carries the recording duration in seconds (DURATION).
type DurationPayload struct {
	Duration float64 `json:"duration"`
}

// TitlePayload carries the final title (FINAL_TITLE).
type TitlePayload struct {
	Title string `json:"title"`
}

// SummaryPayload carries a long or short summary (LONG_SUMMARY,
// SHORT_SUMMARY).
type SummaryPayload struct {
	Summary string `json:"summary"`
}

// WebVTTPayload carries the rendered caption document (WEBVTT).
type WebVTTPayload struct {
	WebVTT string `json:"webvtt"`
}

// WaveformPayload carries the normalised waveform segments (WAVEFORM).
type WaveformPayload struct {
	Waveform []int `json:"waveform"`
}

// PipelineProgressPayload reports a task transition (PIPELINE_PROGRESS).
type PipelineProgressPayload struct {
	Step       string `json:"step"`
	StepIndex  int    `json:"step_index"`
	TotalSteps int    `json:"total_steps"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// DAGStatusPayload reports a workflow run transition (DAG_STATUS).
type DAGStatusPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
