// Package models defines the domain types shared across services, the
// pipeline, and the API layer.
package models

import "time"

// TranscriptStatus is the lifecycle status of a transcript.
type TranscriptStatus string

// Transcript lifecycle statuses.
const (
	TranscriptStatusIdle       TranscriptStatus = "idle"
	TranscriptStatusRecording  TranscriptStatus = "recording"
	TranscriptStatusProcessing TranscriptStatus = "processing"
	TranscriptStatusEnded      TranscriptStatus = "ended"
	TranscriptStatusError      TranscriptStatus = "error"
)

// Valid reports whether s is a known transcript status.
func (s TranscriptStatus) Valid() bool {
	switch s {
	case TranscriptStatusIdle, TranscriptStatusRecording, TranscriptStatusProcessing,
		TranscriptStatusEnded, TranscriptStatusError:
		return true
	}
	return false
}

// Word is a single transcribed word with timing and speaker attribution.
// Start and End are seconds relative to the padded (common-zero) timeline.
type Word struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker int     `json:"speaker"`
}

// Topic is a contiguous slice of the word timeline with an LLM-assigned
// title and summary. Timestamp is the start of the first word; Duration is
// last word end minus first word start.
type Topic struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Summary   string  `json:"summary"`
	Timestamp float64 `json:"timestamp"`
	Duration  float64 `json:"duration"`
	Words     []Word  `json:"words"`
}

// ActionItem is a single structured action item extracted from the meeting.
type ActionItem struct {
	Task       string `json:"task"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Deadline   string `json:"deadline,omitempty"`
	Context    string `json:"context,omitempty"`
}

// ActionItems groups action items and decisions for a transcript.
type ActionItems struct {
	Items     []ActionItem `json:"items"`
	Decisions []string     `json:"decisions,omitempty"`
}

// Transcript is the unit of work and the unit of visibility. Content fields
// are materialised from the append-only event log; all mutations funnel
// through the transcript service.
type Transcript struct {
	ID             string           `json:"id"`
	UserID         *string          `json:"user_id,omitempty"`
	RoomID         *string          `json:"room_id,omitempty"`
	Status         TranscriptStatus `json:"status"`
	Title          *string          `json:"title"`
	ShortSummary   *string          `json:"short_summary"`
	LongSummary    *string          `json:"long_summary"`
	Topics         []Topic          `json:"topics"`
	ActionItems    *ActionItems     `json:"action_items,omitempty"`
	WebVTT         *string          `json:"webvtt"`
	Duration       *float64         `json:"duration"`
	SourceLanguage string           `json:"source_language"`
	TargetLanguage string           `json:"target_language"`
	AudioDeleted   bool             `json:"audio_deleted"`
	Locked         bool             `json:"locked"`
	WorkflowRunID  *string          `json:"workflow_run_id,omitempty"`
	ChangeSeq      int64            `json:"change_seq"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// StoragePrefix returns the object-store prefix for this transcript's
// derived artefacts (mixdown, waveform).
func (t *Transcript) StoragePrefix() string {
	return "transcripts/" + t.ID
}

// CreateTranscriptRequest contains fields for creating a new transcript.
type CreateTranscriptRequest struct {
	ID             string  `json:"id,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	RoomID         *string `json:"room_id,omitempty"`
	SourceLanguage string  `json:"source_language,omitempty"`
	TargetLanguage string  `json:"target_language,omitempty"`
}

// TranscriptFilters contains filtering options for listing transcripts.
type TranscriptFilters struct {
	UserID   string           `json:"user_id,omitempty"`
	RoomID   string           `json:"room_id,omitempty"`
	Status   TranscriptStatus `json:"status,omitempty"`
	SinceSeq int64            `json:"since_seq,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Offset   int              `json:"offset,omitempty"`
}

// SearchResult is a single full-text search hit ordered by relevance.
type SearchResult struct {
	TranscriptID string  `json:"transcript_id"`
	Title        *string `json:"title"`
	Rank         float64 `json:"rank"`
}
