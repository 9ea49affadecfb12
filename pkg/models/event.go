package models

import (
	"encoding/json"
	"time"
)

// Transcript event names. The set is closed at a given version and only
// grows by addition.
const (
	EventTranscript       = "TRANSCRIPT"
	EventStatus           = "STATUS"
	EventDuration         = "DURATION"
	EventTopic            = "TOPIC"
	EventFinalTitle       = "FINAL_TITLE"
	EventLongSummary      = "LONG_SUMMARY"
	EventShortSummary     = "SHORT_SUMMARY"
	EventActionItems      = "ACTION_ITEMS"
	EventWebVTT           = "WEBVTT"
	EventWaveform         = "WAVEFORM"
	EventPipelineProgress = "PIPELINE_PROGRESS"
	EventDAGStatus        = "DAG_STATUS"
)

// TranscriptEvent is one entry in a transcript's append-only event log.
// Events are immutable once appended; Seq reflects append order within the
// transcript.
type TranscriptEvent struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	TranscriptID string          `json:"transcript_id"`
	EventName    string          `json:"event"`
	Data         json.RawMessage `json:"data"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// UserRoomEvents lists the event names that are additionally republished on
// the owning user's personal room.
var UserRoomEvents = map[string]bool{
	EventStatus:     true,
	EventFinalTitle: true,
	EventDuration:   true,
}
