package models

import "time"

// RecordingStatus is the lifecycle status of a recording.
type RecordingStatus string

// Recording statuses. Orphan means the recording arrived without a meeting
// association; the store enforces status='orphan' ⇔ meeting_id IS NULL with
// a check constraint.
const (
	RecordingStatusPending RecordingStatus = "pending"
	RecordingStatusOrphan  RecordingStatus = "orphan"
	RecordingStatusActive  RecordingStatus = "active"
	RecordingStatusFailed  RecordingStatus = "failed"
	RecordingStatusDeleted RecordingStatus = "deleted"
)

// Recording associates a set of per-participant audio tracks with a meeting.
type Recording struct {
	ID         string          `json:"id"`
	MeetingID  *string         `json:"meeting_id,omitempty"`
	Bucket     string          `json:"bucket"`
	ObjectKey  string          `json:"object_key"`
	TrackKeys  []string        `json:"track_keys,omitempty"`
	Status     RecordingStatus `json:"status"`
	Duration   *float64        `json:"duration,omitempty"`
	RecordedAt *time.Time      `json:"recorded_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StoragePrefix returns the object-store prefix holding this recording's
// raw and padded tracks.
func (r *Recording) StoragePrefix() string {
	return r.ObjectKey
}

// CreateRecordingRequest contains fields for registering a recording.
type CreateRecordingRequest struct {
	ID         string     `json:"id,omitempty"`
	MeetingID  *string    `json:"meeting_id,omitempty"`
	Bucket     string     `json:"bucket"`
	ObjectKey  string     `json:"object_key"`
	TrackKeys  []string   `json:"track_keys,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

// Participant is one attendee's session within a meeting. LeftAt is
// immutable once set.
type Participant struct {
	ID          string     `json:"id"`
	MeetingID   string     `json:"meeting_id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	TrackIndex  *int       `json:"track_index,omitempty"`
	Consent     bool       `json:"consent"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}
