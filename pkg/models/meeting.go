package models

import "time"

// Meeting is one scheduled or ad-hoc session in a room. Recordings and
// participant sessions hang off it.
type Meeting struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the meeting has not ended yet.
func (m *Meeting) Active() bool {
	return m.EndedAt == nil
}
