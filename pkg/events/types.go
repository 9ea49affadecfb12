// Package events delivers transcript events to WebSocket subscribers.
// Events persist in the transcript event log and fan out across pods via
// PostgreSQL NOTIFY/LISTEN, so a subscriber on any pod sees events no
// matter which worker produced them.
//
// Wire format: every broadcast frame is a marshalled
// models.TranscriptEvent. When the frame would exceed the NOTIFY payload
// limit it is replaced with a routing envelope ("truncated": true) and the
// client fetches the full event through catchup.
package events

// TranscriptChannel returns the NOTIFY channel and room name for one
// transcript's events. Format: "ts:{transcript_id}".
func TranscriptChannel(transcriptID string) string {
	return "ts:" + transcriptID
}

// UserChannel returns the per-user room that receives a subset of events
// (STATUS, FINAL_TITLE, DURATION) for every transcript the user owns.
// Format: "user:{user_id}".
func UserChannel(userID string) string {
	return "user:" + userID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "catchup", "ping"
	Channel string `json:"channel,omitempty"` // room name, e.g. "ts:abc-123"
	// LastSeq resumes catchup after the given event log sequence.
	LastSeq *int64 `json:"last_seq,omitempty"`
}
