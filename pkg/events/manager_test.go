package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/models"
)

func evt(name string, seq int64) models.TranscriptEvent {
	return models.TranscriptEvent{
		ID:           name + "-" + time.Now().Format("150405"),
		Seq:          seq,
		TranscriptID: "tr-1",
		EventName:    name,
		Data:         json.RawMessage(`{}`),
	}
}

func names(events []models.TranscriptEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventName
	}
	return out
}

func TestFilterReplaySkipsTranscriptAndStatusHistory(t *testing.T) {
	in := []models.TranscriptEvent{
		evt(models.EventStatus, 1),
		evt(models.EventTranscript, 2),
		evt(models.EventTranscript, 3),
		evt(models.EventTopic, 4),
		evt(models.EventStatus, 5),
		evt(models.EventWebVTT, 6),
	}
	got := FilterReplay(in)
	assert.Equal(t, []string{models.EventTopic, models.EventWebVTT}, names(got))
}

func TestFilterReplayKeepsOnlyLastDAGStatus(t *testing.T) {
	in := []models.TranscriptEvent{
		evt(models.EventDAGStatus, 1),
		evt(models.EventTopic, 2),
		evt(models.EventDAGStatus, 3),
		evt(models.EventFinalTitle, 4),
		evt(models.EventDAGStatus, 5),
	}
	got := FilterReplay(in)
	require.Equal(t, []string{models.EventTopic, models.EventFinalTitle, models.EventDAGStatus}, names(got))
	assert.Equal(t, int64(5), got[2].Seq)
}

func TestFilterReplayPreservesOrder(t *testing.T) {
	in := []models.TranscriptEvent{
		evt(models.EventDuration, 1),
		evt(models.EventTopic, 2),
		evt(models.EventTopic, 3),
		evt(models.EventLongSummary, 4),
		evt(models.EventShortSummary, 5),
		evt(models.EventActionItems, 6),
		evt(models.EventWaveform, 7),
	}
	got := FilterReplay(in)
	require.Len(t, got, len(in))
	for i, e := range got {
		assert.Equal(t, in[i].Seq, e.Seq)
	}
}

func TestFilterReplayEmpty(t *testing.T) {
	assert.Empty(t, FilterReplay(nil))
}

func TestUserRoomSubscriptionIsGatedToOwner(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewConnectionManager(nil, time.Second, logger)
	c := &Connection{ID: "c1", UserID: "u-1", subscriptions: make(map[string]bool)}

	assert.True(t, m.allowed(c, UserChannel("u-1")))
	assert.False(t, m.allowed(c, UserChannel("u-2")))
	assert.True(t, m.allowed(c, TranscriptChannel("tr-1")))
}

func TestSubscribeTracksRoomMembership(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewConnectionManager(nil, time.Second, logger)
	c := &Connection{ID: "c1", subscriptions: make(map[string]bool)}
	m.register(c)

	room := TranscriptChannel("tr-1")
	require.NoError(t, m.subscribe(c, room))
	assert.Equal(t, 1, m.subscriberCount(room))

	m.unsubscribe(c, room)
	assert.Equal(t, 0, m.subscriberCount(room))
}

func TestNotifyPayloadTruncatesOversizedEvents(t *testing.T) {
	big := make([]byte, notifyLimit*2)
	for i := range big {
		big[i] = 'a'
	}
	data, err := json.Marshal(map[string]string{"webvtt": string(big)})
	require.NoError(t, err)

	event := &models.TranscriptEvent{
		ID:           "ev-1",
		Seq:          7,
		TranscriptID: "tr-1",
		EventName:    models.EventWebVTT,
		Data:         data,
	}
	payload, err := notifyPayload(event)
	require.NoError(t, err)
	require.LessOrEqual(t, len(payload), notifyLimit)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &envelope))
	assert.Equal(t, true, envelope["truncated"])
	assert.Equal(t, "ev-1", envelope["id"])
	assert.Equal(t, models.EventWebVTT, envelope["event"])
	assert.NotContains(t, envelope, "data")
}

func TestNotifyPayloadSmallEventsPassThrough(t *testing.T) {
	event := &models.TranscriptEvent{
		ID:           "ev-1",
		Seq:          1,
		TranscriptID: "tr-1",
		EventName:    models.EventDuration,
		Data:         json.RawMessage(`{"duration":12.5}`),
	}
	payload, err := notifyPayload(event)
	require.NoError(t, err)

	var got models.TranscriptEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, event.ID, got.ID)
	assert.JSONEq(t, `{"duration":12.5}`, string(got.Data))
}
