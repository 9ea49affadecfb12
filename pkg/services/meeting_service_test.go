package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/models"
)

func TestMeetingLifecycle(t *testing.T) {
	pool := testPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewMeetingService(pool, logger)
	ctx := context.Background()

	m, err := svc.Create(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, m.Active())

	require.NoError(t, svc.End(ctx, m.ID))
	got, err := svc.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	firstEnd := *got.EndedAt

	// Ending again keeps the original timestamp.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.End(ctx, m.ID))
	got, err = svc.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, firstEnd, *got.EndedAt)
}

func TestParticipantLeaveIsImmutable(t *testing.T) {
	pool := testPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewMeetingService(pool, logger)
	ctx := context.Background()

	m, err := svc.Create(ctx, "room-1")
	require.NoError(t, err)

	track := 0
	p, err := svc.Join(ctx, m.ID, "u-1", "Alice", &track)
	require.NoError(t, err)
	assert.False(t, p.Consent)
	assert.Nil(t, p.LeftAt)

	require.NoError(t, svc.SetConsent(ctx, p.ID, true))
	require.NoError(t, svc.Leave(ctx, p.ID))

	list, err := svc.Participants(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LeftAt)
	firstLeave := *list[0].LeftAt
	assert.True(t, list[0].Consent)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Leave(ctx, p.ID))
	list, err = svc.Participants(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, firstLeave, *list[0].LeftAt)
}

func TestRecordingOrphanAdoption(t *testing.T) {
	pool := testPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meetings := NewMeetingService(pool, logger)
	recordings := NewRecordingService(pool, logger)
	ctx := context.Background()

	// No meeting reference: stored as orphan.
	rec, err := recordings.Create(ctx, &models.CreateRecordingRequest{
		Bucket:    "recordings",
		ObjectKey: "rec-1",
		TrackKeys: []string{"rec-1/0", "rec-1/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusOrphan, rec.Status)
	assert.Nil(t, rec.MeetingID)

	m, err := meetings.Create(ctx, "room-1")
	require.NoError(t, err)
	require.NoError(t, recordings.AttachMeeting(ctx, rec.ID, m.ID))

	got, err := recordings.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusPending, got.Status)
	require.NotNil(t, got.MeetingID)
	assert.Equal(t, m.ID, *got.MeetingID)
	assert.Equal(t, []string{"rec-1/0", "rec-1/1"}, got.TrackKeys)
}
