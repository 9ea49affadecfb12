package services

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/database"
	"github.com/reflector-media/reflector/pkg/events"
	"github.com/reflector-media/reflector/pkg/models"
)

// Integration tests run against a real Postgres when
// REFLECTOR_TEST_DATABASE_URL is set; otherwise they skip.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("REFLECTOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("REFLECTOR_TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(url, logger))

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(),
		`TRUNCATE transcripts, transcript_events, meetings, participant_sessions,
		 recordings, workflow_runs, workflow_tasks CASCADE`)
	require.NoError(t, err)
	return pool
}

func newTestTranscriptService(t *testing.T) (*TranscriptService, *pgxpool.Pool) {
	t.Helper()
	pool := testPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTranscriptService(pool, events.NewPublisher(pool), logger), pool
}

func TestTranscriptCreateAndGet(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	userID := "u-1"
	created, err := svc.Create(ctx, &models.CreateTranscriptRequest{
		UserID:         &userID,
		SourceLanguage: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TranscriptStatusIdle, created.Status)
	assert.Equal(t, "en", created.TargetLanguage, "target defaults to source")

	got, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Empty(t, got.Topics)

	_, err = svc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendEventMaterialisesAndBumpsChangeSeq(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)
	require.Zero(t, tr.ChangeSeq)

	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventFinalTitle,
		models.TitlePayload{Title: "Weekly Sync"})
	require.NoError(t, err)

	after, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, after.Title)
	assert.Equal(t, "Weekly Sync", *after.Title)
	assert.Greater(t, after.ChangeSeq, tr.ChangeSeq)

	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventDuration,
		models.DurationPayload{Duration: 93.5})
	require.NoError(t, err)

	final, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Duration)
	assert.Equal(t, 93.5, *final.Duration)
	assert.Greater(t, final.ChangeSeq, after.ChangeSeq, "change_seq is monotonic per write")
}

func TestAppendEventDeduplicatesOnEventID(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)

	first, err := svc.AppendEvent(ctx, tr.ID, "run-1:finalize:title", models.EventFinalTitle,
		models.TitlePayload{Title: "One"})
	require.NoError(t, err)

	// A replayed task appends the same event id with the same payload.
	second, err := svc.AppendEvent(ctx, tr.ID, "run-1:finalize:title", models.EventFinalTitle,
		models.TitlePayload{Title: "One"})
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq, "duplicate append returns the stored event")

	evts, err := svc.ListEventsSince(ctx, tr.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestAppendEventRejectsLockedTranscript(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)
	require.NoError(t, svc.SetLocked(ctx, tr.ID, true))

	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventFinalTitle,
		models.TitlePayload{Title: "Nope"})
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, svc.SetLocked(ctx, tr.ID, false))
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventFinalTitle,
		models.TitlePayload{Title: "Yes"})
	assert.NoError(t, err)
}

func TestTopicEventsUpsertByID(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventTopic,
		models.Topic{ID: "t1", Title: "Intro", Timestamp: 0})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventTopic,
		models.Topic{ID: "t2", Title: "Planning", Timestamp: 60})
	require.NoError(t, err)
	// Re-emitting t1 (e.g. after translation) replaces it in place.
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventTopic,
		models.Topic{ID: "t1", Title: "Introduction", Timestamp: 0})
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, got.Topics, 2)
	assert.Equal(t, "Introduction", got.Topics[0].Title)
	assert.Equal(t, "Planning", got.Topics[1].Title)
}

func TestListEventsSinceOrdersAndPaginates(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.AppendEvent(ctx, tr.ID, "", models.EventDuration,
			models.DurationPayload{Duration: float64(i)})
		require.NoError(t, err)
	}

	all, err := svc.ListEventsSince(ctx, tr.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
	}

	tail, err := svc.ListEventsSince(ctx, tr.ID, all[2].Seq, 100)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestSearchRanksByRelevance(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, a.ID, "", models.EventFinalTitle,
		models.TitlePayload{Title: "Kubernetes Migration Review"})
	require.NoError(t, err)

	b, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, b.ID, "", models.EventLongSummary,
		models.SummaryPayload{Summary: "Brief mention of kubernetes at the end."})
	require.NoError(t, err)

	results, err := svc.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a.ID, results[0].TranscriptID, "title match ranks above summary match")
}

func TestSetWorkflowRunIDBindsOnce(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)

	bound, err := svc.SetWorkflowRunID(ctx, tr.ID, "run-1")
	require.NoError(t, err)
	assert.True(t, bound)

	bound, err = svc.SetWorkflowRunID(ctx, tr.ID, "run-2")
	require.NoError(t, err)
	assert.False(t, bound, "second bind is a no-op while a run is attached")

	got, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkflowRunID)
	assert.Equal(t, "run-1", *got.WorkflowRunID, "the first binding is permanent")
}

func TestReplaceContentRewritesEventLog(t *testing.T) {
	svc, _ := newTestTranscriptService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, &models.CreateTranscriptRequest{})
	require.NoError(t, err)

	words := []models.Word{
		{Text: "keep", Start: 0, End: 0.5, Speaker: 0},
		{Text: "secret", Start: 0.6, End: 1.0, Speaker: 1},
	}
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventTranscript,
		models.TranscriptPayload{Words: words})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventTopic,
		models.Topic{ID: "t1", Title: "Chat", Words: words})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, tr.ID, "", models.EventWebVTT,
		models.WebVTTPayload{WebVTT: "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nkeep secret\n\n"})
	require.NoError(t, err)

	// Speaker 1 declined consent: their words are gone from the scrubbed
	// content handed to ReplaceContent.
	scrubbed := []models.Topic{{ID: "t1", Title: "Chat", Words: words[:1]}}
	require.NoError(t, svc.ReplaceContent(ctx, tr.ID, scrubbed,
		"WEBVTT\n\n00:00:00.000 --> 00:00:00.500\nkeep\n\n", true))

	got, err := svc.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.AudioDeleted)
	require.Len(t, got.Topics, 1)
	require.Len(t, got.Topics[0].Words, 1)
	assert.Equal(t, "keep", got.Topics[0].Words[0].Text)

	// A reconnecting subscriber replays the log from zero; nothing in it
	// may still carry the declined speaker's words.
	evts, err := svc.ListEventsSince(ctx, tr.ID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	for _, ev := range evts {
		assert.NotContains(t, string(ev.Data), "secret",
			"event %s leaked scrubbed content", ev.EventName)
		assert.NotEqual(t, models.EventTranscript, ev.EventName,
			"raw word stream must not survive the rewrite")
	}

	assert.ErrorIs(t, svc.ReplaceContent(ctx, "missing", nil, "WEBVTT\n\n", false), ErrNotFound)
}
