package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNilServiceIsSafe(t *testing.T) {
	var s *Service
	// Must not panic.
	s.TranscriptFinished(context.Background(), &models.Transcript{ID: "tr-1"})

	assert.Nil(t, NewService(nil, nil, testLogger()))
}

func TestZulipMessagePosted(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/messages", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "key", pass)

		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"type":    r.PostForm.Get("type"),
			"to":      r.PostForm.Get("to"),
			"topic":   r.PostForm.Get("topic"),
			"content": r.PostForm.Get("content"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewService(&ZulipConfig{
		BaseURL:  srv.URL,
		BotEmail: "bot@example.com",
		BotKey:   "key",
		Stream:   "meetings",
		Topic:    "transcripts",
	}, nil, testLogger())

	title := "Weekly Sync"
	dur := 125.0
	s.TranscriptFinished(context.Background(), &models.Transcript{
		ID:       "tr-1",
		Title:    &title,
		Duration: &dur,
	})

	require.NotNil(t, gotForm)
	assert.Equal(t, "stream", gotForm["type"])
	assert.Equal(t, "meetings", gotForm["to"])
	assert.Contains(t, gotForm["content"], "Weekly Sync")
	assert.Contains(t, gotForm["content"], "2m05s")
}

func TestWebhookCarriesSecretAndPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Reflector-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewService(nil, &WebhookConfig{URL: srv.URL, Secret: "s3cret"}, testLogger())
	s.TranscriptFinished(context.Background(), &models.Transcript{ID: "tr-1"})

	require.NotNil(t, got)
	assert.Equal(t, "transcript.finished", got["event"])
	assert.Equal(t, "tr-1", got["transcript_id"])
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(nil, &WebhookConfig{URL: srv.URL}, testLogger())
	// Fail-open: no panic, no error surfaced.
	s.TranscriptFinished(context.Background(), &models.Transcript{ID: "tr-1"})
}
