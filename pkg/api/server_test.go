package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/events"
	"github.com/reflector-media/reflector/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emptyEventLog struct{}

func (emptyEventLog) ListEventsSince(context.Context, string, int64, int) ([]models.TranscriptEvent, error) {
	return nil, nil
}

type recordingCleaner struct {
	transcriptID string
	speakers     []int
}

func (r *recordingCleaner) ApplyConsent(_ context.Context, transcriptID string, declined []int) error {
	r.transcriptID = transcriptID
	r.speakers = declined
	return nil
}

func testServer(t *testing.T) (*Server, *httptest.Server, *recordingCleaner) {
	t.Helper()
	cm := events.NewConnectionManager(emptyEventLog{}, 5*time.Second, testLogger())
	cleaner := &recordingCleaner{}
	s := NewServer(nil, nil, cm, cleaner, map[string]string{"tok-a": "alice"}, testLogger())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts, cleaner
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	_, ts, _ := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestWebSocketRejectsUnknownToken(t *testing.T) {
	_, ts, _ := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"bearer.wrong"},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestWebSocketAcceptsValidToken(t *testing.T) {
	_, ts, _ := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"bearer.tok-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bearer.tok-a", resp.Header.Get("Sec-WebSocket-Protocol"))
	conn.Close(websocket.StatusNormalClosure, "done")
}

func TestConsentCleanupEndpoint(t *testing.T) {
	_, ts, cleaner := testServer(t)

	resp, err := http.Post(ts.URL+"/v1/transcripts/tr-9/consent", "application/json",
		strings.NewReader(`{"declined_speakers":[1,2]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "tr-9", cleaner.transcriptID)
	assert.Equal(t, []int{1, 2}, cleaner.speakers)
}

func TestConsentCleanupRejectsBadBody(t *testing.T) {
	_, ts, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/v1/transcripts/tr-9/consent", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerSubprotocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Add("Sec-WebSocket-Protocol", "bearer.abc, chat")
	assert.Equal(t, "abc", bearerSubprotocol(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, bearerSubprotocol(req))
}
