package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/dag"
)

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transcribe", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req TranscribeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "en", req.Language)

		_ = json.NewEncoder(w).Encode(TranscribeResponse{})
	}))
	defer srv.Close()

	c := NewTranscriber(Config{BaseURL: srv.URL, Token: "tok"})
	resp, err := c.Transcribe(context.Background(), &TranscribeRequest{
		AudioURL: "https://blob/padded/0.opus",
		Language: "en",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Words)
}

func TestServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewGenerator(Config{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), &GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, dag.ClassTransient, dag.Classify(err))
	assert.Contains(t, err.Error(), "502")
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewTranslator(Config{BaseURL: srv.URL})
	_, err := c.Translate(context.Background(), &TranslateRequest{Texts: []string{"hola"}})
	require.Error(t, err)
	assert.Equal(t, dag.ClassTransient, dag.Classify(err))

	var ce *dag.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 7*time.Second, ce.RetryAfter)
}

func TestClientErrorsArePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported language", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewTranscriber(Config{BaseURL: srv.URL})
	_, err := c.Transcribe(context.Background(), &TranscribeRequest{Language: "xx"})
	require.Error(t, err)
	assert.Equal(t, dag.ClassPermanent, dag.Classify(err))
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	c := NewDiarizer(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.Diarize(context.Background(), &DiarizeRequest{})
	require.Error(t, err)
	assert.Equal(t, dag.ClassTransient, dag.Classify(err))
}

func TestMalformedResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewGenerator(Config{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), &GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, dag.ClassPermanent, dag.Classify(err))
}
