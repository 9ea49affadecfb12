// Package clients holds the HTTP clients for the processing backends:
// speech recognition, diarization, translation, and text generation.
// Clients classify failures for the workflow engine (5xx and network
// errors retry, 429 retries after the server's hint, other 4xx fail the
// branch) and never retry internally.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/reflector-media/reflector/pkg/dag"
)

// Config configures one backend endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type httpClient struct {
	base  string
	token string
	hc    *http.Client
}

func newHTTPClient(cfg Config) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpClient{
		base:  cfg.BaseURL,
		token: cfg.Token,
		hc:    &http.Client{Timeout: timeout},
	}
}

// postJSON posts in as JSON and decodes the response into out.
func (c *httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return dag.Fatal(fmt.Errorf("marshal request for %s: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return dag.Fatal(fmt.Errorf("build request for %s: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return dag.Transient(fmt.Errorf("call %s: %w", path, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dag.Permanent(fmt.Errorf("decode response from %s: %w", path, err))
	}
	return nil
}

// classifyStatus maps an HTTP status to a classified error. The response
// body is drained (bounded) for the error message.
func classifyStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, snippet)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return dag.TransientAfter(err, retryAfter(resp))
	case resp.StatusCode >= 500:
		return dag.Transient(err)
	default:
		return dag.Permanent(err)
	}
}

// retryAfter parses the Retry-After header in seconds; zero means no hint.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
