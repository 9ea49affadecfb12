// Package notify posts finished-transcript notifications to Zulip and a
// configurable webhook. Notification failures never fail the pipeline: the
// service is nil-safe and fail-open, logging and moving on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reflector-media/reflector/pkg/models"
)

// ZulipConfig configures the Zulip bot.
type ZulipConfig struct {
	BaseURL  string
	BotEmail string
	BotKey   string
	Stream   string
	Topic    string
}

// WebhookConfig configures the outbound webhook.
type WebhookConfig struct {
	URL    string
	Secret string
}

// Service sends notifications. A nil *Service is valid and does nothing,
// so callers never need to branch on whether notifications are configured.
type Service struct {
	zulip   *ZulipConfig
	webhook *WebhookConfig
	hc      *http.Client
	logger  *slog.Logger
}

// NewService builds the service. Either config may be nil to disable that
// destination; when both are nil, NewService returns nil.
func NewService(zulip *ZulipConfig, webhook *WebhookConfig, logger *slog.Logger) *Service {
	if zulip == nil && webhook == nil {
		return nil
	}
	return &Service{
		zulip:   zulip,
		webhook: webhook,
		hc:      &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("component", "notify"),
	}
}

// TranscriptFinished announces a completed transcript to all configured
// destinations. Best-effort: failures are logged, never returned.
func (s *Service) TranscriptFinished(ctx context.Context, t *models.Transcript) {
	if s == nil {
		return
	}
	if err := s.PostZulip(ctx, t); err != nil {
		s.logger.Warn("zulip notification failed", "transcript_id", t.ID, "error", err)
	}
	if err := s.SendWebhook(ctx, t); err != nil {
		s.logger.Warn("webhook notification failed", "transcript_id", t.ID, "error", err)
	}
}

// PostZulip posts the finished-transcript message to the configured Zulip
// stream. No-op when Zulip is not configured.
func (s *Service) PostZulip(ctx context.Context, t *models.Transcript) error {
	if s == nil || s.zulip == nil {
		return nil
	}
	title := "Untitled meeting"
	if t.Title != nil && *t.Title != "" {
		title = *t.Title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** is ready.\n", title)
	if t.Duration != nil {
		fmt.Fprintf(&b, "Duration: %s\n", formatDuration(*t.Duration))
	}
	if t.ShortSummary != nil && *t.ShortSummary != "" {
		fmt.Fprintf(&b, "\n%s\n", *t.ShortSummary)
	}

	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", s.zulip.Stream)
	form.Set("topic", s.zulip.Topic)
	form.Set("content", b.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.zulip.BaseURL+"/api/v1/messages", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.zulip.BotEmail, s.zulip.BotKey)
	return s.do(req)
}

// SendWebhook delivers the finished-transcript payload to the configured
// webhook. No-op when no webhook is configured.
func (s *Service) SendWebhook(ctx context.Context, t *models.Transcript) error {
	if s == nil || s.webhook == nil {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"event":         "transcript.finished",
		"transcript_id": t.ID,
		"title":         t.Title,
		"short_summary": t.ShortSummary,
		"duration":      t.Duration,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.webhook.Secret != "" {
		req.Header.Set("X-Reflector-Secret", s.webhook.Secret)
	}
	return s.do(req)
}

func (s *Service) do(req *http.Request) error {
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, snippet)
	}
	return nil
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm%02ds", m, sec)
}
