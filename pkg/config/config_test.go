package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAPITokens(t *testing.T) {
	tokens, err := ParseAPITokens("alice:tok-a, bob:tok-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok-a": "alice", "tok-b": "bob"}, tokens)
}

func TestParseAPITokensEmpty(t *testing.T) {
	tokens, err := ParseAPITokens("")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestParseAPITokensMalformed(t *testing.T) {
	_, err := ParseAPITokens("no-colon-here")
	require.Error(t, err)

	_, err = ParseAPITokens("alice:")
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REFLECTOR_DATABASE_URL", "postgres://localhost/reflector")
	t.Setenv("REFLECTOR_POD_ID", "pod-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "pod-1", cfg.PodID)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	assert.Nil(t, cfg.Zulip)
	assert.Nil(t, cfg.Webhook)
}

func TestLoadZulipEnabledByURL(t *testing.T) {
	t.Setenv("REFLECTOR_ZULIP_URL", "https://zulip.example.com")
	t.Setenv("REFLECTOR_ZULIP_BOT_EMAIL", "bot@example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Zulip)
	assert.Equal(t, "bot@example.com", cfg.Zulip.BotEmail)
	assert.Equal(t, "meetings", cfg.Zulip.Stream)
}
