// Package config loads the process configuration from the environment.
// Every subsystem gets a typed struct; defaults keep a local single-pod
// setup working with nothing but REFLECTOR_DATABASE_URL set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reflector-media/reflector/pkg/clients"
	"github.com/reflector-media/reflector/pkg/database"
	"github.com/reflector-media/reflector/pkg/notify"
)

// Config is the assembled process configuration.
type Config struct {
	HTTPPort string
	PodID    string

	Database database.Config
	RedisURL string
	BlobRoot string

	FFmpegBin string

	Transcriber clients.Config
	Diarizer    clients.Config
	Translator  clients.Config
	Generator   clients.Config

	Zulip   *notify.ZulipConfig
	Webhook *notify.WebhookConfig

	Queue QueueConfig

	// APITokens maps bearer tokens to user ids for WebSocket auth.
	APITokens map[string]string
}

// QueueConfig sizes the workflow worker pool.
type QueueConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	OrphanThreshold   time.Duration
	SweepInterval     time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort: getEnv("REFLECTOR_HTTP_PORT", "8080"),
		PodID:    resolvePodID(),

		Database: database.LoadConfigFromEnv(),
		RedisURL: os.Getenv("REFLECTOR_REDIS_URL"),
		BlobRoot: getEnv("REFLECTOR_BLOB_ROOT", "./data/blobs"),

		FFmpegBin: getEnv("REFLECTOR_FFMPEG_BIN", "ffmpeg"),

		Transcriber: backendConfig("TRANSCRIBER"),
		Diarizer:    backendConfig("DIARIZER"),
		Translator:  backendConfig("TRANSLATOR"),
		Generator:   backendConfig("GENERATOR"),

		Queue: QueueConfig{
			Workers:           getEnvInt("REFLECTOR_WORKERS", 4),
			PollInterval:      getEnvDuration("REFLECTOR_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval: getEnvDuration("REFLECTOR_HEARTBEAT_INTERVAL", 5*time.Second),
			OrphanThreshold:   getEnvDuration("REFLECTOR_ORPHAN_THRESHOLD", 60*time.Second),
			SweepInterval:     getEnvDuration("REFLECTOR_SWEEP_INTERVAL", 30*time.Second),
			ShutdownTimeout:   getEnvDuration("REFLECTOR_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
	}

	if url := os.Getenv("REFLECTOR_ZULIP_URL"); url != "" {
		cfg.Zulip = &notify.ZulipConfig{
			BaseURL:  url,
			BotEmail: os.Getenv("REFLECTOR_ZULIP_BOT_EMAIL"),
			BotKey:   os.Getenv("REFLECTOR_ZULIP_BOT_KEY"),
			Stream:   getEnv("REFLECTOR_ZULIP_STREAM", "meetings"),
			Topic:    getEnv("REFLECTOR_ZULIP_TOPIC", "transcripts"),
		}
	}
	if url := os.Getenv("REFLECTOR_WEBHOOK_URL"); url != "" {
		cfg.Webhook = &notify.WebhookConfig{
			URL:    url,
			Secret: os.Getenv("REFLECTOR_WEBHOOK_SECRET"),
		}
	}

	tokens, err := ParseAPITokens(os.Getenv("REFLECTOR_API_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.APITokens = tokens

	return cfg, nil
}

// ParseAPITokens parses "user1:token1,user2:token2" into a token→user map.
func ParseAPITokens(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		user, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" || token == "" {
			return nil, fmt.Errorf("malformed API token entry %q, want user:token", pair)
		}
		out[token] = user
	}
	return out, nil
}

func backendConfig(name string) clients.Config {
	return clients.Config{
		BaseURL: os.Getenv("REFLECTOR_" + name + "_URL"),
		Token:   os.Getenv("REFLECTOR_" + name + "_TOKEN"),
		Timeout: getEnvDuration("REFLECTOR_"+name+"_TIMEOUT", 0),
	}
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: REFLECTOR_POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("REFLECTOR_POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
