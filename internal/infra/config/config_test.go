package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/messaging"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, messaging.ModeMock, cfg.MessagingMode)
	assert.True(t, cfg.UseMemoryStores())
	assert.Equal(t, "huddle", cfg.MongoDB)
	assert.Equal(t, "huddle-attachments", cfg.S3Bucket)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, 168*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5.0, cfg.SendRateLimit)
	assert.Equal(t, 10, cfg.SendRateBurst)
	assert.Equal(t, int64(10<<20), cfg.MaxAttachmentBytes)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(lookupFrom(map[string]string{
		"MONGO_URI":            "mongodb://localhost:27017",
		"KAFKA_BROKERS":        "k1:9092, k2:9092,",
		"S3_ENDPOINT":          "localhost:9000",
		"S3_USE_SSL":           "yes",
		"RETRY_BACKOFF":        "2s, 10s",
		"MAX_ATTACHMENT_BYTES": "5 MiB",
		"SEND_RATE_LIMIT":      "0.5",
		"CORS_ORIGINS":         "http://localhost:3000",
	}))
	require.NoError(t, err)

	assert.Equal(t, messaging.ModeStore, cfg.MessagingMode, "mongo implies the store mode")
	assert.False(t, cfg.UseMemoryStores())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "localhost:9000", cfg.S3PublicEndpoint)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, int64(5<<20), cfg.MaxAttachmentBytes)
	assert.Equal(t, 0.5, cfg.SendRateLimit)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := map[string]map[string]string{
		"bad duration":      {"TYPING_TTL": "soon"},
		"negative duration": {"SESSION_TTL": "-1h"},
		"bad backoff":       {"RETRY_BACKOFF": "1s,later"},
		"bad bool":          {"S3_USE_SSL": "maybe"},
		"bad mode":          {"MESSAGING_MODE": "firestore"},
		"store sans mongo":  {"MESSAGING_MODE": "store"},
		"bad size":          {"MAX_ATTACHMENT_BYTES": "lots"},
		"bad burst":         {"SEND_RATE_BURST": "ten"},
		"zero rate":         {"SEND_RATE_LIMIT": "0"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(lookupFrom(vars))
			assert.Error(t, err)
		})
	}
}
