package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"huddle/internal/app/messaging"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string

	MessagingMode messaging.Mode
	MongoURI      string
	MongoDB       string

	S3Endpoint       string
	S3PublicEndpoint string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3UseSSL         bool

	KafkaBrokers       []string
	KafkaTopicPrefix   string
	OutboxPollInterval time.Duration
	RetryBackoff       []time.Duration

	TypingTTL              time.Duration
	ConnectionPollInterval time.Duration
	SessionTTL             time.Duration
	SendRateLimit          float64
	SendRateBurst          int
	MaxAttachmentBytes     int64
	CORSOrigins            []string
}

// Load preloads .env when present and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return Parse(os.LookupEnv)
}

// Parse reads every key through lookup; tests pass a map-backed lookup.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Env:      e.str("APP_ENV", "dev"),
		LogLevel: e.str("LOG_LEVEL", "info"),
		HTTPAddr: e.str("HTTP_ADDR", ":8080"),

		MongoURI: e.str("MONGO_URI", ""),
		MongoDB:  e.str("MONGO_DB", "huddle"),

		S3Endpoint:       e.str("S3_ENDPOINT", ""),
		S3PublicEndpoint: e.str("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:      e.str("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      e.str("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         e.str("S3_BUCKET", "huddle-attachments"),
		S3UseSSL:         e.boolean("S3_USE_SSL", false),

		KafkaBrokers:       e.list("KAFKA_BROKERS"),
		KafkaTopicPrefix:   e.str("KAFKA_TOPIC_PREFIX", ""),
		OutboxPollInterval: e.duration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		RetryBackoff:       e.durations("RETRY_BACKOFF", "1s,5s,30s"),

		TypingTTL:              e.duration("TYPING_TTL", messaging.DefaultTypingTTL),
		ConnectionPollInterval: e.duration("CONNECTION_POLL_INTERVAL", 5*time.Second),
		SessionTTL:             e.duration("SESSION_TTL", 168*time.Hour),
		SendRateLimit:          e.float("SEND_RATE_LIMIT", 5),
		SendRateBurst:          e.integer("SEND_RATE_BURST", 10),
		MaxAttachmentBytes:     e.bytes("MAX_ATTACHMENT_BYTES", messaging.DefaultMaxAttachment),
		CORSOrigins:            e.list("CORS_ORIGINS"),
	}

	defaultMode := messaging.ModeMock
	if cfg.MongoURI != "" {
		defaultMode = messaging.ModeStore
	}
	if raw := e.str("MESSAGING_MODE", ""); raw == "" {
		cfg.MessagingMode = defaultMode
	} else if mode, err := messaging.ParseMode(raw); err != nil {
		e.fail(fmt.Errorf("invalid MESSAGING_MODE: %w", err))
	} else {
		cfg.MessagingMode = mode
	}
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}

	if e.err != nil {
		return Config{}, e.err
	}
	if cfg.MessagingMode == messaging.ModeStore && cfg.MongoURI == "" {
		return Config{}, errors.New("MONGO_URI is required when MESSAGING_MODE=store")
	}
	if cfg.SendRateLimit <= 0 || cfg.SendRateBurst <= 0 {
		return Config{}, errors.New("SEND_RATE_LIMIT and SEND_RATE_BURST must be positive")
	}
	return cfg, nil
}

// UseMemoryStores reports whether the process runs on in-memory twins.
func (c Config) UseMemoryStores() bool { return c.MongoURI == "" }

// env collects the first parse failure so Parse reads like a key table.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *env) raw(key string) string {
	v, _ := e.lookup(key)
	return strings.TrimSpace(v)
}

func (e *env) str(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.raw(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.raw(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		e.fail(fmt.Errorf("invalid %s duration: %q", key, raw))
		return def
	}
	return d
}

func (e *env) durations(key, def string) []time.Duration {
	raw := e.str(key, def)
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(fmt.Errorf("invalid %s component %q: %w", key, part, err))
			return nil
		}
		out = append(out, d)
	}
	return out
}

func (e *env) boolean(key string, def bool) bool {
	raw := e.raw(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "t", "true", "yes", "y", "on":
		return true
	case "0", "f", "false", "no", "n", "off":
		return false
	default:
		e.fail(fmt.Errorf("invalid %s boolean: %q", key, raw))
		return def
	}
}

func (e *env) integer(key string, def int) int {
	raw := e.raw(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s integer: %q", key, raw))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	raw := e.raw(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s number: %q", key, raw))
		return def
	}
	return f
}

// bytes accepts plain byte counts and humanized sizes such as "10MiB" or "5 MB".
func (e *env) bytes(key string, def int64) int64 {
	raw := e.raw(key)
	if raw == "" {
		return def
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 {
		e.fail(fmt.Errorf("invalid %s size: %q", key, raw))
		return def
	}
	return int64(n)
}
