package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Feed names a pull-fallback resource polled while the push channel is down.
type Feed string

const (
	FeedMessages      Feed = "messages"
	FeedInbox         Feed = "inbox"
	FeedNotifications Feed = "notifications"
	FeedApplications  Feed = "applications"
)

type Config struct {
	Env        string
	ServerAddr string
	Nats       NatsConfig
	Socket     SocketConfig
	DB         DBConfig
	Redis      RedisConfig
	OTel       OTelConfig
	Chat       ChatConfig
	Reconnect  ReconnectConfig
	Polling    PollingConfig
}

type NatsConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// SocketConfig holds the websocket keep-alive timings used by both ends.
type SocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

type DBConfig struct {
	// Empty DSN selects the in-memory store.
	DSN      string
	MaxConns int32
	MinConns int32
}

type RedisConfig struct {
	// Empty URL selects the in-memory presence tracker.
	URL       string
	TypingTTL time.Duration
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type ChatConfig struct {
	// DedupWindow is a heuristic: two messages with the same sender, recipient
	// and text closer than this are treated as one. Clock skew is not handled.
	DedupWindow time.Duration
	MaxTextLen  int
}

// ReconnectConfig bounds push reconnection. After MaxAttempts the channel
// stays in pull-only mode.
type ReconnectConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

type PollingConfig struct {
	Intervals map[Feed]time.Duration
	Fallback  time.Duration
}

// Interval returns the poll period for feed, or Fallback when unset.
func (p PollingConfig) Interval(feed Feed) time.Duration {
	if d, ok := p.Intervals[feed]; ok && d > 0 {
		return d
	}
	if p.Fallback > 0 {
		return p.Fallback
	}
	return 10 * time.Second
}

// DefaultPolling is the polling table used when nothing is overridden.
func DefaultPolling() PollingConfig {
	return PollingConfig{
		Intervals: map[Feed]time.Duration{
			FeedMessages:      3 * time.Second,
			FeedInbox:         5 * time.Second,
			FeedNotifications: 10 * time.Second,
			FeedApplications:  15 * time.Second,
		},
		Fallback: 10 * time.Second,
	}
}

// DefaultSocket mirrors the keep-alive timings the websocket loops expect.
func DefaultSocket() SocketConfig {
	pong := 60 * time.Second
	return SocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       pong,
		PingPeriod:     (pong * 9) / 10,
		MaxMessageSize: 4096,
	}
}

// Load reads configuration from the environment. In development a .env file
// is loaded first when present.
func Load() (Config, error) {
	if getEnv("HIRECHAT_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	polling := DefaultPolling()
	polling.Intervals[FeedMessages] = getEnvDuration("POLL_MESSAGES_INTERVAL", polling.Intervals[FeedMessages])
	polling.Intervals[FeedInbox] = getEnvDuration("POLL_INBOX_INTERVAL", polling.Intervals[FeedInbox])
	polling.Intervals[FeedNotifications] = getEnvDuration("POLL_NOTIFICATIONS_INTERVAL", polling.Intervals[FeedNotifications])
	polling.Intervals[FeedApplications] = getEnvDuration("POLL_APPLICATIONS_INTERVAL", polling.Intervals[FeedApplications])

	socket := DefaultSocket()
	socket.PongWait = getEnvDuration("WS_PONG_WAIT", socket.PongWait)
	socket.PingPeriod = (socket.PongWait * 9) / 10
	socket.WriteWait = getEnvDuration("WS_WRITE_WAIT", socket.WriteWait)
	socket.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(socket.MaxMessageSize)))

	cfg := Config{
		Env:        getEnv("HIRECHAT_ENV", "development"),
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		Nats: NatsConfig{
			URL:           getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			StreamName:    getEnv("NATS_STREAM", "HIRECHAT"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "hirechat.user"),
			MaxAge:        getEnvDuration("NATS_MAX_AGE", 24*time.Hour),
		},
		Socket: socket,
		DB: DBConfig{
			DSN:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			TypingTTL: getEnvDuration("TYPING_TTL", 8*time.Second),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "hirechat"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Chat: ChatConfig{
			DedupWindow: getEnvDuration("CHAT_DEDUP_WINDOW", 5*time.Second),
			MaxTextLen:  getEnvInt("CHAT_MAX_TEXT_LEN", 4000),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			Delay:       getEnvDuration("RECONNECT_DELAY", 2*time.Second),
		},
		Polling: polling,
	}

	if cfg.Chat.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("CHAT_DEDUP_WINDOW must be positive")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
