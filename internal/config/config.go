package config

import (
    "log/slog"
    "os"
    "strconv"
    "strings"
    "time"
)

// Config carries the environment-driven settings shared by the service
// binaries. Every field has a default; malformed values fall back
// rather than abort.
type Config struct {
    DatabaseURL string
    HTTPAddr    string
    LogLevel    string
    LogFormat   string
    DevSeed     bool

    MaxDeadlockRetries int
    OutboxBatch        int
    OutboxSleep        time.Duration
    OutboxMaxAttempts  int
    IdempotencyTTL     time.Duration
    ReconcileBatch     int

    AMQPURL        string
    OutboxExchange string
}

// Load reads the process environment. An empty DATABASE_URL selects the
// in-memory backend.
func Load() Config {
    return Config{
        DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
        HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
        LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
        LogFormat:   strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))),
        DevSeed:     envBool("DEV_SEED"),

        MaxDeadlockRetries: envInt("MAX_DEADLOCK_RETRIES", 3),
        OutboxBatch:        envInt("OUTBOX_BATCH", 50),
        OutboxSleep:        envDuration("OUTBOX_SLEEP", 5*time.Second),
        OutboxMaxAttempts:  envInt("OUTBOX_MAX_ATTEMPTS", 5),
        IdempotencyTTL:     envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
        ReconcileBatch:     envInt("RECONCILE_BATCH", 500),

        AMQPURL:        strings.TrimSpace(os.Getenv("AMQP_URL")),
        OutboxExchange: envOr("OUTBOX_EXCHANGE", "transfers.events"),
    }
}

// Logger builds the process logger. Level via LOG_LEVEL; format via
// LOG_FORMAT (json|text, default json).
func (c Config) Logger() *slog.Logger {
    level := parseLogLevel(c.LogLevel)
    if c.LogFormat == "text" {
        return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
    }
    return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel maps env values to slog.Leveler
func parseLogLevel(s string) slog.Leveler {
    switch s {
    case "DEBUG", "debug":
        return slog.LevelDebug
    case "WARN", "WARNING", "warn", "warning":
        return slog.LevelWarn
    case "ERROR", "ERR", "error", "err":
        return slog.LevelError
    default:
        return slog.LevelInfo
    }
}

func envOr(key, def string) string {
    if v := strings.TrimSpace(os.Getenv(key)); v != "" {
        return v
    }
    return def
}

func envBool(key string) bool {
    v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
    return v == "1" || v == "true" || v == "yes"
}

func envInt(key string, def int) int {
    v := strings.TrimSpace(os.Getenv(key))
    if v == "" {
        return def
    }
    n, err := strconv.Atoi(v)
    if err != nil || n <= 0 {
        return def
    }
    return n
}

func envDuration(key string, def time.Duration) time.Duration {
    v := strings.TrimSpace(os.Getenv(key))
    if v == "" {
        return def
    }
    d, err := time.ParseDuration(v)
    if err != nil || d <= 0 {
        return def
    }
    return d
}
