package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sync-service/internal/conflict"
)

type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     []byte
	AllowedOrigin string
	CORSOrigin    string
	DeviceID      string
	LogLevel      string

	ConflictPolicy conflict.Policy
	PresenceTTL    time.Duration
	SweepInterval  time.Duration
	LockTTL        time.Duration
	InviteTTL      time.Duration
	ActivityCap    int

	SyncDelays      []time.Duration
	SyncBatchSize   int
	SyncParallelism int
	SyncInterval    time.Duration
	CallTimeout     time.Duration

	RateLimitRPS int
	MaxBodyBytes int64
}

// Load reads the configuration from the environment. Without DATABASE_URL
// the service runs on in-memory stores; without REDIS_URL locks stay
// in-process and presence is not relayed between instances.
func Load() (Config, error) {
	host, _ := os.Hostname()
	cfg := Config{
		Port:          getenv("PORT", "8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		JWTSecret:     []byte(getenv("JWT_SECRET", "")),
		AllowedOrigin: getenv("WS_ALLOWED_ORIGIN", ""),
		CORSOrigin:    getenv("CORS_ALLOWED_ORIGIN", "*"),
		DeviceID:      getenv("DEVICE_ID", host),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		PresenceTTL:   getenvDuration("PRESENCE_TTL", 60*time.Second),
		SweepInterval: getenvDuration("PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		LockTTL:       getenvDuration("LOCK_TTL", 5*time.Minute),
		InviteTTL:     getenvDuration("INVITE_TTL", 7*24*time.Hour),
		ActivityCap:   getenvInt("ACTIVITY_CAP", 500),

		SyncBatchSize:   getenvInt("SYNC_BATCH_SIZE", 50),
		SyncParallelism: getenvInt("SYNC_PARALLELISM", 4),
		SyncInterval:    getenvDuration("SYNC_INTERVAL", 5*time.Second),
		CallTimeout:     getenvDuration("REMOTE_CALL_TIMEOUT", 10*time.Second),

		RateLimitRPS: getenvInt("RATE_LIMIT_RPS", 20),
		MaxBodyBytes: int64(getenvInt("MAX_BODY_BYTES", 1<<20)),
	}

	if len(cfg.JWTSecret) == 0 {
		return Config{}, errors.New("config: JWT_SECRET is empty, cannot start without JWT validation")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "sync-service"
	}

	policy, err := conflict.ParsePolicy(getenv("CONFLICT_POLICY", string(conflict.PolicyManual)))
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.ConflictPolicy = policy

	delays, err := getenvDurations("SYNC_RETRY_DELAYS", []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second})
	if err != nil {
		return Config{}, fmt.Errorf("config: SYNC_RETRY_DELAYS: %w", err)
	}
	cfg.SyncDelays = delays

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// getenvDurations parses a comma separated list such as "2s,5s,10s".
func getenvDurations(key string, def []time.Duration) ([]time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return def, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("delay %s must be positive", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("no delays")
	}
	return out, nil
}
