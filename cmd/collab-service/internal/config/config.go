package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the collab service settings, read from the environment.
type Config struct {
	Port      string
	JWTSecret string

	// RedisAddr enables the cross-instance relay and flood limiter when
	// set; empty runs standalone.
	RedisAddr     string
	RedisPassword string

	// ConflictLogPath persists the conflict log to SQLite when set;
	// empty keeps it in memory.
	ConflictLogPath string

	ConflictWindow    time.Duration
	AnnotationTTL     time.Duration
	PresenceAwayAfter time.Duration
	PresenceSweep     time.Duration

	// DevTokens exposes POST /auth/token for local development.
	DevTokens bool
}

func LoadConfig() *Config {
	cfg := &Config{
		Port:            getEnv("PORT", "8090"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		ConflictLogPath: getEnv("CONFLICT_LOG_PATH", ""),

		ConflictWindow:    getDurationMs("CONFLICT_WINDOW_MS", 250),
		AnnotationTTL:     getDurationS("ANNOTATION_TTL_S", 10),
		PresenceAwayAfter: getDurationS("PRESENCE_AWAY_S", 300),
		PresenceSweep:     getDurationS("PRESENCE_SWEEP_S", 60),

		DevTokens: getEnv("COLLAB_DEV_TOKENS", "") == "true",
	}

	if cfg.JWTSecret == "" {
		log.Println("[Config] WARN: JWT_SECRET not set, using insecure development secret")
		cfg.JWTSecret = "dev-secret"
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDurationMs(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Millisecond
}

func getDurationS(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}
