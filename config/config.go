package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// HTTP listeners
	RelayAddr   string
	MetricsAddr string

	// Upstream feed
	FeedAuthURL  string
	PingInterval time.Duration
	ReadTimeout  time.Duration

	// Reconnect policy
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	BackoffAttempts   int

	// Token refresh (optional; empty URL disables refresh)
	TokenRefreshURL string
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerTOTP      string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RelayAddr:   getEnv("RELAY_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		FeedAuthURL:  getEnv("FEED_AUTH_URL", ""),
		PingInterval: getDuration("FEED_PING_INTERVAL", 10*time.Second),
		ReadTimeout:  getDuration("FEED_READ_TIMEOUT", 30*time.Second),

		BackoffBase:       getDuration("BACKOFF_BASE", 2*time.Second),
		BackoffMultiplier: getFloat("BACKOFF_MULTIPLIER", 2.0),
		BackoffMax:        getDuration("BACKOFF_MAX", 60*time.Second),
		BackoffAttempts:   getInt("BACKOFF_ATTEMPTS", 5),

		TokenRefreshURL: getEnv("TOKEN_REFRESH_URL", ""),
		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerTOTP:      getEnv("BROKER_TOTP_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/relay.db"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
