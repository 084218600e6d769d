// Package config collects all runtime configuration from environment
// variables, with optional .env file support for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all app configuration.
type Config struct {
	// Stream
	WSEndpoint        string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration

	// Ingestion
	PacingDelay time.Duration

	// Database
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Retention
	HourlyRetention time.Duration
	DailyRetention  time.Duration

	// Trending snapshot
	TrendingInterval   time.Duration
	TrendingItemCount  int
	TrendingHoursShown int

	// Read API
	HTTPAddr string
}

// Load reads configuration from the environment. A missing .env file is not
// an error; explicit environment variables always win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		WSEndpoint:        getEnv("WS_URL", "wss://ws.backpack.tf/events"),
		ReconnectDelay:    getEnvAsMillis("WS_RECONNECT_TIMEOUT_MS", 5000),
		HeartbeatInterval: getEnvAsMillis("WS_HEARTBEAT_INTERVAL_MS", 25000),

		PacingDelay: getEnvAsMillis("TRANSACTION_DELAY_MS", 100),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "postgres"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		HourlyRetention: time.Duration(getEnvAsInt("HOURLY_RETENTION_HOURS", 8)) * time.Hour,
		DailyRetention:  time.Duration(getEnvAsInt("DAILY_RETENTION_DAYS", 7)) * 24 * time.Hour,

		TrendingInterval:   time.Duration(getEnvAsInt("TRENDING_INTERVAL_MINUTES", 15)) * time.Minute,
		TrendingItemCount:  getEnvAsInt("TRENDING_ITEM_COUNT", 9),
		TrendingHoursShown: getEnvAsInt("TRENDING_HOURS", 6),

		HTTPAddr: getEnv("HTTP_ADDR", ":3000"),
	}
}

// Helper functions for parsing environment variables

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultVal)) * time.Millisecond
}
