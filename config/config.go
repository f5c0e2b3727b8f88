// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the dispatch engine
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Relay     RelayConfig     `json:"relay"`
	Channel   ChannelConfig   `json:"channel"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ingestion IngestionConfig `json:"ingestion"`
	Cache     CacheConfig     `json:"cache"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
}

type RelayConfig struct {
	BaseURL    string        `json:"base_url"`
	SubmitPath string        `json:"submit_path"`
	Timeout    time.Duration `json:"timeout"`
	// RatePerSecond bounds relay submissions; 0 disables the limiter
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
	// Priority is the fixed priority value carried on every relay message
	Priority int `json:"priority"`
}

type ChannelConfig struct {
	BaseURL  string        `json:"base_url"`
	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// TickInterval drives due-dispatch discovery
	TickInterval time.Duration `json:"tick_interval"`
	// SafetyMargin widens the due window backwards to compensate for
	// clock/replication skew between writer and reader
	SafetyMargin time.Duration `json:"safety_margin"`
	// MaxConcurrentDispatches bounds per-tick fan-out
	MaxConcurrentDispatches int `json:"max_concurrent_dispatches"`
	// Lookup backoff for by-ID reads racing replica visibility
	LookupMaxAttempts int           `json:"lookup_max_attempts"`
	LookupBaseDelay   time.Duration `json:"lookup_base_delay"`
	LookupMultiplier  float64       `json:"lookup_multiplier"`
	LookupMaxDelay    time.Duration `json:"lookup_max_delay"`
}

type IngestionConfig struct {
	BatchSize int `json:"batch_size"`
	// BatchMaxAttempts bounds retries of one transiently failing batch insert
	BatchMaxAttempts int           `json:"batch_max_attempts"`
	BatchRetryDelay  time.Duration `json:"batch_retry_delay"`
	// CounterFlushEvery updates dispatch counters after every N batches
	// to bound write amplification
	CounterFlushEvery int `json:"counter_flush_every"`
	// AsyncThreshold: batches beyond this many are ingested by the
	// background worker pool after the caller is acknowledged; 0 keeps
	// everything synchronous
	AsyncThreshold int `json:"async_threshold"`
	WorkerPoolSize int `json:"worker_pool_size"`
}

type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	HealthInterval  time.Duration `json:"health_interval"`
}

type LoggingConfig struct {
	Dir        string `json:"dir"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "dispatchd"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 8*1024*1024), // 8MB, recipient lists are large
		},
		Relay: RelayConfig{
			BaseURL:       getEnvString("RELAY_BASE_URL", ""),
			SubmitPath:    getEnvString("RELAY_SUBMIT_PATH", "/api/v1/messages/batch"),
			Timeout:       getEnvDuration("RELAY_TIMEOUT", 60*time.Second),
			RatePerSecond: getEnvFloat("RELAY_RATE_PER_SECOND", 50),
			RateBurst:     getEnvInt("RELAY_RATE_BURST", 100),
			Priority:      getEnvInt("RELAY_PRIORITY", 2),
		},
		Channel: ChannelConfig{
			BaseURL:  getEnvString("CHANNEL_BASE_URL", ""),
			Timeout:  getEnvDuration("CHANNEL_TIMEOUT", 10*time.Second),
			CacheTTL: getEnvDuration("CHANNEL_CACHE_TTL", 15*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:                 getEnvBool("SCHEDULER_ENABLED", true),
			TickInterval:            getEnvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			SafetyMargin:            getEnvDuration("SCHEDULER_SAFETY_MARGIN", time.Minute),
			MaxConcurrentDispatches: getEnvInt("SCHEDULER_MAX_CONCURRENT_DISPATCHES", 8),
			LookupMaxAttempts:       getEnvInt("SCHEDULER_LOOKUP_MAX_ATTEMPTS", 10),
			LookupBaseDelay:         getEnvDuration("SCHEDULER_LOOKUP_BASE_DELAY", 200*time.Millisecond),
			LookupMultiplier:        getEnvFloat("SCHEDULER_LOOKUP_MULTIPLIER", 1.5),
			LookupMaxDelay:          getEnvDuration("SCHEDULER_LOOKUP_MAX_DELAY", 2*time.Second),
		},
		Ingestion: IngestionConfig{
			BatchSize:         getEnvInt("INGESTION_BATCH_SIZE", 50),
			BatchMaxAttempts:  getEnvInt("INGESTION_BATCH_MAX_ATTEMPTS", 3),
			BatchRetryDelay:   getEnvDuration("INGESTION_BATCH_RETRY_DELAY", 500*time.Millisecond),
			CounterFlushEvery: getEnvInt("INGESTION_COUNTER_FLUSH_EVERY", 5),
			AsyncThreshold:    getEnvInt("INGESTION_ASYNC_THRESHOLD", 10),
			WorkerPoolSize:    getEnvInt("INGESTION_WORKER_POOL_SIZE", 4),
		},
		Cache: CacheConfig{
			Enabled:        getEnvBool("CACHE_ENABLED", true),
			RedisURL:       getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:        getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:    getEnvString("CACHE_REDIS_PREFIX", "dispatchd:"),
			HealthInterval: getEnvDuration("CACHE_HEALTH_INTERVAL", 30*time.Second),
		},
		Logging: LoggingConfig{
			Dir:        getEnvString("LOG_DIR", "data"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() error {
	envFile := ".env"

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return nil
	}

	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])

				if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
					(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
					value = value[1 : len(value)-1]
				}

				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func Validate(cfg *Config) error {
	var errors []string

	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		errors = append(errors, "DB_PASSWORD is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}

	if cfg.Relay.BaseURL == "" {
		errors = append(errors, "RELAY_BASE_URL is required")
	}
	if cfg.Relay.Timeout <= 0 {
		errors = append(errors, "RELAY_TIMEOUT must be positive")
	}

	if cfg.Channel.BaseURL == "" {
		errors = append(errors, "CHANNEL_BASE_URL is required")
	}

	if cfg.Scheduler.TickInterval <= 0 {
		errors = append(errors, "SCHEDULER_TICK_INTERVAL must be positive")
	}
	if cfg.Scheduler.MaxConcurrentDispatches <= 0 {
		errors = append(errors, "SCHEDULER_MAX_CONCURRENT_DISPATCHES must be positive")
	}
	if cfg.Scheduler.LookupMaxAttempts <= 0 {
		errors = append(errors, "SCHEDULER_LOOKUP_MAX_ATTEMPTS must be positive")
	}

	if cfg.Ingestion.BatchSize <= 0 {
		errors = append(errors, "INGESTION_BATCH_SIZE must be positive")
	}
	if cfg.Ingestion.BatchMaxAttempts <= 0 {
		errors = append(errors, "INGESTION_BATCH_MAX_ATTEMPTS must be positive")
	}
	if cfg.Ingestion.CounterFlushEvery <= 0 {
		errors = append(errors, "INGESTION_COUNTER_FLUSH_EVERY must be positive")
	}
	if cfg.Ingestion.WorkerPoolSize <= 0 {
		errors = append(errors, "INGESTION_WORKER_POOL_SIZE must be positive")
	}

	if cfg.Cache.Enabled && cfg.Cache.RedisURL == "" {
		errors = append(errors, "CACHE_REDIS_URL is required when cache is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
