package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile        string
	AdminAddr     string
	APIAddr       string
	AllowedOrigin string
	RedisAddr     string
	OutboxSize    int
	UserCacheTTL  time.Duration
	PingInterval  time.Duration
	LogLevel      slog.Level
}

func Load(cliMode bool) (*Config, error) {
	userCacheTTL, err := time.ParseDuration(getEnv("USER_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("USER_CACHE_TTL: %w", err)
	}

	pingInterval, err := time.ParseDuration(getEnv("PING_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("PING_INTERVAL: %w", err)
	}

	outboxSize, err := strconv.Atoi(getEnv("OUTBOX_SIZE", "128"))
	if err != nil {
		return nil, fmt.Errorf("OUTBOX_SIZE: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("PARLEY_DB", "parley.db"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		AllowedOrigin: os.Getenv("ALLOWED_ORIGIN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		OutboxSize:    outboxSize,
		UserCacheTTL:  userCacheTTL,
		PingInterval:  pingInterval,
		LogLevel:      level,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings. In CLI mode only the admin address is used.
func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if c.DBFile == "" {
		return fmt.Errorf("PARLEY_DB is required")
	}

	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}

	if c.UserCacheTTL <= 0 {
		return fmt.Errorf("USER_CACHE_TTL must be greater than 0")
	}

	// Zero disables keepalive pings.
	if c.PingInterval < 0 {
		return fmt.Errorf("PING_INTERVAL must not be negative")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
