package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bundlenudge.sh/internal/tracing"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	API        APIConfig
	Resolution ResolutionConfig
	Health     HealthConfig
	RateLimit  RateLimitingConfig
	Tracing    *tracing.Config
}

// ServerConfig contains the C9 HTTP listener's settings.
type ServerConfig struct {
	Port         int           `env:"PORT" default:"8080"`
	Host         string        `env:"HOST" default:"0.0.0.0"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig contains the repository layer's connection settings. URL
// is a DSN understood by the configured driver (sqlite or postgres, per
// internal/database's dual-dialect migrations).
type DatabaseConfig struct {
	Driver          string        `env:"DB_DRIVER" default:"sqlite3"`
	URL             string        `env:"DATABASE_URL" default:"bundlenudge.db"`
	MaxConnections  int           `env:"DB_MAX_CONNECTIONS" default:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" default:"30m"`
}

// AuthConfig contains device-token signing settings (§6). BundleNudge has
// no operator login in scope here — devices authenticate with a bearer
// token minted from JWTSecret, nothing else.
type AuthConfig struct {
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER" default:"bundlenudge"`
	DeviceTokenTTL time.Duration `env:"DEVICE_TOKEN_TTL" default:"720h"` // 30 days per §6
}

// APIConfig contains request-handling limits and CORS settings shared by
// every /v1/* endpoint.
type APIConfig struct {
	MaxPageSize        int32         `env:"API_MAX_PAGE_SIZE" default:"100"`
	DefaultPageSize    int32         `env:"API_DEFAULT_PAGE_SIZE" default:"20"`
	RequestTimeout     time.Duration `env:"API_REQUEST_TIMEOUT" default:"30s"`
	MaxRequestSize     int64         `env:"API_MAX_REQUEST_SIZE" default:"10485760"` // 10MB
	CORSAllowedOrigins []string      `env:"API_CORS_ORIGINS"`
}

// ResolutionConfig tunes the Update Resolution Service's channel cache
// (§4.5 step 2). Maps directly onto resolution.Config.
type ResolutionConfig struct {
	CacheTTL  time.Duration `env:"RESOLUTION_CACHE_TTL" default:"5s"`
	CacheSize int           `env:"RESOLUTION_CACHE_SIZE" default:"4096"`
	RedisAddr string        `env:"RESOLUTION_REDIS_ADDR"`
}

// HealthConfig tunes the Health Aggregator's periodic sweep (§4.4).
type HealthConfig struct {
	SweepInterval time.Duration `env:"HEALTH_SWEEP_INTERVAL" default:"10s"`
}

// Load builds a Config from the process environment, applying the defaults
// documented on each field's struct tag.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = getEnvInt("PORT", 8080)
	cfg.Server.Host = getEnvString("HOST", "0.0.0.0")
	cfg.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", 30*time.Second)
	cfg.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", 30*time.Second)
	cfg.Server.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", 120*time.Second)

	cfg.Database.Driver = getEnvString("DB_DRIVER", "sqlite3")
	cfg.Database.URL = getEnvString("DATABASE_URL", "bundlenudge.db")
	cfg.Database.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.Auth.JWTSecret = getEnvString("JWT_SECRET", "")
	cfg.Auth.JWTIssuer = getEnvString("JWT_ISSUER", "bundlenudge")
	cfg.Auth.DeviceTokenTTL = getEnvDuration("DEVICE_TOKEN_TTL", 720*time.Hour)
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg.API.MaxPageSize = int32(getEnvInt("API_MAX_PAGE_SIZE", 100))
	cfg.API.DefaultPageSize = int32(getEnvInt("API_DEFAULT_PAGE_SIZE", 20))
	cfg.API.RequestTimeout = getEnvDuration("API_REQUEST_TIMEOUT", 30*time.Second)
	cfg.API.MaxRequestSize = int64(getEnvInt("API_MAX_REQUEST_SIZE", 10485760))
	if origins := getEnvString("API_CORS_ORIGINS", ""); origins != "" {
		cfg.API.CORSAllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Resolution.CacheTTL = getEnvDuration("RESOLUTION_CACHE_TTL", 5*time.Second)
	cfg.Resolution.CacheSize = getEnvInt("RESOLUTION_CACHE_SIZE", 4096)
	cfg.Resolution.RedisAddr = getEnvString("RESOLUTION_REDIS_ADDR", "")

	cfg.Health.SweepInterval = getEnvDuration("HEALTH_SWEEP_INTERVAL", 10*time.Second)

	cfg.RateLimit = *DefaultRateLimitConfig()
	cfg.RateLimit.Enabled = getEnvBool("RATELIMIT_ENABLED", true)
	cfg.RateLimit.Global.RequestsPerSecond = getEnvInt("RATELIMIT_GLOBAL_RPS", cfg.RateLimit.Global.RequestsPerSecond)
	cfg.RateLimit.Global.BurstSize = getEnvInt("RATELIMIT_GLOBAL_BURST", cfg.RateLimit.Global.BurstSize)
	cfg.RateLimit.Device.RequestsPerMinute = getEnvInt("RATELIMIT_DEVICE_RPM", cfg.RateLimit.Device.RequestsPerMinute)
	cfg.RateLimit.Device.BurstSize = getEnvInt("RATELIMIT_DEVICE_BURST", cfg.RateLimit.Device.BurstSize)

	cfg.Tracing = tracing.LoadFromEnvironment("bundlenudge")

	return cfg, cfg.Validate()
}

// Validate checks whether the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("invalid max connections: %d", c.Database.MaxConnections)
	}

	if c.API.MaxPageSize < 1 {
		return fmt.Errorf("invalid max page size: %d", c.API.MaxPageSize)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}

	if c.Resolution.CacheTTL <= 0 {
		return fmt.Errorf("invalid resolution cache ttl: %s", c.Resolution.CacheTTL)
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
