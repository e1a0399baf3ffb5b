package config

import (
	"time"

	"bundlenudge.sh/internal/middleware"
)

// RateLimitingConfig configures the token-bucket limiter in front of every
// /v1/* endpoint (§1's "stricter rate limits" for unauthenticated checks,
// §7's RATE_LIMITED code).
type RateLimitingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"RATELIMIT_ENABLED" default:"true"`

	Global GlobalRateLimits `yaml:"global" json:"global"`
	Device DeviceRateLimits `yaml:"device" json:"device"`

	// Endpoint-specific overrides, e.g. a stricter limit on the
	// unauthenticated path of /v1/updates/check (§4.5 step 1).
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints"`

	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
}

// GlobalRateLimits is the fallback limit applied to any request whose
// client ID has no endpoint-specific or device-specific override.
type GlobalRateLimits struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second" env:"RATELIMIT_GLOBAL_RPS" default:"100"`
	BurstSize         int `yaml:"burst_size" json:"burst_size" env:"RATELIMIT_GLOBAL_BURST" default:"200"`
}

// DeviceRateLimits backs middleware.RateLimiter.DeviceRateLimiter, the
// stricter per-minute budget applied to device-identified traffic against
// /v1/updates/check and /v1/telemetry.
type DeviceRateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute" env:"RATELIMIT_DEVICE_RPM" default:"60"`
	BurstSize         int `yaml:"burst_size" json:"burst_size" env:"RATELIMIT_DEVICE_BURST" default:"10"`
}

// EndpointConfig overrides the global limit for one path prefix.
type EndpointConfig struct {
	Path              string   `yaml:"path" json:"path"`
	Methods           []string `yaml:"methods" json:"methods"`
	RequestsPerSecond int      `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int      `yaml:"burst_size" json:"burst_size"`
	Description       string   `yaml:"description" json:"description"`
}

// MaintenanceConfig tunes the limiter's idle-visitor reaper.
type MaintenanceConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"RATELIMIT_CLEANUP_INTERVAL" default:"1m"`
	VisitorTimeout  time.Duration `yaml:"visitor_timeout" json:"visitor_timeout" env:"RATELIMIT_VISITOR_TIMEOUT" default:"3m"`
}

// DefaultRateLimitConfig returns the baseline limits used unless overridden
// by environment or a profile below.
func DefaultRateLimitConfig() *RateLimitingConfig {
	return &RateLimitingConfig{
		Enabled: true,
		Global: GlobalRateLimits{
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
		Device: DeviceRateLimits{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Endpoints: []EndpointConfig{
			{
				Path:              "/v1/devices/register",
				Methods:           []string{"POST"},
				RequestsPerSecond: 10,
				BurstSize:         20,
				Description:       "device registration",
			},
			{
				Path:              "/v1/updates/check",
				Methods:           []string{"POST"},
				RequestsPerSecond: 5,
				BurstSize:         10,
				Description:       "unauthenticated checks are stricter per §4.5 step 1",
			},
			{
				Path:              "/v1/telemetry",
				Methods:           []string{"POST"},
				RequestsPerSecond: 500,
				BurstSize:         1000,
				Description:       "fire-and-forget telemetry ingestion",
			},
		},
		Maintenance: MaintenanceConfig{
			CleanupInterval: time.Minute,
			VisitorTimeout:  3 * time.Minute,
		},
	}
}

// ToMiddlewareConfig converts to the shape middleware.NewRateLimiter expects.
func (c *RateLimitingConfig) ToMiddlewareConfig() middleware.RateLimitConfig {
	cfg := middleware.RateLimitConfig{
		RequestsPerSecond:       c.Global.RequestsPerSecond,
		BurstSize:               c.Global.BurstSize,
		DeviceRequestsPerMinute: c.Device.RequestsPerMinute,
		DeviceBurstSize:         c.Device.BurstSize,
		CleanupInterval:         c.Maintenance.CleanupInterval,
		VisitorTimeout:          c.Maintenance.VisitorTimeout,
		EndpointLimits:          make(map[string]middleware.EndpointLimit, len(c.Endpoints)),
	}
	for _, endpoint := range c.Endpoints {
		cfg.EndpointLimits[endpoint.Path] = middleware.EndpointLimit{
			Path:              endpoint.Path,
			RequestsPerSecond: endpoint.RequestsPerSecond,
			BurstSize:         endpoint.BurstSize,
			Methods:           endpoint.Methods,
		}
	}
	return cfg
}

// ProductionRateLimitConfig tightens the defaults for an internet-facing
// deployment.
func ProductionRateLimitConfig() *RateLimitingConfig {
	cfg := DefaultRateLimitConfig()
	cfg.Global.RequestsPerSecond = 500
	cfg.Global.BurstSize = 1000
	cfg.Device.RequestsPerMinute = 30
	cfg.Device.BurstSize = 5
	return cfg
}

// DevelopmentRateLimitConfig loosens the defaults for local iteration.
func DevelopmentRateLimitConfig() *RateLimitingConfig {
	cfg := DefaultRateLimitConfig()
	cfg.Global.RequestsPerSecond = 10000
	cfg.Global.BurstSize = 20000
	cfg.Device.RequestsPerMinute = 1000
	cfg.Device.BurstSize = 100
	return cfg
}
