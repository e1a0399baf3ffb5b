package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	clearEnv(t, "JWT_SECRET")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "JWT_SECRET", "PORT", "DB_DRIVER", "HEALTH_SWEEP_INTERVAL")
	os.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "bundlenudge", cfg.Auth.JWTIssuer)
	assert.NotNil(t, cfg.Tracing)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	clearEnv(t, "JWT_SECRET", "PORT", "API_CORS_ORIGINS")
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("PORT", "9090")
	os.Setenv("API_CORS_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.API.CORSAllowedOrigins)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 0},
		Database:   DatabaseConfig{MaxConnections: 1},
		Auth:       AuthConfig{JWTSecret: "secret"},
		API:        APIConfig{MaxPageSize: 10},
		Resolution: ResolutionConfig{CacheTTL: 1},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidatePassesWithSaneDefaults(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 8080},
		Database:   DatabaseConfig{MaxConnections: 5},
		Auth:       AuthConfig{JWTSecret: "secret"},
		API:        APIConfig{MaxPageSize: 100},
		Resolution: ResolutionConfig{CacheTTL: 5},
	}
	assert.NoError(t, cfg.Validate())
}
