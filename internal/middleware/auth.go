package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bundlenudge.sh/internal/security"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the context key for device token claims
	ClaimsContextKey contextKey = "claims"
)

// AuthConfig contains device-token authentication configuration.
type AuthConfig struct {
	// JWTSecretKey is the secret key for device-token signing.
	JWTSecretKey string
	// PublicPaths are paths that don't require a device token (registration,
	// health probes, metrics).
	PublicPaths []string
	// RequireAuth forces authentication even when no token is supplied.
	RequireAuth bool
	Logger      *slog.Logger
}

// AuthMiddleware validates the device bearer token on every request except
// PublicPaths (§6).
type AuthMiddleware struct {
	jwtManager  *security.JWTManager
	logger      *slog.Logger
	publicPaths []string
	requireAuth bool
}

// NewAuthMiddleware creates a device-token auth middleware.
func NewAuthMiddleware(config AuthConfig) (func(http.Handler) http.Handler, error) {
	if config.JWTSecretKey == "" {
		return nil, fmt.Errorf("device token secret key is required for authentication")
	}

	jwtManager, err := security.NewJWTManager(&security.JWTConfig{
		SigningKey: []byte(config.JWTSecretKey),
		Issuer:     security.DefaultJWTConfig().Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jwt manager: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "auth-middleware")
	}

	publicPaths := config.PublicPaths
	if len(publicPaths) == 0 {
		publicPaths = []string{
			"/health",
			"/health/live",
			"/health/ready",
			"/metrics",
			"/v1/devices/register",
			"/v1/updates/check",
		}
	}

	am := &AuthMiddleware{
		jwtManager:  jwtManager,
		logger:      logger,
		publicPaths: publicPaths,
		requireAuth: config.RequireAuth,
	}

	return am.Middleware, nil
}

func (am *AuthMiddleware) isPublicPath(path string) bool {
	for _, publicPath := range am.publicPaths {
		if path == publicPath || strings.HasPrefix(path, publicPath) {
			return true
		}
	}
	return false
}

// Middleware validates a device token if present, attaching claims to the
// request context. On public paths (notably /v1/updates/check, which the
// spec allows unauthenticated under stricter rate limits) a missing or
// invalid token is not an error — the handler decides what to do with an
// unauthenticated caller.
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		public := am.isPublicPath(r.URL.Path)

		if auth == "" {
			if public && !am.requireAuth {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="bundlenudge"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		token, err := security.ExtractTokenFromHeader(auth)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := am.jwtManager.ValidateToken(token)
		if err != nil {
			am.logger.Debug("token validation failed", "error", err, "path", r.URL.Path, "remote", r.RemoteAddr)
			if public {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims retrieves device token claims from the request context.
func GetClaims(ctx context.Context) (*security.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return claims, ok
}

// NewLoggingMiddleware creates HTTP access-logging middleware.
func NewLoggingMiddleware() func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			logLevel := slog.LevelInfo
			statusCode := rw.StatusCode()
			if statusCode >= 400 && statusCode < 500 {
				logLevel = slog.LevelWarn
			} else if statusCode >= 500 {
				logLevel = slog.LevelError
			}

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", statusCode,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			}

			if requestID := GetRequestID(r.Context()); requestID != "" {
				fields = append(fields, "request_id", requestID)
			}

			logger.Log(r.Context(), logLevel, "http request", fields...)
		})
	}
}
