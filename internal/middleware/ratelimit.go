package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter provides per-client request rate limiting. Clients are
// identified by device ID when a validated device token is present in the
// request context (see AuthMiddleware), falling back to IP address for the
// unauthenticated paths §1 allows (notably /v1/updates/check).
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.RWMutex
	config   RateLimitConfig
	logger   *zap.Logger
	stopCh   chan struct{}
}

// RateLimitConfig configures rate limiting behavior.
type RateLimitConfig struct {
	// Global limits
	RequestsPerSecond int
	BurstSize         int

	// Per-endpoint limits, keyed by path prefix
	EndpointLimits map[string]EndpointLimit

	// Device-specific limits (stricter path used by /v1/updates/check)
	DeviceRequestsPerMinute int
	DeviceBurstSize         int

	// Cleanup
	CleanupInterval time.Duration
	VisitorTimeout  time.Duration
}

// EndpointLimit defines rate limits for specific endpoint path prefixes.
type EndpointLimit struct {
	Path              string
	RequestsPerSecond int
	BurstSize         int
	Methods           []string
}

// visitor tracks rate limiting state per client.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize == 0 {
		config.BurstSize = 200
	}
	if config.DeviceRequestsPerMinute == 0 {
		config.DeviceRequestsPerMinute = 12 // one check-in per 5s, per device
	}
	if config.DeviceBurstSize == 0 {
		config.DeviceBurstSize = 4
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 1 * time.Minute
	}
	if config.VisitorTimeout == 0 {
		config.VisitorTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupVisitors()

	return rl
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	select {
	case <-rl.stopCh:
		// already stopped
	default:
		close(rl.stopCh)
	}
}

// Middleware returns HTTP middleware that applies the global/per-endpoint
// limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := rl.getClientID(r)
		limiter := rl.getLimiterForRequest(r, clientID)

		if !limiter.Allow() {
			rl.handleRateLimitExceeded(w, r, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DeviceRateLimiter applies the stricter per-device limit used on the
// unauthenticated update-check path, where a caller might not yet carry a
// device token.
func (rl *RateLimiter) DeviceRateLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("device:%s", rl.getClientID(r))
		v := rl.getVisitor(key, rl.config.DeviceRequestsPerMinute, rl.config.DeviceBurstSize, true)

		if !v.limiter.Allow() {
			rl.handleRateLimitExceeded(w, r, "device rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getVisitor retrieves or creates a visitor, constructing its limiter from
// rps/burst the first time it is seen. perMinute controls whether rps is
// interpreted as a per-minute rate (device limits) or per-second (global).
func (rl *RateLimiter) getVisitor(key string, rps, burst int, perMinute bool) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		limit := rate.Limit(rps)
		if perMinute {
			limit = rate.Limit(float64(rps) / 60.0)
		}
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()

	return v
}

// getLimiterForRequest determines the appropriate rate limiter for a request,
// preferring an endpoint-specific limit over the global default.
func (rl *RateLimiter) getLimiterForRequest(r *http.Request, clientID string) *rate.Limiter {
	path := r.URL.Path
	for _, limit := range rl.config.EndpointLimits {
		if !strings.HasPrefix(path, limit.Path) {
			continue
		}
		if len(limit.Methods) > 0 && !methodAllowed(r.Method, limit.Methods) {
			continue
		}
		key := fmt.Sprintf("%s:%s", clientID, limit.Path)
		return rl.getVisitor(key, limit.RequestsPerSecond, limit.BurstSize, false).limiter
	}

	return rl.getVisitor(clientID, rl.config.RequestsPerSecond, rl.config.BurstSize, false).limiter
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// getClientID identifies the caller: the authenticated device ID when a
// validated token has already been attached to the request context by
// AuthMiddleware, otherwise the client IP.
func (rl *RateLimiter) getClientID(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok && claims.DeviceID != "" {
		return "device:" + claims.DeviceID
	}
	if deviceID := rl.getDeviceID(r); deviceID != "" {
		return "device:" + deviceID
	}
	return rl.getClientIP(r)
}

// getClientIP extracts the client IP address.
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// getDeviceID extracts a device identifier from the request header or path,
// for callers on the unauthenticated check-in path that haven't yet obtained
// a device token.
func (rl *RateLimiter) getDeviceID(r *http.Request) string {
	if deviceID := r.Header.Get("X-Device-ID"); deviceID != "" {
		return deviceID
	}

	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "devices" && i+1 < len(parts) {
			return parts[i+1]
		}
	}

	return ""
}

// handleRateLimitExceeded responds to rate limit violations.
func (rl *RateLimiter) handleRateLimitExceeded(w http.ResponseWriter, r *http.Request, reason string) {
	rl.logger.Debug("rate limit exceeded",
		zap.String("path", r.URL.Path),
		zap.String("reason", reason),
		zap.String("ip", rl.getClientIP(r)),
	)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerSecond))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	w.Header().Set("Retry-After", "60")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"error":       "rate_limit_exceeded",
		"message":     reason,
		"retry_after": 60,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// GetStats returns a snapshot of rate limiter state, useful for diagnostics.
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	active := 0
	cutoff := time.Now().Add(-rl.config.VisitorTimeout)
	for _, v := range rl.visitors {
		if v.lastSeen.After(cutoff) {
			active++
		}
	}

	return map[string]interface{}{
		"total_clients":  len(rl.visitors),
		"active_clients": active,
		"rate_limit":     float64(rl.config.RequestsPerSecond),
		"burst_limit":    rl.config.BurstSize,
	}
}

// cleanupVisitors removes stale visitor entries.
func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, v := range rl.visitors {
				if now.Sub(v.lastSeen) > rl.config.VisitorTimeout {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}
