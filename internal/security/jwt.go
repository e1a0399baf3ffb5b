package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bundlenudge.sh/internal/ferrors"
)

// JWTConfig holds device-token signing configuration (§6). BundleNudge
// device tokens are HS256-signed over a server secret — no RSA keypair, no
// refresh-token grant, matching the spec's "opaque bearer credential" model.
type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration // 30 days per §6
}

// DefaultJWTConfig returns default device-token configuration.
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		Issuer:    "bundlenudge",
		AccessTTL: 30 * 24 * time.Hour,
	}
}

// JWTManager issues and verifies device tokens.
type JWTManager struct {
	config         *JWTConfig
	logger         *slog.Logger
	tokenBlacklist TokenBlacklist
}

// NewJWTManager creates a JWTManager, generating a random signing key if
// none was supplied.
func NewJWTManager(config *JWTConfig) (*JWTManager, error) {
	if config == nil {
		config = DefaultJWTConfig()
	}
	if config.Issuer == "" {
		config.Issuer = "bundlenudge"
	}
	if config.AccessTTL == 0 {
		config.AccessTTL = 30 * 24 * time.Hour
	}
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "generate signing key")
		}
		config.SigningKey = key
	}

	return &JWTManager{
		config:         config,
		logger:         slog.Default().With("component", "jwt"),
		tokenBlacklist: NewMemoryTokenBlacklist(),
	}, nil
}

// Claims is the device token payload of §6: deviceId, appId, bundleId,
// platform, plus the registered claims iss, sub (the device ID), iat, exp
// and jti (the token ID checked against the revocation blacklist).
// BundleNudge never issues operator/user
// tokens; the control plane authenticates operators out of band (§1
// Non-goals).
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
	AppID    string `json:"appId"`
	BundleID string `json:"bundleId,omitempty"`
	Platform string `json:"platform"`
}

// GenerateDeviceToken issues a bearer token for deviceId, bound to appId
// and (optionally) the bundle the device currently runs.
func (m *JWTManager) GenerateDeviceToken(deviceID, appID, bundleID, platform string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.AccessTTL)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		DeviceID: deviceID,
		AppID:    appID,
		BundleID: bundleID,
		Platform: platform,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningKey)
	if err != nil {
		return "", time.Time{}, ferrors.Wrap(err, ferrors.CodeInternal, "sign device token")
	}

	m.logger.Info("device token issued", "device_id", deviceID, "app_id", appID, "expires_at", expiresAt)
	return signed, expiresAt, nil
}

// ValidateToken verifies a device token's signature and expiry, returning
// ferrors.CodeInvalidToken for signature/parse failures and
// ferrors.CodeTokenExpired specifically for an expired-but-well-formed
// token, per §6.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ferrors.New(ferrors.CodeInvalidToken, "unexpected signing method")
		}
		return m.config.SigningKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ferrors.New(ferrors.CodeTokenExpired, "device token expired")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInvalidToken, "invalid device token")
	}
	if !token.Valid {
		return nil, ferrors.New(ferrors.CodeInvalidToken, "device token not valid")
	}

	if claims.ID != "" && m.tokenBlacklist != nil {
		revoked, err := m.tokenBlacklist.IsBlacklisted(context.Background(), claims.ID)
		if err != nil {
			m.logger.Warn("token blacklist check failed, allowing (fail-open)", "error", err, "jti", claims.ID)
		} else if revoked {
			return nil, ferrors.New(ferrors.CodeInvalidToken, "device token revoked")
		}
	}

	return claims, nil
}

// RevokeToken adds a token's JTI to the blacklist, used when a device is
// deregistered or its credential is rotated.
func (m *JWTManager) RevokeToken(tokenID string, expiresAt time.Time) error {
	if m.tokenBlacklist == nil {
		return ferrors.New(ferrors.CodeInternal, "token blacklist not configured")
	}
	if err := m.tokenBlacklist.Add(context.Background(), tokenID, expiresAt); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "revoke device token")
	}
	m.logger.Info("device token revoked", "token_id", tokenID)
	return nil
}

// SetTokenBlacklist overrides the default in-memory blacklist, e.g. with a
// DatabaseTokenBlacklist shared across replicas.
func (m *JWTManager) SetTokenBlacklist(blacklist TokenBlacklist) {
	m.tokenBlacklist = blacklist
}

// ExtractTokenFromHeader pulls a bearer token out of an Authorization
// header, or INVALID_TOKEN if the header is absent or malformed.
func ExtractTokenFromHeader(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if authHeader == "" {
		return "", ferrors.New(ferrors.CodeInvalidToken, "authorization header missing")
	}
	if len(authHeader) < len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
		return "", ferrors.New(ferrors.CodeInvalidToken, "invalid authorization header format")
	}
	return authHeader[len(bearerPrefix):], nil
}

func generateTokenID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

type contextKey string

const claimsContextKey contextKey = "device_claims"

// GetClaimsFromContext retrieves the authenticated device's claims, set by
// the auth middleware after a successful ValidateToken.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// SetClaimsInContext attaches validated device claims to ctx.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
