package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// TenantContext key for storing tenant ID in context
type contextKey string

const TenantIDKey contextKey = "tenant_id"

// TenantHeader carries the tenant id when a trusted gateway already
// authenticated the caller, or when authentication is disabled.
const TenantHeader = "X-Tenant-Id"

// TenantClaims are the JWT claims accepted by the API.
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	key      any
	methods  []string
	issuer   string
	audience string
}

// NewJWTValidator creates a validator for RS256 tokens signed by the private
// half of publicKeyPEM (PKCS#1 or PKIX).
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	publicKey, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{
		key:      publicKey,
		methods:  []string{"RS256", "RS384", "RS512"},
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewHMACValidator creates a validator for HS256 tokens sharing secret.
func NewHMACValidator(secret, issuer, audience string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty HMAC secret")
	}
	return &JWTValidator{
		key:      []byte(secret),
		methods:  []string{"HS256"},
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ParseRSAPublicKey decodes a PEM encoded RSA public key.
func ParseRSAPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// ValidateToken validates a JWT token and returns the tenant ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims TenantClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("missing or invalid tenant_id claim")
	}
	return claims.TenantID, nil
}

// IssueHMACToken signs an HS256 token for tenantID. Used by relayctl and
// tests against a server configured with the same secret.
func IssueHMACToken(secret, issuer, audience, tenantID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty HMAC secret")
	}
	now := time.Now()
	claims := TenantClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// Validator verifies bearer tokens. Nil disables token authentication;
	// the tenant is then taken from TenantHeader.
	Validator *JWTValidator
	// TrustHeader accepts TenantHeader even when a validator is set.
	TrustHeader bool
	// Skip lists request paths served without a tenant.
	Skip []string
}

// Middleware resolves the calling tenant and stores it in the request
// context. Requests without a tenant are rejected with 401.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(cfg.Skip))
	for _, p := range cfg.Skip {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if skip[req.URL.Path] {
				return next(c)
			}

			tenantID, err := resolveTenant(req, cfg)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.SetRequest(req.WithContext(WithTenantID(req.Context(), tenantID)))
			return next(c)
		}
	}
}

func resolveTenant(r *http.Request, cfg MiddlewareConfig) (string, error) {
	header := strings.TrimSpace(r.Header.Get(TenantHeader))
	if cfg.Validator == nil || cfg.TrustHeader {
		if header != "" {
			return header, nil
		}
		if cfg.Validator == nil {
			return "", fmt.Errorf("missing %s header", TenantHeader)
		}
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", errors.New("invalid Authorization header format")
	}
	tenantID, err := cfg.Validator.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return tenantID, nil
}

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}
