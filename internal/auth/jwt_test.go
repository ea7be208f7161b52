package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	testIssuer   = "test-issuer"
	testAudience = "test-audience"
	testSecret   = "test-secret"
)

func newRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims TenantClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func validClaims(tenantID string) TenantClaims {
	return TenantClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestNewJWTValidator(t *testing.T) {
	_, pubPEM := newRSAKey(t)
	pkcs1Key, _ := newRSAKey(t)
	pkcs1PEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&pkcs1Key.PublicKey),
	}))

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "PKIX public key", publicKeyPEM: pubPEM},
		{name: "PKCS1 public key", publicKeyPEM: pkcs1PEM},
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty public key", publicKeyPEM: "", expectError: true},
		{
			name:         "invalid RSA key format",
			publicKeyPEM: "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----",
			expectError:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, testIssuer, testAudience)
			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != testIssuer || validator.audience != testAudience {
				t.Errorf("NewJWTValidator() issuer/audience = %q/%q", validator.issuer, validator.audience)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	key, pubPEM := newRSAKey(t)
	otherKey, _ := newRSAKey(t)
	validator, err := NewJWTValidator(pubPEM, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	expired := validClaims("tn_1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims("tn_1")
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := validClaims("tn_1")
	wrongAudience.Audience = jwt.ClaimStrings{"other-api"}
	hmacToken, _ := IssueHMACToken(testSecret, testIssuer, testAudience, "tn_1", time.Hour)

	tests := []struct {
		name        string
		token       string
		wantTenant  string
		expectError bool
	}{
		{name: "valid token", token: signRS256(t, key, validClaims("tn_1")), wantTenant: "tn_1"},
		{name: "invalid token format", token: "invalid-token", expectError: true},
		{name: "empty token", token: "", expectError: true},
		{name: "malformed JWT token", token: "header.payload", expectError: true},
		{name: "signed by another key", token: signRS256(t, otherKey, validClaims("tn_1")), expectError: true},
		{name: "expired", token: signRS256(t, key, expired), expectError: true},
		{name: "wrong issuer", token: signRS256(t, key, wrongIssuer), expectError: true},
		{name: "wrong audience", token: signRS256(t, key, wrongAudience), expectError: true},
		{name: "missing tenant", token: signRS256(t, key, validClaims("")), expectError: true},
		{name: "HS256 rejected by RSA validator", token: hmacToken, expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenantID, err := validator.ValidateToken(tt.token)
			if tt.expectError {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if tenantID != tt.wantTenant {
				t.Errorf("ValidateToken() = %q, want %q", tenantID, tt.wantTenant)
			}
		})
	}
}

func TestHMACValidator(t *testing.T) {
	if _, err := NewHMACValidator("", testIssuer, testAudience); err == nil {
		t.Error("NewHMACValidator(empty) expected error")
	}
	if _, err := IssueHMACToken("", testIssuer, testAudience, "tn_1", time.Hour); err == nil {
		t.Error("IssueHMACToken(empty secret) expected error")
	}

	validator, err := NewHMACValidator(testSecret, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewHMACValidator() error = %v", err)
	}
	token, err := IssueHMACToken(testSecret, testIssuer, testAudience, "tn_42", time.Hour)
	if err != nil {
		t.Fatalf("IssueHMACToken() error = %v", err)
	}
	tenantID, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if tenantID != "tn_42" {
		t.Errorf("ValidateToken() = %q, want tn_42", tenantID)
	}

	forged, _ := IssueHMACToken("other-secret", testIssuer, testAudience, "tn_42", time.Hour)
	if _, err := validator.ValidateToken(forged); err == nil {
		t.Error("ValidateToken(forged) expected error")
	}
}

func TestMiddleware(t *testing.T) {
	validator, err := NewHMACValidator(testSecret, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewHMACValidator() error = %v", err)
	}
	token, _ := IssueHMACToken(testSecret, testIssuer, testAudience, "tn_jwt", time.Hour)

	tests := []struct {
		name           string
		cfg            MiddlewareConfig
		path           string
		headers        map[string]string
		expectedStatus int
		expectedTenant string
	}{
		{
			name:           "skipped path",
			cfg:            MiddlewareConfig{Validator: validator, Skip: []string{"/v1/ping"}},
			path:           "/v1/ping",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid bearer token",
			cfg:            MiddlewareConfig{Validator: validator},
			path:           "/v1/subscriptions",
			headers:        map[string]string{"Authorization": "Bearer " + token},
			expectedStatus: http.StatusOK,
			expectedTenant: "tn_jwt",
		},
		{
			name:           "missing authorization header",
			cfg:            MiddlewareConfig{Validator: validator},
			path:           "/v1/subscriptions",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid authorization format",
			cfg:            MiddlewareConfig{Validator: validator},
			path:           "/v1/subscriptions",
			headers:        map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid token",
			cfg:            MiddlewareConfig{Validator: validator},
			path:           "/v1/subscriptions",
			headers:        map[string]string{"Authorization": "Bearer invalid.token.here"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "tenant header ignored unless trusted",
			cfg:            MiddlewareConfig{Validator: validator},
			path:           "/v1/subscriptions",
			headers:        map[string]string{TenantHeader: "tn_header"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "trusted tenant header",
			cfg:            MiddlewareConfig{Validator: validator, TrustHeader: true},
			path:           "/v1/subscriptions",
			headers:        map[string]string{TenantHeader: "tn_header"},
			expectedStatus: http.StatusOK,
			expectedTenant: "tn_header",
		},
		{
			name:           "trusted header falls back to token",
			cfg:            MiddlewareConfig{Validator: validator, TrustHeader: true},
			path:           "/v1/subscriptions",
			headers:        map[string]string{"Authorization": "Bearer " + token},
			expectedStatus: http.StatusOK,
			expectedTenant: "tn_jwt",
		},
		{
			name:           "auth disabled uses header",
			cfg:            MiddlewareConfig{},
			path:           "/v1/subscriptions",
			headers:        map[string]string{TenantHeader: "tn_dev"},
			expectedStatus: http.StatusOK,
			expectedTenant: "tn_dev",
		},
		{
			name:           "auth disabled without header",
			cfg:            MiddlewareConfig{},
			path:           "/v1/subscriptions",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(Middleware(tt.cfg))
			handler := func(c echo.Context) error {
				tenantID, _ := GetTenantIDFromContext(c.Request().Context())
				return c.String(http.StatusOK, tenantID)
			}
			e.GET("/v1/ping", handler)
			e.GET("/v1/subscriptions", handler)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if tt.expectedStatus == http.StatusOK && strings.TrimSpace(rec.Body.String()) != tt.expectedTenant {
				t.Errorf("tenant = %q, want %q", rec.Body.String(), tt.expectedTenant)
			}
		})
	}
}

func TestGetTenantIDFromContext(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
		ok       bool
	}{
		{name: "with tenant", ctx: WithTenantID(context.Background(), "tn_1"), expected: "tn_1", ok: true},
		{name: "empty tenant", ctx: WithTenantID(context.Background(), ""), ok: false},
		{name: "no tenant", ctx: context.Background(), ok: false},
		{name: "wrong type", ctx: context.WithValue(context.Background(), TenantIDKey, 42), ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GetTenantIDFromContext(tt.ctx)
			if got != tt.expected || ok != tt.ok {
				t.Errorf("GetTenantIDFromContext() = %q, %v; want %q, %v", got, ok, tt.expected, tt.ok)
			}
		})
	}
}
