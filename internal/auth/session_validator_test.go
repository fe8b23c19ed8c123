package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "gravity-collab"
	testSessionUserID        = "user-123"
	testSystemToken          = "system-sentinel"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		SystemToken:   testSystemToken,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mustSign(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := mustSign(t, SessionClaims{
		UserID:          testSessionUserID,
		UserDisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	}, testSessionSigningSecret)

	principal, err := validator.Authenticate(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if principal.UserID != testSessionUserID || principal.DisplayName != "Ada" || principal.System {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	valid := jwt.RegisteredClaims{
		Issuer:    testSessionIssuer,
		Subject:   testSessionUserID,
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	foreignIssuer := valid
	foreignIssuer.Issuer = "someone-else"
	noExpiry := valid
	noExpiry.ExpiresAt = nil

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "", expected: ErrMissingSessionToken},
		{name: "garbage", token: "not-a-jwt", expected: ErrInvalidSessionToken},
		{name: "expired", token: mustSign(t, SessionClaims{RegisteredClaims: expired}, testSessionSigningSecret), expected: ErrExpiredSessionToken},
		{name: "wrong secret", token: mustSign(t, SessionClaims{RegisteredClaims: valid}, "other"), expected: ErrInvalidSessionToken},
		{name: "wrong issuer", token: mustSign(t, SessionClaims{RegisteredClaims: foreignIssuer}, testSessionSigningSecret), expected: ErrInvalidSessionToken},
		{name: "missing expiry", token: mustSign(t, SessionClaims{RegisteredClaims: noExpiry}, testSessionSigningSecret), expected: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.Authenticate(testCase.token)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorAdmitsSystemToken(t *testing.T) {
	validator := newTestValidator(t, time.Now())
	principal, err := validator.Authenticate(testSystemToken)
	if err != nil {
		t.Fatalf("system token rejected: %v", err)
	}
	if !principal.System || principal.UserID != SystemUserID {
		t.Fatalf("unexpected principal %+v", principal)
	}

	withoutSentinel, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if _, err := withoutSentinel.Authenticate(testSystemToken); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected sentinel rejected when unset, got %v", err)
	}
}

func TestSessionValidatorAcceptsIssuedTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	token, _, err := issuer.IssueToken(context.Background(), TokenRequest{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.Authenticate(token); err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	testCases := []struct {
		name     string
		target   string
		header   string
		expected string
	}{
		{name: "query parameter", target: "/collab/doc?token=abc", expected: "abc"},
		{name: "query wins over header", target: "/collab/doc?token=abc", header: "Bearer xyz", expected: "abc"},
		{name: "bearer header", target: "/collab/doc", header: "Bearer xyz", expected: "xyz"},
		{name: "case insensitive scheme", target: "/collab/doc", header: "bearer xyz", expected: "xyz"},
		{name: "other scheme", target: "/collab/doc", header: "Basic xyz", expected: ""},
		{name: "missing", target: "/collab/doc", expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.target, http.NoBody)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			if got := TokenFromRequest(request); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}
