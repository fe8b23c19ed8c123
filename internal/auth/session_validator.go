package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SystemUserID identifies connections admitted with the configured system token.
const SystemUserID = "system"

const (
	tokenQueryParameter = "token"
	bearerPrefix        = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the JWT payload accepted at connect time.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity attached to a connection.
type Principal struct {
	UserID      string
	Subject     string
	Email       string
	DisplayName string
	System      bool
}

// SessionValidatorConfig describes how bearer credentials are verified.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	// SystemToken, when set, admits the system identity without JWT verification.
	SystemToken string
	Clock       func() time.Time
}

// SessionValidator validates HS256 bearer tokens and the system sentinel.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	systemToken   []byte
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	var systemToken []byte
	if trimmed := strings.TrimSpace(cfg.SystemToken); trimmed != "" {
		systemToken = []byte(trimmed)
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		systemToken:   systemToken,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// Authenticate admits the system token or a valid JWT.
func (v *SessionValidator) Authenticate(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, ErrMissingSessionToken
	}
	if v.systemToken != nil && subtle.ConstantTimeCompare([]byte(token), v.systemToken) == 1 {
		return Principal{UserID: SystemUserID, Subject: SystemUserID, DisplayName: SystemUserID, System: true}, nil
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Principal{}, err
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	return Principal{
		UserID:      userID,
		Subject:     strings.TrimSpace(claims.Subject),
		Email:       strings.TrimSpace(claims.UserEmail),
		DisplayName: strings.TrimSpace(claims.UserDisplayName),
	}, nil
}

// AuthenticateRequest reads the credential from the request and authenticates it.
func (v *SessionValidator) AuthenticateRequest(r *http.Request) (Principal, error) {
	return v.Authenticate(TokenFromRequest(r))
}

// TokenFromRequest returns the token query parameter, falling back to a
// Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParameter)); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
