package auth

import (
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

var (
	ErrMissingTokenValidator    = errors.New("session validator: token validator required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
)

// TokenValidator checks a raw token string.
type TokenValidator interface {
	ValidateToken(tokenString string) (Claims, error)
}

// SessionValidatorConfig describes where request tokens are read from.
type SessionValidatorConfig struct {
	Tokens     TokenValidator
	CookieName string
}

// SessionValidator extracts API tokens from requests and validates them.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingTokenValidator
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: cookieName,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest validates the bearer token, falling back to the session cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingSessionToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return v.tokens.ValidateToken(header[len(bearerPrefix):])
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return Claims{}, ErrMissingSessionToken
	}
	return v.tokens.ValidateToken(cookie.Value)
}
