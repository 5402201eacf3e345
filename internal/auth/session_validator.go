package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

// SessionValidatorConfig describes how to validate session tokens.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator turns session cookies back into users.
type SessionValidator struct {
	settings sessionSettings
	parser   *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	settings, err := newSessionSettings(cfg.SigningSecret, cfg.Issuer, cfg.CookieName, cfg.Clock)
	if err != nil {
		return nil, err
	}
	return &SessionValidator{
		settings: settings,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(settings.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(settings.clock),
		),
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.settings.cookieName
}

// Authenticate returns the user a session token was issued to.
func (v *SessionValidator) Authenticate(rawToken string) (users.User, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return users.User{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
		return v.settings.signingSecret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return users.User{}, ErrExpiredSessionToken
		}
		return users.User{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return users.User{}, ErrMissingSessionSubject
	}
	return claims.User(), nil
}

// AuthenticateRequest reads the session cookie from r.
func (v *SessionValidator) AuthenticateRequest(r *http.Request) (users.User, error) {
	if r == nil {
		return users.User{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.settings.cookieName)
	if err != nil {
		return users.User{}, ErrMissingSessionToken
	}
	return v.Authenticate(cookie.Value)
}
