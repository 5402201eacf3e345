package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionCookieName is the cookie carrying the session token.
	DefaultSessionCookieName = "__session"
	// DefaultSessionIssuer is the issuer stamped on session tokens.
	DefaultSessionIssuer = "blocknotes"
)

var (
	ErrMissingSessionSigningKey = errors.New("session: signing key required")
	ErrMissingSessionToken      = errors.New("session: token required")
	ErrInvalidSessionToken      = errors.New("session: invalid token")
	ErrExpiredSessionToken      = errors.New("session: token expired")
	ErrMissingSessionSubject    = errors.New("session: subject required")
)

// SessionClaims is the payload of a session token. The subject is the user id.
type SessionClaims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user as recorded when the session was issued.
func (c SessionClaims) User() users.User {
	return users.User{ID: c.Subject, Email: c.Email, DisplayName: c.DisplayName}
}

// sessionSettings is what the issuer and the validator must agree on.
type sessionSettings struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

func newSessionSettings(signingSecret []byte, issuer, cookieName string, clock func() time.Time) (sessionSettings, error) {
	if len(signingSecret) == 0 {
		return sessionSettings{}, ErrMissingSessionSigningKey
	}
	settings := sessionSettings{
		signingSecret: append([]byte(nil), signingSecret...),
		issuer:        strings.TrimSpace(issuer),
		cookieName:    strings.TrimSpace(cookieName),
		clock:         clock,
	}
	if settings.issuer == "" {
		settings.issuer = DefaultSessionIssuer
	}
	if settings.cookieName == "" {
		settings.cookieName = DefaultSessionCookieName
	}
	if settings.clock == nil {
		settings.clock = time.Now
	}
	return settings, nil
}
