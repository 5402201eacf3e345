package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 14 * 24 * time.Hour

var errMissingSubjectClaim = errors.New("subject claim must be provided")

// SessionIssuerConfig configures session token issuance.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	SecureCookie  bool
	Clock         func() time.Time
}

// SessionIssuer mints session tokens after a successful sign-in.
type SessionIssuer struct {
	settings     sessionSettings
	ttl          time.Duration
	secureCookie bool
}

func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	settings, err := newSessionSettings(cfg.SigningSecret, cfg.Issuer, cfg.CookieName, cfg.Clock)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionIssuer{settings: settings, ttl: ttl, secureCookie: cfg.SecureCookie}, nil
}

// Issue signs a session token for user and returns it with its expiry.
func (i *SessionIssuer) Issue(_ context.Context, user users.User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.settings.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		Email:       user.Email,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    i.settings.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.settings.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Cookie wraps a token into the session cookie.
func (i *SessionIssuer) Cookie(token string, expiresAt time.Time) *http.Cookie {
	cookie := i.baseCookie()
	cookie.Value = token
	cookie.Expires = expiresAt
	cookie.MaxAge = int(expiresAt.Sub(i.settings.clock()).Seconds())
	return cookie
}

// ClearCookie returns a cookie that removes the session.
func (i *SessionIssuer) ClearCookie() *http.Cookie {
	cookie := i.baseCookie()
	cookie.MaxAge = -1
	return cookie
}

func (i *SessionIssuer) baseCookie() *http.Cookie {
	return &http.Cookie{
		Name:     i.settings.cookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   i.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}
