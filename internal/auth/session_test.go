package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestSessionPair(t *testing.T, clock func() time.Time) (*SessionIssuer, *SessionValidator) {
	t.Helper()
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TTL:           time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestIssuedSessionValidates(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestSessionPair(t, func() time.Time { return clockNow })

	token, expiresAt, err := issuer.Issue(context.Background(), users.User{ID: testSessionUserID, Email: testSessionUserEmail})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	user, err := validator.Authenticate(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if user.ID != testSessionUserID || user.Email != testSessionUserEmail {
		t.Fatalf("unexpected session user %#v", user)
	}
}

func TestSessionValidatorRejectsTokensWithoutExpiryOrSubject(t *testing.T) {
	_, validator := newTestSessionPair(t, nil)
	testCases := []struct {
		name   string
		claims SessionClaims
		want   error
	}{
		{
			name:   "no-expiry",
			claims: SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultSessionIssuer, Subject: testSessionUserID}},
			want:   ErrInvalidSessionToken,
		},
		{
			name: "no-subject",
			claims: SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    DefaultSessionIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}},
			want: ErrMissingSessionSubject,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, testCase.claims).SignedString([]byte(testSessionSigningSecret))
			if err != nil {
				t.Fatalf("failed to sign token: %v", err)
			}
			if _, err := validator.Authenticate(signed); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestSessionPair(t, func() time.Time { return clockNow })
	_, validator := newTestSessionPair(t, func() time.Time { return clockNow.Add(2 * time.Hour) })

	token, _, err := issuer.Issue(context.Background(), users.User{ID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.Authenticate(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	_, validator := newTestSessionPair(t, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.Authenticate(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorAuthenticateRequestUsesCookie(t *testing.T) {
	issuer, validator := newTestSessionPair(t, nil)
	token, expiresAt, err := issuer.Issue(context.Background(), users.User{ID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	cookie := issuer.Cookie(token, expiresAt)
	if cookie.Name != DefaultSessionCookieName || !cookie.HttpOnly {
		t.Fatalf("unexpected cookie %#v", cookie)
	}

	request := httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)
	request.AddCookie(cookie)
	user, err := validator.AuthenticateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if user.ID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", user.ID)
	}

	if _, err := validator.AuthenticateRequest(httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if issuer.ClearCookie().MaxAge >= 0 {
		t.Fatalf("expected clearing cookie to expire immediately")
	}
}

type stubUserDirectory struct {
	users map[string]users.User
	err   error
}

func (directory stubUserDirectory) GetUser(_ context.Context, userID string) (users.User, error) {
	if directory.err != nil {
		return users.User{}, directory.err
	}
	user, ok := directory.users[userID]
	if !ok {
		return users.User{}, users.ErrUserNotFound
	}
	return user, nil
}

func TestSessionGateCurrentUser(t *testing.T) {
	issuer, validator := newTestSessionPair(t, nil)
	known := users.User{ID: testSessionUserID, Email: testSessionUserEmail}
	gate, err := NewSessionGate(validator, stubUserDirectory{users: map[string]users.User{known.ID: known}}, nil)
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	anonymous, err := gate.CurrentUser(httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))
	if err != nil || anonymous != nil {
		t.Fatalf("expected nil user without session, got %#v, %v", anonymous, err)
	}

	token, expiresAt, _ := issuer.Issue(context.Background(), known)
	request := httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody)
	request.AddCookie(issuer.Cookie(token, expiresAt))
	current, err := gate.CurrentUser(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current == nil || current.Email != testSessionUserEmail {
		t.Fatalf("expected resolved user, got %#v", current)
	}

	forged := httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody)
	forged.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: "not-a-jwt"})
	if user, err := gate.CurrentUser(forged); user != nil || err != nil {
		t.Fatalf("expected forged cookie to read as signed out, got %#v, %v", user, err)
	}

	failing, _ := NewSessionGate(validator, stubUserDirectory{err: errors.New("db down")}, nil)
	if _, err := failing.CurrentUser(request); err == nil {
		t.Fatalf("expected lookup failure to surface")
	}
}
