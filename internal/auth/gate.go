package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"go.uber.org/zap"
)

var errMissingGateDependency = errors.New("session gate: validator and user directory are required")

// UserDirectory resolves user records by id.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (users.User, error)
}

// SessionGate resolves the signed-in user from request-scoped session state.
type SessionGate struct {
	validator *SessionValidator
	users     UserDirectory
	logger    *zap.Logger
}

func NewSessionGate(validator *SessionValidator, directory UserDirectory, logger *zap.Logger) (*SessionGate, error) {
	if validator == nil || directory == nil {
		return nil, errMissingGateDependency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionGate{validator: validator, users: directory, logger: logger}, nil
}

// CurrentUser returns the signed-in user, or nil when the request carries no valid session
// or the session names a user that no longer exists. Errors are reserved for lookup failures.
func (g *SessionGate) CurrentUser(r *http.Request) (*users.User, error) {
	sessionUser, err := g.validator.AuthenticateRequest(r)
	if err != nil {
		if !errors.Is(err, ErrMissingSessionToken) {
			g.logger.Debug("session rejected", zap.Error(err))
		}
		return nil, nil
	}

	user, err := g.users.GetUser(r.Context(), sessionUser.ID)
	if errors.Is(err, users.ErrUserNotFound) {
		g.logger.Warn("session names unknown user", zap.String("user_id", sessionUser.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CookieName returns the session cookie name.
func (g *SessionGate) CookieName() string {
	return g.validator.CookieName()
}
