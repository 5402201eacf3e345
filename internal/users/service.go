package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the profile did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no Users record exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the Users collection.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// EnsureUser returns the Users record for the profile, creating it on first sign-in
// and refreshing email, display name and last-seen time on later ones.
func (s *Service) EnsureUser(ctx context.Context, profile Profile) (User, error) {
	userID := canonicalSubject(profile.Subject)
	if userID == "" {
		return User{}, ErrInvalidIdentity
	}
	now := s.now().UTC()

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			ID:          userID,
			Email:       normalize(profile.Email),
			DisplayName: normalize(profile.DisplayName),
			CreatedAt:   now,
			LastSeenAt:  now,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			s.logger.Error("user create failed", zap.String("user_id", userID), zap.Error(err))
			return User{}, err
		}
	case err != nil:
		return User{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": now}
		if email := normalize(profile.Email); email != "" && email != user.Email {
			updates["user_email"] = email
			user.Email = email
		}
		if display := normalize(profile.DisplayName); display != "" && display != user.DisplayName {
			updates["user_display_name"] = display
			user.DisplayName = display
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			s.logger.Warn("user refresh failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			user.LastSeenAt = now
		}
	}

	s.cache.Store(userID, user)
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	s.cache.Store(userID, user)
	return user, nil
}

// Forget drops a cached record.
func (s *Service) Forget(userID string) {
	s.cache.Delete(normalize(userID))
}

// canonicalSubject strips a "provider:" prefix from subjects such as "google:12345".
func canonicalSubject(raw string) string {
	subject := normalize(raw)
	if provider, rest, found := strings.Cut(subject, ":"); found && normalize(provider) != "" && normalize(rest) != "" {
		return normalize(rest)
	}
	return subject
}
