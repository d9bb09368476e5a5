package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// SignedInUser is the resolved identity of an authenticated session.
type SignedInUser struct {
	UserID  string
	Profile model.User
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps provider logins onto canonical user ids.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service. The schema is migrated by the database package.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Resolve returns the canonical user and the profile to publish for the session claims.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (SignedInUser, error) {
	userID, err := s.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		return SignedInUser{}, err
	}
	return SignedInUser{UserID: userID, Profile: ProfileFromClaims(claims)}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the claims, recording a new
// identity the first time a provider and subject pair is seen.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			s.touch(ctx, provider, subject, claims)
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = newIdentity(provider, subject, claims, s.now())
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		s.touch(ctx, provider, subject, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// touch refreshes the stored profile fields. Failures are ignored; the identity mapping is unaffected.
func (s *Service) touch(ctx context.Context, provider, subject string, claims auth.SessionClaims) {
	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(profileUpdates(claims, s.now())).
		Error
}
