package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the principal did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Profile is the canonical identity attached to a collaboration connection.
type Profile struct {
	UserID      string
	DisplayName string
	System      bool
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps verified principals onto canonical user ids and remembers
// their latest display names.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Resolve returns the canonical profile for principal, creating the identity
// mapping the first time a provider and subject pair is seen.
func (s *Service) Resolve(ctx context.Context, principal auth.Principal) (Profile, error) {
	if principal.System {
		return Profile{UserID: auth.SystemUserID, DisplayName: auth.SystemUserID, System: true}, nil
	}
	provider, subject := deriveProviderSubject(principal)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	displayName := normalize(principal.DisplayName)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && (displayName == "" || displayName == profile.DisplayName) {
			return profile, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := identityScope(db, provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(principal.Email),
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(principal.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if err := identityScope(db.Model(&Identity{}), provider, subject).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	profile := identity.Profile()
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

func deriveProviderSubject(principal auth.Principal) (string, string) {
	provider := defaultProvider
	subject := normalize(principal.Subject)

	raw := normalize(principal.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(principal.Email)
	}

	return provider, subject
}
