package users

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const identityKeyQuery = "provider = ? AND subject = ?"

// Identity maps a provider login onto the canonical user id shown to collaborators.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing collaborator identities.
func (Identity) TableName() string {
	return "collab_identities"
}

// Profile projects the stored identity onto the connection profile. The user
// id stands in for a missing display name.
func (identity Identity) Profile() Profile {
	profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName}
	if profile.DisplayName == "" {
		profile.DisplayName = identity.UserID
	}
	return profile
}

func identityScope(db *gorm.DB, provider, subject string) *gorm.DB {
	return db.Where(identityKeyQuery, provider, subject)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
