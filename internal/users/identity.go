package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
)

const defaultProvider = "default"

// Identity maps one provider login onto a canonical fello user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// newIdentity records a first login. The canonical id is the provider subject.
func newIdentity(provider, subject string, claims auth.SessionClaims, seenAt time.Time) Identity {
	return Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  seenAt,
	}
}

// profileUpdates lists the identity columns refreshed on a repeat login. Empty claims keep stored values.
func profileUpdates(claims auth.SessionClaims, seenAt time.Time) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at": seenAt}
	if email := normalize(claims.UserEmail); email != "" {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" {
		updates["user_avatar_url"] = avatar
	}
	return updates
}

// deriveProviderSubject splits "provider:subject" user ids. Plain ids use the default provider,
// and the email is the subject of last resort.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = normalize(prefix)
				subject = normalize(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
