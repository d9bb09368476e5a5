package users

import (
	"strings"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
)

// UnnamedUsername is used when neither a display name nor an email is available.
const UnnamedUsername = "No.Name.Set"

// DeriveUsername prefers the display name, then the local part of the email.
func DeriveUsername(displayName, email string) string {
	if name := normalize(displayName); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(normalize(email), "@"); local != "" {
		return local
	}
	return UnnamedUsername
}

// ProfileFromClaims builds the public profile written on sign-in.
func ProfileFromClaims(claims auth.SessionClaims) model.User {
	return model.User{
		Username:        DeriveUsername(claims.UserDisplayName, claims.UserEmail),
		ProfileImageURL: normalize(claims.UserAvatarURL),
	}
}
