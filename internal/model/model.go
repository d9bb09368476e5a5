// Package model defines the records stored in the realtime tree and the paths that address them.
package model

import "strings"

const (
	// PlaceholderImageURL stands in for an attached image until its upload completes.
	PlaceholderImageURL = "/images/loader.gif"
	// DefaultProfileImageURL is shown for users without a profile image.
	DefaultProfileImageURL = "/images/profile-placeholder.png"

	MessagesPath        = "messages"
	UserMessagesPath    = "users-messages"
	UsersPath           = "users"
	FriendsPath         = "users-friends"
	PresenceViewersPath = "presence/viewers"
	PresenceOnlinePath  = "presence/connected"
	PushTokensPath      = "pushtokens"

	// PresenceRoot is the ephemeral top-level key holding presence markers.
	PresenceRoot = "presence"

	// FeedWindow bounds the number of trailing messages the feed listens to.
	FeedWindow = 15
)

// User is the public profile stored at /users/{uid}.
type User struct {
	Username        string `json:"username"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Message is stored twice: in the public feed and in the author's index.
type Message struct {
	AuthorID        string `json:"authorId"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	Body            string `json:"body"`
	ImageURL        string `json:"imageUrl,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

// HasImage reports whether an image was attached, uploaded or not.
func (m Message) HasImage() bool {
	return m.ImageURL != ""
}

// ImageReady reports whether the attached image points at its final asset.
func (m Message) ImageReady() bool {
	return m.ImageURL != "" && m.ImageURL != PlaceholderImageURL
}

func join(segments ...string) string {
	return strings.Join(segments, "/")
}

func MessagePath(messageID string) string {
	return join(MessagesPath, messageID)
}

func UserMessagesIndexPath(userID string) string {
	return join(UserMessagesPath, userID)
}

func UserMessagePath(userID, messageID string) string {
	return join(UserMessagesPath, userID, messageID)
}

func UserPath(userID string) string {
	return join(UsersPath, userID)
}

func FriendIndexPath(userID string) string {
	return join(FriendsPath, userID)
}

func FriendEdgePath(userID, otherUserID string) string {
	return join(FriendsPath, userID, otherUserID)
}

func ViewerMarkerPath(key string) string {
	return join(PresenceViewersPath, key)
}

func OnlineMarkerPath(userID string) string {
	return join(PresenceOnlinePath, userID)
}

func PushTokenPath(userID string) string {
	return join(PushTokensPath, userID)
}
