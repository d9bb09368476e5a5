// Package composer publishes new messages and their image attachments.
package composer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotAuthenticated indicates a post attempt without a signed-in user.
	ErrNotAuthenticated = errors.New("composer: sign in to post")

	errMissingDatabase = errors.New("composer: database required")
	errMissingBucket   = errors.New("composer: bucket required")
)

// Attachment is an image selected for upload.
type Attachment struct {
	Filename string
	Content  io.Reader
}

// Post is the composer form content.
type Post struct {
	Body  string
	Image *Attachment
}

// Empty reports whether the post carries neither text nor an image.
func (p Post) Empty() bool {
	return p.Body == "" && p.Image == nil
}

// Config describes a composer's dependencies.
type Config struct {
	Database store.Database
	Bucket   storage.Bucket
	Clock    func() time.Time
	// Spawn runs the upload. It defaults to running inline.
	Spawn  func(task func())
	Logger *zap.Logger
}

// Composer writes messages on behalf of the signed-in user.
type Composer struct {
	db     store.Database
	bucket storage.Bucket
	clock  func() time.Time
	spawn  func(func())
	logger *zap.Logger
}

// New constructs a composer.
func New(cfg Config) (*Composer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Bucket == nil {
		return nil, errMissingBucket
	}
	composer := &Composer{
		db:     cfg.Database,
		bucket: cfg.Bucket,
		clock:  cfg.Clock,
		spawn:  cfg.Spawn,
		logger: cfg.Logger,
	}
	if composer.clock == nil {
		composer.clock = time.Now
	}
	if composer.spawn == nil {
		composer.spawn = func(task func()) { task() }
	}
	if composer.logger == nil {
		composer.logger = zap.NewNop()
	}
	return composer, nil
}

// Submit writes the message to the public feed and the author's index in one update and then
// uploads the attachment, if any. It returns the new message id, or "" for an empty post.
func (c *Composer) Submit(ctx context.Context, userID string, post Post) (string, error) {
	if post.Empty() {
		return "", nil
	}
	if userID == "" {
		return "", ErrNotAuthenticated
	}

	profileSnapshot, err := c.db.Get(ctx, model.UserPath(userID))
	if err != nil {
		return "", err
	}
	var profile model.User
	if err := profileSnapshot.Decode(&profile); err != nil {
		return "", err
	}

	message := model.Message{
		AuthorID:        userID,
		Username:        profile.Username,
		ProfileImageURL: profile.ProfileImageURL,
		Body:            post.Body,
		CreatedAt:       c.clock().UnixMilli(),
	}
	if post.Image != nil {
		message.ImageURL = model.PlaceholderImageURL
	}

	messageID, err := c.db.NewKey()
	if err != nil {
		return "", err
	}
	if err := c.db.Update(ctx, map[string]any{
		model.MessagePath(messageID):             message,
		model.UserMessagePath(userID, messageID): message,
	}); err != nil {
		return "", err
	}
	c.logger.Info("message posted", zap.String("message_id", messageID), zap.String("user_id", userID))

	if post.Image != nil {
		attachment := *post.Image
		c.spawn(func() {
			c.upload(ctx, userID, messageID, attachment)
		})
	}
	return messageID, nil
}

// upload stores the attachment and points both message copies at it. Failures leave the placeholder.
func (c *Composer) upload(ctx context.Context, userID, messageID string, attachment Attachment) {
	objectPath := storage.UploadPath(userID, c.clock(), attachment.Filename)
	url, err := c.bucket.Upload(ctx, objectPath, attachment.Content)
	if err != nil {
		c.logger.Error("image upload failed",
			zap.String("message_id", messageID),
			zap.String("path", objectPath),
			zap.Error(err))
		return
	}
	if err := c.db.Update(ctx, map[string]any{
		model.MessagePath(messageID) + "/imageUrl":             url,
		model.UserMessagePath(userID, messageID) + "/imageUrl": url,
	}); err != nil {
		c.logger.Error("image url update failed", zap.String("message_id", messageID), zap.Error(err))
	}
}
