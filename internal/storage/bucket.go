// Package storage provides the object storage used for message image attachments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidObjectPath indicates an object path escaping the bucket or containing empty segments.
	ErrInvalidObjectPath = errors.New("storage: invalid object path")
	// ErrObjectNotFound indicates a missing object.
	ErrObjectNotFound = errors.New("storage: object not found")

	errMissingRoot    = errors.New("storage: root directory required")
	errMissingBaseURL = errors.New("storage: public base url required")
)

// Bucket stores objects addressed by slash-delimited paths and returns durable download URLs.
type Bucket interface {
	Upload(ctx context.Context, objectPath string, content io.Reader) (string, error)
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)
	URLPrefix() string
}

// UploadPath builds uploads/{uid}/{timestamp}/{filename} for an attachment.
func UploadPath(userID string, uploadedAt time.Time, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	return path.Join("uploads", userID, strconv.FormatInt(uploadedAt.UnixMilli(), 10), name)
}

// LocalConfig configures a disk-backed bucket.
type LocalConfig struct {
	Root          string
	PublicBaseURL string
	Logger        *zap.Logger
}

// LocalBucket keeps objects on the local filesystem under Root.
type LocalBucket struct {
	root    string
	baseURL string
	logger  *zap.Logger
}

// NewLocalBucket constructs a bucket rooted at cfg.Root, creating the directory when needed.
func NewLocalBucket(cfg LocalConfig) (*LocalBucket, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errMissingRoot
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBucket{root: root, baseURL: baseURL, logger: logger}, nil
}

// URLPrefix is the prefix shared by every URL the bucket issues.
func (b *LocalBucket) URLPrefix() string {
	return b.baseURL + "/"
}

// Upload writes the object atomically and returns its download URL.
func (b *LocalBucket) Upload(ctx context.Context, objectPath string, content io.Reader) (string, error) {
	target, cleaned, err := b.resolve(objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	temp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", err
	}
	tempName := temp.Name()
	defer os.Remove(tempName)

	if _, err := io.Copy(temp, contextReader{ctx: ctx, reader: content}); err != nil {
		temp.Close()
		return "", fmt.Errorf("storage: write %s: %w", cleaned, err)
	}
	if err := temp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tempName, target); err != nil {
		return "", err
	}
	b.logger.Info("object stored", zap.String("path", cleaned))
	return b.baseURL + "/" + cleaned, nil
}

// Open streams a stored object.
func (b *LocalBucket) Open(_ context.Context, objectPath string) (io.ReadCloser, error) {
	target, cleaned, err := b.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, cleaned)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// FilePath maps an object path onto the filesystem for direct serving.
func (b *LocalBucket) FilePath(objectPath string) (string, error) {
	target, _, err := b.resolve(objectPath)
	return target, err
}

func (b *LocalBucket) resolve(objectPath string) (string, string, error) {
	trimmed := strings.Trim(strings.TrimSpace(objectPath), "/")
	if trimmed == "" {
		return "", "", ErrInvalidObjectPath
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidObjectPath, objectPath)
		}
	}
	return filepath.Join(b.root, filepath.FromSlash(trimmed)), trimmed, nil
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
