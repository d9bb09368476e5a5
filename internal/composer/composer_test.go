package composer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingBucket struct{}

func (failingBucket) Upload(context.Context, string, io.Reader) (string, error) {
	return "", errors.New("quota exceeded")
}

func (failingBucket) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrObjectNotFound
}

func (failingBucket) URLPrefix() string {
	return "http://bucket/"
}

type fixture struct {
	conn     *store.Conn
	composer *Composer
	spawned  []func()
}

func newFixture(t *testing.T, bucket storage.Bucket, logger *zap.Logger) *fixture {
	t.Helper()
	tree, err := store.NewTree(context.Background(), store.TreeConfig{IDProvider: store.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct tree: %v", err)
	}
	f := &fixture{conn: tree.Connect()}
	if err := f.conn.Set(context.Background(), model.UserPath("alice"), model.User{Username: "Alice", ProfileImageURL: "http://img/alice.png"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	f.composer, err = New(Config{
		Database: f.conn,
		Bucket:   bucket,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
		Spawn:    func(task func()) { f.spawned = append(f.spawned, task) },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct composer: %v", err)
	}
	return f
}

func newLocalBucket(t *testing.T) *storage.LocalBucket {
	t.Helper()
	bucket, err := storage.NewLocalBucket(storage.LocalConfig{Root: t.TempDir(), PublicBaseURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("failed to construct bucket: %v", err)
	}
	return bucket
}

func readMessage(t *testing.T, conn *store.Conn, path string) model.Message {
	t.Helper()
	snapshot, err := conn.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !snapshot.Exists() {
		t.Fatalf("expected message at %s", path)
	}
	var message model.Message
	if err := snapshot.Decode(&message); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return message
}

func TestSubmitIgnoresEmptyPostAndRequiresUser(t *testing.T) {
	f := newFixture(t, newLocalBucket(t), nil)
	id, err := f.composer.Submit(context.Background(), "alice", Post{})
	if err != nil || id != "" {
		t.Fatalf("empty post should be a no-op, got %q, %v", id, err)
	}
	if _, err := f.composer.Submit(context.Background(), "", Post{Body: "hi"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	messages, _ := f.conn.Get(context.Background(), model.MessagesPath)
	if messages.Exists() {
		t.Fatalf("no message should be written")
	}
}

func TestSubmitDualWritesTextMessage(t *testing.T) {
	f := newFixture(t, newLocalBucket(t), nil)
	id, err := f.composer.Submit(context.Background(), "alice", Post{Body: "hello"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	public := readMessage(t, f.conn, model.MessagePath(id))
	private := readMessage(t, f.conn, model.UserMessagePath("alice", id))
	if public != private {
		t.Fatalf("copies differ: %+v vs %+v", public, private)
	}
	expected := model.Message{
		AuthorID:        "alice",
		Username:        "Alice",
		ProfileImageURL: "http://img/alice.png",
		Body:            "hello",
		CreatedAt:       1700000000000,
	}
	if public != expected {
		t.Fatalf("unexpected message %+v", public)
	}
	if len(f.spawned) != 0 {
		t.Fatalf("text post must not upload")
	}
}

func TestSubmitUploadsImageThenPatchesBothCopies(t *testing.T) {
	bucket := newLocalBucket(t)
	f := newFixture(t, bucket, nil)
	id, err := f.composer.Submit(context.Background(), "alice", Post{
		Body:  "look",
		Image: &Attachment{Filename: "cat.png", Content: strings.NewReader("png-bytes")},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got := readMessage(t, f.conn, model.MessagePath(id)).ImageURL; got != model.PlaceholderImageURL {
		t.Fatalf("expected placeholder before upload, got %q", got)
	}
	if len(f.spawned) != 1 {
		t.Fatalf("expected one upload task, got %d", len(f.spawned))
	}
	f.spawned[0]()

	want := "http://localhost:8080/uploads/alice/1700000000000/cat.png"
	for _, path := range []string{model.MessagePath(id), model.UserMessagePath("alice", id)} {
		if got := readMessage(t, f.conn, path).ImageURL; got != want {
			t.Fatalf("expected %s at %s, got %q", want, path, got)
		}
	}
	reader, err := bucket.Open(context.Background(), "uploads/alice/1700000000000/cat.png")
	if err != nil {
		t.Fatalf("uploaded object missing: %v", err)
	}
	defer reader.Close()
}

func TestUploadFailureKeepsPlaceholderAndLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	f := newFixture(t, failingBucket{}, zap.New(core))
	id, err := f.composer.Submit(context.Background(), "alice", Post{
		Image: &Attachment{Filename: "cat.png", Content: strings.NewReader("png-bytes")},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	f.spawned[0]()

	if got := readMessage(t, f.conn, model.MessagePath(id)).ImageURL; got != model.PlaceholderImageURL {
		t.Fatalf("placeholder should persist after failure, got %q", got)
	}
	if logs.FilterMessage("image upload failed").Len() != 1 {
		t.Fatalf("expected upload failure log")
	}
}
