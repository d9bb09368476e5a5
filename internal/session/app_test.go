package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/relay"
	"github.com/MarcoPoloResearchLab/fello/internal/render"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingOutbox struct {
	frames []Outbound
}

func (o *recordingOutbox) Send(_ context.Context, frame Outbound) error {
	o.frames = append(o.frames, frame)
	return nil
}

func (o *recordingOutbox) ops() []render.Op {
	var ops []render.Op
	for _, frame := range o.frames {
		ops = append(ops, frame.Ops...)
	}
	return ops
}

func (o *recordingOutbox) ofType(kind string) []Outbound {
	var frames []Outbound
	for _, frame := range o.frames {
		if frame.Type == kind {
			frames = append(frames, frame)
		}
	}
	return frames
}

type countingSender struct {
	mu    sync.Mutex
	count int
}

func (s *countingSender) Send(context.Context, []string) error {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func newTestTree(t *testing.T) *store.Tree {
	t.Helper()
	tree, err := store.NewTree(context.Background(), store.TreeConfig{
		IDProvider:     store.NewUUIDProvider(),
		EphemeralRoots: []string{model.PresenceRoot},
	})
	if err != nil {
		t.Fatalf("failed to construct tree: %v", err)
	}
	return tree
}

func newTestApp(t *testing.T, tree *store.Tree, user *users.SignedInUser, logger *zap.Logger) (*App, *recordingOutbox) {
	t.Helper()
	bucket, err := storage.NewLocalBucket(storage.LocalConfig{Root: t.TempDir(), PublicBaseURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("failed to construct bucket: %v", err)
	}
	outbox := &recordingOutbox{}
	app, err := New(Config{
		Connector: tree,
		User:      user,
		Bucket:    bucket,
		Outbox:    outbox,
		Spawn:     func(task func()) { task() },
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to construct app: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pump(t, app)
	return app, outbox
}

func pump(t *testing.T, app *App) {
	t.Helper()
	if err := app.Pump(context.Background()); err != nil {
		t.Fatalf("pump failed: %v", err)
	}
}

func alice() *users.SignedInUser {
	return &users.SignedInUser{UserID: "alice", Profile: model.User{Username: "Alice"}}
}

func TestHelloPostRendersWithoutImageOrPush(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	sender := &countingSender{}
	notifier, err := relay.New(relay.Config{Database: tree.Connect(), Sender: sender})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	subscription, err := notifier.Start(ctx)
	if err != nil {
		t.Fatalf("relay start failed: %v", err)
	}
	defer subscription.Cancel()

	app, outbox := newTestApp(t, tree, alice(), nil)
	defer app.Close(ctx)

	app.Handle(ctx, Inbound{Type: FramePost, Body: "hello"})
	pump(t, app)

	var inserted []render.Op
	for _, op := range outbox.ops() {
		if op.Op == render.OpInsertHead && op.Target == render.TargetFeed {
			inserted = append(inserted, op)
		}
	}
	if len(inserted) != 1 {
		t.Fatalf("expected one inserted message, got %+v", outbox.ops())
	}
	if !strings.Contains(inserted[0].HTML, "hello") {
		t.Fatalf("message text missing: %s", inserted[0].HTML)
	}
	if strings.Contains(inserted[0].HTML, "message-image") {
		t.Fatalf("text post must not render an image: %s", inserted[0].HTML)
	}
	if !strings.Contains(inserted[0].HTML, "message-me") {
		t.Fatalf("own post should render the me variant: %s", inserted[0].HTML)
	}
	if len(outbox.ofType(FrameReset)) != 1 {
		t.Fatalf("expected composer reset")
	}
	if sender.count != 0 {
		t.Fatalf("author without friends must trigger no push, got %d", sender.count)
	}

	profile, err := tree.Connect().Get(ctx, model.UserPath("alice"))
	if err != nil || !profile.Exists() {
		t.Fatalf("profile should be saved on sign-in: %v", err)
	}
}

func TestAnonymousSessionCannotPostOrVisitFriends(t *testing.T) {
	ctx := context.Background()
	app, outbox := newTestApp(t, newTestTree(t), nil, nil)
	defer app.Close(ctx)

	app.Handle(ctx, Inbound{Type: FramePost, Body: "hi"})
	alerts := outbox.ofType(FrameAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected sign-in alert, got %+v", outbox.frames)
	}

	app.Handle(ctx, Inbound{Type: FrameNavigate, Hash: FriendsHash})
	redirects := outbox.ofType(FrameRedirect)
	if len(redirects) != 1 || redirects[0].Hash != HomeHash {
		t.Fatalf("expected redirect home, got %+v", redirects)
	}
}

func TestFriendshipUpdatesBadgesAndCounts(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	bob, _ := newTestApp(t, tree, &users.SignedInUser{UserID: "bob", Profile: model.User{Username: "Bob"}}, nil)
	defer bob.Close(ctx)
	bob.Handle(ctx, Inbound{Type: FramePost, Body: "from bob"})
	pump(t, bob)

	app, outbox := newTestApp(t, tree, alice(), nil)
	defer app.Close(ctx)
	if !strings.Contains(lastFill(outbox, render.TargetFeed), "add-friend") {
		t.Fatalf("expected add-friend affordance in %s", lastFill(outbox, render.TargetFeed))
	}

	app.Handle(ctx, Inbound{Type: FrameAddFriend, UserID: "bob"})
	pump(t, app)

	replaced := false
	for _, op := range outbox.ops() {
		if op.Op == render.OpReplace && strings.Contains(op.HTML, "friend-badge") {
			replaced = true
		}
	}
	if !replaced {
		t.Fatalf("expected friend badge after befriending, got %+v", outbox.ops())
	}
	if !strings.Contains(lastFill(outbox, render.TargetMe), `<span class="me-friends">1</span>`) {
		t.Fatalf("expected friend count in me block: %s", lastFill(outbox, render.TargetMe))
	}
	if !strings.Contains(lastFill(outbox, render.TargetOnlineFriends), "Bob") {
		t.Fatalf("expected bob online: %s", lastFill(outbox, render.TargetOnlineFriends))
	}

	app.Handle(ctx, Inbound{Type: FrameNavigate, Hash: FriendsHash})
	pump(t, app)
	if !strings.Contains(lastFill(outbox, render.TargetFriendsList), "friend-bob") {
		t.Fatalf("expected bob on the friends page: %s", lastFill(outbox, render.TargetFriendsList))
	}
	if lastFill(outbox, render.TargetFeed) != "" {
		t.Fatalf("feed should be cleared on the friends page")
	}

	if err := bob.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	pump(t, app)
	if strings.Contains(lastFill(outbox, render.TargetOnlineFriends), "Bob") {
		t.Fatalf("bob should be offline after closing: %s", lastFill(outbox, render.TargetOnlineFriends))
	}
}

func lastFill(outbox *recordingOutbox, target string) string {
	html := ""
	for _, op := range outbox.ops() {
		if op.Op == render.OpFill && op.Target == target {
			html = op.HTML
		}
	}
	return html
}

func TestPushSubscriptionStoresTrailingSegment(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	core, logs := observer.New(zap.InfoLevel)
	app, _ := newTestApp(t, tree, alice(), zap.New(core))
	defer app.Close(ctx)

	app.Handle(ctx, Inbound{Type: FramePushSubscription, Endpoint: "https://fcm.googleapis.com/fcm/send/abc:DEF-123"})
	snapshot, err := tree.Connect().Get(ctx, model.PushTokenPath("alice"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if token, _ := snapshot.String(); token != "abc:DEF-123" {
		t.Fatalf("unexpected token %q", token)
	}

	app.Handle(ctx, Inbound{Type: FramePushSubscriptionError, Error: &ErrorPayload{Name: "NotAllowedError"}})
	app.Handle(ctx, Inbound{Type: FramePushSubscriptionError, Error: &ErrorPayload{Name: "AbortError"}})
	if entries := logs.FilterMessage("push permission denied").All(); len(entries) != 1 || entries[0].Level != zap.InfoLevel {
		t.Fatalf("expected permission denial at info, got %+v", entries)
	}
	if entries := logs.FilterMessage("push subscription failed").All(); len(entries) != 1 || entries[0].Level != zap.ErrorLevel {
		t.Fatalf("expected other failures at error, got %+v", entries)
	}
}

func TestPushToken(t *testing.T) {
	if got := PushToken("https://push.example/send/xyz/"); got != "xyz" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := PushToken(""); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
