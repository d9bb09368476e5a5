package presence

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
)

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

func startTracker(t *testing.T, conn store.Database, userID string, friendKeys func() []string) *Tracker {
	t.Helper()
	tracker, err := NewTracker(Config{Database: conn, UserID: userID, FriendKeys: friendKeys})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return tracker
}

// flappingConn hands the connectivity handler to the test so it can simulate reconnects.
type flappingConn struct {
	*store.Conn
	connectivity store.Handler
}

func (c *flappingConn) Subscribe(ctx context.Context, query store.Query, event store.EventType, handler store.Handler) (store.Subscription, error) {
	if query.Path == store.InfoConnectedPath {
		c.connectivity = handler
	}
	return c.Conn.Subscribe(ctx, query, event, handler)
}

func TestMarkersRepublishAfterReconnect(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	conn := &flappingConn{Conn: tree.Connect()}
	tracker := startTracker(t, conn, "alice", nil)
	if tracker.ViewerCount() != 1 {
		t.Fatalf("expected one viewer, got %d", tracker.ViewerCount())
	}
	if conn.connectivity == nil {
		t.Fatalf("expected connectivity subscription")
	}

	conn.connectivity(store.NewSnapshot("connected", true))
	if tracker.ViewerCount() != 1 {
		t.Fatalf("expected markers published once per connection, got %d viewers", tracker.ViewerCount())
	}

	// The remote side dropped the markers while disconnected.
	conn.connectivity(store.NewSnapshot("connected", false))
	if err := conn.Remove(ctx, model.PresenceViewersPath); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := conn.Remove(ctx, model.OnlineMarkerPath("alice")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if tracker.ViewerCount() != 0 || tracker.IsOnline("alice") {
		t.Fatalf("expected markers gone while disconnected")
	}

	conn.connectivity(store.NewSnapshot("connected", true))
	if tracker.ViewerCount() != 1 {
		t.Fatalf("expected viewer marker republished, got %d", tracker.ViewerCount())
	}
	if !tracker.IsOnline("alice") {
		t.Fatalf("expected online marker republished")
	}
}

func TestViewerCountDropsWhenConnectionCloses(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	first := tree.Connect()
	second := tree.Connect()

	observer := startTracker(t, first, "", nil)
	if observer.ViewerCount() != 1 {
		t.Fatalf("expected one viewer, got %d", observer.ViewerCount())
	}
	startTracker(t, second, "bob", nil)
	if observer.ViewerCount() != 2 {
		t.Fatalf("expected two viewers, got %d", observer.ViewerCount())
	}
	if !observer.IsOnline("bob") {
		t.Fatalf("expected bob online")
	}

	if err := second.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if observer.ViewerCount() != 1 {
		t.Fatalf("expected viewer count to drop to 1, got %d", observer.ViewerCount())
	}
	if observer.IsOnline("bob") {
		t.Fatalf("expected bob offline after disconnect")
	}
}

func TestAnonymousViewerPublishesOnlyViewerMarker(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	conn := tree.Connect()
	startTracker(t, conn, "", nil)

	online, err := conn.Get(ctx, model.PresenceOnlinePath)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if online.Exists() {
		t.Fatalf("anonymous viewer must not publish an online marker")
	}
	viewers, err := conn.Get(ctx, model.PresenceViewersPath)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if viewers.NumChildren() != 1 {
		t.Fatalf("expected one viewer marker, got %d", viewers.NumChildren())
	}
}

func TestOnlineFriendsIntersectsFriendCache(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	setup := tree.Connect()
	if err := setup.Set(ctx, model.UserPath("bob"), model.User{Username: "Bob"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	friendKeys := []string{"bob", "carol"}
	alice := startTracker(t, tree.Connect(), "alice", func() []string { return friendKeys })
	if len(alice.OnlineFriends()) != 0 {
		t.Fatalf("expected no online friends")
	}

	bobConn := tree.Connect()
	startTracker(t, bobConn, "bob", nil)
	startTracker(t, tree.Connect(), "dave", nil)

	online := alice.OnlineFriends()
	if len(online) != 1 || online[0].ID != "bob" || online[0].Username != "Bob" {
		t.Fatalf("unexpected online friends %+v", online)
	}

	friendKeys = []string{"carol"}
	alice.RefreshOnlineFriends(ctx)
	if len(alice.OnlineFriends()) != 0 {
		t.Fatalf("unfriended users should leave the online list")
	}

	friendKeys = []string{"bob"}
	if err := bobConn.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(alice.OnlineFriends()) != 0 {
		t.Fatalf("disconnected friend should leave the online list")
	}
}
