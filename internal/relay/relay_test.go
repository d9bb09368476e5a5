package relay

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/fello/internal/friends"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
)

type recordingSender struct {
	mu       sync.Mutex
	requests [][]string
}

func (s *recordingSender) Send(_ context.Context, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, append([]string(nil), tokens...))
	return nil
}

func (s *recordingSender) Requests() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.requests...)
}

func newTestConn(t *testing.T) *store.Conn {
	t.Helper()
	tree, err := store.NewTree(context.Background(), store.TreeConfig{IDProvider: store.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct tree: %v", err)
	}
	return tree.Connect()
}

func postMessage(t *testing.T, conn *store.Conn, authorID, body string) string {
	t.Helper()
	key, err := conn.NewKey()
	if err != nil {
		t.Fatalf("new key failed: %v", err)
	}
	if err := conn.Set(context.Background(), model.MessagePath(key), model.Message{AuthorID: authorID, Body: body}); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	return key
}

func TestRelaySendsOneRequestWithResolvedTokens(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)
	for _, friendID := range []string{"bob", "carol", "dave"} {
		if err := friends.MakeFriends(ctx, conn, "alice", friendID); err != nil {
			t.Fatalf("make friends failed: %v", err)
		}
	}
	if err := conn.Set(ctx, model.PushTokenPath("bob"), "token-bob"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := conn.Set(ctx, model.PushTokenPath("dave"), "token-dave"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sender := &recordingSender{}
	relay, err := New(Config{Database: conn, Sender: sender})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	subscription, err := relay.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer subscription.Cancel()

	postMessage(t, conn, "alice", "hello")

	requests := sender.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected one push request, got %d", len(requests))
	}
	if !reflect.DeepEqual(requests[0], []string{"token-bob", "token-dave"}) {
		t.Fatalf("unexpected tokens %v", requests[0])
	}
}

func TestRelaySuppressesHistory(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)
	if err := friends.MakeFriends(ctx, conn, "alice", "bob"); err != nil {
		t.Fatalf("make friends failed: %v", err)
	}
	if err := conn.Set(ctx, model.PushTokenPath("bob"), "token-bob"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	postMessage(t, conn, "alice", "old one")
	postMessage(t, conn, "alice", "old two")

	sender := &recordingSender{}
	relay, err := New(Config{Database: conn, Sender: sender})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	subscription, err := relay.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer subscription.Cancel()
	if len(sender.Requests()) != 0 {
		t.Fatalf("history must not be notified, got %v", sender.Requests())
	}

	postMessage(t, conn, "alice", "fresh")
	if len(sender.Requests()) != 1 {
		t.Fatalf("expected one request for the fresh message, got %d", len(sender.Requests()))
	}
}

func TestRelaySkipsAuthorsWithoutReachableFriends(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)
	if err := friends.MakeFriends(ctx, conn, "alice", "bob"); err != nil {
		t.Fatalf("make friends failed: %v", err)
	}
	if err := conn.Set(ctx, model.PushTokenPath("bob"), ""); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sender := &recordingSender{}
	relay, err := New(Config{Database: conn, Sender: sender})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	subscription, err := relay.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer subscription.Cancel()

	postMessage(t, conn, "alice", "nobody listens")
	postMessage(t, conn, "zed", "no friends")
	if len(sender.Requests()) != 0 {
		t.Fatalf("expected no push requests, got %v", sender.Requests())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	conn := newTestConn(t)
	relay, err := New(Config{Database: conn, Sender: &recordingSender{}})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run returned %v", err)
	}
}
