package render

import (
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/fello/internal/feed"
	"github.com/MarcoPoloResearchLab/fello/internal/friends"
	"github.com/MarcoPoloResearchLab/fello/internal/presence"
)

func findOps(ops []Op, kind, target string) []Op {
	var matches []Op
	for _, op := range ops {
		if op.Op == kind && op.Target == target {
			matches = append(matches, op)
		}
	}
	return matches
}

func TestFirstDiffPaintsEverything(t *testing.T) {
	renderer := NewRenderer()
	ops, err := renderer.Diff(View{Page: PageHome, ViewerCount: 1})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	for _, target := range []string{TargetMe, TargetViewerCount, TargetOnlineFriends, TargetFriendsList, TargetFeed} {
		if len(findOps(ops, OpFill, target)) != 1 {
			t.Fatalf("expected fill for %s in %+v", target, ops)
		}
	}
	if len(findOps(ops, OpHide, TargetComposer)) != 1 || len(findOps(ops, OpShow, TargetHomePage)) != 1 {
		t.Fatalf("unexpected visibility ops %+v", ops)
	}
	if !strings.Contains(findOps(ops, OpFill, TargetViewerCount)[0].HTML, "1</span> person here now") {
		t.Fatalf("unexpected viewer fragment %q", findOps(ops, OpFill, TargetViewerCount)[0].HTML)
	}

	again, err := renderer.Diff(View{Page: PageHome, ViewerCount: 1})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("unchanged view should produce no ops, got %+v", again)
	}
}

func TestFeedDiffInsertsNewItemsAtHeadAndReplacesChanged(t *testing.T) {
	renderer := NewRenderer()
	first := feed.Item{ID: "m1", Username: "Bob", Body: "one", FriendStatus: friends.StatusAddFriend}
	if _, err := renderer.Diff(View{Feed: []feed.Item{first}}); err != nil {
		t.Fatalf("diff failed: %v", err)
	}

	second := feed.Item{ID: "m2", Username: "Carol", Body: "two"}
	third := feed.Item{ID: "m3", Username: "Dave", Body: "three"}
	first.FriendStatus = friends.StatusFriend
	ops, err := renderer.Diff(View{Feed: []feed.Item{third, second, first}})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	inserts := findOps(ops, OpInsertHead, TargetFeed)
	if len(inserts) != 2 {
		t.Fatalf("expected two inserts, got %+v", ops)
	}
	if !strings.Contains(inserts[0].HTML, `id="message-m2"`) || !strings.Contains(inserts[1].HTML, `id="message-m3"`) {
		t.Fatalf("inserts should apply oldest first: %+v", inserts)
	}
	replaced := findOps(ops, OpReplace, "message-m1")
	if len(replaced) != 1 || !strings.Contains(replaced[0].HTML, "friend-badge") {
		t.Fatalf("expected friend badge replacement, got %+v", ops)
	}

	cleared, err := renderer.Diff(View{})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	fills := findOps(cleared, OpFill, TargetFeed)
	if len(fills) != 1 || fills[0].HTML != "" {
		t.Fatalf("expected feed to be emptied, got %+v", cleared)
	}
}

func TestMessageFragmentEscapesAndRendersImages(t *testing.T) {
	renderer := NewRenderer()
	item := feed.Item{
		ID:    "m1",
		Body:  "<script>alert(1)</script>",
		Own:   true,
		Image: &feed.Image{URL: "http://cdn/cat.png", Link: "http://cdn/cat.png", Width: 200, Height: 100},
	}
	ops, err := renderer.Diff(View{Feed: []feed.Item{item}})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	html := findOps(ops, OpFill, TargetFeed)[0].HTML
	if strings.Contains(html, "<script>") {
		t.Fatalf("body must be escaped: %s", html)
	}
	if !strings.Contains(html, "message-me") || strings.Contains(html, "add-friend") {
		t.Fatalf("own message should render the me variant: %s", html)
	}
	if !strings.Contains(html, `width="200" height="100"`) {
		t.Fatalf("expected thumbnail dimensions: %s", html)
	}
}

func TestOnlineFriendsAndFriendsPage(t *testing.T) {
	renderer := NewRenderer()
	ops, err := renderer.Diff(View{
		Page:          PageFriends,
		SignedIn:      true,
		OnlineFriends: []presence.OnlineFriend{{ID: "bob", Username: "Bob"}},
		Friends:       []FriendRow{{ID: "bob", Username: "Bob", Online: true}},
	})
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !strings.Contains(findOps(ops, OpFill, TargetOnlineFriends)[0].HTML, "Bob") {
		t.Fatalf("expected online friend")
	}
	if !strings.Contains(findOps(ops, OpFill, TargetFriendsList)[0].HTML, "presence-online") {
		t.Fatalf("expected presence dot")
	}
	if len(findOps(ops, OpShow, TargetFriendsPage)) != 1 || len(findOps(ops, OpHide, TargetHomePage)) != 1 {
		t.Fatalf("unexpected page visibility %+v", ops)
	}
}
