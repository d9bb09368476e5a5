package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/session"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/store/remote"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stubSessions struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUsers struct{}

func (stubUsers) Resolve(_ context.Context, claims auth.SessionClaims) (users.SignedInUser, error) {
	return users.SignedInUser{UserID: claims.UserID, Profile: model.User{Username: claims.UserDisplayName}}, nil
}

type testServer struct {
	url    string
	tree   *store.Tree
	bucket *storage.LocalBucket
	tokens *auth.TokenIssuer
}

func newTestServer(t *testing.T, sessions SessionValidator) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tree, err := store.NewTree(context.Background(), store.TreeConfig{
		IDProvider:     store.NewUUIDProvider(),
		EphemeralRoots: []string{model.PresenceRoot},
	})
	if err != nil {
		t.Fatalf("failed to construct tree: %v", err)
	}
	bucket, err := storage.NewLocalBucket(storage.LocalConfig{Root: t.TempDir(), PublicBaseURL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("failed to construct bucket: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("realtime-secret"),
		Issuer:        auth.ServiceIssuer,
		Audience:      auth.ServiceAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tree:         tree,
		Sessions:     sessions,
		Users:        stubUsers{},
		TokenManager: tokens,
		Bucket:       bucket,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{url: server.URL, tree: tree, bucket: bucket, tokens: tokens}
}

func websocketURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestHealthAndStaticShell(t *testing.T) {
	server := newTestServer(t, stubSessions{err: auth.ErrMissingSessionToken})

	for _, path := range []string{"/healthz", "/", "/app.js", "/sw.js", "/images/loader.gif"} {
		response, err := http.Get(server.url + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Fatalf("GET %s returned %d", path, response.StatusCode)
		}
	}
}

func TestDownloadServesUploadedObjects(t *testing.T) {
	server := newTestServer(t, stubSessions{err: auth.ErrMissingSessionToken})
	objectPath := storage.UploadPath("alice", time.UnixMilli(1700000000000), "cat.png")
	if _, err := server.bucket.Upload(context.Background(), objectPath, bytes.NewReader([]byte("png-bytes"))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	response, err := http.Get(server.url + "/" + objectPath)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "image/png" {
		t.Fatalf("unexpected content type %q", contentType)
	}

	missing, err := http.Get(server.url + "/uploads/alice/nothing.png")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", missing.StatusCode)
	}
}

func TestRealtimeRequiresServiceToken(t *testing.T) {
	server := newTestServer(t, stubSessions{err: auth.ErrMissingSessionToken})
	if _, err := remote.Dial(context.Background(), websocketURL(server.url, "/realtime"), "", nil); err == nil {
		t.Fatalf("expected unauthorized dial to fail")
	}

	token, _, err := server.tokens.IssueServiceToken("fello-relay")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	client, err := remote.Dial(context.Background(), websocketURL(server.url, "/realtime"), token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), model.PushTokenPath("bob"), "token-bob"); err != nil {
		t.Fatalf("remote set failed: %v", err)
	}
	snapshot, err := server.tree.Connect().Get(context.Background(), model.PushTokenPath("bob"))
	if err != nil {
		t.Fatalf("local get failed: %v", err)
	}
	if value, _ := snapshot.String(); value != "token-bob" {
		t.Fatalf("unexpected token %q", value)
	}
}

func readOutbound(t *testing.T, conn *websocket.Conn) session.Outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame session.Outbound
	if err := json.Unmarshal(message, &frame); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return frame
}

func TestSessionSocketRendersAndRedirectsAnonymousVisitors(t *testing.T) {
	server := newTestServer(t, stubSessions{err: auth.ErrMissingSessionToken})
	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(server.url, "/session"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	first := readOutbound(t, conn)
	if first.Type != session.FramePatch || len(first.Ops) == 0 {
		t.Fatalf("expected initial patch, got %+v", first)
	}

	if err := conn.WriteJSON(session.Inbound{Type: session.FrameNavigate, Hash: session.FriendsHash}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	for {
		frame := readOutbound(t, conn)
		if frame.Type == session.FrameRedirect {
			if frame.Hash != session.HomeHash {
				t.Fatalf("unexpected redirect %+v", frame)
			}
			return
		}
	}
}

func TestSessionSocketRejectsForeignOrigins(t *testing.T) {
	server := newTestServer(t, stubSessions{claims: auth.SessionClaims{UserID: "alice", UserDisplayName: "Alice"}})

	foreign := http.Header{"Origin": []string{"https://evil.example"}}
	conn, response, err := websocket.DefaultDialer.Dial(websocketURL(server.url, "/session"), foreign)
	if err == nil {
		conn.Close()
		t.Fatalf("expected cross-origin upgrade to fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden response, got %+v", response)
	}

	same := http.Header{"Origin": []string{server.url}}
	conn, _, err = websocket.DefaultDialer.Dial(websocketURL(server.url, "/session"), same)
	if err != nil {
		t.Fatalf("same-origin dial failed: %v", err)
	}
	defer conn.Close()
	readOutbound(t, conn)
}

func TestSessionSocketSavesSignedInProfile(t *testing.T) {
	server := newTestServer(t, stubSessions{claims: auth.SessionClaims{UserID: "alice", UserDisplayName: "Alice"}})
	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(server.url, "/session"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readOutbound(t, conn)

	snapshot, err := server.tree.Connect().Get(context.Background(), model.UserPath("alice")+"/username")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if username, _ := snapshot.String(); username != "Alice" {
		t.Fatalf("unexpected username %q", username)
	}
}
