// Package presence publishes the viewer's presence markers and follows viewer and online-friend counts.
package presence

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
)

var errMissingDatabase = errors.New("presence: database required")

// OnlineFriend is a friend with a live connection marker.
type OnlineFriend struct {
	ID       string
	Username string
}

// Config describes a tracker's dependencies.
type Config struct {
	Database store.Database
	// UserID is empty for anonymous viewers, who publish only a viewer marker.
	UserID string
	// FriendKeys lists the viewer's current friend ids.
	FriendKeys func() []string
	OnChange   func()
	Logger     *zap.Logger
}

// Tracker maintains presence state for one connection. Methods must be called from one goroutine.
type Tracker struct {
	db         store.Database
	userID     string
	friendKeys func() []string
	onChange   func()
	logger     *zap.Logger

	subscriptions []store.Subscription
	published     bool
	viewerCount   int
	connected     map[string]struct{}
	online        []OnlineFriend
}

// NewTracker constructs a tracker. Call Start to publish markers.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	tracker := &Tracker{
		db:         cfg.Database,
		userID:     cfg.UserID,
		friendKeys: cfg.FriendKeys,
		onChange:   cfg.OnChange,
		logger:     cfg.Logger,
		connected:  make(map[string]struct{}),
	}
	if tracker.friendKeys == nil {
		tracker.friendKeys = func() []string { return nil }
	}
	if tracker.onChange == nil {
		tracker.onChange = func() {}
	}
	if tracker.logger == nil {
		tracker.logger = zap.NewNop()
	}
	return tracker, nil
}

// Start follows the connectivity signal and the shared presence locations.
func (t *Tracker) Start(ctx context.Context) error {
	t.Stop()
	subscribe := func(path string, handler store.Handler) error {
		sub, err := t.db.Subscribe(ctx, store.Query{Path: path}, store.EventValue, handler)
		if err != nil {
			t.Stop()
			return err
		}
		t.subscriptions = append(t.subscriptions, sub)
		return nil
	}

	if err := subscribe(store.InfoConnectedPath, func(snapshot store.Snapshot) {
		if connected, _ := snapshot.Value().(bool); connected {
			t.publish(ctx)
			return
		}
		// The server ran the disconnect hooks; the next connection publishes fresh markers.
		t.published = false
	}); err != nil {
		return err
	}
	if err := subscribe(model.PresenceViewersPath, func(snapshot store.Snapshot) {
		t.viewerCount = snapshot.NumChildren()
		t.onChange()
	}); err != nil {
		return err
	}
	return subscribe(model.PresenceOnlinePath, func(snapshot store.Snapshot) {
		connected := make(map[string]struct{}, snapshot.NumChildren())
		for _, id := range snapshot.Keys() {
			connected[id] = struct{}{}
		}
		t.connected = connected
		t.RefreshOnlineFriends(ctx)
	})
}

// publish writes the markers once per connection, registering each removal hook before
// its marker.
func (t *Tracker) publish(ctx context.Context) {
	if t.published {
		return
	}
	key, err := t.db.NewKey()
	if err != nil {
		t.logger.Error("presence key generation failed", zap.Error(err))
		return
	}
	markers := []string{model.ViewerMarkerPath(key)}
	if t.userID != "" {
		markers = append(markers, model.OnlineMarkerPath(t.userID))
	}
	for _, marker := range markers {
		if err := t.db.OnDisconnect(ctx, map[string]any{marker: nil}); err != nil {
			t.logger.Error("presence disconnect hook failed", zap.String("path", marker), zap.Error(err))
			continue
		}
		if err := t.db.Set(ctx, marker, true); err != nil {
			t.logger.Error("presence marker write failed", zap.String("path", marker), zap.Error(err))
		}
	}
	t.published = true
}

// RefreshOnlineFriends intersects the connected markers with the friend cache.
func (t *Tracker) RefreshOnlineFriends(ctx context.Context) {
	var online []OnlineFriend
	for _, id := range t.friendKeys() {
		if _, ok := t.connected[id]; !ok {
			continue
		}
		friend := OnlineFriend{ID: id}
		snapshot, err := t.db.Get(ctx, model.UserPath(id)+"/username")
		if err != nil {
			t.logger.Warn("online friend lookup failed", zap.String("friend_id", id), zap.Error(err))
		} else if username, ok := snapshot.String(); ok {
			friend.Username = username
		}
		online = append(online, friend)
	}
	t.online = online
	t.onChange()
}

// Stop detaches listeners. Published markers are removed only when the connection closes.
func (t *Tracker) Stop() {
	for _, sub := range t.subscriptions {
		sub.Cancel()
	}
	t.subscriptions = nil
}

// ViewerCount is the number of live viewer markers.
func (t *Tracker) ViewerCount() int {
	return t.viewerCount
}

// IsOnline reports whether id has a live connection marker.
func (t *Tracker) IsOnline(id string) bool {
	_, ok := t.connected[id]
	return ok
}

// OnlineFriends lists online friends in friend key order.
func (t *Tracker) OnlineFriends() []OnlineFriend {
	return append([]OnlineFriend(nil), t.online...)
}
