// Package friends keeps the viewer's friend directory in sync with the realtime tree.
package friends

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
)

// Status describes the friend affordance shown next to another user's message.
type Status string

const (
	// StatusNone renders nothing: the viewer is signed out or is the author.
	StatusNone Status = ""
	// StatusFriend renders the friend badge.
	StatusFriend Status = "friend"
	// StatusAddFriend renders the add-friend action.
	StatusAddFriend Status = "add-friend"
)

var (
	errMissingDatabase = errors.New("friends: database required")
	// ErrSelfFriendship indicates an attempt to befriend oneself.
	ErrSelfFriendship = errors.New("friends: cannot befriend oneself")
	// ErrMissingUserID indicates an empty user identifier.
	ErrMissingUserID = errors.New("friends: user id required")
	// ErrInvalidUserID indicates a user identifier that is not a single path segment.
	ErrInvalidUserID = errors.New("friends: invalid user id")
)

// Friend is a cached friend profile.
type Friend struct {
	ID      string
	Profile model.User
	Loaded  bool
}

// Config describes a directory's dependencies.
type Config struct {
	Database store.Database
	ViewerID string
	// OnChange runs after every cache change.
	OnChange func()
	Logger   *zap.Logger
}

// Directory caches the viewer's friends. It is not safe for concurrent use; callers deliver
// listener callbacks from a single event loop.
type Directory struct {
	db       store.Database
	viewerID string
	onChange func()
	logger   *zap.Logger

	ids           []string
	cache         map[string]*Friend
	subscriptions []store.Subscription
	profiles      map[string]store.Subscription
}

// NewDirectory constructs an empty directory. Call UpdateFriends to start syncing.
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Directory{
		db:       cfg.Database,
		viewerID: cfg.ViewerID,
		onChange: onChange,
		logger:   logger,
		cache:    make(map[string]*Friend),
		profiles: make(map[string]store.Subscription),
	}, nil
}

// UpdateFriends detaches prior listeners, clears the cache and resubscribes to the viewer's
// friend index. A removed friend triggers a full re-run rather than a targeted deletion.
func (d *Directory) UpdateFriends(ctx context.Context) error {
	d.Stop()
	d.ids = nil
	d.cache = make(map[string]*Friend)
	d.onChange()
	if d.viewerID == "" {
		return nil
	}

	index := store.Query{Path: model.FriendIndexPath(d.viewerID)}
	valueSub, err := d.db.Subscribe(ctx, index, store.EventValue, func(snapshot store.Snapshot) {
		d.rebuild(ctx, snapshot)
	})
	if err != nil {
		return err
	}
	d.subscriptions = append(d.subscriptions, valueSub)

	removedSub, err := d.db.Subscribe(ctx, index, store.EventChildRemoved, func(store.Snapshot) {
		if err := d.UpdateFriends(ctx); err != nil {
			d.logger.Error("friend resync failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	d.subscriptions = append(d.subscriptions, removedSub)
	return nil
}

// Stop detaches every listener.
func (d *Directory) Stop() {
	for _, sub := range d.subscriptions {
		sub.Cancel()
	}
	d.subscriptions = nil
	for id, sub := range d.profiles {
		sub.Cancel()
		delete(d.profiles, id)
	}
}

func (d *Directory) rebuild(ctx context.Context, snapshot store.Snapshot) {
	ids := snapshot.Keys()
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for id, sub := range d.profiles {
		if _, ok := present[id]; !ok {
			sub.Cancel()
			delete(d.profiles, id)
			delete(d.cache, id)
		}
	}

	d.ids = ids
	for _, id := range ids {
		if _, ok := d.cache[id]; !ok {
			d.cache[id] = &Friend{ID: id}
		}
		if _, ok := d.profiles[id]; ok {
			continue
		}
		friendID := id
		sub, err := d.db.Subscribe(ctx, store.Query{Path: model.UserPath(friendID)}, store.EventValue, func(profile store.Snapshot) {
			d.applyProfile(friendID, profile)
		})
		if err != nil {
			d.logger.Error("friend profile subscription failed", zap.String("friend_id", friendID), zap.Error(err))
			continue
		}
		d.profiles[friendID] = sub
	}
	d.onChange()
}

func (d *Directory) applyProfile(friendID string, snapshot store.Snapshot) {
	friend, ok := d.cache[friendID]
	if !ok {
		return
	}
	var profile model.User
	if snapshot.Exists() {
		if err := snapshot.Decode(&profile); err != nil {
			d.logger.Warn("friend profile decode failed", zap.String("friend_id", friendID), zap.Error(err))
			return
		}
	}
	friend.Profile = profile
	friend.Loaded = snapshot.Exists()
	d.onChange()
}

// Count returns the number of friends in the index.
func (d *Directory) Count() int {
	return len(d.ids)
}

// Keys lists friend ids in ascending order.
func (d *Directory) Keys() []string {
	return append([]string(nil), d.ids...)
}

// Has reports whether id is a cached friend.
func (d *Directory) Has(id string) bool {
	_, ok := d.cache[id]
	return ok
}

// Friends returns the cached friends ordered by username, then id.
func (d *Directory) Friends() []Friend {
	friends := make([]Friend, 0, len(d.ids))
	for _, id := range d.ids {
		if friend, ok := d.cache[id]; ok {
			friends = append(friends, *friend)
		}
	}
	sort.SliceStable(friends, func(i, j int) bool {
		if friends[i].Profile.Username != friends[j].Profile.Username {
			return friends[i].Profile.Username < friends[j].Profile.Username
		}
		return friends[i].ID < friends[j].ID
	})
	return friends
}

// Status computes the friend affordance for a message author from current cache state.
func (d *Directory) Status(authorID string) Status {
	return StatusFor(d.viewerID, authorID, d.Has)
}

// StatusFor is the pure friend-status rule.
func StatusFor(viewerID, authorID string, isFriend func(string) bool) Status {
	if viewerID == "" || viewerID == authorID {
		return StatusNone
	}
	if isFriend(authorID) {
		return StatusFriend
	}
	return StatusAddFriend
}

// MakeFriends writes both directed edges in one atomic update.
func MakeFriends(ctx context.Context, db store.Database, userA, userB string) error {
	return writeEdges(ctx, db, userA, userB, true)
}

// UnMakeFriends removes both directed edges in one atomic update.
func UnMakeFriends(ctx context.Context, db store.Database, userA, userB string) error {
	return writeEdges(ctx, db, userA, userB, nil)
}

func writeEdges(ctx context.Context, db store.Database, userA, userB string, value any) error {
	if userA == "" || userB == "" {
		return ErrMissingUserID
	}
	for _, userID := range []string{userA, userB} {
		if err := store.ValidKey(userID); err != nil {
			return fmt.Errorf("%w %q: %w", ErrInvalidUserID, userID, err)
		}
	}
	if userA == userB {
		return ErrSelfFriendship
	}
	return db.Update(ctx, map[string]any{
		model.FriendEdgePath(userA, userB): value,
		model.FriendEdgePath(userB, userA): value,
	})
}

// IsFriend reads the directed edge from userA to userB.
func IsFriend(ctx context.Context, db store.Database, userA, userB string) (bool, error) {
	snapshot, err := db.Get(ctx, model.FriendEdgePath(userA, userB))
	if err != nil {
		return false, err
	}
	return snapshot.Exists(), nil
}
