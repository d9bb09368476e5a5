// Package feed reduces message listener events into the feed view-model.
package feed

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/fello/internal/friends"
	"github.com/MarcoPoloResearchLab/fello/internal/media"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
)

// BodyDisplayLimit is the number of characters shown before the body is elided.
const BodyDisplayLimit = 140

const ellipsis = "..."

var errMissingDatabase = errors.New("feed: database required")

// Image is the displayed attachment state of an item.
type Image struct {
	URL         string
	Link        string
	Width       int
	Height      int
	Placeholder bool
}

// Item is one rendered message.
type Item struct {
	ID              string
	AuthorID        string
	Username        string
	ProfileImageURL string
	Body            string
	Own             bool
	FriendStatus    friends.Status
	Image           *Image

	requestedURL string
}

// Dispatcher runs work away from the caller and applies its result back on the caller's loop.
type Dispatcher func(work func() (apply func()))

// Config describes a feed's dependencies.
type Config struct {
	Database store.Database
	ViewerID string
	// FriendStatus reports the friend affordance for an author. Nil renders none.
	FriendStatus func(authorID string) friends.Status
	Prober       media.Prober
	// Dispatch defaults to running probe work inline.
	Dispatch Dispatcher
	OnChange func()
	Logger   *zap.Logger
}

// Feed holds the displayed messages newest first. Methods must be called from one goroutine.
type Feed struct {
	db           store.Database
	viewerID     string
	friendStatus func(string) friends.Status
	prober       media.Prober
	dispatch     Dispatcher
	onChange     func()
	logger       *zap.Logger

	items         []*Item
	index         map[string]*Item
	subscriptions []store.Subscription
	generation    uint64
}

// New constructs an empty feed.
func New(cfg Config) (*Feed, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	feed := &Feed{
		db:           cfg.Database,
		viewerID:     cfg.ViewerID,
		friendStatus: cfg.FriendStatus,
		prober:       cfg.Prober,
		dispatch:     cfg.Dispatch,
		onChange:     cfg.OnChange,
		logger:       cfg.Logger,
		index:        make(map[string]*Item),
	}
	if feed.friendStatus == nil {
		feed.friendStatus = func(string) friends.Status { return friends.StatusNone }
	}
	if feed.dispatch == nil {
		feed.dispatch = func(work func() func()) { work()() }
	}
	if feed.onChange == nil {
		feed.onChange = func() {}
	}
	if feed.logger == nil {
		feed.logger = zap.NewNop()
	}
	return feed, nil
}

// Load detaches the previous listeners and subscribes to the trailing message window.
func (f *Feed) Load(ctx context.Context) error {
	f.detach()
	query := store.Query{Path: model.MessagesPath, LimitToLast: model.FeedWindow}
	for _, event := range []store.EventType{store.EventChildAdded, store.EventChildChanged} {
		sub, err := f.db.Subscribe(ctx, query, event, func(snapshot store.Snapshot) {
			f.Display(snapshot.Key(), snapshot)
		})
		if err != nil {
			f.detach()
			return err
		}
		f.subscriptions = append(f.subscriptions, sub)
	}
	return nil
}

// Clear drops every item and listener. Pending probe results are discarded.
func (f *Feed) Clear() {
	f.detach()
	f.items = nil
	f.index = make(map[string]*Item)
	f.generation++
	f.onChange()
}

func (f *Feed) detach() {
	for _, sub := range f.subscriptions {
		sub.Cancel()
	}
	f.subscriptions = nil
}

// Display upserts message id. Unknown ids are inserted at the head; known ids update
// their body and image in place. A missing value is ignored.
func (f *Feed) Display(id string, snapshot store.Snapshot) {
	if id == "" || !snapshot.Exists() {
		return
	}
	var message model.Message
	if err := snapshot.Decode(&message); err != nil {
		f.logger.Warn("message decode failed", zap.String("message_id", id), zap.Error(err))
		return
	}

	item, known := f.index[id]
	if !known {
		item = &Item{
			ID:              id,
			AuthorID:        message.AuthorID,
			Username:        message.Username,
			ProfileImageURL: message.ProfileImageURL,
			Own:             f.viewerID != "" && message.AuthorID == f.viewerID,
		}
		if item.ProfileImageURL == "" {
			item.ProfileImageURL = model.DefaultProfileImageURL
		}
		item.FriendStatus = f.statusFor(item)
		f.index[id] = item
		f.items = append([]*Item{item}, f.items...)
	}
	item.Body = DisplayBody(message.Body)
	f.applyImage(item, message.ImageURL)
	f.onChange()
}

func (f *Feed) applyImage(item *Item, url string) {
	switch {
	case url == "":
		return
	case url == model.PlaceholderImageURL:
		if item.Image == nil {
			item.Image = &Image{URL: url, Placeholder: true}
		}
		return
	case url == item.requestedURL:
		return
	}
	if item.Image == nil {
		item.Image = &Image{URL: model.PlaceholderImageURL, Placeholder: true}
	}
	item.requestedURL = url
	if f.prober == nil {
		item.Image = &Image{URL: url, Link: url}
		return
	}

	generation := f.generation
	itemID := item.ID
	f.dispatch(func() func() {
		width, height, err := f.prober.Dimensions(context.Background(), url)
		return func() {
			if generation != f.generation {
				return
			}
			target, ok := f.index[itemID]
			if !ok || target.requestedURL != url {
				return
			}
			image := &Image{URL: url, Link: url}
			if err != nil {
				f.logger.Warn("image probe failed", zap.String("message_id", itemID), zap.String("url", url), zap.Error(err))
			} else {
				image.Width, image.Height = media.CalculateImageThumbnailSize(width, height)
			}
			target.Image = image
			f.onChange()
		}
	})
}

// RefreshFriendStatus recomputes the friend affordance of every displayed item.
func (f *Feed) RefreshFriendStatus() {
	changed := false
	for _, item := range f.items {
		status := f.statusFor(item)
		if status != item.FriendStatus {
			item.FriendStatus = status
			changed = true
		}
	}
	if changed {
		f.onChange()
	}
}

func (f *Feed) statusFor(item *Item) friends.Status {
	if item.Own {
		return friends.StatusNone
	}
	return f.friendStatus(item.AuthorID)
}

// Items returns a copy of the displayed items, newest first.
func (f *Feed) Items() []Item {
	items := make([]Item, 0, len(f.items))
	for _, item := range f.items {
		copied := *item
		if item.Image != nil {
			image := *item.Image
			copied.Image = &image
		}
		items = append(items, copied)
	}
	return items
}

// Len returns the number of displayed items.
func (f *Feed) Len() int {
	return len(f.items)
}

// DisplayBody elides bodies longer than BodyDisplayLimit characters.
func DisplayBody(body string) string {
	runes := []rune(body)
	if len(runes) <= BodyDisplayLimit {
		return body
	}
	return string(runes[:BodyDisplayLimit]) + ellipsis
}
