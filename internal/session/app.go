// Package session runs one browser's application: its listeners, routing and rendered view.
package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/composer"
	"github.com/MarcoPoloResearchLab/fello/internal/feed"
	"github.com/MarcoPoloResearchLab/fello/internal/friends"
	"github.com/MarcoPoloResearchLab/fello/internal/media"
	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/presence"
	"github.com/MarcoPoloResearchLab/fello/internal/render"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	"go.uber.org/zap"
)

const (
	// HomeHash and FriendsHash are the routable locations.
	HomeHash    = "#/"
	FriendsHash = "#/friends"

	composerFormTarget = "composer-form"
	pushDeniedName     = "NotAllowedError"
)

var (
	errMissingConnector = errors.New("session: connector required")
	errMissingBucket    = errors.New("session: bucket required")
	errMissingOutbox    = errors.New("session: outbox required")
)

// Connector opens connection-scoped handles on the realtime tree.
type Connector interface {
	Connect() *store.Conn
}

// Outbox delivers frames to the browser.
type Outbox interface {
	Send(ctx context.Context, frame Outbound) error
}

// Config describes one session's dependencies.
type Config struct {
	Connector Connector
	// User is nil for anonymous visitors.
	User   *users.SignedInUser
	Bucket storage.Bucket
	Prober media.Prober
	Outbox Outbox
	// Spawn runs work off the session loop. It defaults to a new goroutine.
	Spawn  func(task func())
	Clock  func() time.Time
	Logger *zap.Logger
}

// App is the application context of one browser connection. Apart from Run, its methods must be
// called from a single goroutine.
type App struct {
	connector Connector
	user      *users.SignedInUser
	bucket    storage.Bucket
	prober    media.Prober
	outbox    Outbox
	spawn     func(func())
	clock     func() time.Time
	logger    *zap.Logger

	mailbox  *mailbox
	renderer *render.Renderer

	ctx           context.Context
	conn          *store.Conn
	db            store.Database
	feed          *feed.Feed
	directory     *friends.Directory
	tracker       *presence.Tracker
	composer      *composer.Composer
	subscriptions []store.Subscription

	page    string
	me      render.MeBlock
	dirty   bool
	started bool
	closed  bool
}

// New validates dependencies. Call Start or Run to connect.
func New(cfg Config) (*App, error) {
	if cfg.Connector == nil {
		return nil, errMissingConnector
	}
	if cfg.Bucket == nil {
		return nil, errMissingBucket
	}
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	app := &App{
		connector: cfg.Connector,
		user:      cfg.User,
		bucket:    cfg.Bucket,
		prober:    cfg.Prober,
		outbox:    cfg.Outbox,
		spawn:     cfg.Spawn,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		mailbox:   newMailbox(),
		renderer:  render.NewRenderer(),
	}
	if app.spawn == nil {
		app.spawn = func(task func()) { go task() }
	}
	if app.clock == nil {
		app.clock = time.Now
	}
	if app.logger == nil {
		app.logger = zap.NewNop()
	}
	return app, nil
}

// SignedIn reports whether the session belongs to an authenticated user.
func (a *App) SignedIn() bool {
	return a.user != nil && a.user.UserID != ""
}

func (a *App) userID() string {
	if !a.SignedIn() {
		return ""
	}
	return a.user.UserID
}

// Start connects to the tree, publishes the profile of a signed-in user and attaches every listener.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true
	a.ctx = ctx
	a.conn = a.connector.Connect()
	a.db = loopDatabase{Database: a.conn, mailbox: a.mailbox}
	a.dirty = true

	if err := a.build(); err != nil {
		return err
	}
	if a.SignedIn() {
		a.saveUserData(ctx)
	}
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}
	if err := a.directory.UpdateFriends(ctx); err != nil {
		return err
	}
	if a.SignedIn() {
		if err := a.followMe(ctx); err != nil {
			return err
		}
	}
	a.route(ctx, HomeHash)
	return nil
}

func (a *App) build() error {
	var err error
	a.directory, err = friends.NewDirectory(friends.Config{
		Database: a.db,
		ViewerID: a.userID(),
		OnChange: a.friendsChanged,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.feed, err = feed.New(feed.Config{
		Database:     a.db,
		ViewerID:     a.userID(),
		FriendStatus: a.directory.Status,
		Prober:       a.prober,
		Dispatch: func(work func() func()) {
			a.spawn(func() {
				a.mailbox.post(work())
			})
		},
		OnChange: a.markDirty,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.tracker, err = presence.NewTracker(presence.Config{
		Database:   a.db,
		UserID:     a.userID(),
		FriendKeys: a.directory.Keys,
		OnChange:   a.markDirty,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.composer, err = composer.New(composer.Config{
		Database: a.conn,
		Bucket:   a.bucket,
		Clock:    a.clock,
		Spawn:    a.spawn,
		Logger:   a.logger,
	})
	return err
}

// saveUserData writes the profile on every sign-in.
func (a *App) saveUserData(ctx context.Context) {
	profile := a.user.Profile
	if profile.Username == "" {
		profile.Username = users.UnnamedUsername
	}
	if err := a.conn.Set(ctx, model.UserPath(a.user.UserID), profile); err != nil {
		a.logger.Error("profile save failed", zap.String("user_id", a.user.UserID), zap.Error(err))
	}
}

func (a *App) followMe(ctx context.Context) error {
	uid := a.user.UserID
	a.me = render.MeBlock{Username: a.user.Profile.Username, ProfileImageURL: a.user.Profile.ProfileImageURL}
	profileSub, err := a.db.Subscribe(ctx, store.Query{Path: model.UserPath(uid)}, store.EventValue, func(snapshot store.Snapshot) {
		var profile model.User
		if err := snapshot.Decode(&profile); err != nil {
			a.logger.Warn("profile decode failed", zap.Error(err))
			return
		}
		a.me.Username = profile.Username
		a.me.ProfileImageURL = profile.ProfileImageURL
		a.markDirty()
	})
	if err != nil {
		return err
	}
	a.subscriptions = append(a.subscriptions, profileSub)

	countSub, err := a.db.Subscribe(ctx, store.Query{Path: model.UserMessagesIndexPath(uid)}, store.EventValue, func(snapshot store.Snapshot) {
		a.me.MessageCount = snapshot.NumChildren()
		a.markDirty()
	})
	if err != nil {
		return err
	}
	a.subscriptions = append(a.subscriptions, countSub)
	return nil
}

func (a *App) friendsChanged() {
	if a.feed != nil {
		a.feed.RefreshFriendStatus()
	}
	if a.tracker != nil && a.ctx != nil {
		a.tracker.RefreshOnlineFriends(a.ctx)
	}
	a.markDirty()
}

func (a *App) markDirty() {
	a.dirty = true
}

func pageFor(hash string) string {
	if strings.TrimSuffix(strings.TrimSpace(hash), "/") == FriendsHash {
		return render.PageFriends
	}
	return render.PageHome
}

// route switches pages. Anonymous visitors asking for the friends page are sent home.
func (a *App) route(ctx context.Context, hash string) {
	page := pageFor(hash)
	if page == render.PageFriends && !a.SignedIn() {
		a.send(ctx, Outbound{Type: FrameRedirect, Hash: HomeHash})
		page = render.PageHome
	}
	if page == a.page {
		return
	}
	a.page = page
	a.feed.Clear()
	if page == render.PageHome {
		if err := a.feed.Load(ctx); err != nil {
			a.logger.Error("feed load failed", zap.Error(err))
		}
	}
	a.markDirty()
}

// Handle applies one browser frame.
func (a *App) Handle(ctx context.Context, frame Inbound) {
	if !a.started || a.closed {
		return
	}
	switch frame.Type {
	case FrameNavigate:
		a.route(ctx, frame.Hash)
	case FramePost:
		a.post(ctx, frame)
	case FrameAddFriend, FrameRemoveFriend:
		a.changeFriendship(ctx, frame)
	case FramePushSubscription:
		a.savePushToken(ctx, frame.Endpoint)
	case FramePushSubscriptionError:
		a.logPushError(frame.Error)
	default:
		a.logger.Warn("unknown session frame", zap.String("type", frame.Type))
	}
}

func (a *App) post(ctx context.Context, frame Inbound) {
	post := composer.Post{Body: frame.Body}
	if frame.Image != nil && len(frame.Image.Data) > 0 {
		post.Image = &composer.Attachment{
			Filename: frame.Image.Filename,
			Content:  bytes.NewReader(frame.Image.Data),
		}
	}
	messageID, err := a.composer.Submit(ctx, a.userID(), post)
	switch {
	case errors.Is(err, composer.ErrNotAuthenticated):
		a.send(ctx, Outbound{Type: FrameAlert, Message: "You must sign in to post a message."})
	case err != nil:
		a.logger.Error("post failed", zap.Error(err))
		a.send(ctx, Outbound{Type: FrameAlert, Message: "Your message could not be posted."})
	case messageID != "":
		a.send(ctx, Outbound{Type: FrameReset, Target: composerFormTarget})
	}
}

func (a *App) changeFriendship(ctx context.Context, frame Inbound) {
	if !a.SignedIn() {
		a.logger.Warn("friendship change without sign-in")
		return
	}
	var err error
	if frame.Type == FrameAddFriend {
		err = friends.MakeFriends(ctx, a.conn, a.user.UserID, frame.UserID)
	} else {
		err = friends.UnMakeFriends(ctx, a.conn, a.user.UserID, frame.UserID)
	}
	switch {
	case errors.Is(err, friends.ErrInvalidUserID), errors.Is(err, friends.ErrMissingUserID):
		a.logger.Warn("friendship change rejected",
			zap.String("type", frame.Type),
			zap.String("friend_id", frame.UserID),
			zap.Error(err))
	case err != nil:
		a.logger.Error("friendship change failed",
			zap.String("type", frame.Type),
			zap.String("friend_id", frame.UserID),
			zap.Error(err))
	}
}

// PushToken extracts the registration token, the trailing segment of the push endpoint.
func PushToken(endpoint string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

func (a *App) savePushToken(ctx context.Context, endpoint string) {
	token := PushToken(endpoint)
	if !a.SignedIn() || token == "" {
		a.logger.Warn("push subscription ignored", zap.Bool("signed_in", a.SignedIn()))
		return
	}
	if err := a.conn.Set(ctx, model.PushTokenPath(a.user.UserID), token); err != nil {
		a.logger.Error("push token save failed", zap.Error(err))
	}
}

func (a *App) logPushError(payload *ErrorPayload) {
	if payload == nil {
		payload = &ErrorPayload{}
	}
	fields := []zap.Field{zap.String("name", payload.Name), zap.String("message", payload.Message)}
	if payload.Name == pushDeniedName {
		a.logger.Info("push permission denied", fields...)
		return
	}
	a.logger.Error("push subscription failed", fields...)
}

// Pump runs queued listener events and sends the resulting view patch.
func (a *App) Pump(ctx context.Context) error {
	for {
		tasks := a.mailbox.take()
		if len(tasks) == 0 {
			break
		}
		for _, task := range tasks {
			if a.closed {
				return nil
			}
			task()
		}
	}
	return a.flush(ctx)
}

func (a *App) flush(ctx context.Context) error {
	if !a.dirty || a.closed {
		return nil
	}
	a.dirty = false
	ops, err := a.renderer.Diff(a.view())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return a.outbox.Send(ctx, Outbound{Type: FramePatch, Ops: ops})
}

func (a *App) send(ctx context.Context, frame Outbound) {
	if err := a.outbox.Send(ctx, frame); err != nil {
		a.logger.Warn("session send failed", zap.String("type", frame.Type), zap.Error(err))
	}
}

func (a *App) view() render.View {
	me := a.me
	me.FriendCount = a.directory.Count()
	if me.ProfileImageURL == "" {
		me.ProfileImageURL = model.DefaultProfileImageURL
	}
	view := render.View{
		Page:          a.page,
		SignedIn:      a.SignedIn(),
		Me:            me,
		ViewerCount:   a.tracker.ViewerCount(),
		OnlineFriends: a.tracker.OnlineFriends(),
		Feed:          a.feed.Items(),
	}
	for _, friend := range a.directory.Friends() {
		row := render.FriendRow{
			ID:              friend.ID,
			Username:        friend.Profile.Username,
			ProfileImageURL: friend.Profile.ProfileImageURL,
			Online:          a.tracker.IsOnline(friend.ID),
		}
		if row.ProfileImageURL == "" {
			row.ProfileImageURL = model.DefaultProfileImageURL
		}
		view.Friends = append(view.Friends, row)
	}
	return view
}

// Run starts the session and serves frames until ctx ends or frames closes.
func (a *App) Run(ctx context.Context, frames <-chan Inbound) error {
	if err := a.Start(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	if err := a.Pump(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			a.Handle(ctx, frame)
		case <-a.mailbox.ready:
		}
		if err := a.Pump(ctx); err != nil {
			return err
		}
	}
}

// Close detaches listeners and closes the connection, which removes presence markers.
func (a *App) Close(ctx context.Context) error {
	if a.closed || !a.started {
		a.closed = true
		return nil
	}
	a.closed = true
	for _, sub := range a.subscriptions {
		sub.Cancel()
	}
	a.subscriptions = nil
	if a.feed != nil {
		a.feed.Clear()
	}
	if a.directory != nil {
		a.directory.Stop()
	}
	if a.tracker != nil {
		a.tracker.Stop()
	}
	return a.conn.Close(ctx)
}
