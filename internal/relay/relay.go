// Package relay forwards a push notification to the friends of every new message's author.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/fello/internal/model"
	"github.com/MarcoPoloResearchLab/fello/internal/push"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingDatabase = errors.New("relay: database required")
	errMissingSender   = errors.New("relay: sender required")
)

// Config describes the relay's dependencies.
type Config struct {
	Database store.Database
	Sender   push.Sender
	Logger   *zap.Logger
}

// Relay follows /messages and notifies the author's friends of each message created after startup.
type Relay struct {
	db     store.Database
	sender push.Sender
	logger *zap.Logger

	mu      sync.Mutex
	history map[string]struct{}
}

// New constructs a relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{db: cfg.Database, sender: cfg.Sender, logger: logger}, nil
}

// Start records the messages present now as history and subscribes to new ones.
// Messages committed before the snapshot read are treated as history.
func (r *Relay) Start(ctx context.Context) (store.Subscription, error) {
	snapshot, err := r.db.Get(ctx, model.MessagesPath)
	if err != nil {
		return nil, err
	}
	history := make(map[string]struct{}, snapshot.NumChildren())
	for _, key := range snapshot.Keys() {
		history[key] = struct{}{}
	}
	r.mu.Lock()
	r.history = history
	r.mu.Unlock()
	r.logger.Info("relay history loaded", zap.Int("messages", len(history)))

	return r.db.Subscribe(ctx, store.Query{Path: model.MessagesPath}, store.EventChildAdded, func(message store.Snapshot) {
		if r.isHistory(message.Key()) {
			return
		}
		if err := r.Notify(ctx, message); err != nil {
			r.logger.Error("relay notification failed", zap.String("message_id", message.Key()), zap.Error(err))
		}
	})
}

// Run starts the relay and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	subscription, err := r.Start(ctx)
	if err != nil {
		return err
	}
	defer subscription.Cancel()
	<-ctx.Done()
	return nil
}

func (r *Relay) isHistory(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.history[key]
	return ok
}

// Notify resolves the push tokens of the author's friends and sends one request when any exist.
func (r *Relay) Notify(ctx context.Context, message store.Snapshot) error {
	authorID, _ := message.Child("authorId").String()
	if authorID == "" {
		r.logger.Warn("message without author", zap.String("message_id", message.Key()))
		return nil
	}

	friendsSnapshot, err := r.db.Get(ctx, model.FriendIndexPath(authorID))
	if err != nil {
		return err
	}
	friendIDs := friendsSnapshot.Keys()
	resolved := make([]string, len(friendIDs))

	group, groupCtx := errgroup.WithContext(ctx)
	for index, friendID := range friendIDs {
		group.Go(func() error {
			token, err := r.db.Get(groupCtx, model.PushTokenPath(friendID))
			if err != nil {
				return err
			}
			resolved[index], _ = token.String()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	tokens := make([]string, 0, len(resolved))
	for _, token := range resolved {
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		r.logger.Debug("no push tokens for friends", zap.String("author_id", authorID), zap.Int("friends", len(friendIDs)))
		return nil
	}
	r.logger.Info("sending push notification",
		zap.String("message_id", message.Key()),
		zap.String("author_id", authorID),
		zap.Int("tokens", len(tokens)))
	return r.sender.Send(ctx, tokens)
}
