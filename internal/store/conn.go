package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrConnectionClosed indicates an operation on a closed connection.
var ErrConnectionClosed = errors.New("store: connection closed")

// Conn is a connection-scoped handle on a Tree. It owns its listeners and the updates
// registered to run when it closes, and reports itself through .info/connected.
type Conn struct {
	tree *Tree

	mu            sync.Mutex
	closed        bool
	subscriptions map[int64]*subscription
	hooks         [][]change
}

var _ Database = (*Conn)(nil)

type connSubscription struct {
	conn *Conn
	sub  *subscription
}

func (s connSubscription) Cancel() {
	s.conn.forget(s.sub)
	s.conn.tree.detach(s.sub)
}

// Get reads the current value at path once.
func (c *Conn) Get(_ context.Context, path string) (Snapshot, error) {
	segments, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if isInfoPath(segments) {
		return Snapshot{key: lastSegment(segments), value: c.infoValue(segments)}, nil
	}
	return c.tree.get(segments), nil
}

// Set replaces the value at path.
func (c *Conn) Set(ctx context.Context, path string, value any) error {
	return c.Update(ctx, map[string]any{path: value})
}

// Remove deletes the value at path and everything below it.
func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Update(ctx, map[string]any{path: nil})
}

// Update applies every path in one atomic commit. Nil values delete.
func (c *Conn) Update(ctx context.Context, updates map[string]any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	changes, err := prepareChanges(updates)
	if err != nil {
		return err
	}
	return c.tree.commit(ctx, changes)
}

// NewKey returns an order-preserving child key.
func (c *Conn) NewKey() (string, error) {
	return c.tree.newKey()
}

// Subscribe attaches a listener. It stays active until cancelled, until ctx is done,
// or until the connection closes.
func (c *Conn) Subscribe(ctx context.Context, query Query, event EventType, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("store: handler is required")
	}
	if _, err := ParseEventType(string(event)); err != nil {
		return nil, err
	}
	segments, err := splitPath(query.Path)
	if err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}

	sub := c.tree.attach(ctx, c, segments, query, event, handler)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tree.detach(sub)
		return nil, ErrConnectionClosed
	}
	c.subscriptions[sub.id] = sub
	c.mu.Unlock()

	handle := connSubscription{conn: c, sub: sub}
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, handle.Cancel)
		sub.stop.Store(&stop)
		if sub.cancelled.Load() {
			stop()
		}
	}
	return handle, nil
}

// OnDisconnect registers an update applied atomically when the connection closes.
func (c *Conn) OnDisconnect(_ context.Context, updates map[string]any) error {
	changes, err := prepareChanges(updates)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.hooks = append(c.hooks, changes)
	return nil
}

// Close cancels every listener of the connection and runs its disconnect hooks in
// registration order. Close is idempotent.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	subscriptions := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	c.subscriptions = make(map[int64]*subscription)
	c.mu.Unlock()

	for _, sub := range subscriptions {
		c.tree.detach(sub)
	}

	var firstErr error
	for _, changes := range hooks {
		if err := c.tree.commit(ctx, changes); err != nil {
			c.tree.logger.Error("disconnect hook failed", zap.String("operation", opDisconnect), zap.Error(err))
			if firstErr == nil {
				firstErr = newServiceError(opDisconnect, "hook_failed", err)
			}
		}
	}
	return firstErr
}

func (c *Conn) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subscriptions, sub.id)
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) infoValue(segments []string) any {
	if joinPath(segments) != InfoConnectedPath {
		return nil
	}
	return !c.isClosed()
}
