package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opTreeNew    = "store.tree.new"
	opCommit     = "store.commit"
	opDisconnect = "store.disconnect"
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Persister makes committed changes durable. Apply must be atomic across all changes.
type Persister interface {
	Load(ctx context.Context) ([]Leaf, error)
	Apply(ctx context.Context, changes []Change) error
}

// Leaf is a primitive value stored at a full path.
type Leaf struct {
	Path  string
	Value any
}

// Change is a durable write: Value nil removes the path and everything below it.
type Change struct {
	Path  string
	Value any
}

// TreeConfig describes the dependencies of a realtime tree.
type TreeConfig struct {
	Persister Persister
	// EphemeralRoots name top-level keys that are never persisted, such as presence markers.
	EphemeralRoots []string
	IDProvider     IDProvider
	Logger         *zap.Logger
}

// Tree is the in-process realtime tree. Writes are serialized; listener events are delivered
// in commit order through a single queue, never while the tree lock is held.
type Tree struct {
	mu         sync.Mutex
	root       any
	registry   registry
	persister  Persister
	ephemeral  map[string]struct{}
	idProvider IDProvider
	logger     *zap.Logger

	queueMu  sync.Mutex
	queue    []delivery
	draining bool
}

// NewTree constructs a tree and loads persisted state.
func NewTree(ctx context.Context, cfg TreeConfig) (*Tree, error) {
	if cfg.IDProvider == nil {
		return nil, newServiceError(opTreeNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tree := &Tree{
		registry:   newRegistry(),
		persister:  cfg.Persister,
		ephemeral:  make(map[string]struct{}, len(cfg.EphemeralRoots)),
		idProvider: cfg.IDProvider,
		logger:     logger,
	}
	for _, root := range cfg.EphemeralRoots {
		tree.ephemeral[root] = struct{}{}
	}
	if tree.persister == nil {
		return tree, nil
	}

	leaves, err := tree.persister.Load(ctx)
	if err != nil {
		return nil, newServiceError(opTreeNew, "load_failed", err)
	}
	for _, leaf := range leaves {
		segments, err := splitPath(leaf.Path)
		if err != nil || len(segments) == 0 || tree.isEphemeral(segments) {
			logger.Warn("skipping stored node", zap.String("path", leaf.Path))
			continue
		}
		tree.root = withValue(tree.root, segments, leaf.Value)
	}
	logger.Info("realtime tree loaded", zap.Int("leaves", len(leaves)))
	return tree, nil
}

// Connect opens a connection-scoped handle on the tree.
func (t *Tree) Connect() *Conn {
	return &Conn{
		tree:          t,
		subscriptions: make(map[int64]*subscription),
	}
}

func (t *Tree) newKey() (string, error) {
	return t.idProvider.NewID()
}

func (t *Tree) isEphemeral(segments []string) bool {
	if len(segments) == 0 {
		return false
	}
	_, ok := t.ephemeral[segments[0]]
	return ok
}

func (t *Tree) get(segments []string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{key: lastSegment(segments), value: valueAt(t.root, segments)}
}

// commit persists and applies the changes atomically, then delivers resulting events.
func (t *Tree) commit(ctx context.Context, changes []change) error {
	if len(changes) == 0 {
		return nil
	}
	t.mu.Lock()
	next := t.root
	for _, c := range changes {
		next = withValue(next, c.segments, c.value)
	}

	if t.persister != nil {
		durable := make([]Change, 0, len(changes))
		for _, c := range changes {
			if t.isEphemeral(c.segments) {
				continue
			}
			durable = append(durable, Change{Path: c.path(), Value: c.value})
		}
		if len(durable) > 0 {
			if err := t.persister.Apply(ctx, durable); err != nil {
				t.mu.Unlock()
				t.logger.Error("store persist failed", zap.String("operation", opCommit), zap.Error(err))
				return newServiceError(opCommit, "persist_failed", err)
			}
		}
	}

	t.root = next
	var deliveries []delivery
	for _, sub := range t.registry.affected(changes) {
		current := windowed(valueAt(t.root, sub.segments), sub.query.LimitToLast)
		deliveries = append(deliveries, diffDeliveries(sub, sub.last, current)...)
		sub.last = current
	}
	t.enqueue(deliveries)
	t.mu.Unlock()

	t.drain()
	return nil
}

func (t *Tree) attach(ctx context.Context, conn *Conn, segments []string, query Query, event EventType, handler Handler) *subscription {
	t.mu.Lock()
	sub := &subscription{
		ctx:      ctx,
		id:       t.registry.nextSequence(),
		segments: segments,
		query:    query,
		event:    event,
		handler:  handler,
		conn:     conn,
	}
	var view any
	if isInfoPath(segments) {
		view = conn.infoValue(segments)
	} else {
		view = windowed(valueAt(t.root, segments), query.LimitToLast)
		t.registry.register(sub)
	}
	sub.last = view
	t.enqueue(initialDeliveries(sub, view))
	t.mu.Unlock()

	t.drain()
	return sub
}

func (t *Tree) detach(sub *subscription) {
	if sub.cancelled.Swap(true) {
		return
	}
	if stop := sub.stop.Load(); stop != nil {
		(*stop)()
	}
	t.mu.Lock()
	t.registry.unregister(sub)
	t.mu.Unlock()
}

func (t *Tree) enqueue(items []delivery) {
	if len(items) == 0 {
		return
	}
	t.queueMu.Lock()
	t.queue = append(t.queue, items...)
	t.queueMu.Unlock()
}

// drain runs queued handlers on the calling goroutine unless another goroutine already is.
func (t *Tree) drain() {
	t.queueMu.Lock()
	if t.draining {
		t.queueMu.Unlock()
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		item := t.queue[0]
		t.queue[0] = delivery{}
		t.queue = t.queue[1:]
		t.queueMu.Unlock()
		t.invoke(item)
		t.queueMu.Lock()
	}
	t.queue = nil
	t.draining = false
	t.queueMu.Unlock()
}

func (t *Tree) invoke(item delivery) {
	if item.subscription.cancelled.Load() {
		return
	}
	if ctx := item.subscription.ctx; ctx != nil && ctx.Err() != nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("listener panicked",
				zap.String("path", joinPath(item.subscription.segments)),
				zap.String("event", string(item.subscription.event)),
				zap.Any("panic", recovered))
		}
	}()
	item.subscription.handler(item.snapshot)
}
