package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/fello/internal/store"
)

// mailbox is an unbounded task queue. Store handlers post into it from whichever goroutine
// drains the tree, so posting never blocks.
type mailbox struct {
	mu    sync.Mutex
	tasks []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) post(task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks
	m.tasks = nil
	return tasks
}

// loopDatabase delivers every listener event through the session mailbox.
type loopDatabase struct {
	store.Database
	mailbox *mailbox
}

type loopSubscription struct {
	inner     store.Subscription
	cancelled *atomic.Bool
}

func (s loopSubscription) Cancel() {
	s.cancelled.Store(true)
	s.inner.Cancel()
}

func (d loopDatabase) Subscribe(ctx context.Context, query store.Query, event store.EventType, handler store.Handler) (store.Subscription, error) {
	cancelled := &atomic.Bool{}
	inner, err := d.Database.Subscribe(ctx, query, event, func(snapshot store.Snapshot) {
		d.mailbox.post(func() {
			if !cancelled.Load() {
				handler(snapshot)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return loopSubscription{inner: inner, cancelled: cancelled}, nil
}
