package store

import (
	"context"
	"fmt"
	"strings"
)

// EventType enumerates the realtime listener kinds.
type EventType string

const (
	// EventValue fires with the full value on subscription and on every change.
	EventValue EventType = "value"
	// EventChildAdded fires for each existing child and for every child entering the query.
	EventChildAdded EventType = "child_added"
	// EventChildChanged fires when a child inside the query changes value.
	EventChildChanged EventType = "child_changed"
	// EventChildRemoved fires when a child leaves the query.
	EventChildRemoved EventType = "child_removed"
)

// ParseEventType validates a raw event name.
func ParseEventType(value string) (EventType, error) {
	switch EventType(strings.TrimSpace(value)) {
	case EventValue:
		return EventValue, nil
	case EventChildAdded:
		return EventChildAdded, nil
	case EventChildChanged:
		return EventChildChanged, nil
	case EventChildRemoved:
		return EventChildRemoved, nil
	default:
		return "", fmt.Errorf("store: unknown event type %q", value)
	}
}

// Query addresses a location, optionally windowed to its last N children by key.
type Query struct {
	Path        string
	LimitToLast int
}

// Handler receives listener events. For child events the snapshot is the child.
type Handler func(Snapshot)

// Subscription is a standing listener. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// Database is the realtime data client contract shared by the in-process tree and remote transports.
type Database interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, updates map[string]any) error
	Remove(ctx context.Context, path string) error
	NewKey() (string, error)
	Subscribe(ctx context.Context, query Query, event EventType, handler Handler) (Subscription, error)
	OnDisconnect(ctx context.Context, updates map[string]any) error
}

// windowed applies the LimitToLast bound to a location value.
func windowed(value any, limit int) any {
	children, ok := value.(map[string]any)
	if !ok || limit <= 0 || len(children) <= limit {
		return value
	}
	keys := Snapshot{value: children}.Keys()
	kept := make(map[string]any, limit)
	for _, key := range keys[len(keys)-limit:] {
		kept[key] = children[key]
	}
	return kept
}
