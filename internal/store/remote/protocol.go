// Package remote exposes a realtime tree connection over a websocket and implements
// store.Database on top of it for out-of-process consumers.
package remote

import (
	"errors"

	"github.com/MarcoPoloResearchLab/fello/internal/store"
)

// Request operations.
const (
	OpGet          = "get"
	OpSet          = "set"
	OpUpdate       = "update"
	OpRemove       = "remove"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	OpOnDisconnect = "on_disconnect"
)

// Server-originated operations.
const (
	OpResult = "result"
	OpEvent  = "event"
)

var (
	// ErrClosed indicates a call on a closed client.
	ErrClosed = errors.New("remote: connection closed")
	// ErrRemote wraps an error reported by the server.
	ErrRemote = errors.New("remote: server error")
)

// Frame is the single wire message shape. Requests carry a non-zero ID when they expect a result.
type Frame struct {
	ID      uint64         `json:"id,omitempty"`
	Op      string         `json:"op"`
	Path    string         `json:"path,omitempty"`
	Value   any            `json:"value"`
	Updates map[string]any `json:"updates,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Event   string         `json:"event,omitempty"`
	Sub     uint64         `json:"sub,omitempty"`
	Key     string         `json:"key,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (f Frame) query() store.Query {
	return store.Query{Path: f.Path, LimitToLast: f.Limit}
}
