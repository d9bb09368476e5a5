package store

import (
	"encoding/json"
	"sort"
)

// Snapshot is an immutable view of the value stored at one location.
type Snapshot struct {
	key   string
	value any
}

// NewSnapshot wraps an already normalized value. Transports use it to rebuild snapshots
// decoded from the wire.
func NewSnapshot(key string, value any) Snapshot {
	return Snapshot{key: key, value: value}
}

// Key returns the last path segment of the location.
func (s Snapshot) Key() string {
	return s.key
}

// Exists reports whether any value is stored at the location.
func (s Snapshot) Exists() bool {
	return s.value != nil
}

// Value exposes the raw value. Callers must not modify it.
func (s Snapshot) Value() any {
	return s.value
}

// String returns the value when it is a string.
func (s Snapshot) String() (string, bool) {
	text, ok := s.value.(string)
	return text, ok
}

// Decode copies the value into target through its JSON representation.
func (s Snapshot) Decode(target any) error {
	raw, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// Child returns the snapshot of a descendant path relative to this location.
func (s Snapshot) Child(path string) Snapshot {
	segments, err := splitPath(path)
	if err != nil || len(segments) == 0 {
		return Snapshot{key: lastSegment(segments)}
	}
	return Snapshot{key: lastSegment(segments), value: valueAt(s.value, segments)}
}

// Keys lists child keys in ascending order.
func (s Snapshot) Keys() []string {
	children, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Children returns child snapshots in ascending key order.
func (s Snapshot) Children() []Snapshot {
	children, _ := s.value.(map[string]any)
	keys := s.Keys()
	snapshots := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		snapshots = append(snapshots, Snapshot{key: key, value: children[key]})
	}
	return snapshots
}

// NumChildren counts the direct children.
func (s Snapshot) NumChildren() int {
	children, _ := s.value.(map[string]any)
	return len(children)
}
