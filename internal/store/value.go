package store

import (
	"encoding/json"
	"fmt"
)

// normalizeValue converts an arbitrary Go value into the JSON-compatible shape stored in the tree:
// map[string]any, string, float64 or bool. Empty maps and nulls collapse to nil.
func normalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return typed, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return prune(decoded)
}

func prune(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if err := validateKey(key); err != nil {
				return nil, err
			}
			pruned, err := prune(child)
			if err != nil {
				return nil, err
			}
			if pruned == nil {
				delete(typed, key)
				continue
			}
			typed[key] = pruned
		}
		if len(typed) == 0 {
			return nil, nil
		}
		return typed, nil
	case []any:
		converted := make(map[string]any, len(typed))
		for index, child := range typed {
			converted[fmt.Sprintf("%d", index)] = child
		}
		return prune(converted)
	default:
		return typed, nil
	}
}

func valueAt(node any, segments []string) any {
	current := node
	for _, segment := range segments {
		children, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = children[segment]
	}
	return current
}

// withValue returns a copy of node with value placed at segments. Maps along the path are
// copied so previously handed out snapshots remain immutable.
func withValue(node any, segments []string, value any) any {
	if len(segments) == 0 {
		return value
	}
	current, _ := node.(map[string]any)
	next := make(map[string]any, len(current)+1)
	for key, child := range current {
		next[key] = child
	}
	child := withValue(next[segments[0]], segments[1:], value)
	if child == nil {
		delete(next, segments[0])
	} else {
		next[segments[0]] = child
	}
	if len(next) == 0 {
		return nil
	}
	return next
}

// leafValue is a primitive stored at a full path, the unit of persistence.
type leafValue struct {
	path  string
	value any
}

func flatten(prefix []string, value any) []leafValue {
	children, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			return nil
		}
		return []leafValue{{path: joinPath(prefix), value: value}}
	}
	leaves := make([]leafValue, 0, len(children))
	for key, child := range children {
		childPath := append(append([]string(nil), prefix...), key)
		leaves = append(leaves, flatten(childPath, child)...)
	}
	return leaves
}
