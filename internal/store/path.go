package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	infoRoot = ".info"

	// InfoConnectedPath is the reserved connectivity signal of a connection.
	InfoConnectedPath = infoRoot + "/connected"

	forbiddenSegmentCharacters = ".#$[]"
)

var (
	// ErrInvalidPath indicates a malformed path or child key.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrReadOnlyPath indicates a write against a reserved path.
	ErrReadOnlyPath = errors.New("store: read-only path")
	// ErrInvalidValue indicates a value that cannot be represented as JSON.
	ErrInvalidValue = errors.New("store: invalid value")
	// ErrOverlappingUpdate indicates an update naming both a path and one of its descendants.
	ErrOverlappingUpdate = errors.New("store: overlapping update paths")
)

// splitPath normalizes a slash-delimited path into its segments. The root yields nil.
func splitPath(raw string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return nil, nil
	}
	segments := strings.Split(trimmed, "/")
	for index, segment := range segments {
		if index == 0 && segment == infoRoot {
			continue
		}
		if err := validateKey(segment); err != nil {
			return nil, fmt.Errorf("%w: %q", err, raw)
		}
	}
	return segments, nil
}

// ValidKey reports whether key can be used as a single path segment.
func ValidKey(key string) error {
	return validateKey(key)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if strings.ContainsAny(key, forbiddenSegmentCharacters+"/") {
		return fmt.Errorf("%w: segment %q contains a forbidden character", ErrInvalidPath, key)
	}
	return nil
}

func joinPath(segments []string) string {
	return strings.Join(segments, "/")
}

func isInfoPath(segments []string) bool {
	return len(segments) > 0 && segments[0] == infoRoot
}

// related reports whether one path is an ancestor of, descendant of, or equal to the other.
func related(left, right []string) bool {
	shortest := len(left)
	if len(right) < shortest {
		shortest = len(right)
	}
	for index := 0; index < shortest; index++ {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func lastSegment(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// change is a validated write of one value (nil deletes) at one path.
type change struct {
	segments []string
	value    any
}

func (c change) path() string {
	return joinPath(c.segments)
}

// prepareChanges validates and normalizes a multi-path update into a deterministic order.
func prepareChanges(updates map[string]any) ([]change, error) {
	changes := make([]change, 0, len(updates))
	for rawPath, rawValue := range updates {
		segments, err := splitPath(rawPath)
		if err != nil {
			return nil, err
		}
		if len(segments) == 0 || isInfoPath(segments) {
			return nil, fmt.Errorf("%w: %q", ErrReadOnlyPath, rawPath)
		}
		value, err := normalizeValue(rawValue)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change{segments: segments, value: value})
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].path() < changes[j].path()
	})
	for outer := range changes {
		for inner := outer + 1; inner < len(changes); inner++ {
			if related(changes[outer].segments, changes[inner].segments) {
				return nil, fmt.Errorf("%w: %q and %q", ErrOverlappingUpdate, changes[outer].path(), changes[inner].path())
			}
		}
	}
	return changes, nil
}
