// Package gamestate holds the replicated session state as a path-addressable
// document. Both endpoints keep their copy in the canonical JSON data model
// (string-keyed maps, []any, float64 numbers) so that a document built from
// local mutations and a document rebuilt from wire diffs serialize to the
// same bytes.
package gamestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidPath reports an empty path or an empty path segment.
	ErrInvalidPath = errors.New("gamestate: invalid path")
	// ErrPathConflict reports a traversal through a non-container value.
	ErrPathConflict = errors.New("gamestate: path traverses a leaf")
)

// Doc is the root of the replicated document.
type Doc map[string]any

// New returns an empty document with the standard top-level containers.
func New() Doc {
	return Doc{
		"entities": map[string]any{},
		"turn": map[string]any{
			"number": float64(1),
			"phase":  "main",
			"active": float64(0),
		},
	}
}

// FromSnapshot rebuilds a document from its serialized form.
func FromSnapshot(data []byte) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("gamestate: decode snapshot: %w", err)
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}

// Snapshot serializes the full document, meta included.
func (d Doc) Snapshot() ([]byte, error) {
	data, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("gamestate: encode snapshot: %w", err)
	}
	return data, nil
}

// Get walks the path and returns the value at its end.
func (d Doc) Get(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var current any = map[string]any(d)
	for _, segment := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetNumber returns the numeric value at path.
func (d Doc) GetNumber(path ...string) (float64, bool) {
	value, ok := d.Get(path...)
	if !ok {
		return 0, false
	}
	number, ok := value.(float64)
	return number, ok
}

// GetString returns the string value at path.
func (d Doc) GetString(path ...string) (string, bool) {
	value, ok := d.Get(path...)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}

// GetBool returns the boolean value at path.
func (d Doc) GetBool(path ...string) (bool, bool) {
	value, ok := d.Get(path...)
	if !ok {
		return false, false
	}
	flag, ok := value.(bool)
	return flag, ok
}

// Set writes value at path, creating intermediate containers. The value is
// normalized into the canonical JSON data model first.
func (d Doc) Set(value any, path ...string) error {
	parent, leaf, err := d.ensureParent(path)
	if err != nil {
		return err
	}
	parent[leaf] = Normalize(value)
	return nil
}

// Delete removes the value at path. Deleting a missing path is a no-op.
func (d Doc) Delete(path ...string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	var current map[string]any = d
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment]
		if !ok {
			return nil
		}
		node, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %v", ErrPathConflict, path)
		}
		current = node
	}
	delete(current, path[len(path)-1])
	return nil
}

func (d Doc) ensureParent(path []string) (map[string]any, string, error) {
	if err := validatePath(path); err != nil {
		return nil, "", err
	}
	var current map[string]any = d
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment]
		if !ok {
			child := map[string]any{}
			current[segment] = child
			current = child
			continue
		}
		node, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w: %v", ErrPathConflict, path)
		}
		current = node
	}
	return current, path[len(path)-1], nil
}

func validatePath(path []string) error {
	if len(path) == 0 {
		return ErrInvalidPath
	}
	for _, segment := range path {
		if segment == "" {
			return fmt.Errorf("%w: empty segment", ErrInvalidPath)
		}
	}
	return nil
}

// Clone deep-copies the document.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	return Doc(cloneMap(d))
}

func cloneMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		copied := make([]any, len(typed))
		for i, element := range typed {
			copied[i] = cloneValue(element)
		}
		return copied
	default:
		return typed
	}
}

// Normalize converts a value into the canonical JSON data model: string-keyed
// maps, []any slices, float64 numbers, strings, bools, nil. Structs and other
// composites round-trip through encoding/json.
func Normalize(value any) any {
	switch typed := value.(type) {
	case nil, bool, string, float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case map[string]any:
		normalized := make(map[string]any, len(typed))
		for key, element := range typed {
			normalized[key] = Normalize(element)
		}
		return normalized
	case []any:
		normalized := make([]any, len(typed))
		for i, element := range typed {
			normalized[i] = Normalize(element)
		}
		return normalized
	case []string:
		normalized := make([]any, len(typed))
		for i, element := range typed {
			normalized[i] = element
		}
		return normalized
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Sprint(typed)
		}
		return decoded
	}
}

// Keys returns the sorted top-level keys, mostly for diagnostics.
func (d Doc) Keys() []string {
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
