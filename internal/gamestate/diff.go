package gamestate

import (
	"errors"
	"fmt"
)

// Op names a diff operation.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// ErrUnknownOp reports a diff carrying an operation this version does not
// understand.
var ErrUnknownOp = errors.New("gamestate: unknown diff op")

// Diff is one replicated mutation. Diffs are produced by the host, applied in
// order on both endpoints, and never merged.
type Diff struct {
	Op    Op       `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Set builds a set diff.
func Set(value any, path ...string) Diff {
	return Diff{Op: OpSet, Path: path, Value: Normalize(value)}
}

// Delete builds a delete diff.
func Delete(path ...string) Diff {
	return Diff{Op: OpDelete, Path: path}
}

// CloneDiffs deep-copies a diff batch so staged and in-flight copies cannot
// alias each other.
func CloneDiffs(diffs []Diff) []Diff {
	if len(diffs) == 0 {
		return nil
	}
	copied := make([]Diff, len(diffs))
	for i, diff := range diffs {
		copied[i] = Diff{
			Op:    diff.Op,
			Path:  append([]string(nil), diff.Path...),
			Value: cloneValue(diff.Value),
		}
	}
	return copied
}

// Apply mutates the document with each diff in order. The first failing diff
// aborts the batch; earlier diffs stay applied, so callers that need
// atomicity apply against a clone.
func (d Doc) Apply(diffs []Diff) error {
	for i, diff := range diffs {
		if err := d.applyOne(diff); err != nil {
			return fmt.Errorf("gamestate: diff %d: %w", i, err)
		}
	}
	return nil
}

func (d Doc) applyOne(diff Diff) error {
	switch diff.Op {
	case OpSet:
		return d.Set(diff.Value, diff.Path...)
	case OpDelete:
		return d.Delete(diff.Path...)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, diff.Op)
	}
}
