package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the node does not exist.
	ErrNotFound = errors.New("node does not exist")
	// ErrConnection means the session with the service is unusable.
	ErrConnection = errors.New("coordination service unreachable")
	// ErrConflict covers version mismatches, existing nodes and non-empty deletes.
	ErrConflict = errors.New("node state conflict")
	// ErrMalformedPath is returned before any remote call for an invalid path.
	ErrMalformedPath = errors.New("malformed node path")
)

// IsNotFound reports whether err means the node is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConnection reports whether err means the session is unusable.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

func opError(op, path string, kind error, cause error) error {
	if cause == nil || errors.Is(cause, kind) {
		return fmt.Errorf("%s %s: %w", op, path, kind)
	}
	return fmt.Errorf("%s %s: %w: %v", op, path, kind, cause)
}
