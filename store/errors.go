package store

import (
	"errors"
	"fmt"

	"mlsvault/backend"
)

var (
	// ErrInvalidOptions is returned by Open for unusable option sets.
	ErrInvalidOptions = errors.New("store: invalid options")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: store is closed")

	// ErrShapeMismatch means a single-value verb was used on a list
	// label or vice versa.
	ErrShapeMismatch = errors.New("store: verb does not match label shape")
)

// DeserializationError means a stored value under a label could not be
// decoded back into its expected shape. The raw entry is left untouched.
type DeserializationError struct {
	Label string
	Err   error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("store: deserialize %s value: %v", e.Label, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
