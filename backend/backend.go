// Package backend provides the encrypted persistence backends behind the
// storage contract: a transactional SQLite backend and a file-backed
// object-store backend. Both present the same flat byte-key/byte-value
// surface; values are encrypted per entry before they reach disk and
// decrypted on read, so the interface trades in plaintext.
package backend

import (
	"context"
	"errors"
	"fmt"

	"mlsvault/migrate"
)

// Errors shared by both backends.
var (
	// ErrWrongKey means the store exists but its key-check entry did not
	// decrypt under the supplied key.
	ErrWrongKey = errors.New("backend: store key does not match existing store")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend: backend is closed")

	// ErrNotFound is the byte-layer miss. Callers that treat absence as
	// a soft condition check for it with errors.Is.
	ErrNotFound = errors.New("backend: entry not found")
)

// OpenError wraps any failure to bring a store to the open state. The
// Phase field records how far open progressed before failing.
type OpenError struct {
	Path  string
	Phase migrate.Phase
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("backend: open %s failed during %s: %v", e.Path, e.Phase, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Record is a keyed plaintext value on its way into a backend, carrying
// the group association the backends index by. GroupID is nil for
// globally-scoped entries.
type Record struct {
	Key     []byte
	Value   []byte
	GroupID []byte
}

// Updates is a batch applied atomically: either every upsert and delete
// lands, or none do. Deletes are applied after upserts; a key appearing
// in both ends up deleted.
type Updates struct {
	Upserts []Record
	Deletes [][]byte
}

// Empty reports whether the batch carries no work.
func (u Updates) Empty() bool {
	return len(u.Upserts) == 0 && len(u.Deletes) == 0
}

// Entry is a keyed plaintext value read back out of a backend.
type Entry struct {
	Key   []byte
	Value []byte
}

// Backend is the flat encrypted byte store both persistence engines
// implement. All methods are safe for concurrent use. A nil error from
// Close means buffered state reached disk.
type Backend interface {
	// Get returns the plaintext for key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put encrypts and upserts one record.
	Put(ctx context.Context, rec Record) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Apply lands a batch atomically.
	Apply(ctx context.Context, updates Updates) error

	// ListGroup returns every entry belonging to groupID, plus the
	// globally-scoped entries, decrypted.
	ListGroup(ctx context.Context, groupID []byte) ([]Entry, error)

	// DeleteGroup removes every entry scoped to groupID. Global entries
	// are untouched.
	DeleteGroup(ctx context.Context, groupID []byte) error

	// CountByLabel tallies stored entries per namespace label, without
	// decrypting values.
	CountByLabel(ctx context.Context) (map[string]int, error)

	// SchemaVersion reports the store's current schema version.
	SchemaVersion(ctx context.Context) (int, error)

	// Close flushes and releases the backend and wipes its key material.
	Close(ctx context.Context) error
}
