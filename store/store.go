// Package store implements the persistence contract a secure group
// messaging engine writes its state through: namespaced, versioned
// entries over an encrypted backend, with synchronous call semantics
// bridged onto the backend's context-based operations.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"mlsvault/backend"
	"mlsvault/bridge"
	"mlsvault/internal/crypto"
)

// FormatVersion is the entry format version baked into every composite
// key. Bumping it gives a future format a disjoint key space.
const FormatVersion uint16 = 1

// BackendKind selects the persistence engine behind a store.
type BackendKind string

const (
	// BackendSQLite keeps entries in a transactional SQLite database.
	BackendSQLite BackendKind = "sqlite"
	// BackendObjStore keeps entries in file-backed object containers.
	BackendObjStore BackendKind = "objstore"
)

// Options configure Open.
type Options struct {
	// Backend selects the persistence engine. Defaults to BackendSQLite.
	Backend BackendKind

	// Path is the database file (sqlite) or store directory (objstore).
	// backend.MemoryPath selects an ephemeral store for either kind.
	Path string

	// Key is the 32-byte root store key. Open takes ownership and wipes
	// it regardless of outcome.
	Key []byte

	// Workers sizes the execution bridge. Defaults to 1, which also
	// serializes all backend operations.
	Workers int

	Logger *slog.Logger
}

// Store is the engine-facing persistence handle. All methods are
// synchronous and safe for concurrent use.
type Store struct {
	backend backend.Backend
	bridge  *bridge.Bridge
	logger  *slog.Logger
	closed  atomic.Bool
}

// Updates is a batch of entry changes applied atomically.
type Updates = backend.Updates

// Record is one keyed value inside an Updates batch.
type Record = backend.Record

// Open opens or creates a store, migrating it to the current schema.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kind := opts.Backend
	if kind == "" {
		kind = BackendSQLite
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		b   backend.Backend
		err error
	)
	switch kind {
	case BackendSQLite:
		b, err = backend.OpenSQL(backend.SQLOptions{Path: opts.Path, Key: opts.Key, Logger: logger})
	case BackendObjStore:
		b, err = backend.OpenObj(backend.ObjOptions{Path: opts.Path, Key: opts.Key, Logger: logger})
	default:
		crypto.Wipe(opts.Key)
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidOptions, kind)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend: b,
		bridge:  bridge.New(workers),
		logger:  logger,
	}
	logger.Info("store opened", "backend", string(kind), "path", opts.Path, "workers", workers)
	return s, nil
}

// SchemaVersion reports the schema version of the underlying backend.
func (s *Store) SchemaVersion() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return bridge.Do(s.bridge, func(ctx context.Context) (int, error) {
		return s.backend.SchemaVersion(ctx)
	})
}

// CountByLabel tallies stored entries per namespace label.
func (s *Store) CountByLabel() (map[string]int, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return bridge.Do(s.bridge, func(ctx context.Context) (map[string]int, error) {
		return s.backend.CountByLabel(ctx)
	})
}

// ApplyUpdates lands a batch of upserts and deletes atomically: either
// the whole batch is visible afterwards, or none of it.
func (s *Store) ApplyUpdates(updates Updates) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return bridge.DoErr(s.bridge, func(ctx context.Context) error {
		return s.backend.Apply(ctx, updates)
	})
}

// Close drains in-flight operations, closes the backend, and wipes key
// material. Close is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.bridge.Close()
	if err := s.backend.Close(context.Background()); err != nil {
		return fmt.Errorf("store: close backend: %w", err)
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	value, err := bridge.Do(s.bridge, func(ctx context.Context) ([]byte, error) {
		return s.backend.Get(ctx, key)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) put(key, value, groupID []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return bridge.DoErr(s.bridge, func(ctx context.Context) error {
		return s.backend.Put(ctx, backend.Record{Key: key, Value: value, GroupID: groupID})
	})
}

func (s *Store) delete(key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return bridge.DoErr(s.bridge, func(ctx context.Context) error {
		return s.backend.Delete(ctx, key)
	})
}
