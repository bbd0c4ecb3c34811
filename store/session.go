package store

import (
	"bytes"
	"fmt"
	"sync"

	"mlsvault/internal/crypto"
	"mlsvault/storekey"
)

// Session is an in-memory overlay over one group's snapshot. It loads
// the group's entries (plus the global ones) at open, serves the
// storage verbs from memory without touching the backend, and folds all
// accumulated changes into a single atomic batch on Commit. Decrypted
// buffers are wiped on Close.
//
// A Session is safe for concurrent use, but changes stay invisible to
// the parent store and to other sessions until Commit.
type Session struct {
	store   *Store
	groupID []byte

	mu     sync.Mutex
	base   map[string][]byte
	cur    map[string][]byte
	closed bool
}

// NewSession snapshots the group's entries into a session overlay.
func (s *Store) NewSession(groupID []byte) (*Session, error) {
	entries, err := s.GroupSnapshot(groupID)
	if err != nil {
		return nil, err
	}

	base := make(map[string][]byte, len(entries))
	cur := make(map[string][]byte, len(entries))
	for _, e := range entries {
		base[string(e.Key)] = cloneBytes(e.Value)
		cur[string(e.Key)] = cloneBytes(e.Value)
	}
	return &Session{
		store:   s,
		groupID: cloneBytes(groupID),
		base:    base,
		cur:     cur,
	}, nil
}

// Changes diffs the overlay against the loaded snapshot: entries added
// or rewritten become upserts, entries removed become deletes. Upserts
// under a global label carry no group id.
func (ss *Session) Changes() (Updates, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return Updates{}, ErrClosed
	}
	return ss.changesLocked()
}

func (ss *Session) changesLocked() (Updates, error) {
	var u Updates
	for key, value := range ss.cur {
		old, existed := ss.base[key]
		if existed && bytes.Equal(old, value) {
			continue
		}
		groupID := ss.groupID
		label, ok := storekey.ParseLabel([]byte(key))
		if !ok {
			return Updates{}, fmt.Errorf("store: session holds malformed key")
		}
		if storekey.IsGlobal(label) {
			groupID = nil
		}
		u.Upserts = append(u.Upserts, Record{
			Key:     []byte(key),
			Value:   cloneBytes(value),
			GroupID: cloneBytes(groupID),
		})
	}
	for key := range ss.base {
		if _, ok := ss.cur[key]; !ok {
			u.Deletes = append(u.Deletes, []byte(key))
		}
	}
	return u, nil
}

// Commit applies the accumulated changes as one atomic batch and
// rebases the session on the committed state. A session with no
// changes commits as a no-op.
func (ss *Session) Commit() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}

	u, err := ss.changesLocked()
	if err != nil {
		return err
	}
	if len(u.Upserts) == 0 && len(u.Deletes) == 0 {
		return nil
	}
	if err := ss.store.ApplyUpdates(u); err != nil {
		return err
	}

	for key, old := range ss.base {
		if cur, ok := ss.cur[key]; !ok || !bytes.Equal(old, cur) {
			crypto.Wipe(old)
		}
	}
	ss.base = make(map[string][]byte, len(ss.cur))
	for key, value := range ss.cur {
		ss.base[key] = cloneBytes(value)
	}
	return nil
}

// Close wipes every buffered value and discards uncommitted changes.
// Close is idempotent.
func (ss *Session) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return
	}
	ss.closed = true
	for _, value := range ss.base {
		crypto.Wipe(value)
	}
	for _, value := range ss.cur {
		crypto.Wipe(value)
	}
	ss.base = nil
	ss.cur = nil
}

func (ss *Session) get(key []byte) ([]byte, bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, false, ErrClosed
	}
	value, ok := ss.cur[string(key)]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (ss *Session) put(key, value, _ []byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}
	if old, ok := ss.cur[string(key)]; ok {
		crypto.Wipe(old)
	}
	ss.cur[string(key)] = cloneBytes(value)
	return nil
}

func (ss *Session) delete(key []byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}
	if old, ok := ss.cur[string(key)]; ok {
		crypto.Wipe(old)
		delete(ss.cur, string(key))
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
