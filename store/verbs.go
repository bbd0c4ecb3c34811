package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mlsvault/storekey"
)

// The six storage verbs every contract method reduces to. Values and
// list items are JSON-encoded; list entries keep their encoded form in
// the stored list, so heterogeneous readers can decode lazily.

// KV is the raw entry surface the storage verbs operate on. Both Store
// and Session implement it, so every verb works against a live store or
// an in-memory session overlay.
type KV interface {
	get(key []byte) ([]byte, bool, error)
	put(key, value, groupID []byte) error
	delete(key []byte) error
}

// WriteValue upserts the JSON encoding of value under (label, itemKey).
// groupID scopes the entry to a group; nil marks it global.
func WriteValue[T any](s KV, label string, itemKey, groupID []byte, value T) error {
	key, err := singleKey(label, itemKey)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s value: %w", label, err)
	}
	return s.put(key, encoded, groupID)
}

// ReadValue fetches and decodes the value under (label, itemKey). The
// second return is false when no entry exists.
func ReadValue[T any](s KV, label string, itemKey []byte) (T, bool, error) {
	var zero T

	key, err := singleKey(label, itemKey)
	if err != nil {
		return zero, false, err
	}
	encoded, ok, err := s.get(key)
	if err != nil || !ok {
		return zero, false, err
	}

	var value T
	if err := json.Unmarshal(encoded, &value); err != nil {
		return zero, false, &DeserializationError{Label: label, Err: err}
	}
	return value, true, nil
}

// DeleteValue removes the entry under (label, itemKey). Absence is not
// an error. Deletion erases the composite key whatever its shape, so it
// also drops whole lists.
func DeleteValue(s KV, label string, itemKey []byte) error {
	key, err := storekey.Build(label, itemKey, FormatVersion)
	if err != nil {
		return err
	}
	return s.delete(key)
}

// AppendToList appends the JSON encoding of item to the list under
// (label, itemKey), creating the list on first append. Order of appends
// is preserved on read.
func AppendToList[T any](s KV, label string, itemKey, groupID []byte, item T) error {
	key, err := listKey(label, itemKey)
	if err != nil {
		return err
	}

	list, err := readRawList(s, label, key)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("store: encode %s item: %w", label, err)
	}
	list = append(list, encoded)

	return writeRawList(s, label, key, groupID, list)
}

// ReadList fetches the list under (label, itemKey) and decodes every
// item. A missing list reads as empty.
func ReadList[T any](s KV, label string, itemKey []byte) ([]T, error) {
	key, err := listKey(label, itemKey)
	if err != nil {
		return nil, err
	}

	list, err := readRawList(s, label, key)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(list))
	for _, encoded := range list {
		var item T
		if err := json.Unmarshal(encoded, &item); err != nil {
			return nil, &DeserializationError{Label: label, Err: err}
		}
		out = append(out, item)
	}
	return out, nil
}

// RemoveFromList removes the first list element whose encoding equals
// item's. Removing from a missing list, or an item not present, is not
// an error.
func RemoveFromList[T any](s KV, label string, itemKey, groupID []byte, item T) error {
	key, err := listKey(label, itemKey)
	if err != nil {
		return err
	}

	encoded, ok, err := s.get(key)
	if err != nil || !ok {
		return err
	}
	var list [][]byte
	if err := json.Unmarshal(encoded, &list); err != nil {
		return &DeserializationError{Label: label, Err: err}
	}

	target, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("store: encode %s item: %w", label, err)
	}
	for i, elem := range list {
		if bytes.Equal(elem, target) {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	return writeRawList(s, label, key, groupID, list)
}

func readRawList(s KV, label string, key []byte) ([][]byte, error) {
	encoded, ok, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var list [][]byte
	if err := json.Unmarshal(encoded, &list); err != nil {
		return nil, &DeserializationError{Label: label, Err: err}
	}
	return list, nil
}

func writeRawList(s KV, label string, key, groupID []byte, list [][]byte) error {
	if list == nil {
		list = [][]byte{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("store: encode %s list: %w", label, err)
	}
	return s.put(key, encoded, groupID)
}

// singleKey and listKey build the composite key and hold each verb to
// its label's registered shape, so a list label can never be clobbered
// by a single-value write. Labels outside the registry pass through.
func singleKey(label string, itemKey []byte) ([]byte, error) {
	return shapedKey(label, itemKey, storekey.ShapeSingle)
}

func listKey(label string, itemKey []byte) ([]byte, error) {
	return shapedKey(label, itemKey, storekey.ShapeList)
}

func shapedKey(label string, itemKey []byte, want storekey.Shape) ([]byte, error) {
	if l, ok := storekey.Lookup(label); ok && l.Shape != want {
		return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, label)
	}
	return storekey.Build(label, itemKey, FormatVersion)
}
