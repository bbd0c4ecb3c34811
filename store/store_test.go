package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mlsvault/backend"
	"mlsvault/storekey"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStoreKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func openMemStore(t *testing.T, kind BackendKind) *Store {
	t.Helper()
	s, err := Open(Options{
		Backend: kind,
		Path:    backend.MemoryPath,
		Key:     testStoreKey(1),
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, kind := range []BackendKind{BackendSQLite, BackendObjStore} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			fn(t, openMemStore(t, kind))
		})
	}
}

func TestGroupStateRoundTrip(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("group-1")

		require.NoError(t, s.SetGroupState(groupID, []byte("state-v1")))
		got, ok, err := s.GroupState(groupID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("state-v1"), got)

		// Upsert replaces.
		require.NoError(t, s.SetGroupState(groupID, []byte("state-v2")))
		got, ok, err = s.GroupState(groupID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("state-v2"), got)

		require.NoError(t, s.DeleteGroupState(groupID))
		_, ok, err = s.GroupState(groupID)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestAbsentValueReadsAsMissingNotError(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		_, ok, err := s.Tree([]byte("nobody"))
		require.NoError(t, err)
		require.False(t, ok)

		nodes, err := s.OwnLeafNodes([]byte("nobody"))
		require.NoError(t, err)
		require.Empty(t, nodes)

		pairs, err := s.EpochKeyPairs([]byte("nobody"), 4, 2)
		require.NoError(t, err)
		require.Empty(t, pairs)
	})
}

func TestOwnLeafNodesPreserveAppendOrder(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")
		for _, node := range []string{"first", "second", "third"} {
			require.NoError(t, s.AppendOwnLeafNode(groupID, []byte(node)))
		}

		nodes, err := s.OwnLeafNodes(groupID)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, nodes)

		require.NoError(t, s.DeleteOwnLeafNodes(groupID))
		nodes, err = s.OwnLeafNodes(groupID)
		require.NoError(t, err)
		require.Empty(t, nodes)
	})
}

func TestProposalQueueLifecycle(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")

		require.NoError(t, s.QueueProposal(groupID, []byte("ref-a"), []byte("prop-a")))
		require.NoError(t, s.QueueProposal(groupID, []byte("ref-b"), []byte("prop-b")))
		require.NoError(t, s.QueueProposal(groupID, []byte("ref-c"), []byte("prop-c")))

		refs, err := s.ProposalRefs(groupID)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("ref-a"), []byte("ref-b"), []byte("ref-c")}, refs)

		queued, err := s.QueuedProposals(groupID)
		require.NoError(t, err)
		require.Len(t, queued, 3)
		require.Equal(t, []byte("prop-b"), queued[1].Proposal)

		require.NoError(t, s.RemoveProposal(groupID, []byte("ref-b")))
		refs, err = s.ProposalRefs(groupID)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("ref-a"), []byte("ref-c")}, refs)

		queued, err = s.QueuedProposals(groupID)
		require.NoError(t, err)
		require.Len(t, queued, 2)

		require.NoError(t, s.ClearProposalQueue(groupID))
		refs, err = s.ProposalRefs(groupID)
		require.NoError(t, err)
		require.Empty(t, refs)
		queued, err = s.QueuedProposals(groupID)
		require.NoError(t, err)
		require.Empty(t, queued)
	})
}

func TestProposalQueuesIsolatedPerGroup(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.QueueProposal([]byte("g1"), []byte("ref"), []byte("p1")))
		require.NoError(t, s.QueueProposal([]byte("g2"), []byte("ref"), []byte("p2")))

		require.NoError(t, s.ClearProposalQueue([]byte("g1")))

		queued, err := s.QueuedProposals([]byte("g2"))
		require.NoError(t, err)
		require.Len(t, queued, 1)
		require.Equal(t, []byte("p2"), queued[0].Proposal)
	})
}

func TestEpochKeyPairSlotsAreIndependent(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")
		pairs := [][]byte{[]byte("kp-1"), []byte("kp-2")}

		require.NoError(t, s.SetEpochKeyPairs(groupID, 5, 0, pairs))

		got, err := s.EpochKeyPairs(groupID, 5, 0)
		require.NoError(t, err)
		require.Equal(t, pairs, got)

		// Neighbouring slots stay empty.
		got, err = s.EpochKeyPairs(groupID, 5, 1)
		require.NoError(t, err)
		require.Empty(t, got)
		got, err = s.EpochKeyPairs(groupID, 6, 0)
		require.NoError(t, err)
		require.Empty(t, got)

		require.NoError(t, s.DeleteEpochKeyPairs(groupID, 5, 0))
		got, err = s.EpochKeyPairs(groupID, 5, 0)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestGlobalMaterialSurvivesGroupDeletion(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g1")

		require.NoError(t, s.SetKeyPackage([]byte("kp-ref"), []byte("kp")))
		require.NoError(t, s.SetPsk([]byte("psk-id"), []byte("psk")))
		require.NoError(t, s.SetSignatureKeyPair([]byte("sig-pk"), []byte("sig")))
		require.NoError(t, s.SetGroupState(groupID, []byte("state")))
		require.NoError(t, s.SetTree(groupID, []byte("tree")))
		require.NoError(t, s.SetGroupState([]byte("g2"), []byte("other")))

		require.NoError(t, s.DeleteGroupData(groupID))

		_, ok, err := s.GroupState(groupID)
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = s.Tree(groupID)
		require.NoError(t, err)
		require.False(t, ok)

		_, ok, err = s.KeyPackage([]byte("kp-ref"))
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = s.Psk([]byte("psk-id"))
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = s.GroupState([]byte("g2"))
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestGroupSnapshotIncludesGlobals(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.SetEncryptionKeyPair([]byte("enc-pk"), []byte("enc")))
		require.NoError(t, s.SetGroupState([]byte("g1"), []byte("s1")))
		require.NoError(t, s.SetGroupState([]byte("g2"), []byte("s2")))

		entries, err := s.GroupSnapshot([]byte("g1"))
		require.NoError(t, err)
		require.Len(t, entries, 2) // g1 state + global encryption key pair
	})
}

func TestApplyUpdatesBatch(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")
		require.NoError(t, s.SetConfirmationTag(groupID, []byte("stale")))

		tagKey, err := storekey.Build(storekey.LabelConfirmationTag, groupID, FormatVersion)
		require.NoError(t, err)
		treeKey, err := storekey.Build(storekey.LabelTree, groupID, FormatVersion)
		require.NoError(t, err)

		err = s.ApplyUpdates(Updates{
			Upserts: []Record{{Key: treeKey, Value: []byte(`"dHJlZQ=="`), GroupID: groupID}},
			Deletes: [][]byte{tagKey},
		})
		require.NoError(t, err)

		tree, ok, err := s.Tree(groupID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("tree"), tree)

		_, ok, err = s.ConfirmationTag(groupID)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestVerbShapeMustMatchLabelRegistry(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")

		// Single-value verbs reject list labels and vice versa.
		err := WriteValue(s, storekey.LabelOwnLeafNodes, groupID, groupID, 42)
		require.ErrorIs(t, err, ErrShapeMismatch)
		require.NoError(t, AppendToList(s, storekey.LabelOwnLeafNodes, groupID, groupID, []byte("leaf")))

		err = AppendToList(s, storekey.LabelGroupState, groupID, groupID, []byte("x"))
		require.ErrorIs(t, err, ErrShapeMismatch)
		_, err = ReadList[[]byte](s, storekey.LabelGroupState, groupID)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestCorruptStoredBytesReportDeserializationError(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")
		// An integer stored where readers expect base64 bytes.
		require.NoError(t, WriteValue(s, storekey.LabelGroupState, groupID, groupID, 42))

		_, _, err := s.GroupState(groupID)
		var desErr *DeserializationError
		require.ErrorAs(t, err, &desErr)
		require.Equal(t, storekey.LabelGroupState, desErr.Label)
	})
}

func TestUnencodableValueIsNotDeserializationError(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		groupID := []byte("g")
		err := WriteValue(s, storekey.LabelGroupState, groupID, groupID, make(chan int))
		require.Error(t, err)

		var desErr *DeserializationError
		require.False(t, errors.As(err, &desErr))

		// Nothing was written.
		_, ok, readErr := s.GroupState(groupID)
		require.NoError(t, readErr)
		require.False(t, ok)
	})
}

func TestCountByLabel(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.SetKeyPackage([]byte("a"), []byte("1")))
		require.NoError(t, s.SetKeyPackage([]byte("b"), []byte("2")))
		require.NoError(t, s.SetGroupState([]byte("g"), []byte("s")))

		counts, err := s.CountByLabel()
		require.NoError(t, err)
		require.Equal(t, 2, counts[storekey.LabelKeyPackage])
		require.Equal(t, 1, counts[storekey.LabelGroupState])
	})
}

func TestSchemaVersionReportsCurrent(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, s *Store) {
		version, err := s.SchemaVersion()
		require.NoError(t, err)
		require.Equal(t, 2, version)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	for _, kind := range []BackendKind{BackendSQLite, BackendObjStore} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "store")
			if kind == BackendSQLite {
				path = filepath.Join(t.TempDir(), "store.db")
			}

			open := func() *Store {
				s, err := Open(Options{Backend: kind, Path: path, Key: testStoreKey(9), Logger: testLogger()})
				require.NoError(t, err)
				return s
			}

			s := open()
			require.NoError(t, s.SetGroupState([]byte("g"), []byte("survives")))
			require.NoError(t, s.Close())

			s = open()
			defer s.Close()
			got, ok, err := s.GroupState([]byte("g"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("survives"), got)
		})
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(Options{Path: path, Key: testStoreKey(9), Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(Options{Path: path, Key: testStoreKey(10), Logger: testLogger()})
	require.ErrorIs(t, err, backend.ErrWrongKey)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	key := testStoreKey(1)
	_, err := Open(Options{Backend: "etcd", Path: backend.MemoryPath, Key: key, Logger: testLogger()})
	require.ErrorIs(t, err, ErrInvalidOptions)

	// Open owns the key and wipes it on every failure path.
	require.Equal(t, make([]byte, 32), key)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	t.Parallel()

	s := openMemStore(t, BackendSQLite)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	require.ErrorIs(t, s.SetGroupState([]byte("g"), []byte("v")), ErrClosed)
	_, _, err := s.GroupState([]byte("g"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.SchemaVersion()
	require.ErrorIs(t, err, ErrClosed)
}
