package store

import (
	"context"
	"encoding/binary"

	"mlsvault/backend"
	"mlsvault/bridge"
	"mlsvault/storekey"
)

// The named contract surface. Every method reduces to the six verbs;
// ids and payloads are the engine's own serialized bytes and stay opaque
// here. Readers of single values report absence through their second
// return; list readers report absence as an empty list.

// compositeItemKey joins id parts into one item key, length-prefixing
// all but the last so distinct part splits never alias.
func compositeItemKey(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	out := make([]byte, 0, size)
	for i, p := range parts {
		if i < len(parts)-1 {
			out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		}
		out = append(out, p...)
	}
	return out
}

func epochItemKey(groupID []byte, epoch uint64, leafIndex uint32) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(groupID)))
	out = append(out, groupID...)
	out = binary.BigEndian.AppendUint64(out, epoch)
	out = binary.BigEndian.AppendUint32(out, leafIndex)
	return out
}

// -- group state writers --

func (s *Store) SetJoinConfig(groupID, config []byte) error {
	return WriteValue(s, storekey.LabelJoinConfig, groupID, groupID, config)
}

func (s *Store) SetTree(groupID, tree []byte) error {
	return WriteValue(s, storekey.LabelTree, groupID, groupID, tree)
}

func (s *Store) SetGroupContext(groupID, groupContext []byte) error {
	return WriteValue(s, storekey.LabelGroupContext, groupID, groupID, groupContext)
}

func (s *Store) SetInterimTranscriptHash(groupID, hash []byte) error {
	return WriteValue(s, storekey.LabelInterimTranscriptHash, groupID, groupID, hash)
}

func (s *Store) SetConfirmationTag(groupID, tag []byte) error {
	return WriteValue(s, storekey.LabelConfirmationTag, groupID, groupID, tag)
}

func (s *Store) SetGroupState(groupID, state []byte) error {
	return WriteValue(s, storekey.LabelGroupState, groupID, groupID, state)
}

func (s *Store) SetMessageSecrets(groupID, secrets []byte) error {
	return WriteValue(s, storekey.LabelMessageSecrets, groupID, groupID, secrets)
}

func (s *Store) SetResumptionPskStore(groupID, psks []byte) error {
	return WriteValue(s, storekey.LabelResumptionPskStore, groupID, groupID, psks)
}

func (s *Store) SetOwnLeafIndex(groupID, index []byte) error {
	return WriteValue(s, storekey.LabelOwnLeafNodeIndex, groupID, groupID, index)
}

func (s *Store) SetGroupEpochSecrets(groupID, secrets []byte) error {
	return WriteValue(s, storekey.LabelEpochSecrets, groupID, groupID, secrets)
}

func (s *Store) AppendOwnLeafNode(groupID, node []byte) error {
	return AppendToList(s, storekey.LabelOwnLeafNodes, groupID, groupID, node)
}

// QueueProposal stores the proposal under its (group, ref) key and
// appends the ref to the group's queue order list.
func (s *Store) QueueProposal(groupID, proposalRef, proposal []byte) error {
	itemKey := compositeItemKey(groupID, proposalRef)
	if err := WriteValue(s, storekey.LabelQueuedProposal, itemKey, groupID, proposal); err != nil {
		return err
	}
	return AppendToList(s, storekey.LabelProposalQueueRefs, groupID, groupID, proposalRef)
}

// -- group state readers --

func (s *Store) JoinConfig(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelJoinConfig, groupID)
}

func (s *Store) Tree(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelTree, groupID)
}

func (s *Store) GroupContext(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelGroupContext, groupID)
}

func (s *Store) InterimTranscriptHash(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelInterimTranscriptHash, groupID)
}

func (s *Store) ConfirmationTag(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelConfirmationTag, groupID)
}

func (s *Store) GroupState(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelGroupState, groupID)
}

func (s *Store) MessageSecrets(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelMessageSecrets, groupID)
}

func (s *Store) ResumptionPskStore(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelResumptionPskStore, groupID)
}

func (s *Store) OwnLeafIndex(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelOwnLeafNodeIndex, groupID)
}

func (s *Store) GroupEpochSecrets(groupID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelEpochSecrets, groupID)
}

func (s *Store) OwnLeafNodes(groupID []byte) ([][]byte, error) {
	return ReadList[[]byte](s, storekey.LabelOwnLeafNodes, groupID)
}

// ProposalRefs returns the queued proposal refs in append order.
func (s *Store) ProposalRefs(groupID []byte) ([][]byte, error) {
	return ReadList[[]byte](s, storekey.LabelProposalQueueRefs, groupID)
}

// QueuedProposals returns (ref, proposal) pairs in queue order. Refs
// whose proposal record is missing are skipped.
func (s *Store) QueuedProposals(groupID []byte) ([]QueuedProposal, error) {
	refs, err := s.ProposalRefs(groupID)
	if err != nil {
		return nil, err
	}

	out := make([]QueuedProposal, 0, len(refs))
	for _, ref := range refs {
		proposal, ok, err := ReadValue[[]byte](s, storekey.LabelQueuedProposal, compositeItemKey(groupID, ref))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, QueuedProposal{Ref: ref, Proposal: proposal})
	}
	return out, nil
}

// QueuedProposal is one stored proposal together with the ref it is
// queued under.
type QueuedProposal struct {
	Ref      []byte
	Proposal []byte
}

// -- group state deleters --

func (s *Store) DeleteJoinConfig(groupID []byte) error {
	return DeleteValue(s, storekey.LabelJoinConfig, groupID)
}

func (s *Store) DeleteTree(groupID []byte) error {
	return DeleteValue(s, storekey.LabelTree, groupID)
}

func (s *Store) DeleteGroupContext(groupID []byte) error {
	return DeleteValue(s, storekey.LabelGroupContext, groupID)
}

func (s *Store) DeleteInterimTranscriptHash(groupID []byte) error {
	return DeleteValue(s, storekey.LabelInterimTranscriptHash, groupID)
}

func (s *Store) DeleteConfirmationTag(groupID []byte) error {
	return DeleteValue(s, storekey.LabelConfirmationTag, groupID)
}

func (s *Store) DeleteGroupState(groupID []byte) error {
	return DeleteValue(s, storekey.LabelGroupState, groupID)
}

func (s *Store) DeleteMessageSecrets(groupID []byte) error {
	return DeleteValue(s, storekey.LabelMessageSecrets, groupID)
}

func (s *Store) DeleteResumptionPskStore(groupID []byte) error {
	return DeleteValue(s, storekey.LabelResumptionPskStore, groupID)
}

func (s *Store) DeleteOwnLeafIndex(groupID []byte) error {
	return DeleteValue(s, storekey.LabelOwnLeafNodeIndex, groupID)
}

func (s *Store) DeleteGroupEpochSecrets(groupID []byte) error {
	return DeleteValue(s, storekey.LabelEpochSecrets, groupID)
}

func (s *Store) DeleteOwnLeafNodes(groupID []byte) error {
	return DeleteValue(s, storekey.LabelOwnLeafNodes, groupID)
}

// RemoveProposal deletes one proposal record and drops its ref from the
// queue order list.
func (s *Store) RemoveProposal(groupID, proposalRef []byte) error {
	if err := DeleteValue(s, storekey.LabelQueuedProposal, compositeItemKey(groupID, proposalRef)); err != nil {
		return err
	}
	return RemoveFromList(s, storekey.LabelProposalQueueRefs, groupID, groupID, proposalRef)
}

// ClearProposalQueue deletes every queued proposal record for the group
// and then the queue order list itself.
func (s *Store) ClearProposalQueue(groupID []byte) error {
	refs, err := s.ProposalRefs(groupID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := DeleteValue(s, storekey.LabelQueuedProposal, compositeItemKey(groupID, ref)); err != nil {
			return err
		}
	}
	return DeleteValue(s, storekey.LabelProposalQueueRefs, groupID)
}

// -- crypto object writers --

func (s *Store) SetSignatureKeyPair(publicKey, keyPair []byte) error {
	return WriteValue(s, storekey.LabelSignatureKeyPair, publicKey, nil, keyPair)
}

func (s *Store) SetEncryptionKeyPair(publicKey, keyPair []byte) error {
	return WriteValue(s, storekey.LabelEncryptionKeyPair, publicKey, nil, keyPair)
}

// SetEpochKeyPairs stores the HPKE key pairs for one (group, epoch,
// leaf index) slot.
func (s *Store) SetEpochKeyPairs(groupID []byte, epoch uint64, leafIndex uint32, keyPairs [][]byte) error {
	return WriteValue(s, storekey.LabelEpochKeyPairs, epochItemKey(groupID, epoch, leafIndex), groupID, keyPairs)
}

func (s *Store) SetKeyPackage(hashRef, keyPackage []byte) error {
	return WriteValue(s, storekey.LabelKeyPackage, hashRef, nil, keyPackage)
}

func (s *Store) SetPsk(pskID, psk []byte) error {
	return WriteValue(s, storekey.LabelPsk, pskID, nil, psk)
}

// -- crypto object readers --

func (s *Store) SignatureKeyPair(publicKey []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelSignatureKeyPair, publicKey)
}

func (s *Store) EncryptionKeyPair(publicKey []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelEncryptionKeyPair, publicKey)
}

// EpochKeyPairs reads the key pairs for one slot; an unwritten slot
// reads as empty.
func (s *Store) EpochKeyPairs(groupID []byte, epoch uint64, leafIndex uint32) ([][]byte, error) {
	pairs, ok, err := ReadValue[[][]byte](s, storekey.LabelEpochKeyPairs, epochItemKey(groupID, epoch, leafIndex))
	if err != nil || !ok {
		return nil, err
	}
	return pairs, nil
}

func (s *Store) KeyPackage(hashRef []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelKeyPackage, hashRef)
}

func (s *Store) Psk(pskID []byte) ([]byte, bool, error) {
	return ReadValue[[]byte](s, storekey.LabelPsk, pskID)
}

// -- crypto object deleters --

func (s *Store) DeleteSignatureKeyPair(publicKey []byte) error {
	return DeleteValue(s, storekey.LabelSignatureKeyPair, publicKey)
}

func (s *Store) DeleteEncryptionKeyPair(publicKey []byte) error {
	return DeleteValue(s, storekey.LabelEncryptionKeyPair, publicKey)
}

func (s *Store) DeleteEpochKeyPairs(groupID []byte, epoch uint64, leafIndex uint32) error {
	return DeleteValue(s, storekey.LabelEpochKeyPairs, epochItemKey(groupID, epoch, leafIndex))
}

func (s *Store) DeleteKeyPackage(hashRef []byte) error {
	return DeleteValue(s, storekey.LabelKeyPackage, hashRef)
}

func (s *Store) DeletePsk(pskID []byte) error {
	return DeleteValue(s, storekey.LabelPsk, pskID)
}

// -- whole-group operations --

// Entry is one decrypted entry from a group snapshot.
type Entry = backend.Entry

// GroupSnapshot returns every entry visible to the group: its own
// group-scoped entries plus the global ones.
func (s *Store) GroupSnapshot(groupID []byte) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return bridge.Do(s.bridge, func(ctx context.Context) ([]Entry, error) {
		return s.backend.ListGroup(ctx, groupID)
	})
}

// DeleteGroupData removes every entry scoped to the group in one
// operation. Global entries survive.
func (s *Store) DeleteGroupData(groupID []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return bridge.DoErr(s.bridge, func(ctx context.Context) error {
		return s.backend.DeleteGroup(ctx, groupID)
	})
}
