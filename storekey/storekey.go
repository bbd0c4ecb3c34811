// Package storekey defines the composite key layout shared by the
// storage contract and the persistence backends, along with the registry
// of namespace labels the protocol engine stores under.
//
// Layout: [1-byte label length || label || item key || 2-byte big-endian
// format version]. The length prefix and the fixed-width version trailer
// make the encoding injective: no (label, key, version) triple can
// collide with another by concatenation alone.
package storekey

import (
	"encoding/binary"
	"fmt"
)

// MaxLabelLen bounds namespace labels so their length fits the one-byte
// prefix.
const MaxLabelLen = 255

// Namespace labels. One per storage category of the protocol engine's
// contract; the label plus the format version partition the flat key
// space.
const (
	LabelKeyPackage            = "KeyPackage"
	LabelPsk                   = "Psk"
	LabelEncryptionKeyPair     = "EncryptionKeyPair"
	LabelSignatureKeyPair      = "SignatureKeyPair"
	LabelEpochKeyPairs         = "EpochKeyPairs"
	LabelTree                  = "Tree"
	LabelGroupContext          = "GroupContext"
	LabelInterimTranscriptHash = "InterimTranscriptHash"
	LabelConfirmationTag       = "ConfirmationTag"
	LabelJoinConfig            = "MlsGroupJoinConfig"
	LabelOwnLeafNodes          = "OwnLeafNodes"
	LabelGroupState            = "GroupState"
	LabelQueuedProposal        = "QueuedProposal"
	LabelProposalQueueRefs     = "ProposalQueueRefs"
	LabelOwnLeafNodeIndex      = "OwnLeafNodeIndex"
	LabelEpochSecrets          = "EpochSecrets"
	LabelResumptionPskStore    = "ResumptionPsk"
	LabelMessageSecrets        = "MessageSecrets"
)

// Scope says whether entries under a label belong to one group or to the
// client as a whole.
type Scope int

const (
	// ScopeGlobal entries (key material usable across groups) survive
	// group deletion.
	ScopeGlobal Scope = iota + 1
	// ScopeGroup entries key off a group id and go away with the group.
	ScopeGroup
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeGroup:
		return "group"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Shape says whether a label holds one value per item key or an ordered
// list.
type Shape int

const (
	ShapeSingle Shape = iota + 1
	ShapeList
)

// Label describes one namespace in the registry.
type Label struct {
	Name  string
	Scope Scope
	Shape Shape
}

var registry = []Label{
	{Name: LabelKeyPackage, Scope: ScopeGlobal, Shape: ShapeSingle},
	{Name: LabelPsk, Scope: ScopeGlobal, Shape: ShapeSingle},
	{Name: LabelEncryptionKeyPair, Scope: ScopeGlobal, Shape: ShapeSingle},
	{Name: LabelSignatureKeyPair, Scope: ScopeGlobal, Shape: ShapeSingle},
	{Name: LabelEpochKeyPairs, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelTree, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelGroupContext, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelInterimTranscriptHash, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelConfirmationTag, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelJoinConfig, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelOwnLeafNodes, Scope: ScopeGroup, Shape: ShapeList},
	{Name: LabelGroupState, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelQueuedProposal, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelProposalQueueRefs, Scope: ScopeGroup, Shape: ShapeList},
	{Name: LabelOwnLeafNodeIndex, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelEpochSecrets, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelResumptionPskStore, Scope: ScopeGroup, Shape: ShapeSingle},
	{Name: LabelMessageSecrets, Scope: ScopeGroup, Shape: ShapeSingle},
}

// Labels returns the full registry, in declaration order.
func Labels() []Label {
	out := make([]Label, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the registry entry for name.
func Lookup(name string) (Label, bool) {
	for _, l := range registry {
		if l.Name == name {
			return l, true
		}
	}
	return Label{}, false
}

// IsGlobal reports whether label names a globally-scoped namespace.
// Unknown labels classify as group-scoped, which errs on the side of
// deleting them with their group.
func IsGlobal(label string) bool {
	l, ok := Lookup(label)
	return ok && l.Scope == ScopeGlobal
}

// Build derives the composite storage key for (label, itemKey, version).
// It is pure and deterministic; the same triple always yields the same
// key, and distinct triples never alias.
func Build(label string, itemKey []byte, version uint16) ([]byte, error) {
	if len(label) == 0 || len(label) > MaxLabelLen {
		return nil, fmt.Errorf("storekey: label length %d out of range [1, %d]", len(label), MaxLabelLen)
	}

	out := make([]byte, 0, 1+len(label)+len(itemKey)+2)
	out = append(out, byte(len(label)))
	out = append(out, label...)
	out = append(out, itemKey...)
	out = binary.BigEndian.AppendUint16(out, version)
	return out, nil
}

// ParseLabel recovers the namespace label from a composite key.
func ParseLabel(key []byte) (string, bool) {
	if len(key) < 1 {
		return "", false
	}
	n := int(key[0])
	// Label, plus the two version trailer bytes, must fit.
	if n == 0 || len(key) < 1+n+2 {
		return "", false
	}
	return string(key[1 : 1+n]), true
}

// ParseVersion recovers the format version trailer from a composite key.
func ParseVersion(key []byte) (uint16, bool) {
	if len(key) < 3 {
		return 0, false
	}
	return binary.BigEndian.Uint16(key[len(key)-2:]), true
}
