package crypto

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	entryDEKVersion = "v1"

	// KeyCheckPlaintext is the constant sealed under the reserved key-check
	// record at first open. Decrypting it proves the supplied key matches
	// the one the store was created with.
	KeyCheckPlaintext = "mlsvault-key-check"
)

var (
	ErrInvalidKeyLength = errors.New("store key must be 32 bytes")
	ErrCryptoNotReady   = errors.New("entry crypto not ready")
	ErrCiphertextShort  = errors.New("ciphertext shorter than nonce")
)

// EntryCrypto encrypts individual store entries. Each entry gets its own
// DEK derived from the session root key and the entry's composite storage
// key, so a ciphertext moved to a different key fails authentication.
//
// The root key lives in a memguard locked buffer owned by the open store
// session and is destroyed when the session closes.
type EntryCrypto struct {
	root    *memguard.LockedBuffer
	storeID string
}

// NewEntryCrypto takes ownership of rawKey: the slice is wiped as the
// locked buffer is created.
func NewEntryCrypto(rawKey []byte, storeID string) (*EntryCrypto, error) {
	if len(rawKey) != KeySize {
		memguard.WipeBytes(rawKey)
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(rawKey))
	}
	return &EntryCrypto{
		root:    memguard.NewBufferFromBytes(rawKey),
		storeID: storeID,
	}, nil
}

// EncryptEntry seals plaintext for the given composite storage key.
// Output layout: [24-byte nonce || ciphertext+tag].
func (ec *EntryCrypto) EncryptEntry(storageKey, plaintext []byte) ([]byte, error) {
	if err := ec.ensureReady(); err != nil {
		return nil, err
	}

	dek, err := ec.deriveEntryDEK(storageKey)
	if err != nil {
		return nil, fmt.Errorf("derive entry key: %w", err)
	}
	defer memguard.WipeBytes(dek)

	nonce, err := randomNonce(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	ciphertext, err := SealXChaCha20Poly1305(dek, nonce, plaintext, ec.entryAAD(storageKey))
	if err != nil {
		return nil, fmt.Errorf("encrypt entry: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptEntry opens a blob produced by EncryptEntry for the same storage
// key.
func (ec *EntryCrypto) DecryptEntry(storageKey, blob []byte) ([]byte, error) {
	if err := ec.ensureReady(); err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: got %d bytes", ErrCiphertextShort, len(blob))
	}

	dek, err := ec.deriveEntryDEK(storageKey)
	if err != nil {
		return nil, fmt.Errorf("derive entry key: %w", err)
	}
	defer memguard.WipeBytes(dek)

	nonce := blob[:chacha20poly1305.NonceSizeX]
	ciphertext := blob[chacha20poly1305.NonceSizeX:]
	return OpenXChaCha20Poly1305(dek, nonce, ciphertext, ec.entryAAD(storageKey))
}

// Destroy wipes the session root key. The EntryCrypto is unusable
// afterwards.
func (ec *EntryCrypto) Destroy() {
	if ec == nil || ec.root == nil {
		return
	}
	if ec.root.IsAlive() {
		ec.root.Destroy()
	}
	ec.root = nil
}

func (ec *EntryCrypto) deriveEntryDEK(storageKey []byte) ([]byte, error) {
	info := make([]byte, 0, len(ec.storeID)+len(storageKey)+24)
	info = append(info, "mlsvault-entry:"+entryDEKVersion+":"+ec.storeID+":"...)
	info = append(info, storageKey...)
	return DeriveHKDFSHA256(ec.root.Bytes(), nil, info, KeySize)
}

func (ec *EntryCrypto) entryAAD(storageKey []byte) []byte {
	aad := make([]byte, 0, len(ec.storeID)+len(storageKey)+16)
	aad = append(aad, "mlsvault:"+entryDEKVersion+":"+ec.storeID+":"...)
	aad = append(aad, storageKey...)
	return aad
}

func (ec *EntryCrypto) ensureReady() error {
	if ec == nil || ec.root == nil || !ec.root.IsAlive() {
		return ErrCryptoNotReady
	}
	return nil
}
