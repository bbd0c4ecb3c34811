package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenXChaCha20Poly1305RoundTrip(t *testing.T) {
	t.Parallel()

	key := testKey()
	nonce := make([]byte, 24)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	plaintext := []byte("queued proposal bytes")
	aad := []byte("mlsvault:v1:store-a")

	ciphertext, err := SealXChaCha20Poly1305(key, nonce, plaintext, aad)
	require.NoError(t, err)

	got, err := OpenXChaCha20Poly1305(key, nonce, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	t.Parallel()

	key := testKey()
	nonce := make([]byte, 24)
	ciphertext, err := SealXChaCha20Poly1305(key, nonce, []byte("x"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = OpenXChaCha20Poly1305(key, nonce, ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDeriveStoreKeyDeterministic(t *testing.T) {
	t.Parallel()

	salt := []byte("0123456789abcdef0123456789abcdef")
	params := Argon2Params{Memory: 64 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 32}

	a, err := DeriveStoreKey([]byte("open sesame"), salt, params)
	require.NoError(t, err)
	b, err := DeriveStoreKey([]byte("open sesame"), salt, params)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, KeySize)

	c, err := DeriveStoreKey([]byte("open simsim"), salt, params)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestEntryCryptoRoundTrip(t *testing.T) {
	t.Parallel()

	ec, err := NewEntryCrypto(testKey(), "store-a")
	require.NoError(t, err)
	t.Cleanup(ec.Destroy)

	storageKey := []byte("Tree\x00group-1\x00\x01")
	plaintext := []byte("ratchet tree bytes")

	blob, err := ec.EncryptEntry(storageKey, plaintext)
	require.NoError(t, err)
	require.NotContains(t, string(blob), string(plaintext))

	got, err := ec.DecryptEntry(storageKey, blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEntryCryptoBindsCiphertextToStorageKey(t *testing.T) {
	t.Parallel()

	ec, err := NewEntryCrypto(testKey(), "store-a")
	require.NoError(t, err)
	t.Cleanup(ec.Destroy)

	blob, err := ec.EncryptEntry([]byte("key-a"), []byte("value"))
	require.NoError(t, err)

	_, err = ec.DecryptEntry([]byte("key-b"), blob)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEntryCryptoWrongSessionKeyFails(t *testing.T) {
	t.Parallel()

	a, err := NewEntryCrypto(testKey(), "store-a")
	require.NoError(t, err)
	t.Cleanup(a.Destroy)

	other := testKey()
	other[0] ^= 0xff
	b, err := NewEntryCrypto(other, "store-a")
	require.NoError(t, err)
	t.Cleanup(b.Destroy)

	blob, err := a.EncryptEntry([]byte("k"), []byte("v"))
	require.NoError(t, err)

	_, err = b.DecryptEntry([]byte("k"), blob)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestNewEntryCryptoRejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	_, err := NewEntryCrypto(make([]byte, 16), "store-a")
	require.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestEntryCryptoUnusableAfterDestroy(t *testing.T) {
	t.Parallel()

	ec, err := NewEntryCrypto(testKey(), "store-a")
	require.NoError(t, err)
	ec.Destroy()

	_, err = ec.EncryptEntry([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrCryptoNotReady)
}
