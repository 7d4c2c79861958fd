package aead_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/aead"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, aead.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := randomKey(t)
	nonce := make([]byte, aead.NonceSize)
	ad := []byte("associated data")

	ct, err := aead.SealAESGCM(key, nonce, ad, []byte("secret"))
	require.NoError(t, err)

	pt, err := aead.OpenAESGCM(key, nonce, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(pt))

	// Wrong associated data must fail authentication.
	_, err = aead.OpenAESGCM(key, nonce, []byte("other"), ct)
	assert.Error(t, err)
}

func TestSealPickleRoundTrip(t *testing.T) {
	key := randomKey(t)

	blob, err := aead.SealPickle(key, []byte("pickled state"))
	require.NoError(t, err)

	pt, err := aead.OpenPickle(key, blob)
	require.NoError(t, err)
	assert.Equal(t, "pickled state", string(pt))

	// Nonces are random: sealing twice never repeats ciphertext.
	blob2, err := aead.SealPickle(key, []byte("pickled state"))
	require.NoError(t, err)
	assert.NotEqual(t, blob, blob2)
}

func TestOpenPickleDetectsTampering(t *testing.T) {
	key := randomKey(t)
	blob, err := aead.SealPickle(key, []byte("pickled state"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = aead.OpenPickle(key, blob)
	assert.ErrorIs(t, err, aead.ErrAuthentication)

	_, err = aead.OpenPickle(key, []byte("short"))
	assert.ErrorIs(t, err, aead.ErrAuthentication)
}

func TestDeriveKeyPBKDF2Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := aead.DeriveKeyPBKDF2("passphrase", salt)
	k2 := aead.DeriveKeyPBKDF2("passphrase", salt)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, aead.KeySize)
	assert.NotEqual(t, k1, aead.DeriveKeyPBKDF2("other", salt))
}

func TestDeriveKeyArgon2idDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := aead.DeriveKeyArgon2id("passphrase", salt, 16, 1, 1)
	k2 := aead.DeriveKeyArgon2id("passphrase", salt, 16, 1, 1)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, aead.KeySize)
}
