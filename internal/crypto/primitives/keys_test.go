package primitives_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

func TestIdentityKeyPairSignVerify(t *testing.T) {
	kp, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)

	msg := []byte("signed prekey bytes")
	sig := kp.Sign(msg)
	assert.Len(t, sig, primitives.SignatureSize)
	assert.True(t, primitives.VerifyIdentitySignature(kp.Public, msg, sig))

	sig[0] ^= 0xFF
	assert.False(t, primitives.VerifyIdentitySignature(kp.Public, msg, sig))
}

func TestX25519DH(t *testing.T) {
	a, err := primitives.GenerateX25519KeyPair()
	require.NoError(t, err)
	b, err := primitives.GenerateX25519KeyPair()
	require.NoError(t, err)

	sharedA, err := primitives.DH(a.Private, b.Public)
	require.NoError(t, err)
	sharedB, err := primitives.DH(b.Private, a.Public)
	require.NoError(t, err)

	assert.Equal(t, sharedA, sharedB)
}

func TestEdSeedToCurve25519DeterministicAndUsable(t *testing.T) {
	kp, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)

	conv1, err := primitives.EdSeedToCurve25519(kp.Seed)
	require.NoError(t, err)
	conv2, err := primitives.EdSeedToCurve25519(kp.Seed)
	require.NoError(t, err)
	assert.Equal(t, conv1, conv2, "conversion must be pure and total for valid input")

	peer, err := primitives.GenerateX25519KeyPair()
	require.NoError(t, err)

	_, err = primitives.DH(conv1.Private, peer.Public)
	assert.NoError(t, err)
}

func TestEdPublicToCurve25519(t *testing.T) {
	kp, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)

	fromSeed, err := primitives.EdSeedToCurve25519(kp.Seed)
	require.NoError(t, err)

	fromPub, err := primitives.EdPublicToCurve25519(kp.Public)
	require.NoError(t, err)

	assert.Equal(t, fromSeed.Public, fromPub, "public-key conversion must match the secret-derived public key")
}

func TestFingerprintStability(t *testing.T) {
	kp, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)

	fp1 := primitives.Fingerprint(kp.Public)
	fp2 := primitives.Fingerprint(kp.Public)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 16)

	other, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, primitives.Fingerprint(other.Public))
}
