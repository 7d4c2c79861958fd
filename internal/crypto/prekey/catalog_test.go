package prekey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

func newCatalog(t *testing.T) (*prekey.Catalog, primitives.IdentityKeyPair) {
	t.Helper()
	identity, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)
	cat, err := prekey.New(identity)
	require.NoError(t, err)
	return cat, identity
}

func TestNewCatalogBundleHasOTK(t *testing.T) {
	cat, _ := newCatalog(t)

	assert.Equal(t, prekey.InitialBatch, cat.OneTimePreKeyCount())

	b := cat.Bundle()
	require.NotNil(t, b.OneTimePreKey)
	assert.False(t, cat.NeedsReplenishment())
}

func TestBundleSignatureVerifies(t *testing.T) {
	cat, identity := newCatalog(t)
	b := cat.Bundle()

	ok := primitives.VerifyIdentitySignature(identity.Public, b.SignedPreKey.Public[:], b.SignedPreKey.Signature)
	assert.True(t, ok)

	tampered := append([]byte(nil), b.SignedPreKey.Signature...)
	tampered[0] ^= 0xFF
	assert.False(t, primitives.VerifyIdentitySignature(identity.Public, b.SignedPreKey.Public[:], tampered))
}

func TestConsumeOTKIsIdempotent(t *testing.T) {
	cat, _ := newCatalog(t)
	b := cat.Bundle()
	id := b.OneTimePreKey.ID

	_, ok := cat.ConsumeOTK(id)
	assert.True(t, ok)

	_, ok = cat.ConsumeOTK(id)
	assert.False(t, ok, "second consumption of the same id must be a no-op, not an error")

	assert.Equal(t, prekey.InitialBatch-1, cat.OneTimePreKeyCount())
}

func TestReplenishmentThreshold(t *testing.T) {
	cat, _ := newCatalog(t)

	for i := 0; i < prekey.InitialBatch-prekey.LowWaterMark+1; i++ {
		b := cat.Bundle()
		require.NotNil(t, b.OneTimePreKey)
		cat.ConsumeOTK(b.OneTimePreKey.ID)
	}

	assert.True(t, cat.NeedsReplenishment())

	records, err := cat.Replenish()
	require.NoError(t, err)
	assert.Len(t, records, prekey.ReplenishBatch)
	assert.False(t, cat.NeedsReplenishment())
}

func TestRotationRetainsPreviousGeneration(t *testing.T) {
	cat, _ := newCatalog(t)
	before := cat.Current()

	rotated, err := cat.RotateSignedPreKey()
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, rotated.ID)

	prev, ok := cat.SignedPreKeyByID(before.ID)
	require.True(t, ok, "prior generation must remain resolvable during the drain window")
	assert.Equal(t, before.KeyPair.Public, prev.KeyPair.Public)

	cur, ok := cat.SignedPreKeyByID(rotated.ID)
	require.True(t, ok)
	assert.Equal(t, rotated.KeyPair.Public, cur.KeyPair.Public)

	_, ok = cat.SignedPreKeyByID(before.ID + 1000)
	assert.False(t, ok, "unknown signed prekey ids must be distinguishable from retained ones")
}

func TestNeedsRotationFalseForFreshKey(t *testing.T) {
	cat, _ := newCatalog(t)
	assert.False(t, cat.NeedsRotation())
}
