package vault_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/vault"
)

func openVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.DerivePickleKey([]byte("test device secret"), nil)
	require.NoError(t, err)
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestOpenRejectsBadPickleKey(t *testing.T) {
	_, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"), []byte("short"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrVault))
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := openVault(t)

	blob, err := v.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, v.SaveAccount(ctx, "aabbcc", []byte("account state")))
	blob, err = v.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "account state", string(blob))

	// Upsert replaces in place.
	require.NoError(t, v.SaveAccount(ctx, "aabbcc", []byte("newer state")))
	blob, err = v.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newer state", string(blob))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	v := openVault(t)

	require.NoError(t, v.SaveSession(ctx, "peer-a", []byte("state a1")))
	require.NoError(t, v.SaveSession(ctx, "peer-b", []byte("state b1")))
	require.NoError(t, v.SaveSession(ctx, "peer-a", []byte("state a2")))

	blob, err := v.LoadSession(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, "state a2", string(blob))

	peers, err := v.ListPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"peer-a", "peer-b"}, peers)

	require.NoError(t, v.DeleteSession(ctx, "peer-a"))
	blob, err = v.LoadSession(ctx, "peer-a")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, v.DeleteAllSessions(ctx))
	peers, err = v.ListPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

// TestWrongPickleKeyIsCorruption: a stored blob that fails its tag check must
// surface as ErrVault, not as a missing row. Exercised by re-opening the same
// file with a different pickle key, which fails every tag check.
func TestWrongPickleKeyIsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")

	key1, err := vault.DerivePickleKey([]byte("secret one"), nil)
	require.NoError(t, err)
	v1, err := vault.Open(path, key1)
	require.NoError(t, err)
	require.NoError(t, v1.SaveAccount(ctx, "aa", []byte("account")))
	require.NoError(t, v1.SaveSession(ctx, "peer", []byte("session")))
	require.NoError(t, v1.Close())

	key2, err := vault.DerivePickleKey([]byte("secret two"), nil)
	require.NoError(t, err)
	v2, err := vault.Open(path, key2)
	require.NoError(t, err)
	defer v2.Close()

	_, err = v2.LoadAccount(ctx)
	assert.True(t, errors.Is(err, cryptoerr.ErrVault))
	_, err = v2.LoadSession(ctx, "peer")
	assert.True(t, errors.Is(err, cryptoerr.ErrVault))
}

func TestReplaceKeysAndCount(t *testing.T) {
	ctx := context.Background()
	v := openVault(t)

	id := func(n uint32) *uint32 { return &n }
	keys := []vault.StoredKey{
		{Type: vault.KeyTypeIdentity, PublicHex: "id-pub", Private: []byte("seed"), CreatedAt: time.Now()},
		{Type: vault.KeyTypeSignedPreKey, PublicHex: "spk-pub", Private: []byte("spk"), Signature: []byte("sig"), KeyID: id(0), CreatedAt: time.Now()},
		{Type: vault.KeyTypeOneTimePreKey, PublicHex: "otk-1", Private: []byte("k1"), KeyID: id(1), CreatedAt: time.Now()},
		{Type: vault.KeyTypeOneTimePreKey, PublicHex: "otk-2", Private: []byte("k2"), KeyID: id(2), CreatedAt: time.Now()},
	}
	require.NoError(t, v.ReplaceKeys(ctx, keys))

	n, err := v.CountOneTimePreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A new snapshot fully replaces the previous mirror.
	require.NoError(t, v.ReplaceKeys(ctx, keys[:2]))
	n, err = v.CountOneTimePreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	v := openVault(t)

	require.NoError(t, v.SaveAccount(ctx, "aa", []byte("account")))
	require.NoError(t, v.SaveSession(ctx, "peer", []byte("session")))
	require.NoError(t, v.DeleteAll(ctx))

	blob, err := v.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)
	peers, err := v.ListPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestDerivePickleKeyDeterministic(t *testing.T) {
	k1, err := vault.DerivePickleKey([]byte("device secret"), []byte("salt"))
	require.NoError(t, err)
	k2, err := vault.DerivePickleKey([]byte("device secret"), []byte("salt"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	k3, err := vault.DerivePickleKey([]byte("device secret"), []byte("other salt"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
