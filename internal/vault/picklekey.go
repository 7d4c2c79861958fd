package vault

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/CatsMeow492/nochat.io/internal/aead"
	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/keystore"
)

// pickleKeyInfo is part of the at-rest format: changing it re-keys (and so
// orphans) every existing vault.
const pickleKeyInfo = "NoChat Pickle Key v1"

// DerivePickleKey derives the 32-byte pickle key from a device secret via
// HKDF-SHA256. The salt may be nil.
func DerivePickleKey(deviceSecret, deviceSalt []byte) ([]byte, error) {
	key := make([]byte, aead.KeySize)
	r := hkdf.New(sha256.New, deviceSecret, deviceSalt, []byte(pickleKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, cryptoerr.Wrap("vault.DerivePickleKey", cryptoerr.ErrVault, err)
	}
	return key, nil
}

// ResolvePickleKey produces the pickle key for this device. With a device
// secret it derives deterministically; without one it falls back to a random
// key generated once and kept in the OS secure store, so that restarts keep
// decrypting prior state.
func ResolvePickleKey(store *keystore.KeyStore, deviceSecret, deviceSalt []byte) ([]byte, error) {
	if len(deviceSecret) > 0 {
		return DerivePickleKey(deviceSecret, deviceSalt)
	}

	key, err := store.PickleKey()
	if err != nil {
		return nil, cryptoerr.Wrap("vault.ResolvePickleKey", cryptoerr.ErrVault, err)
	}
	if key != nil {
		if len(key) != aead.KeySize {
			return nil, cryptoerr.Wrap("vault.ResolvePickleKey", cryptoerr.ErrVault, nil)
		}
		return key, nil
	}

	key, err = aead.GenerateKey()
	if err != nil {
		return nil, cryptoerr.Wrap("vault.ResolvePickleKey", cryptoerr.ErrVault, err)
	}
	if err := store.StorePickleKey(key); err != nil {
		return nil, cryptoerr.Wrap("vault.ResolvePickleKey", cryptoerr.ErrVault, err)
	}
	return key, nil
}
