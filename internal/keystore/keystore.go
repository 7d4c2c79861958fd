// Package keystore is the OS-secure-storage collaborator: it holds the
// random pickle key when no device secret is available, and sources the
// default device secret from the machine identity.
package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
	"github.com/denisbrodbeck/machineid"
)

// pickleKeyItem is the keyring entry name for the vault's pickle key.
const pickleKeyItem = "pickle-key"

// KeyStore wraps OS keychain / secret-service access for one service name.
type KeyStore struct {
	ring keyring.Keyring
}

// Open connects to the platform secret store under serviceName, falling back
// to an encrypted file backend where no native store exists.
func Open(serviceName string) (*KeyStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:             serviceName,
		KeychainName:            serviceName,
		KWalletAppID:            serviceName,
		KWalletFolder:           serviceName,
		WinCredPrefix:           serviceName,
		LibSecretCollectionName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: open keyring: %w", err)
	}
	return &KeyStore{ring: ring}, nil
}

// PickleKey returns the stored pickle key, or nil if none has been saved yet.
func (k *KeyStore) PickleKey() ([]byte, error) {
	item, err := k.ring.Get(pickleKeyItem)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get pickle key: %w", err)
	}
	return item.Data, nil
}

// StorePickleKey persists the pickle key. It must be called exactly once per
// install: regenerating the key orphans every previously pickled session.
func (k *KeyStore) StorePickleKey(key []byte) error {
	if err := k.ring.Set(keyring.Item{Key: pickleKeyItem, Data: key}); err != nil {
		return fmt.Errorf("keystore: store pickle key: %w", err)
	}
	return nil
}

// DeletePickleKey removes the stored pickle key, for logout/delete-all flows.
func (k *KeyStore) DeletePickleKey() error {
	if err := k.ring.Remove(pickleKeyItem); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("keystore: delete pickle key: %w", err)
	}
	return nil
}

// DeviceSecret returns the default device secret: the machine id hashed with
// the service name so it never leaves the host in raw form. Returns an error
// on platforms with no machine id; callers then fall back to a random
// keyring-stored pickle key.
func DeviceSecret(serviceName string) ([]byte, error) {
	id, err := machineid.ProtectedID(serviceName)
	if err != nil {
		return nil, fmt.Errorf("keystore: device secret: %w", err)
	}
	return []byte(id), nil
}
