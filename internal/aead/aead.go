// Package aead collects the symmetric primitives shared by the ratchet's
// per-message encryption and the vault's key-derivation paths: AES-256-GCM
// sealing under an externally supplied nonce, and the two password-based
// key-derivation functions the vault can use to turn a passphrase into a
// pickle key.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12
	// SaltSize is the default size of a freshly generated KDF salt.
	SaltSize = 16
	// PBKDF2Iterations is the iteration count for the PBKDF2 fallback path.
	PBKDF2Iterations = 100_000
)

// SealAESGCM encrypts plaintext under key with the caller-supplied nonce,
// authenticating ad as associated data.
func SealAESGCM(key, nonce, ad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead: invalid nonce size: got %d want %d", len(nonce), NonceSize)
	}
	return gcm.Seal(nil, nonce, plaintext, ad), nil
}

// OpenAESGCM decrypts ciphertext under key and the caller-supplied nonce,
// verifying ad as associated data.
func OpenAESGCM(key, nonce, ad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead: invalid nonce size: got %d want %d", len(nonce), NonceSize)
	}
	return gcm.Open(nil, nonce, ciphertext, ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: invalid key size: got %d want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveKeyPBKDF2 derives a 32-byte key from a passphrase and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKeyPBKDF2(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// DeriveKeyArgon2id derives a 32-byte key from a passphrase and salt using
// Argon2id, the preferred path when the caller can afford its memory cost.
func DeriveKeyArgon2id(passphrase string, salt []byte, memoryMiB, iterations uint32, parallelism uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, iterations, memoryMiB*1024, parallelism, KeySize)
}

// GenerateSalt returns a fresh random salt of SaltSize bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("aead: generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKey returns a fresh random 32-byte key, suitable as a pickle key
// when no device secret or passphrase is available.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("aead: generate key: %w", err)
	}
	return key, nil
}
