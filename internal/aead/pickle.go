package aead

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthentication is returned when a sealed pickle fails its tag check.
// Callers treat it as at-rest corruption, never as a silent miss.
var ErrAuthentication = errors.New("aead: pickle authentication failed")

// SealPickle encrypts a pickled blob under key with XChaCha20-Poly1305,
// prepending the random 24-byte nonce to the ciphertext. The large nonce
// makes random generation safe for the vault's write rate.
func SealPickle(key, plaintext []byte) ([]byte, error) {
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: seal pickle: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aead: seal pickle: generate nonce: %w", err)
	}
	return c.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenPickle decrypts a blob produced by SealPickle.
func OpenPickle(key, blob []byte) ([]byte, error) {
	c, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: open pickle: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrAuthentication
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
