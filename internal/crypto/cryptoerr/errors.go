// Package cryptoerr defines the typed error taxonomy shared by every layer
// of the encryption core, so callers can discriminate failure modes with
// errors.Is instead of string matching.
package cryptoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyFormat signals a key with the wrong byte length or encoding.
	ErrInvalidKeyFormat = errors.New("crypto: invalid key format")
	// ErrBadBundleSignature signals a signed prekey whose signature does not
	// verify under the claimed identity key.
	ErrBadBundleSignature = errors.New("crypto: bad bundle signature")
	// ErrSessionNotFound signals decrypt without a session and without an
	// accompanying identity key to bootstrap one.
	ErrSessionNotFound = errors.New("crypto: session not found")
	// ErrPrekeyNotFound signals a signed-prekey id that is neither the
	// current nor the retained previous generation, or a one-time prekey id
	// that is unknown or already consumed.
	ErrPrekeyNotFound = errors.New("crypto: prekey not found")
	// ErrDecryptionFailed signals AEAD authentication failure, a malformed
	// header, or a skip distance exceeding MAX_SKIP. Session state must not
	// advance when this is returned.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrSkipExceeded signals a receive gap larger than MAX_SKIP. It wraps
	// ErrDecryptionFailed, so errors.Is matches either sentinel.
	ErrSkipExceeded = fmt.Errorf("%w: skipped-message-key bound exceeded", ErrDecryptionFailed)
	// ErrVault signals I/O or MAC failure loading or storing pickled state.
	ErrVault = errors.New("crypto: vault error")
	// ErrSessionCorrupted signals an unpickle that produced invalid state.
	ErrSessionCorrupted = errors.New("crypto: session corrupted")
)

// Error wraps a sentinel Kind with the operation and underlying cause,
// following the %w-wrapping convention used throughout the services layer
// this module descends from.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

// Wrap builds an *Error tying a sentinel kind to the operation that
// produced it and (optionally) the lower-level cause.
func Wrap(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
