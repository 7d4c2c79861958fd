// Package primitives wraps the Ed25519 and Curve25519 operations the rest of
// the crypto core builds on: key generation, signing, Diffie-Hellman, the
// deterministic Ed25519<->Curve25519 conversion, and identity fingerprints.
package primitives

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
)

const (
	// KeySize is the byte length of every raw X25519/Ed25519 public key.
	KeySize = 32
	// SignatureSize is the byte length of a detached Ed25519 signature.
	SignatureSize = 64
)

// IdentityPublicKey is an Ed25519 public key.
type IdentityPublicKey [KeySize]byte

// Slice returns the key as a []byte.
func (p IdentityPublicKey) Slice() []byte { return p[:] }

// IdentitySeed is the 32-byte Ed25519 private seed backing an identity.
type IdentitySeed [KeySize]byte

// Slice returns the seed as a []byte.
func (s IdentitySeed) Slice() []byte { return s[:] }

// X25519PublicKey is a Curve25519 public key (a Montgomery u-coordinate).
type X25519PublicKey [KeySize]byte

// Slice returns the key as a []byte.
func (p X25519PublicKey) Slice() []byte { return p[:] }

// X25519PrivateKey is a clamped Curve25519 scalar.
type X25519PrivateKey [KeySize]byte

// Slice returns the key as a []byte.
func (k X25519PrivateKey) Slice() []byte { return k[:] }

// IdentityKeyPair is the long-term Ed25519 signing identity for an account.
type IdentityKeyPair struct {
	Public IdentityPublicKey
	Seed   IdentitySeed
}

// GenerateIdentityKeyPair produces a fresh Ed25519 key pair.
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("primitives: generate identity key: %w", err)
	}
	var kp IdentityKeyPair
	copy(kp.Public[:], pub)
	copy(kp.Seed[:], priv.Seed())
	return kp, nil
}

// privateKey reconstructs the full 64-byte ed25519.PrivateKey from the seed.
func (kp IdentityKeyPair) privateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(kp.Seed[:])
}

// Sign produces a detached Ed25519 signature over msg.
func (kp IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.privateKey(), msg)
}

// VerifyIdentitySignature verifies a detached Ed25519 signature over msg
// under pub.
func VerifyIdentitySignature(pub IdentityPublicKey, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// X25519KeyPair is a Diffie-Hellman key pair on Curve25519.
type X25519KeyPair struct {
	Public  X25519PublicKey
	Private X25519PrivateKey
}

// GenerateX25519KeyPair generates a fresh, RFC 7748-clamped key pair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("primitives: generate x25519 private key: %w", err)
	}
	clamp(&kp.Private)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("primitives: derive x25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DH performs a Curve25519 scalar multiplication, returning the raw shared
// point. The caller is responsible for any further key derivation; this is
// not a KDF.
func DH(priv X25519PrivateKey, pub X25519PublicKey) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, cryptoerr.Wrap("primitives.DH", cryptoerr.ErrInvalidKeyFormat, err)
	}
	copy(out[:], shared)
	return out, nil
}

// clamp applies RFC 7748 clamping to a Curve25519 scalar in place.
func clamp(k *X25519PrivateKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// edwardsP is the field prime 2^255 - 19 underlying both Ed25519 and
// Curve25519's shared field.
var edwardsP = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// EdPublicToCurve25519 converts an Ed25519 public key to its Curve25519
// (Montgomery) counterpart via the standard birational map
// u = (1+y) / (1-y) mod p, where y is the Edwards point's recovered
// y-coordinate (the sign bit of x is irrelevant to u).
//
// This is the one piece of the crypto core built directly on math/big
// instead of a third-party library: golang.org/x/crypto does not expose
// Edwards point decompression, and no retrieval-pack dependency offers an
// Ed25519<->Curve25519 conversion; see DESIGN.md.
func EdPublicToCurve25519(pub IdentityPublicKey) (X25519PublicKey, error) {
	var out X25519PublicKey

	// The encoded point is little-endian y with the sign of x in the top bit.
	yBytes := make([]byte, KeySize)
	copy(yBytes, pub[:])
	yBytes[31] &= 0x7F
	reverse(yBytes)
	y := new(big.Int).SetBytes(yBytes)
	if y.Cmp(edwardsP) >= 0 {
		return out, cryptoerr.Wrap("primitives.EdPublicToCurve25519", cryptoerr.ErrInvalidKeyFormat, nil)
	}

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, edwardsP)
	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, edwardsP)
	if denominator.Sign() == 0 {
		return out, cryptoerr.Wrap("primitives.EdPublicToCurve25519", cryptoerr.ErrInvalidKeyFormat, nil)
	}

	inv := new(big.Int).ModInverse(denominator, edwardsP)
	if inv == nil {
		return out, cryptoerr.Wrap("primitives.EdPublicToCurve25519", cryptoerr.ErrInvalidKeyFormat, nil)
	}
	u := new(big.Int).Mul(numerator, inv)
	u.Mod(u, edwardsP)

	uBytes := u.FillBytes(make([]byte, KeySize))
	reverse(uBytes)
	copy(out[:], uBytes)
	return out, nil
}

// EdSeedToCurve25519 derives a Curve25519 key pair from an Ed25519 seed:
// SHA-512(seed)[0:32], RFC 7748-clamped, with the public key derived by
// X25519 base-point multiplication.
func EdSeedToCurve25519(seed IdentitySeed) (X25519KeyPair, error) {
	var kp X25519KeyPair
	h := sha512.Sum512(seed[:])
	copy(kp.Private[:], h[:32])
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("primitives: derive curve25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// reverse flips a byte slice in place (big-endian <-> little-endian).
func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Fingerprint returns the first 16 hex characters (8 bytes) of
// SHA-256(identity public key), suitable for out-of-band safety-number
// verification.
func Fingerprint(pub IdentityPublicKey) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:8])
}
