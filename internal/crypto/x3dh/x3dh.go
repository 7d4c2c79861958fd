// Package x3dh implements the stateless Extended Triple Diffie-Hellman
// handshake: combining up to four Curve25519 DH outputs into a single
// 32-byte root shared secret via HKDF-SHA256.
package x3dh

import (
	"bytes"

	"golang.org/x/crypto/hkdf"

	"crypto/sha256"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

// hkdfInfo is part of the wire contract: changing it breaks interop with any
// peer running this protocol version.
const hkdfInfo = "NoChat X3DH v1"

// InitiatorResult is the outcome of x3dh_initiate: the derived root secret,
// the fresh ephemeral public key to send, and the id of the one-time
// prekey consumed (if any).
type InitiatorResult struct {
	SharedSecret   [32]byte
	EphemeralKey   primitives.X25519KeyPair
	UsedOneTimeKey *uint32
}

// Initiate runs the initiator side of X3DH against a peer's published
// bundle. It verifies the bundle's signed-prekey signature before deriving
// anything (I1); a bad signature aborts with ErrBadBundleSignature.
func Initiate(ourIdentity primitives.IdentityKeyPair, peerBundle prekey.Bundle) (InitiatorResult, error) {
	var result InitiatorResult

	if !primitives.VerifyIdentitySignature(
		peerBundle.IdentityPublic,
		peerBundle.SignedPreKey.Public[:],
		peerBundle.SignedPreKey.Signature,
	) {
		return result, cryptoerr.Wrap("x3dh.Initiate", cryptoerr.ErrBadBundleSignature, nil)
	}

	ourIdentityCurve, err := primitives.EdSeedToCurve25519(ourIdentity.Seed)
	if err != nil {
		return result, cryptoerr.Wrap("x3dh.Initiate", cryptoerr.ErrInvalidKeyFormat, err)
	}
	peerIdentityCurve, err := primitives.EdPublicToCurve25519(peerBundle.IdentityPublic)
	if err != nil {
		return result, cryptoerr.Wrap("x3dh.Initiate", cryptoerr.ErrInvalidKeyFormat, err)
	}

	ephemeral, err := primitives.GenerateX25519KeyPair()
	if err != nil {
		return result, cryptoerr.Wrap("x3dh.Initiate", cryptoerr.ErrInvalidKeyFormat, err)
	}

	dh1, err := primitives.DH(ourIdentityCurve.Private, peerBundle.SignedPreKey.Public)
	if err != nil {
		return result, err
	}
	dh2, err := primitives.DH(ephemeral.Private, peerIdentityCurve)
	if err != nil {
		return result, err
	}
	dh3, err := primitives.DH(ephemeral.Private, peerBundle.SignedPreKey.Public)
	if err != nil {
		return result, err
	}

	ikm := concatDH(dh1, dh2, dh3)
	var usedOTK *uint32
	if peerBundle.OneTimePreKey != nil {
		dh4, err := primitives.DH(ephemeral.Private, peerBundle.OneTimePreKey.Public)
		if err != nil {
			return result, err
		}
		ikm = append(ikm, dh4[:]...)
		id := peerBundle.OneTimePreKey.ID
		usedOTK = &id
	}

	result.SharedSecret = deriveRootSecret(ikm)
	result.EphemeralKey = ephemeral
	result.UsedOneTimeKey = usedOTK
	return result, nil
}

// Respond runs the responder side of X3DH, mirroring Initiate's DH
// computation (DH1 = DH(SPK, Curve(IK_A)), ...). ourOneTime is nil when the
// initiator's handshake did not carry a one-time prekey id; resolving a
// carried id, and rejecting one that is unknown or already consumed, is left
// to the caller.
func Respond(
	ourIdentity primitives.IdentityKeyPair,
	ourSignedPreKey primitives.X25519KeyPair,
	ourOneTime *primitives.X25519KeyPair,
	theirIdentityPub primitives.IdentityPublicKey,
	theirEphemeralPub primitives.X25519PublicKey,
) ([32]byte, error) {
	var secret [32]byte

	ourIdentityCurve, err := primitives.EdSeedToCurve25519(ourIdentity.Seed)
	if err != nil {
		return secret, cryptoerr.Wrap("x3dh.Respond", cryptoerr.ErrInvalidKeyFormat, err)
	}
	theirIdentityCurve, err := primitives.EdPublicToCurve25519(theirIdentityPub)
	if err != nil {
		return secret, cryptoerr.Wrap("x3dh.Respond", cryptoerr.ErrInvalidKeyFormat, err)
	}

	dh1, err := primitives.DH(ourSignedPreKey.Private, theirIdentityCurve)
	if err != nil {
		return secret, err
	}
	dh2, err := primitives.DH(ourIdentityCurve.Private, theirEphemeralPub)
	if err != nil {
		return secret, err
	}
	dh3, err := primitives.DH(ourSignedPreKey.Private, theirEphemeralPub)
	if err != nil {
		return secret, err
	}

	ikm := concatDH(dh1, dh2, dh3)
	if ourOneTime != nil {
		dh4, err := primitives.DH(ourOneTime.Private, theirEphemeralPub)
		if err != nil {
			return secret, err
		}
		ikm = append(ikm, dh4[:]...)
	}

	secret = deriveRootSecret(ikm)
	return secret, nil
}

// concatDH joins the DH outputs with the fixed all-0xFF salt the spec uses
// as an IKM prefix, ahead of HKDF's own (nil) salt argument.
func concatDH(dhs ...[32]byte) []byte {
	var prefix [32]byte
	for i := range prefix {
		prefix[i] = 0xFF
	}
	buf := bytes.NewBuffer(make([]byte, 0, 32+32*len(dhs)))
	buf.Write(prefix[:])
	for _, dh := range dhs {
		buf.Write(dh[:])
	}
	return buf.Bytes()
}

func deriveRootSecret(ikm []byte) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo))
	if _, err := r.Read(out[:]); err != nil {
		// HKDF-SHA256 can only fail to produce 32 bytes if the output length
		// requested exceeds 255*hash size, which never happens here.
		panic(err)
	}
	return out
}
