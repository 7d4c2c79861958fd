// Package account ties the long-term identity to its prekey catalog and the
// published-mark bookkeeping, and builds ratchet sessions out of X3DH
// handshakes in both directions.
package account

import (
	"encoding/hex"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
	"github.com/CatsMeow492/nochat.io/internal/crypto/ratchet"
	"github.com/CatsMeow492/nochat.io/internal/crypto/x3dh"
)

// MaxOneTimeKeys caps the unconsumed one-time-prekey pool.
const MaxOneTimeKeys = 100

// Account is the per-device crypto identity: the Ed25519 key pair, the
// prekey catalog, and the mark separating published one-time prekeys from
// ones still awaiting upload. It is not safe for concurrent use; the service
// guards it with a RW-lock.
type Account struct {
	identity primitives.IdentityKeyPair
	catalog  *prekey.Catalog

	// publishedThrough is the one-time-prekey id cursor up to which keys
	// have been uploaded; ids at or beyond it are unpublished.
	publishedThrough uint32
}

// New generates a fresh identity with a fully stocked prekey catalog.
func New() (*Account, error) {
	identity, err := primitives.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	catalog, err := prekey.New(identity)
	if err != nil {
		return nil, err
	}
	return &Account{identity: identity, catalog: catalog}, nil
}

// IdentityPublic returns the Ed25519 identity public key.
func (a *Account) IdentityPublic() primitives.IdentityPublicKey {
	return a.identity.Public
}

// Fingerprint returns the short identity hash for out-of-band verification.
func (a *Account) Fingerprint() string {
	return primitives.Fingerprint(a.identity.Public)
}

// Catalog exposes the prekey catalog for persistence snapshots.
func (a *Account) Catalog() *prekey.Catalog { return a.catalog }

// Bundle returns the publication-ready prekey bundle.
func (a *Account) Bundle() prekey.Bundle { return a.catalog.Bundle() }

// GenerateOneTimeKeys grows the pool by up to count keys, never past
// MaxOneTimeKeys, returning the publishable records of the new keys.
func (a *Account) GenerateOneTimeKeys(count int) ([]prekey.OneTimePreKeyRecord, error) {
	room := MaxOneTimeKeys - a.catalog.OneTimePreKeyCount()
	if count > room {
		count = room
	}
	if count <= 0 {
		return nil, nil
	}
	return a.catalog.Generate(count)
}

// UnpublishedOneTimeKeys returns the records not yet marked as uploaded.
func (a *Account) UnpublishedOneTimeKeys() []prekey.OneTimePreKeyRecord {
	var out []prekey.OneTimePreKeyRecord
	for _, k := range a.catalog.OneTimePreKeys() {
		if k.ID >= a.publishedThrough {
			out = append(out, prekey.OneTimePreKeyRecord{ID: k.ID, Public: k.KeyPair.Public})
		}
	}
	return out
}

// MarkKeysAsPublished advances the published cursor over every key currently
// in the pool.
func (a *Account) MarkKeysAsPublished() {
	a.publishedThrough = a.catalog.NextOneTimePreKeyID()
}

// OneTimePreKeyCount reports the unconsumed pool size.
func (a *Account) OneTimePreKeyCount() int { return a.catalog.OneTimePreKeyCount() }

// NeedsReplenishment reports whether the pool is below the low-water mark.
func (a *Account) NeedsReplenishment() bool { return a.catalog.NeedsReplenishment() }

// Replenish tops the pool back up, returning the new publishable records.
func (a *Account) Replenish() ([]prekey.OneTimePreKeyRecord, error) {
	return a.catalog.Replenish()
}

// NeedsRotation reports whether the signed prekey is past its maximum age.
func (a *Account) NeedsRotation() bool { return a.catalog.NeedsRotation() }

// RotateSignedPreKey retires the current signed prekey and installs a fresh
// one, returning its publishable record.
func (a *Account) RotateSignedPreKey() (prekey.SignedPreKeyRecord, error) {
	spk, err := a.catalog.RotateSignedPreKey()
	if err != nil {
		return prekey.SignedPreKeyRecord{}, err
	}
	return spk.Record(), nil
}

// PeerID returns the vault key for a peer: the lowercase hex of its Ed25519
// identity public key.
func PeerID(identity primitives.IdentityPublicKey) string {
	return hex.EncodeToString(identity[:])
}

// CreateOutboundSession runs the initiator side of X3DH against a peer's
// bundle and seeds a ratchet session. The returned session carries the
// pending handshake and emits PreKey envelopes until the peer replies.
func (a *Account) CreateOutboundSession(peerBundle prekey.Bundle) (*ratchet.Session, error) {
	res, err := x3dh.Initiate(a.identity, peerBundle)
	if err != nil {
		return nil, err
	}

	// The first send chain is anchored on whichever peer key contributed the
	// last DH: the one-time prekey when present, the signed prekey otherwise.
	anchor := peerBundle.SignedPreKey.Public
	if peerBundle.OneTimePreKey != nil {
		anchor = peerBundle.OneTimePreKey.Public
	}

	session, err := ratchet.InitAsInitiator(res.SharedSecret, res.EphemeralKey, anchor)
	if err != nil {
		return nil, err
	}
	session.SetHandshake(ratchet.Handshake{
		IdentityPublic:  a.identity.Public,
		EphemeralPublic: res.EphemeralKey.Public,
		SignedPreKeyID:  peerBundle.SignedPreKey.ID,
		OneTimeKeyID:    res.UsedOneTimeKey,
	})
	return session, nil
}

// CreateInboundSession runs the responder side of X3DH for a first-contact
// handshake. It resolves the referenced signed prekey (current or retained
// previous generation) and peeks at the referenced one-time prekey without
// consuming it; the caller consumes it only after the first ciphertext
// authenticates, so a forged handshake can never burn a prekey.
func (a *Account) CreateInboundSession(hs ratchet.Handshake) (*ratchet.Session, error) {
	spk, ok := a.catalog.SignedPreKeyByID(hs.SignedPreKeyID)
	if !ok {
		return nil, cryptoerr.Wrap("account.CreateInboundSession", cryptoerr.ErrPrekeyNotFound, nil)
	}

	var otk *primitives.X25519KeyPair
	if hs.OneTimeKeyID != nil {
		kp, ok := a.catalog.OneTimePreKeyByID(*hs.OneTimeKeyID)
		if !ok {
			return nil, cryptoerr.Wrap("account.CreateInboundSession", cryptoerr.ErrPrekeyNotFound, nil)
		}
		otk = &kp
	}

	secret, err := x3dh.Respond(a.identity, spk.KeyPair, otk, hs.IdentityPublic, hs.EphemeralPublic)
	if err != nil {
		return nil, err
	}

	// The initiator anchored its first chain on the OTK when one was used.
	anchorPair := spk.KeyPair
	if otk != nil {
		anchorPair = *otk
	}
	return ratchet.InitAsResponder(secret, anchorPair, hs.EphemeralPublic)
}

// ConsumeOneTimeKey removes a one-time prekey after a successful inbound
// handshake. Missing ids report false; the caller treats that as already
// consumed.
func (a *Account) ConsumeOneTimeKey(id uint32) bool {
	_, ok := a.catalog.ConsumeOTK(id)
	return ok
}
