// Package ratchet implements the Double Ratchet session state machine: a DH
// ratchet over Curve25519 combined with HMAC symmetric-key chains, giving
// every message a unique key that is discarded immediately after use.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/hkdf"

	"github.com/CatsMeow492/nochat.io/internal/aead"
	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

// MaxSkip bounds the number of skipped-message keys retained per chain (I4).
const MaxSkip = 1000

const (
	kdfInfoRK    = "Ratchet-RK"
	kdfInfoNonce = "Ratchet-Nonce"
)

// Header travels alongside every ciphertext so the receiver can locate the
// right chain and message key.
type Header struct {
	DHPub primitives.X25519PublicKey
	PN    uint32
	N     uint32
}

// Handshake carries the X3DH parameters an initiator must keep re-sending
// until the peer's first reply proves the handshake landed. It rides in the
// PreKey envelope alongside the ratchet header.
type Handshake struct {
	IdentityPublic  primitives.IdentityPublicKey
	EphemeralPublic primitives.X25519PublicKey
	SignedPreKeyID  uint32
	OneTimeKeyID    *uint32
}

type skipKey struct {
	dh primitives.X25519PublicKey
	n  uint32
}

// Session is the per-peer Double Ratchet state. It is not safe for
// concurrent use by multiple goroutines; CryptoService serializes access
// per peer.
type Session struct {
	sessionID [32]byte // sha256 over the initial (X3DH) root key

	rootKey [32]byte
	dhs     primitives.X25519KeyPair
	dhr     *primitives.X25519PublicKey

	sendChainKey *[32]byte
	recvChainKey *[32]byte

	ns, nr, pn uint32

	skipped map[skipKey][32]byte

	messagesSent     uint64
	messagesReceived uint64

	// hasReceivedReply latches from false to true the first time Decrypt
	// succeeds; while false, Encrypt is advertising a handshake that has not
	// yet been acknowledged (the caller uses this to decide whether to
	// attach the X3DH header as a PreKey envelope).
	hasReceivedReply bool

	// pending is the X3DH handshake still being advertised. Set only on
	// initiator sessions; cleared when the first reply decrypts.
	pending *Handshake
}

// InitAsInitiator seeds a session for the party that ran x3dh.Initiate. ek
// is the X3DH ephemeral key pair (reused as the first ratchet key), and
// peerAnchor is the peer's signed-prekey (or one-time-prekey, if DH4 was
// used) public key that anchors the first send chain.
func InitAsInitiator(rootSecret [32]byte, ek primitives.X25519KeyPair, peerAnchor primitives.X25519PublicKey) (*Session, error) {
	dh, err := primitives.DH(ek.Private, peerAnchor)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init as initiator: %w", err)
	}
	newRoot, sendCK := kdfRK(rootSecret, dh)

	s := &Session{
		sessionID: sha256.Sum256(rootSecret[:]),
		dhs:       ek,
		skipped:   make(map[skipKey][32]byte),
	}
	copy(s.rootKey[:], newRoot[:])
	anchor := peerAnchor
	s.dhr = &anchor
	s.sendChainKey = &sendCK
	return s, nil
}

// InitAsResponder seeds a session for the party that ran x3dh.Respond.
// ourSignedPreKey is the key pair the initiator anchored on (the signed
// prekey, or the one-time prekey when the handshake used one) and is reused
// as the initial DHs; the send chain stays nil
// until the first outbound Encrypt lazily ratchets forward, matching the
// spec's "CKs is None" bootstrap case.
func InitAsResponder(rootSecret [32]byte, ourSignedPreKey primitives.X25519KeyPair, theirEphemeral primitives.X25519PublicKey) (*Session, error) {
	dh, err := primitives.DH(ourSignedPreKey.Private, theirEphemeral)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init as responder: %w", err)
	}
	newRoot, recvCK := kdfRK(rootSecret, dh)

	s := &Session{
		sessionID: sha256.Sum256(rootSecret[:]),
		dhs:       ourSignedPreKey,
		skipped:   make(map[skipKey][32]byte),
	}
	copy(s.rootKey[:], newRoot[:])
	anchor := theirEphemeral
	s.dhr = &anchor
	s.recvChainKey = &recvCK
	return s, nil
}

// SessionID returns the stable identifier derived from the initial root
// key, usable as a vault row key independent of peer_id.
func (s *Session) SessionID() [32]byte { return s.sessionID }

// MessagesSent and MessagesReceived report the per-session counters
// exposed through the service's SessionStats.
func (s *Session) MessagesSent() uint64     { return s.messagesSent }
func (s *Session) MessagesReceived() uint64 { return s.messagesReceived }

// HasReceivedMessage reports whether this session has ever decrypted a
// message from the peer, i.e. whether the handshake has been acknowledged.
func (s *Session) HasReceivedMessage() bool { return s.hasReceivedReply }

// SetHandshake records the X3DH parameters this initiator session must keep
// attaching to outbound messages until the peer replies.
func (s *Session) SetHandshake(h Handshake) {
	if h.OneTimeKeyID != nil {
		id := *h.OneTimeKeyID
		h.OneTimeKeyID = &id
	}
	s.pending = &h
}

// PendingHandshake returns the X3DH handshake still awaiting acknowledgement,
// or nil once the peer's first reply has been decrypted. Callers emit a
// PreKey envelope exactly while this is non-nil.
func (s *Session) PendingHandshake() *Handshake {
	if s.pending == nil {
		return nil
	}
	h := *s.pending
	if s.pending.OneTimeKeyID != nil {
		id := *s.pending.OneTimeKeyID
		h.OneTimeKeyID = &id
	}
	return &h
}

// Encrypt advances the sending chain and seals plaintext, returning the
// ratchet header to transmit alongside the ciphertext.
func (s *Session) Encrypt(plaintext []byte) (Header, []byte, error) {
	if s.sendChainKey == nil {
		if s.dhr == nil {
			return Header{}, nil, cryptoerr.Wrap("ratchet.Encrypt", cryptoerr.ErrSessionCorrupted, nil)
		}
		newDHs, err := primitives.GenerateX25519KeyPair()
		if err != nil {
			return Header{}, nil, fmt.Errorf("ratchet: encrypt: generate dh key: %w", err)
		}
		dh, err := primitives.DH(newDHs.Private, *s.dhr)
		if err != nil {
			return Header{}, nil, fmt.Errorf("ratchet: encrypt: %w", err)
		}
		newRoot, sendCK := kdfRK(s.rootKey, dh)

		// Send-side half of the DH ratchet: the receiving chain continues,
		// so Nr is untouched here.
		s.pn = s.ns
		s.ns = 0
		copy(s.rootKey[:], newRoot[:])
		s.dhs = newDHs
		s.sendChainKey = &sendCK
	}

	nextCK, mk := kdfCK(*s.sendChainKey)
	s.sendChainKey = &nextCK

	header := Header{DHPub: s.dhs.Public, PN: s.pn, N: s.ns}
	nonce := deriveNonce(mk)
	ct, err := aead.SealAESGCM(mk[:], nonce, headerBytes(header), plaintext)
	if err != nil {
		return Header{}, nil, fmt.Errorf("ratchet: encrypt: seal: %w", err)
	}

	s.ns++
	s.messagesSent++
	return header, ct, nil
}

// Decrypt opens ciphertext under header, applying a DH-ratchet step and/or
// skipping forward in the receiving chain as needed. On any failure the
// session's persistent state is left exactly as it was before the call: the
// method stages all mutations against a scratch copy and only commits it
// after the AEAD tag verifies.
func (s *Session) Decrypt(header Header, ciphertext []byte) ([]byte, error) {
	work := s.clone()

	if mk, ok := work.skipped[skipKey{dh: header.DHPub, n: header.N}]; ok {
		delete(work.skipped, skipKey{dh: header.DHPub, n: header.N})
		pt, err := aead.OpenAESGCM(mk[:], deriveNonce(mk), headerBytes(header), ciphertext)
		if err != nil {
			return nil, cryptoerr.Wrap("ratchet.Decrypt", cryptoerr.ErrDecryptionFailed, err)
		}
		work.messagesReceived++
		work.hasReceivedReply = true
		work.pending = nil
		s.commit(work)
		return pt, nil
	}

	if work.dhr == nil || header.DHPub != *work.dhr {
		if err := work.skipUntil(work.pn2n(header.PN)); err != nil {
			return nil, err
		}
		if err := work.dhRatchetStep(header.DHPub); err != nil {
			return nil, fmt.Errorf("ratchet: decrypt: %w", err)
		}
	}

	if err := work.skipUntil(header.N); err != nil {
		return nil, err
	}

	if work.recvChainKey == nil {
		return nil, cryptoerr.Wrap("ratchet.Decrypt", cryptoerr.ErrSessionCorrupted, nil)
	}
	nextCK, mk := kdfCK(*work.recvChainKey)

	pt, err := aead.OpenAESGCM(mk[:], deriveNonce(mk), headerBytes(header), ciphertext)
	if err != nil {
		return nil, cryptoerr.Wrap("ratchet.Decrypt", cryptoerr.ErrDecryptionFailed, err)
	}

	work.recvChainKey = &nextCK
	work.nr++
	work.messagesReceived++
	work.hasReceivedReply = true
	work.pending = nil
	s.commit(work)
	return pt, nil
}

// pn2n is a readability shim: the header's PN field is itself the target
// counter to skip the *previous* chain up to.
func (s *Session) pn2n(pn uint32) uint32 { return pn }

// dhRatchetStep performs the DH-ratchet: derive the new receiving chain
// from the peer's fresh DH public key, then immediately derive a fresh
// sending chain so the next Encrypt call ratchets forward too.
func (s *Session) dhRatchetStep(theirNewDHPub primitives.X25519PublicKey) error {
	var root [32]byte
	copy(root[:], s.rootKey[:])

	dh, err := primitives.DH(s.dhs.Private, theirNewDHPub)
	if err != nil {
		return err
	}
	newRoot, recvCK := kdfRK(root, dh)

	newDHs, err := primitives.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	dh2, err := primitives.DH(newDHs.Private, theirNewDHPub)
	if err != nil {
		return err
	}
	newRoot2, sendCK := kdfRK(newRoot, dh2)

	s.pn = s.ns
	s.ns, s.nr = 0, 0
	copy(s.rootKey[:], newRoot2[:])
	anchor := theirNewDHPub
	s.dhr = &anchor
	s.dhs = newDHs
	s.sendChainKey = &sendCK
	s.recvChainKey = &recvCK
	return nil
}

// skipUntil derives and caches message keys for the current receiving
// chain from nr up to (but not including) until, bounded by MaxSkip.
func (s *Session) skipUntil(until uint32) error {
	if s.recvChainKey == nil {
		if until == 0 {
			return nil
		}
		return cryptoerr.Wrap("ratchet.skipUntil", cryptoerr.ErrSessionCorrupted, nil)
	}
	if until < s.nr {
		return nil
	}
	inChain := 0
	for k := range s.skipped {
		if s.dhr != nil && k.dh == *s.dhr {
			inChain++
		}
	}
	if int(until-s.nr)+inChain > MaxSkip {
		return cryptoerr.Wrap("ratchet.skipUntil", cryptoerr.ErrSkipExceeded, nil)
	}
	for s.nr < until {
		nextCK, mk := kdfCK(*s.recvChainKey)
		s.recvChainKey = &nextCK
		s.skipped[skipKey{dh: *s.dhr, n: s.nr}] = mk
		s.nr++
	}
	return nil
}

// clone returns a deep copy used to stage Decrypt's mutations transactionally.
func (s *Session) clone() *Session {
	c := &Session{
		sessionID:        s.sessionID,
		rootKey:          s.rootKey,
		dhs:              s.dhs,
		ns:               s.ns,
		nr:               s.nr,
		pn:               s.pn,
		messagesSent:     s.messagesSent,
		messagesReceived: s.messagesReceived,
		hasReceivedReply: s.hasReceivedReply,
		skipped:          make(map[skipKey][32]byte, len(s.skipped)),
	}
	if s.dhr != nil {
		dhr := *s.dhr
		c.dhr = &dhr
	}
	if s.sendChainKey != nil {
		ck := *s.sendChainKey
		c.sendChainKey = &ck
	}
	if s.recvChainKey != nil {
		ck := *s.recvChainKey
		c.recvChainKey = &ck
	}
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	if s.pending != nil {
		p := *s.pending
		if s.pending.OneTimeKeyID != nil {
			id := *s.pending.OneTimeKeyID
			p.OneTimeKeyID = &id
		}
		c.pending = &p
	}
	return c
}

// commit copies a successfully-processed scratch session back onto s.
func (s *Session) commit(work *Session) {
	*s = *work
}

// kdfRK implements KDF_RK: HKDF-SHA256 with salt=rk, ikm=dhOut,
// info="Ratchet-RK", taking the first 32 bytes as the new root key and the
// next 32 as the chain key.
func kdfRK(rk [32]byte, dhOut [32]byte) (newRK [32]byte, ck [32]byte) {
	r := hkdf.New(sha256.New, dhOut[:], rk[:], []byte(kdfInfoRK))
	var buf [64]byte
	if _, err := r.Read(buf[:]); err != nil {
		panic(err)
	}
	copy(newRK[:], buf[:32])
	copy(ck[:], buf[32:])
	return
}

// kdfCK implements KDF_CK: MK = HMAC-SHA256(CK, 0x01), CK' = HMAC-SHA256(CK, 0x02).
func kdfCK(ck [32]byte) (newCK [32]byte, mk [32]byte) {
	h1 := hmac.New(sha256.New, ck[:])
	h1.Write([]byte{0x01})
	copy(mk[:], h1.Sum(nil))

	h2 := hmac.New(sha256.New, ck[:])
	h2.Write([]byte{0x02})
	copy(newCK[:], h2.Sum(nil))
	return
}

// deriveNonce derives the 12-byte AES-GCM nonce from the message key via
// HKDF, rather than a counter, so pickle/unpickle round-trips never need to
// track a separate nonce sequence.
func deriveNonce(mk [32]byte) []byte {
	r := hkdf.New(sha256.New, mk[:], nil, []byte(kdfInfoNonce))
	nonce := make([]byte, aead.NonceSize)
	if _, err := r.Read(nonce); err != nil {
		panic(err)
	}
	return nonce
}

// headerBytes serializes the header as associated data: DHPub || PN || N,
// all big-endian.
func headerBytes(h Header) []byte {
	buf := make([]byte, 32+4+4)
	copy(buf[:32], h.DHPub[:])
	binary.BigEndian.PutUint32(buf[32:36], h.PN)
	binary.BigEndian.PutUint32(buf[36:40], h.N)
	return buf
}
