// Package service is the concurrency-safe façade over the crypto core: one
// account, a hot cache of ratchet sessions, and a vault handle. Every
// mutation is flushed to the vault before its result is handed back, so a
// crash can never emit a ciphertext the sender has no durable state for.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/CatsMeow492/nochat.io/internal/crypto/account"
	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
	"github.com/CatsMeow492/nochat.io/internal/crypto/ratchet"
	"github.com/CatsMeow492/nochat.io/internal/vault"
	"github.com/CatsMeow492/nochat.io/internal/wire"
)

// Service owns the account and the per-peer sessions. All methods are safe
// for concurrent use; operations on the same peer are serialized.
type Service struct {
	accountMu sync.RWMutex
	account   *account.Account

	sessionsMu sync.RWMutex
	sessions   map[string]*ratchet.Session

	vault *vault.Vault
}

// Init loads the account from the vault, creating and persisting a fresh one
// (with a full one-time-prekey pool) on first run, then hot-caches every
// stored session. It is idempotent.
func Init(ctx context.Context, v *vault.Vault) (*Service, error) {
	s := &Service{
		sessions: make(map[string]*ratchet.Session),
		vault:    v,
	}

	blob, err := v.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		s.account, err = account.New()
		if err != nil {
			return nil, err
		}
		if err := s.persistAccount(ctx); err != nil {
			return nil, err
		}
	} else {
		s.account, err = account.Unpickle(blob)
		if err != nil {
			return nil, err
		}
	}

	peers, err := v.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	for _, peerID := range peers {
		sessBlob, err := v.LoadSession(ctx, peerID)
		if err != nil {
			return nil, err
		}
		if sessBlob == nil {
			continue
		}
		sess, err := ratchet.Unpickle(sessBlob)
		if err != nil {
			return nil, err
		}
		s.sessions[peerID] = sess
	}
	return s, nil
}

// persistAccount writes the account pickle and rewrites the key mirror.
// Callers hold at least a read lock on the account.
func (s *Service) persistAccount(ctx context.Context) error {
	pickle, err := s.account.Pickle()
	if err != nil {
		return err
	}
	identityHex := hex.EncodeToString(s.account.IdentityPublic().Slice())
	if err := s.vault.SaveAccount(ctx, identityHex, pickle); err != nil {
		return err
	}
	return s.vault.ReplaceKeys(ctx, s.keySnapshot())
}

// keySnapshot mirrors the live catalog into vault rows.
func (s *Service) keySnapshot() []vault.StoredKey {
	cat := s.account.Catalog()
	now := time.Now()

	keys := []vault.StoredKey{{
		Type:      vault.KeyTypeIdentity,
		PublicHex: hex.EncodeToString(s.account.IdentityPublic().Slice()),
		Private:   []byte("managed-in-account-pickle"),
		CreatedAt: now,
	}}

	appendSPK := func(spk prekey.SignedPreKey) {
		id := spk.ID
		keys = append(keys, vault.StoredKey{
			Type:      vault.KeyTypeSignedPreKey,
			PublicHex: hex.EncodeToString(spk.KeyPair.Public[:]),
			Private:   spk.KeyPair.Private[:],
			Signature: spk.Signature,
			KeyID:     &id,
			CreatedAt: spk.CreatedAt,
		})
	}
	appendSPK(cat.Current())
	if prev := cat.Previous(); prev != nil {
		appendSPK(*prev)
	}

	for _, otk := range cat.OneTimePreKeys() {
		id := otk.ID
		keys = append(keys, vault.StoredKey{
			Type:      vault.KeyTypeOneTimePreKey,
			PublicHex: hex.EncodeToString(otk.KeyPair.Public[:]),
			Private:   otk.KeyPair.Private[:],
			KeyID:     &id,
			CreatedAt: now,
		})
	}
	return keys
}

// saveSession flushes one session to the vault. On failure the in-memory
// copy is dropped so the next use reloads the last durable state instead of
// running ahead of it.
func (s *Service) saveSession(ctx context.Context, peerID string, sess *ratchet.Session) error {
	pickle, err := sess.Pickle()
	if err != nil {
		delete(s.sessions, peerID)
		return err
	}
	if err := s.vault.SaveSession(ctx, peerID, pickle); err != nil {
		delete(s.sessions, peerID)
		return err
	}
	return nil
}

// IdentityKey returns the Ed25519 identity public key.
func (s *Service) IdentityKey() primitives.IdentityPublicKey {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	return s.account.IdentityPublic()
}

// Fingerprint returns the 16-hex-character identity fingerprint.
func (s *Service) Fingerprint() string {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	return s.account.Fingerprint()
}

// Bundle returns the single-OTK wire bundle an initiator consumes.
func (s *Service) Bundle() prekey.Bundle {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	return s.account.Bundle()
}

// Publication is the payload uploaded to the backend: the signed prekey and
// the not-yet-published one-time prekeys.
type Publication struct {
	SignedPreKey   prekey.SignedPreKeyRecord
	OneTimePreKeys []prekey.OneTimePreKeyRecord
}

// BundleForPublication returns the current signed prekey and every
// unpublished one-time prekey.
func (s *Service) BundleForPublication() Publication {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	return Publication{
		SignedPreKey:   s.account.Catalog().Current().Record(),
		OneTimePreKeys: s.account.UnpublishedOneTimeKeys(),
	}
}

// GenerateOneTimeKeys grows the pool by up to count keys and persists.
func (s *Service) GenerateOneTimeKeys(ctx context.Context, count int) ([]prekey.OneTimePreKeyRecord, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	records, err := s.account.GenerateOneTimeKeys(count)
	if err != nil {
		return nil, err
	}
	if err := s.persistAccount(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkKeysAsPublished records that every current one-time prekey has been
// uploaded.
func (s *Service) MarkKeysAsPublished(ctx context.Context) error {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	s.account.MarkKeysAsPublished()
	return s.persistAccount(ctx)
}

// RotateSignedPreKey retires the current signed prekey, keeping the prior
// generation resolvable for in-flight handshakes, and persists.
func (s *Service) RotateSignedPreKey(ctx context.Context) (prekey.SignedPreKeyRecord, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	record, err := s.account.RotateSignedPreKey()
	if err != nil {
		return prekey.SignedPreKeyRecord{}, err
	}
	if err := s.persistAccount(ctx); err != nil {
		return prekey.SignedPreKeyRecord{}, err
	}
	return record, nil
}

// ReplenishOneTimeKeys tops the pool back up and persists, returning the new
// publishable records.
func (s *Service) ReplenishOneTimeKeys(ctx context.Context) ([]prekey.OneTimePreKeyRecord, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	records, err := s.account.Replenish()
	if err != nil {
		return nil, err
	}
	if err := s.persistAccount(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// NeedsMoreKeys reports whether the durable one-time-prekey count has
// dropped below the low-water mark.
func (s *Service) NeedsMoreKeys(ctx context.Context) (bool, error) {
	n, err := s.vault.CountOneTimePreKeys(ctx)
	if err != nil {
		return false, err
	}
	return n < prekey.LowWaterMark, nil
}

// HasSession reports whether a hot session exists for peerID.
func (s *Service) HasSession(peerID string) bool {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	_, ok := s.sessions[peerID]
	return ok
}

// EstablishOutboundSession runs X3DH against a peer's bundle, installs the
// session, persists it, and returns the peer id (lowercase hex of the peer's
// identity key).
func (s *Service) EstablishOutboundSession(ctx context.Context, peerBundle prekey.Bundle) (string, error) {
	s.accountMu.Lock()
	sess, err := s.account.CreateOutboundSession(peerBundle)
	s.accountMu.Unlock()
	if err != nil {
		return "", err
	}

	peerID := account.PeerID(peerBundle.IdentityPublic)

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[peerID] = sess
	if err := s.saveSession(ctx, peerID, sess); err != nil {
		return "", err
	}
	return peerID, nil
}

// Encrypt seals plaintext for peerID, flushing the advanced ratchet state to
// the vault before the envelope is returned. Messages sent before the peer's
// first reply carry the X3DH handshake as a PreKey envelope.
func (s *Service) Encrypt(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sess, err := s.sessionLocked(ctx, peerID)
	if err != nil {
		return nil, err
	}

	header, ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	msg := wire.Message{Header: header, Ciphertext: ciphertext}
	env := wire.Envelope{Version: wire.Version, Type: wire.TypeNormal, Payload: msg.Encode()}
	if hs := sess.PendingHandshake(); hs != nil {
		env.Type = wire.TypePreKey
		env.Payload = wire.PreKeyMessage{Handshake: *hs, Message: msg}.Encode()
		identity := s.IdentityKey()
		env.SenderIdentity = &identity
	}

	if err := s.saveSession(ctx, peerID, sess); err != nil {
		return nil, err
	}
	return env.Encode(), nil
}

// Decrypt opens an envelope from peerID. When no session exists the message
// must be a PreKey envelope accompanied by the sender's identity key (as an
// argument or in the envelope); the session is created as a side effect, and
// the consumed one-time prekey is removed durably before the session is
// committed.
func (s *Service) Decrypt(ctx context.Context, peerID string, senderIdentity *primitives.IdentityPublicKey, envelope []byte) ([]byte, error) {
	env, err := wire.DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sess, err := s.sessionLocked(ctx, peerID)
	if err == nil {
		return s.decryptWithSession(ctx, peerID, sess, env)
	}
	if !errors.Is(err, cryptoerr.ErrSessionNotFound) {
		return nil, err
	}

	if env.Type != wire.TypePreKey {
		return nil, cryptoerr.Wrap("service.Decrypt", cryptoerr.ErrSessionNotFound, nil)
	}
	identity := senderIdentity
	if identity == nil {
		identity = env.SenderIdentity
	}
	if identity == nil {
		return nil, cryptoerr.Wrap("service.Decrypt", cryptoerr.ErrSessionNotFound, nil)
	}
	if account.PeerID(*identity) != peerID {
		return nil, cryptoerr.Wrap("service.Decrypt", cryptoerr.ErrInvalidKeyFormat, nil)
	}

	pkm, err := wire.DecodePreKeyMessage(env.Payload)
	if err != nil {
		return nil, err
	}
	if pkm.Handshake.IdentityPublic != *identity {
		return nil, cryptoerr.Wrap("service.Decrypt", cryptoerr.ErrDecryptionFailed, nil)
	}

	s.accountMu.Lock()
	defer s.accountMu.Unlock()

	sess, err = s.account.CreateInboundSession(pkm.Handshake)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Decrypt(pkm.Message.Header, pkm.Message.Ciphertext)
	if err != nil {
		return nil, err
	}

	// The one-time prekey is burned durably before the session is committed,
	// so a crash in between can lose the session but never reuse the key.
	if pkm.Handshake.OneTimeKeyID != nil {
		s.account.ConsumeOneTimeKey(*pkm.Handshake.OneTimeKeyID)
	}
	if err := s.persistAccount(ctx); err != nil {
		return nil, err
	}

	s.sessions[peerID] = sess
	if err := s.saveSession(ctx, peerID, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// decryptWithSession handles traffic on an established session. PreKey
// envelopes may keep arriving until the initiator sees our first reply; the
// handshake prefix is skipped and the inner message decrypts normally.
func (s *Service) decryptWithSession(ctx context.Context, peerID string, sess *ratchet.Session, env wire.Envelope) ([]byte, error) {
	var msg wire.Message
	var err error
	switch env.Type {
	case wire.TypePreKey:
		var pkm wire.PreKeyMessage
		if pkm, err = wire.DecodePreKeyMessage(env.Payload); err == nil {
			msg = pkm.Message
		}
	default:
		msg, err = wire.DecodeMessage(env.Payload)
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := sess.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	if err := s.saveSession(ctx, peerID, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// sessionLocked resolves a peer's session from the hot cache, falling back
// to the vault. Callers hold the sessions write lock.
func (s *Service) sessionLocked(ctx context.Context, peerID string) (*ratchet.Session, error) {
	if sess, ok := s.sessions[peerID]; ok {
		return sess, nil
	}
	blob, err := s.vault.LoadSession(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, cryptoerr.Wrap("service.session", cryptoerr.ErrSessionNotFound, nil)
	}
	sess, err := ratchet.Unpickle(blob)
	if err != nil {
		return nil, err
	}
	s.sessions[peerID] = sess
	return sess, nil
}

// DeleteSession drops a peer's session from the cache and the vault.
func (s *Service) DeleteSession(ctx context.Context, peerID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, peerID)
	return s.vault.DeleteSession(ctx, peerID)
}

// DeleteAllSessions drops every session, for peer removal or logout.
func (s *Service) DeleteAllSessions(ctx context.Context) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions = make(map[string]*ratchet.Session)
	return s.vault.DeleteAllSessions(ctx)
}

// SessionStats reports a session's send/receive counters.
type SessionStats struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	HasReceivedMessage bool
}

// SessionStats returns the counters for peerID's session.
func (s *Service) SessionStats(peerID string) (SessionStats, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[peerID]
	if !ok {
		return SessionStats{}, cryptoerr.Wrap("service.SessionStats", cryptoerr.ErrSessionNotFound, nil)
	}
	return SessionStats{
		MessagesSent:       sess.MessagesSent(),
		MessagesReceived:   sess.MessagesReceived(),
		HasReceivedMessage: sess.HasReceivedMessage(),
	}, nil
}

// Status is the one-call prekey health snapshot.
type Status struct {
	Fingerprint            string
	OneTimePreKeyCount     int
	NeedsReplenishment     bool
	NeedsRotation          bool
	SignedPreKeyAgeSeconds int64
	Sessions               int
}

// Status reports prekey health and session count in one call.
func (s *Service) Status(ctx context.Context) (Status, error) {
	s.accountMu.RLock()
	cat := s.account.Catalog()
	st := Status{
		Fingerprint:            s.account.Fingerprint(),
		OneTimePreKeyCount:     s.account.OneTimePreKeyCount(),
		NeedsReplenishment:     s.account.NeedsReplenishment(),
		NeedsRotation:          s.account.NeedsRotation(),
		SignedPreKeyAgeSeconds: int64(time.Since(cat.Current().CreatedAt).Seconds()),
	}
	s.accountMu.RUnlock()

	peers, err := s.vault.ListPeers(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Sessions = len(peers)
	return st, nil
}
