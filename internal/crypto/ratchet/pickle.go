package ratchet

import (
	"encoding/json"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

// pickled is the plaintext serialized form of a Session. The vault encrypts
// it under the pickle key before anything reaches disk.
type pickled struct {
	SessionID  []byte `json:"session_id"`
	RootKey    []byte `json:"root_key"`
	DHsPublic  []byte `json:"dhs_public"`
	DHsPrivate []byte `json:"dhs_private"`
	DHr        []byte `json:"dhr,omitempty"`

	SendChainKey []byte `json:"send_chain_key,omitempty"`
	RecvChainKey []byte `json:"recv_chain_key,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	Skipped []pickledSkip `json:"skipped,omitempty"`

	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	HasReceivedReply bool   `json:"has_received_reply"`

	Pending *pickledHandshake `json:"pending_handshake,omitempty"`
}

type pickledSkip struct {
	DHPub      []byte `json:"dh_pub"`
	N          uint32 `json:"n"`
	MessageKey []byte `json:"message_key"`
}

type pickledHandshake struct {
	IdentityPublic  []byte  `json:"identity_public"`
	EphemeralPublic []byte  `json:"ephemeral_public"`
	SignedPreKeyID  uint32  `json:"signed_prekey_id"`
	OneTimeKeyID    *uint32 `json:"one_time_key_id,omitempty"`
}

// Pickle serializes the full session state. The output contains raw chain
// and message keys and must only ever be stored encrypted.
func (s *Session) Pickle() ([]byte, error) {
	p := pickled{
		SessionID:        s.sessionID[:],
		RootKey:          s.rootKey[:],
		DHsPublic:        s.dhs.Public[:],
		DHsPrivate:       s.dhs.Private[:],
		Ns:               s.ns,
		Nr:               s.nr,
		PN:               s.pn,
		MessagesSent:     s.messagesSent,
		MessagesReceived: s.messagesReceived,
		HasReceivedReply: s.hasReceivedReply,
	}
	if s.dhr != nil {
		p.DHr = s.dhr[:]
	}
	if s.sendChainKey != nil {
		p.SendChainKey = s.sendChainKey[:]
	}
	if s.recvChainKey != nil {
		p.RecvChainKey = s.recvChainKey[:]
	}
	for k, mk := range s.skipped {
		dh := k.dh
		key := mk
		p.Skipped = append(p.Skipped, pickledSkip{DHPub: dh[:], N: k.n, MessageKey: key[:]})
	}
	if s.pending != nil {
		ph := &pickledHandshake{
			IdentityPublic:  s.pending.IdentityPublic[:],
			EphemeralPublic: s.pending.EphemeralPublic[:],
			SignedPreKeyID:  s.pending.SignedPreKeyID,
		}
		if s.pending.OneTimeKeyID != nil {
			id := *s.pending.OneTimeKeyID
			ph.OneTimeKeyID = &id
		}
		p.Pending = ph
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, cryptoerr.Wrap("ratchet.Pickle", cryptoerr.ErrSessionCorrupted, err)
	}
	return out, nil
}

// Unpickle rebuilds a Session from its serialized form. Any structural
// defect (truncated keys, bad JSON) surfaces as ErrSessionCorrupted.
func Unpickle(data []byte) (*Session, error) {
	var p pickled
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, err)
	}
	if len(p.SessionID) != 32 || len(p.RootKey) != 32 ||
		len(p.DHsPublic) != primitives.KeySize || len(p.DHsPrivate) != primitives.KeySize {
		return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
	}

	s := &Session{
		ns:               p.Ns,
		nr:               p.Nr,
		pn:               p.PN,
		messagesSent:     p.MessagesSent,
		messagesReceived: p.MessagesReceived,
		hasReceivedReply: p.HasReceivedReply,
		skipped:          make(map[skipKey][32]byte, len(p.Skipped)),
	}
	copy(s.sessionID[:], p.SessionID)
	copy(s.rootKey[:], p.RootKey)
	copy(s.dhs.Public[:], p.DHsPublic)
	copy(s.dhs.Private[:], p.DHsPrivate)

	if p.DHr != nil {
		if len(p.DHr) != primitives.KeySize {
			return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		var dhr primitives.X25519PublicKey
		copy(dhr[:], p.DHr)
		s.dhr = &dhr
	}
	if p.SendChainKey != nil {
		if len(p.SendChainKey) != 32 {
			return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		var ck [32]byte
		copy(ck[:], p.SendChainKey)
		s.sendChainKey = &ck
	}
	if p.RecvChainKey != nil {
		if len(p.RecvChainKey) != 32 {
			return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		var ck [32]byte
		copy(ck[:], p.RecvChainKey)
		s.recvChainKey = &ck
	}
	for _, sk := range p.Skipped {
		if len(sk.DHPub) != primitives.KeySize || len(sk.MessageKey) != 32 {
			return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		var dh primitives.X25519PublicKey
		var mk [32]byte
		copy(dh[:], sk.DHPub)
		copy(mk[:], sk.MessageKey)
		s.skipped[skipKey{dh: dh, n: sk.N}] = mk
	}
	if p.Pending != nil {
		if len(p.Pending.IdentityPublic) != primitives.KeySize || len(p.Pending.EphemeralPublic) != primitives.KeySize {
			return nil, cryptoerr.Wrap("ratchet.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		h := &Handshake{SignedPreKeyID: p.Pending.SignedPreKeyID}
		copy(h.IdentityPublic[:], p.Pending.IdentityPublic)
		copy(h.EphemeralPublic[:], p.Pending.EphemeralPublic)
		if p.Pending.OneTimeKeyID != nil {
			id := *p.Pending.OneTimeKeyID
			h.OneTimeKeyID = &id
		}
		s.pending = h
	}
	return s, nil
}
