// Package wire defines the byte layouts that cross the network: the outer
// per-message envelope, the inner PreKey and Normal ratchet messages, and
// the JSON shape of a published prekey bundle.
package wire

import (
	"encoding/binary"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
	"github.com/CatsMeow492/nochat.io/internal/crypto/ratchet"
)

// Version is the current envelope version byte.
const Version = 1

// Message type bytes inside the envelope.
const (
	TypePreKey byte = 0
	TypeNormal byte = 1
)

// Envelope is the outer frame of every transmitted message:
//
//	byte 0        version
//	byte 1        sender identity length L (0 if absent)
//	bytes 2..2+L  sender identity public
//	byte 2+L      message type (0 = PreKey, 1 = Normal)
//	bytes 2+L+1.. payload
type Envelope struct {
	Version        byte
	SenderIdentity *primitives.IdentityPublicKey
	Type           byte
	Payload        []byte
}

// Encode serializes the envelope.
func (e Envelope) Encode() []byte {
	identLen := 0
	if e.SenderIdentity != nil {
		identLen = primitives.KeySize
	}
	out := make([]byte, 0, 3+identLen+len(e.Payload))
	out = append(out, e.Version, byte(identLen))
	if e.SenderIdentity != nil {
		out = append(out, e.SenderIdentity[:]...)
	}
	out = append(out, e.Type)
	out = append(out, e.Payload...)
	return out
}

// DecodeEnvelope parses the outer frame. A version this implementation does
// not speak, or a truncated frame, is a decrypt failure: the payload can
// never be recovered.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) < 3 {
		return e, cryptoerr.Wrap("wire.DecodeEnvelope", cryptoerr.ErrDecryptionFailed, nil)
	}
	e.Version = data[0]
	if e.Version != Version {
		return e, cryptoerr.Wrap("wire.DecodeEnvelope", cryptoerr.ErrDecryptionFailed, nil)
	}
	identLen := int(data[1])
	rest := data[2:]
	if identLen != 0 {
		if identLen != primitives.KeySize || len(rest) < identLen+1 {
			return e, cryptoerr.Wrap("wire.DecodeEnvelope", cryptoerr.ErrDecryptionFailed, nil)
		}
		var ident primitives.IdentityPublicKey
		copy(ident[:], rest[:identLen])
		e.SenderIdentity = &ident
		rest = rest[identLen:]
	}
	if len(rest) < 1 {
		return e, cryptoerr.Wrap("wire.DecodeEnvelope", cryptoerr.ErrDecryptionFailed, nil)
	}
	e.Type = rest[0]
	if e.Type != TypePreKey && e.Type != TypeNormal {
		return e, cryptoerr.Wrap("wire.DecodeEnvelope", cryptoerr.ErrDecryptionFailed, nil)
	}
	e.Payload = rest[1:]
	return e, nil
}

// Message is the Normal payload: the ratchet header followed by the
// ciphertext.
//
//	bytes 0..31   sender ratchet DH public
//	bytes 32..35  PN (big-endian)
//	bytes 36..39  N (big-endian)
//	bytes 40..    ciphertext
type Message struct {
	Header     ratchet.Header
	Ciphertext []byte
}

const messageHeaderLen = primitives.KeySize + 4 + 4

// Encode serializes the message.
func (m Message) Encode() []byte {
	out := make([]byte, messageHeaderLen, messageHeaderLen+len(m.Ciphertext))
	copy(out[:primitives.KeySize], m.Header.DHPub[:])
	binary.BigEndian.PutUint32(out[32:36], m.Header.PN)
	binary.BigEndian.PutUint32(out[36:40], m.Header.N)
	return append(out, m.Ciphertext...)
}

// DecodeMessage parses a Normal payload.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if len(data) < messageHeaderLen {
		return m, cryptoerr.Wrap("wire.DecodeMessage", cryptoerr.ErrDecryptionFailed, nil)
	}
	copy(m.Header.DHPub[:], data[:primitives.KeySize])
	m.Header.PN = binary.BigEndian.Uint32(data[32:36])
	m.Header.N = binary.BigEndian.Uint32(data[36:40])
	m.Ciphertext = data[messageHeaderLen:]
	return m, nil
}

// PreKeyMessage is the PreKey payload: the X3DH handshake followed by a
// Normal message.
//
//	bytes 0..31   initiator identity public (Ed25519)
//	bytes 32..63  initiator ephemeral public (Curve25519)
//	bytes 64..67  signed prekey id (big-endian)
//	byte  68      one-time-key flag (0 or 1)
//	bytes 69..72  one-time key id (present iff flag = 1)
//	rest          encoded Normal message
type PreKeyMessage struct {
	Handshake ratchet.Handshake
	Message   Message
}

// Encode serializes the PreKey payload.
func (p PreKeyMessage) Encode() []byte {
	out := make([]byte, 0, 73+messageHeaderLen+len(p.Message.Ciphertext))
	out = append(out, p.Handshake.IdentityPublic[:]...)
	out = append(out, p.Handshake.EphemeralPublic[:]...)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], p.Handshake.SignedPreKeyID)
	out = append(out, id[:]...)
	if p.Handshake.OneTimeKeyID != nil {
		out = append(out, 1)
		binary.BigEndian.PutUint32(id[:], *p.Handshake.OneTimeKeyID)
		out = append(out, id[:]...)
	} else {
		out = append(out, 0)
	}
	return append(out, p.Message.Encode()...)
}

// DecodePreKeyMessage parses a PreKey payload.
func DecodePreKeyMessage(data []byte) (PreKeyMessage, error) {
	var p PreKeyMessage
	if len(data) < 69 {
		return p, cryptoerr.Wrap("wire.DecodePreKeyMessage", cryptoerr.ErrDecryptionFailed, nil)
	}
	copy(p.Handshake.IdentityPublic[:], data[:32])
	copy(p.Handshake.EphemeralPublic[:], data[32:64])
	p.Handshake.SignedPreKeyID = binary.BigEndian.Uint32(data[64:68])
	rest := data[69:]
	switch data[68] {
	case 0:
	case 1:
		if len(rest) < 4 {
			return p, cryptoerr.Wrap("wire.DecodePreKeyMessage", cryptoerr.ErrDecryptionFailed, nil)
		}
		id := binary.BigEndian.Uint32(rest[:4])
		p.Handshake.OneTimeKeyID = &id
		rest = rest[4:]
	default:
		return p, cryptoerr.Wrap("wire.DecodePreKeyMessage", cryptoerr.ErrDecryptionFailed, nil)
	}
	msg, err := DecodeMessage(rest)
	if err != nil {
		return p, err
	}
	p.Message = msg
	return p, nil
}
