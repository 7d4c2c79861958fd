package wire_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
	"github.com/CatsMeow492/nochat.io/internal/crypto/ratchet"
	"github.com/CatsMeow492/nochat.io/internal/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var ident primitives.IdentityPublicKey
	for i := range ident {
		ident[i] = byte(i)
	}

	tests := map[string]wire.Envelope{
		"with_sender": {
			Version:        wire.Version,
			SenderIdentity: &ident,
			Type:           wire.TypePreKey,
			Payload:        []byte("payload"),
		},
		"without_sender": {
			Version: wire.Version,
			Type:    wire.TypeNormal,
			Payload: []byte{0xDE, 0xAD},
		},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			decoded, err := wire.DecodeEnvelope(env.Encode())
			require.NoError(t, err)
			assert.Equal(t, env.Version, decoded.Version)
			assert.Equal(t, env.Type, decoded.Type)
			assert.Equal(t, env.Payload, decoded.Payload)
			if env.SenderIdentity == nil {
				assert.Nil(t, decoded.SenderIdentity)
			} else {
				require.NotNil(t, decoded.SenderIdentity)
				assert.Equal(t, *env.SenderIdentity, *decoded.SenderIdentity)
			}
		})
	}
}

func TestEnvelopeLayout(t *testing.T) {
	env := wire.Envelope{Version: wire.Version, Type: wire.TypeNormal, Payload: []byte{0xAA}}
	raw := env.Encode()
	// version, zero identity length, type byte, payload
	assert.Equal(t, []byte{1, 0, 1, 0xAA}, raw)
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":         nil,
		"truncated":     {1, 0},
		"bad_version":   {9, 0, 1, 0xAA},
		"bad_ident_len": {1, 5, 1, 2, 3, 4, 5, 1},
		"bad_type":      {1, 0, 7, 0xAA},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := wire.DecodeEnvelope(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, cryptoerr.ErrDecryptionFailed))
		})
	}
}

func TestPreKeyMessageRoundTrip(t *testing.T) {
	otk := uint32(42)
	for name, hs := range map[string]ratchet.Handshake{
		"with_otk":    {SignedPreKeyID: 3, OneTimeKeyID: &otk},
		"without_otk": {SignedPreKeyID: 0},
	} {
		t.Run(name, func(t *testing.T) {
			hs.IdentityPublic[0] = 0x11
			hs.EphemeralPublic[0] = 0x22
			msg := wire.PreKeyMessage{
				Handshake: hs,
				Message: wire.Message{
					Header:     ratchet.Header{PN: 5, N: 9},
					Ciphertext: []byte("ciphertext bytes"),
				},
			}
			decoded, err := wire.DecodePreKeyMessage(msg.Encode())
			require.NoError(t, err)
			assert.Equal(t, msg.Handshake.IdentityPublic, decoded.Handshake.IdentityPublic)
			assert.Equal(t, msg.Handshake.SignedPreKeyID, decoded.Handshake.SignedPreKeyID)
			if hs.OneTimeKeyID == nil {
				assert.Nil(t, decoded.Handshake.OneTimeKeyID)
			} else {
				require.NotNil(t, decoded.Handshake.OneTimeKeyID)
				assert.Equal(t, otk, *decoded.Handshake.OneTimeKeyID)
			}
			assert.Equal(t, msg.Message.Header, decoded.Message.Header)
			assert.Equal(t, msg.Message.Ciphertext, decoded.Message.Ciphertext)
		})
	}
}

func TestBundleJSONRoundTrip(t *testing.T) {
	identity, err := primitives.GenerateIdentityKeyPair()
	require.NoError(t, err)
	cat, err := prekey.New(identity)
	require.NoError(t, err)

	bundle := cat.Bundle()
	raw, err := wire.MarshalBundle(bundle)
	require.NoError(t, err)

	parsed, err := wire.UnmarshalBundle(raw)
	require.NoError(t, err)
	assert.Equal(t, bundle.IdentityPublic, parsed.IdentityPublic)
	assert.Equal(t, bundle.SignedPreKey.ID, parsed.SignedPreKey.ID)
	assert.Equal(t, bundle.SignedPreKey.Public, parsed.SignedPreKey.Public)
	assert.Equal(t, bundle.SignedPreKey.Signature, parsed.SignedPreKey.Signature)
	assert.Equal(t, bundle.SignedPreKey.CreatedAt.Unix(), parsed.SignedPreKey.CreatedAt.Unix())
	require.NotNil(t, parsed.OneTimePreKey)
	assert.Equal(t, bundle.OneTimePreKey.ID, parsed.OneTimePreKey.ID)
	assert.Equal(t, bundle.OneTimePreKey.Public, parsed.OneTimePreKey.Public)

	// The parsed bundle still verifies under the identity key.
	assert.True(t, primitives.VerifyIdentitySignature(
		parsed.IdentityPublic,
		parsed.SignedPreKey.Public[:],
		parsed.SignedPreKey.Signature,
	))
}

func TestUnmarshalBundleRejectsBadKeys(t *testing.T) {
	_, err := wire.UnmarshalBundle([]byte(`{"identity_key":"c2hvcnQ=","signed_prekey":{"key_id":0,"public_key":"","signature":"","created_at":0},"one_time_prekey":null}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrInvalidKeyFormat))
}
